package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/robertof/go-bms-exporter/ble"
	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/robertof/go-bms-exporter/device/jbd"
	"gopkg.in/yaml.v3"
)

type config struct {
  Debug bool `yaml:"debug"`
  Trace bool `yaml:"trace"`
  BindAddress string `yaml:"bind" default:"localhost:9103"`
  EnableMetamonitoring bool `yaml:"metamonitoring" default:"true"`

  DiscoverDevices bool `yaml:"-"`
  DiscoveryDuration time.Duration `yaml:"discovery_duration" default:"10s"`

  BluetoothDeviceId int `yaml:"bluetooth_device"`
  BluetoothConnParams ble.ConnParams `yaml:"bluetooth_connection_params" default:"default"`
  ActiveScan bool `yaml:"active_scan" default:"true"`

  StorePath string `yaml:"store" default:"bms-exporter.db"`
  Forget string `yaml:"-"`
  ForgetAll bool `yaml:"-"`

  ScanTimeout time.Duration `yaml:"scan_timeout" default:"15s"`
  RequestTimeout time.Duration `yaml:"request_timeout" default:"15s"`
  StopScanWhenIdle bool `yaml:"stop_scan_when_idle" default:"true"`
  ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
  MaxFrameSize int `yaml:"max_frame_size"`

  PollInterval time.Duration `yaml:"interval" default:"5s"`
  SettleDelay time.Duration `yaml:"settle_delay" default:"200ms"`
  CommandSpacing time.Duration `yaml:"command_spacing" default:"300ms"`
  IdleTimeout time.Duration `yaml:"idle_timeout"`
  Backoff time.Duration `yaml:"backoff" default:"500ms"`
  MaxBackoff time.Duration `yaml:"max_backoff" default:"1m"`
  BreakerFailures uint `yaml:"breaker_failures" default:"5"`
  BreakerTimeout time.Duration `yaml:"breaker_timeout" default:"2m"`

  BoatMonitor bool `yaml:"boat_monitor"`
  BoatMonitorName string `yaml:"boat_monitor_name" default:"BoatMonitor"`
  ControlRate float64 `yaml:"control_rate" default:"2"`
  ControlBurst int `yaml:"control_burst" default:"4"`

  Batteries []batteryEntry `yaml:"batteries"`
  Devices []device.Descriptor `yaml:"-"`
}

// batteryEntry is a battery listed in the configuration file.
type batteryEntry struct {
  Addr string `yaml:"addr"`
  Name string `yaml:"name"`
}

type boundDeviceList struct {
  device.Factory
  name string
  list *[]device.Descriptor
}

var deviceFactories = map[string]device.Factory {
  "battery": &jbd.Factory{},
}

func (d *boundDeviceList) String() string {
  return ""
}

func (d *boundDeviceList) Set(v string) error {
  desc, err := device.FromString(d.Factory, v)
  if err != nil {
    return fmt.Errorf("failed to create %s: %w", d.name, err)
  }

  *d.list = append(*d.list, desc)

  return nil
}

// loadFile overlays the YAML file at path onto cfg.
func (cfg *config) loadFile(path string) error {
  data, err := os.ReadFile(path)

  if err != nil {
    return fmt.Errorf("failed to read config file: %w", err)
  }

  if err := yaml.Unmarshal(data, cfg); err != nil {
    return fmt.Errorf("failed to parse config file %s: %w", path, err)
  }

  factory := deviceFactories["battery"]

  for _, b := range cfg.Batteries {
    desc, err := factory.FromSpec(device.DeviceSpec{
      device.DeviceSpecFieldAddress: b.Addr,
      device.DeviceSpecFieldName: b.Name,
    })

    if err != nil {
      return fmt.Errorf("invalid battery in config file: %w", err)
    }

    cfg.Devices = append(cfg.Devices, desc)
  }

  return nil
}

func ParseArgs() config {
  cfg, err := parseArgs(flag.CommandLine, os.Args[1:])

  if err != nil {
    fmt.Fprintln(os.Stderr, "Error:", err)
    flag.Usage()
    os.Exit(1)
  }

  return cfg
}

func parseArgs(fs *flag.FlagSet, args []string) (cfg config, err error) {
  defaults.SetDefaults(&cfg)

  var configPath string
  var breakerFailures uint = cfg.BreakerFailures

  fs.StringVar(&configPath, "config", "", "YAML configuration file. Flags set on the command line take precedence")
  fs.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Where the exporter will bind to")
  fs.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", cfg.BluetoothDeviceId, "Bluetooth (HCI) device ID")
  fs.Var(&cfg.BluetoothConnParams, "bluetooth-connection-params", "Bluetooth connection parameters (one of 'default' or 'power-saving')")
  fs.BoolVar(&cfg.ActiveScan, "active-scan", cfg.ActiveScan, "Use active BLE scans. Needed to see most advertised names")
  fs.BoolVar(&cfg.DiscoverDevices, "discover", false, "Discover available BLE devices and quit")
  fs.DurationVar(&cfg.DiscoveryDuration, "discover-duration", cfg.DiscoveryDuration, "How long '-discover' scans for")
  fs.BoolVar(&cfg.EnableMetamonitoring, "metamonitoring", cfg.EnableMetamonitoring, "Enable metamonitoring metrics")
  fs.StringVar(&cfg.StorePath, "store", cfg.StorePath, "Path of the SQLite database holding the known batteries")
  fs.StringVar(&cfg.Forget, "forget", "", "Remove the battery with this address from the store and quit")
  fs.BoolVar(&cfg.ForgetAll, "forget-all", false, "Remove every battery from the store and quit")
  fs.DurationVar(&cfg.ScanTimeout, "scan-timeout", cfg.ScanTimeout, "How long a BLE scan runs at most")
  fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "How long to wait for a device to show up in a scan")
  fs.BoolVar(&cfg.StopScanWhenIdle, "stop-scan-when-idle", cfg.StopScanWhenIdle, "Stop scanning as soon as no device is being looked for")
  fs.DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "Timeout for connecting to a device and resolving its services")
  fs.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "Discard partial BMS frames larger than this. 0 disables the limit")
  fs.DurationVar(&cfg.PollInterval, "interval", cfg.PollInterval, "How frequently connected devices are polled")
  fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Wait after connecting before the first request")
  fs.DurationVar(&cfg.CommandSpacing, "command-spacing", cfg.CommandSpacing, "Minimum time between two requests to the same battery")
  fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout,
    "Disconnect from devices if metrics are not scraped for this long. Defaults to 12 * interval, negative disables it")
  fs.DurationVar(&cfg.Backoff, "backoff", cfg.Backoff, "Exponential backoff factor for reconnections")
  fs.DurationVar(&cfg.MaxBackoff, "max-backoff", cfg.MaxBackoff, "Maximum delay between reconnections")
  fs.UintVar(&breakerFailures, "breaker-failures", breakerFailures, "Consecutive connection failures before reconnections are paused")
  fs.DurationVar(&cfg.BreakerTimeout, "breaker-timeout", cfg.BreakerTimeout, "How long reconnections are paused for")
  fs.BoolVar(&cfg.BoatMonitor, "boat-monitor", cfg.BoatMonitor, "Also monitor the boat monitor")
  fs.StringVar(&cfg.BoatMonitorName, "boat-monitor-name", cfg.BoatMonitorName, "Name advertised by the boat monitor")
  fs.Float64Var(&cfg.ControlRate, "control-rate", cfg.ControlRate, "Requests per second allowed on the control endpoints")
  fs.IntVar(&cfg.ControlBurst, "control-burst", cfg.ControlBurst, "Burst allowed on the control endpoints")
  fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  fs.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  var flagDevices []device.Descriptor

  for deviceName, deviceFactory := range deviceFactories {
    boundList := &boundDeviceList{
      name:    deviceName,
      Factory: deviceFactory,
      list:    &flagDevices,
    }

    fs.Var(boundList, deviceName, device.Usage(deviceFactory))
  }

  if err := fs.Parse(args); err != nil {
    return cfg, err
  }

  cfg.BreakerFailures = breakerFailures

  if configPath != "" {
    // the file overrides the defaults, explicit flags override the file.
    explicit := make(map[string]string)

    fs.Visit(func(f *flag.Flag) {
      if _, ok := f.Value.(*boundDeviceList); !ok {
        explicit[f.Name] = f.Value.String()
      }
    })

    if err := cfg.loadFile(configPath); err != nil {
      return cfg, err
    }

    for name, value := range explicit {
      if err := fs.Set(name, value); err != nil {
        return cfg, fmt.Errorf("failed to restore flag -%s: %w", name, err)
      }
    }

    if _, ok := explicit["breaker-failures"]; ok {
      cfg.BreakerFailures = breakerFailures
    }
  }

  cfg.Devices = append(cfg.Devices, flagDevices...)

  if cfg.BoatMonitorName == "" {
    cfg.BoatMonitorName = boatmonitor.DefaultName
  }

  if cfg.IdleTimeout == 0 {
    cfg.IdleTimeout = cfg.PollInterval * 12
  } else if cfg.IdleTimeout < 0 {
    cfg.IdleTimeout = 0
  }

  return cfg, nil
}
