package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertof/go-bms-exporter/ble"
	"github.com/robertof/go-bms-exporter/collector"
	"github.com/robertof/go-bms-exporter/coordinator"
	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/robertof/go-bms-exporter/device/jbd"
	"github.com/robertof/go-bms-exporter/metrics"
	"github.com/robertof/go-bms-exporter/store"
	"github.com/robertof/go-bms-exporter/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

func main() {
  utils.SetupLogging(false, false)

  cfg := ParseArgs()

  utils.SetupLogging(cfg.Debug, cfg.Trace)

  if cfg.DiscoverDevices {
    doDeviceDiscovery(cfg)
    return
  }

  st, err := store.OpenSQLite(cfg.StorePath)

  if err != nil {
    log.Fatal().Err(err).Str("Path", cfg.StorePath).Msg("Failed to open device store")
  }

  defer st.Close()

  if cfg.ForgetAll || cfg.Forget != "" {
    if err := forgetDevices(context.Background(), st, cfg); err != nil {
      log.Fatal().Err(err).Msg("Failed to update device store")
    }

    return
  }

  devices, err := loadDevices(context.Background(), st, cfg.Devices)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to load devices")
  }

  if len(devices) == 0 && !cfg.BoatMonitor {
    log.Error().Msg("At least one battery is required: pass -battery or list them in the config file")
    os.Exit(1)
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Array("Batteries", utils.ToZeroLogArray(devices)).
    Bool("BoatMonitor", cfg.BoatMonitor).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Msg("Starting with the specified configuration")

  bleHandle := initBle(cfg)

  coord := coordinator.New(bleHandle, coordinator.Options{
    ScanTimeout: cfg.ScanTimeout,
    RequestTimeout: cfg.RequestTimeout,
    StopWhenIdle: cfg.StopScanWhenIdle,
  })

  batteries := make([]*jbd.Link, len(devices))

  for i, desc := range devices {
    batteries[i] = jbd.NewLink(desc, bleHandle, coord)
    batteries[i].ConnectTimeout = cfg.ConnectTimeout
    batteries[i].MaxFrameSize = cfg.MaxFrameSize
  }

  var monitor *boatmonitor.Monitor
  var boat boatController

  if cfg.BoatMonitor {
    monitor = boatmonitor.New(cfg.BoatMonitorName, bleHandle, coord)
    monitor.ConnectTimeout = cfg.ConnectTimeout
    boat = monitor
  }

  coll := collector.NewRecurring(batteries, monitor)
  coll.IdleTimeout = cfg.IdleTimeout

  registry := prometheus.NewRegistry()

  if cfg.EnableMetamonitoring {
    registry.MustRegister(
      collectors.NewGoCollector(),
      collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
    )
    ble.RegisterMetrics(registry)
    coord.RegisterMetrics(registry)
  }

  metrics.RegisterCollector(coll.Latest, registry)

  ctx, cancel := context.WithCancel(context.Background())
  ctx = ble.WrapContextWithSigHandler(ctx, cancel)

  go func() {
    err := coll.Start(ctx, collector.Options{
      PollInterval: cfg.PollInterval,
      SettleDelay: cfg.SettleDelay,
      CommandSpacing: cfg.CommandSpacing,
      BackoffFactor: cfg.Backoff,
      MaxBackoff: cfg.MaxBackoff,
      BreakerFailures: uint32(cfg.BreakerFailures),
      BreakerTimeout: cfg.BreakerTimeout,
    })

    if err != nil {
      log.Error().Err(err).Msg("Collector stopped with an error")
    }
  }()

  mux := http.NewServeMux()
  mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
  newControlServer(boat, st, rate.Limit(cfg.ControlRate), cfg.ControlBurst).register(mux)

  server := &http.Server{
    Addr: cfg.BindAddress,
    Handler: mux,
    ReadHeaderTimeout: 10 * time.Second,
  }

  go func() {
    <-ctx.Done()

    log.Info().Msg("Shutting down")

    shutdownCtx, cancel := context.WithTimeout(context.Background(), 5 * time.Second)
    defer cancel()

    if err := server.Shutdown(shutdownCtx); err != nil {
      log.Warn().Err(err).Msg("Failed to shut down HTTP server")
    }
  }()

  log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting Prometheus server")

  if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
      log.Fatal().Err(err).Msg("Unable to bind on requested address")
  }

  coord.Stop()
  bleHandle.Stop()
}

func initBle(cfg config) *ble.Handle {
  var bleFlags ble.Flags

  if cfg.ActiveScan {
    bleFlags |= ble.FlagScanTypeActive
  }

  bleHandle, err := ble.InitWithConnParams(cfg.BluetoothDeviceId, cfg.BluetoothConnParams, bleFlags)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  return bleHandle
}

// loadDevices adds the configured batteries to the store and returns every stored battery.
func loadDevices(ctx context.Context, st device.Store, configured []device.Descriptor) ([]device.Descriptor, error) {
  for _, desc := range configured {
    if err := st.Add(ctx, desc); err != nil {
      return nil, err
    }
  }

  return st.List(ctx)
}

func forgetDevices(ctx context.Context, st device.Store, cfg config) error {
  if cfg.ForgetAll {
    log.Info().Msg("Removing every battery from the store")
    return st.Clear(ctx)
  }

  log.Info().Str("Addr", cfg.Forget).Msg("Removing battery from the store")

  return st.Remove(ctx, cfg.Forget)
}
