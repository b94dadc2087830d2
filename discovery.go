package main

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/exp/maps"

	"github.com/robertof/go-bms-exporter/ble"
	"github.com/robertof/go-bms-exporter/coordinator"
	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/jbd"
)

type deviceInfo struct {
  name string
  rssi int
  connectable bool
  services map[string]bool
}

// discoveredDevices merges the advertisements of each device seen during a discovery.
type discoveredDevices struct {
  mu sync.Mutex
  devices map[string]*deviceInfo
}

func (d *discoveredDevices) add(desc device.Descriptor, a ble.Advertisement) {
  d.mu.Lock()
  defer d.mu.Unlock()

  if d.devices == nil {
    d.devices = make(map[string]*deviceInfo)
  }

  info, ok := d.devices[desc.ID]

  if !ok {
    info = &deviceInfo{services: make(map[string]bool)}
    d.devices[desc.ID] = info
  }

  if info.name == "" {
    info.name = desc.Name
  }

  info.rssi = a.RSSI()
  info.connectable = a.Connectable()

  for _, uuid := range a.Services() {
    info.services[uuid.String()] = true
  }

  log.Debug().
    Str("Addr", desc.ID).
    Str("Name", desc.Name).
    Int("RSSI", a.RSSI()).
    Bool("Connectable", a.Connectable()).
    Strs("Services", maps.Keys(info.services)).
    Hex("ManufacturerData", a.ManufacturerData()).
    Msg("Received device advertisement")
}

// looksLikeBMS reports whether the device advertises the JBD service.
func (i *deviceInfo) looksLikeBMS() bool {
  return i.services[jbd.ServiceUUID.String()]
}

func doDeviceDiscovery(cfg config) {
  log.Info().
    Dur("DurationSec", cfg.DiscoveryDuration).
    Msg("Starting in device discovery mode - collecting devices...")

  handle, err := ble.Init(cfg.BluetoothDeviceId, ble.FlagScanTypeActive | ble.FlagAllowDuplicates)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  defer handle.Stop()

  ctx, cancel := context.WithTimeout(context.Background(), cfg.DiscoveryDuration)
  defer cancel()
  ctx = ble.WrapContextWithSigHandler(ctx, cancel)

  coord := coordinator.New(handle, coordinator.Options{
    ScanTimeout: cfg.DiscoveryDuration,
    RequestTimeout: cfg.RequestTimeout,
  })

  var found discoveredDevices

  if err := coord.Discover(ctx, found.add); err != nil && ctx.Err() == nil {
    log.Fatal().Err(err).Msg("Failed to initiate scan")
  }

  coord.Stop()

  found.mu.Lock()
  defer found.mu.Unlock()

  log.Info().Int("Found", len(found.devices)).Msg("Finished device discovery")

  addrs := maps.Keys(found.devices)
  sort.Strings(addrs)

  for _, addr := range addrs {
    info := found.devices[addr]
    services := maps.Keys(info.services)
    sort.Strings(services)

    log.Info().
      Str("Addr", addr).
      Str("Name", info.name).
      Int("RSSI", info.rssi).
      Bool("Connectable", info.connectable).
      Bool("JBD", info.looksLikeBMS()).
      Strs("Services", services).
      Msg("Found device")
  }
}
