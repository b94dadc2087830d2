package jbd

import (
  "fmt"
  "net"

  "github.com/robertof/go-bms-exporter/device"
  "github.com/rs/zerolog/log"
)

type Factory struct{}

func (f *Factory) FromSpec(spec device.DeviceSpec) (device.Descriptor, error) {
  desc, err := spec.Descriptor()

  if err != nil {
    return desc, err
  }

  if _, err := net.ParseMAC(desc.ID); err != nil {
    return device.Descriptor{}, fmt.Errorf("invalid addr: %w", err)
  }

  log.Debug().Stringer("Device", desc).Msg("jbd: configured battery")

  return desc, nil
}

func (f *Factory) Help() string {
  return `Supported parameters:
addr (string, required): MAC address of this JBD BMS
name (string): Name of this battery, defaults to the name advertised by the BMS`
}
