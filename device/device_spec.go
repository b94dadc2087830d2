package device

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// DeviceSpec is the parsed form of a `key=value,key=value` device flag.
type DeviceSpec map[string]string

const (
  DeviceSpecFieldName = "name"
  DeviceSpecFieldAddress = "addr"
)

func NewDeviceSpec(s string) DeviceSpec {
  spec := DeviceSpec{}
  entries := strings.Split(s, ",")

  for _, entry := range entries {
    parts := strings.SplitN(entry, "=", 2)

    if len(parts) != 2 {
      log.Warn().Str("Entry", entry).Msg("Skipping invalid device spec entry")
      continue
    }

    spec[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
  }

  return spec
}

func (ds DeviceSpec) Name() string {
  return ds[DeviceSpecFieldName]
}

func (ds DeviceSpec) Addr() string {
  return ds[DeviceSpecFieldAddress]
}

// Descriptor validates the spec and turns it into a Descriptor.
func (ds DeviceSpec) Descriptor() (Descriptor, error) {
  addr := ds.Addr()

  if addr == "" {
    return Descriptor{}, fmt.Errorf("%w: missing %q in device spec", ErrInvalidData, DeviceSpecFieldAddress)
  }

  return NewDescriptor(addr, ds.Name()), nil
}
