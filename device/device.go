package device

import (
  "errors"
  "fmt"
  "strings"
)

var (
  ErrInvalidData = errors.New("invalid data")

  // scan or request deadline elapsed before the device advertised itself.
  ErrNotFound = errors.New("device not found")

  ErrServiceNotFound = errors.New("BLE service not found")
  ErrCharacteristicsNotFound = errors.New("BLE characteristics not found")

  // transport-level failure while connecting to or writing to a device.
  ErrConnection = errors.New("connection error")
  ErrNotConnected = errors.New("not connected")
)

// Descriptor identifies a BLE device as discovered by a scan. It is immutable once discovered.
type Descriptor struct {
  ID string `json:"id"`
  Name string `json:"name"`
}

func NewDescriptor(id, name string) Descriptor {
  return Descriptor{
    ID: NormalizeID(id),
    Name: name,
  }
}

// NormalizeID returns the canonical form of a device identifier (lowercase MAC address).
func NormalizeID(id string) string {
  return strings.ToLower(strings.TrimSpace(id))
}

func (d Descriptor) DisplayName() string {
  if d.Name != "" {
    return d.Name
  }

  short := d.ID
  if len(short) > 8 {
    short = short[:8]
  }

  return fmt.Sprintf("Unknown (%s)", short)
}

func (d Descriptor) String() string {
  return fmt.Sprintf("device[name=%q, id=%v]", d.Name, d.ID)
}
