package ble

import (
  "fmt"
  "slices"

  "github.com/go-ble/ble/linux/hci/cmd"
)

type ConnParams string

const (
  ConnParamsDefault     ConnParams = "default"
  ConnParamsPowerSaving ConnParams = "power-saving"
)

var allConnParams = []ConnParams{ConnParamsDefault, ConnParamsPowerSaving}

// *flag.Value
func (c *ConnParams) String() string {
  return string(*c)
}

func (c *ConnParams) Set(v string) error {
  if v == "" {
    *c = ConnParamsDefault
    return nil
  }

  p := ConnParams(v)

  if !slices.Contains(allConnParams, p) {
    return fmt.Errorf("unknown connection param %v (must be one of %v)", p, allConnParams)
  }

  *c = p
  return nil
}

// encoding.TextUnmarshaler, used when the params come from the YAML config.
func (c *ConnParams) UnmarshalText(text []byte) error {
  return c.Set(string(text))
}

func (c ConnParams) AdapterOptions() cmd.LECreateConnection {
  p := cmd.LECreateConnection{
    LEScanInterval:        0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
    LEScanWindow:          0x0004,    // 0x0004 - 0x4000; N * 0.625 msec
    InitiatorFilterPolicy: 0x00,      // White list is not used
    PeerAddressType:       0x00,      // Public Device Address
    PeerAddress:           [6]byte{}, //
    OwnAddressType:        0x00,      // Public Device Address
    ConnIntervalMin:       0x0006,    // 0x0006 - 0x0C80; N * 1.25 msec
    ConnIntervalMax:       0x0018,    // 0x0006 - 0x0C80; N * 1.25 msec
    ConnLatency:           0x0000,    // 0x0000 - 0x01F3; N * 1.25 msec
    SupervisionTimeout:    0x00c8,    // 0x000A - 0x0C80; N * 10 msec
    MinimumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
    MaximumCELength:       0x0000,    // 0x0000 - 0xFFFF; N * 0.625 msec
  }

  switch c {
  case ConnParamsDefault:
    break
  case ConnParamsPowerSaving:
    // BMS responses span several notifications, so keep the slave latency low enough that a
    // full frame still arrives well within the command spacing (300ms by default):
    // - interval max * (latency + 1) <= 1/2 supervision timeout
    // - supervision timeout > interval max * (latency + 1) * 3
    p.ConnIntervalMin    = 0x0050 // 100ms
    p.ConnIntervalMax    = 0x0050 // 100ms
    p.ConnLatency        = 0x0004 // 4
    p.SupervisionTimeout = 0x0258 // 6s
  default:
    panic("unknown Bluetooth connection param: " + c)
  }

  return p
}
