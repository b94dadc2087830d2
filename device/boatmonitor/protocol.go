package boatmonitor

import (
  "encoding/binary"
  "fmt"

  "github.com/pkg/errors"
  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/device"
)

const DefaultName = "BoatMonitor"

var (
  ServiceUUID = ble.UUID16(0x00ff)
  StatusLedUUID = ble.UUID16(0xff01)
  BlinkRateUUID = ble.UUID16(0xff02)
  AnalogInputsUUID = ble.UUID16(0xff03)
  LedStripUUID = ble.UUID16(0xff04)
)

const MaxBlinkRate = 100

// AnalogInputs are the two voltage inputs, sent as big endian millivolts.
type AnalogInputs struct {
  Voltage1 float64
  Voltage2 float64
}

func (a AnalogInputs) String() string {
  return fmt.Sprintf("AnalogInputs[V1=%.2fV,V2=%.2fV]", a.Voltage1, a.Voltage2)
}

func ParseAnalogInputs(data []byte) (AnalogInputs, error) {
  if len(data) < 4 {
    return AnalogInputs{}, errors.Wrapf(device.ErrInvalidData, "analog inputs: got %d bytes, need 4", len(data))
  }

  return AnalogInputs{
    Voltage1: float64(binary.BigEndian.Uint16(data[0:2])) / 1000,
    Voltage2: float64(binary.BigEndian.Uint16(data[2:4])) / 1000,
  }, nil
}

// Strip is the state of the RGBW LED strip.
type Strip struct {
  On bool
  Red, Green, Blue, White uint8
}

func (s Strip) String() string {
  return fmt.Sprintf("Strip[On=%v,R=%d,G=%d,B=%d,W=%d]", s.On, s.Red, s.Green, s.Blue, s.White)
}

// Bytes encodes s as written to the strip characteristic: [on, r, g, b, w].
func (s Strip) Bytes() []byte {
  var on byte

  if s.On {
    on = 1
  }

  return []byte{on, s.Red, s.Green, s.Blue, s.White}
}

// ParseStrip decodes a strip state. Older firmware doesn't send the white channel.
func ParseStrip(data []byte) (Strip, error) {
  if len(data) < 4 {
    return Strip{}, errors.Wrapf(device.ErrInvalidData, "led strip: got %d bytes, need at least 4", len(data))
  }

  s := Strip{
    On: data[0] != 0,
    Red: data[1],
    Green: data[2],
    Blue: data[3],
  }

  if len(data) >= 5 {
    s.White = data[4]
  }

  return s, nil
}
