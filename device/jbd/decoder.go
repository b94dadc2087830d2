package jbd

import (
  "encoding/binary"

  "github.com/pkg/errors"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/rs/zerolog/log"
)

const (
  basicInfoMinLength = 23
  temperaturesOffset = 23

  // temperatures are reported in decikelvin.
  zeroCelsiusDeciKelvin = 2731
)

// Reading is either a BasicInfo or a CellVoltages.
type Reading interface {
  String() string
}

// Decoder validates frames and parses their payload. It is not safe for concurrent use: the
// expected cell count learned from basic info frames is kept between calls.
type Decoder struct {
  cellCount int
}

// CellCount returns the cell count learned from the last basic info frame.
func (d *Decoder) CellCount() int {
  return d.cellCount
}

// Decode validates frame and returns its reading. Frames carrying an unknown command yield
// neither a reading nor an error.
//
// Checksum bytes are used to locate the end of the payload but are not verified.
func (d *Decoder) Decode(frame Frame) (Reading, error) {
  if len(frame) < frameOverhead {
    return nil, &ProtocolError{Kind: KindTooShort, Length: len(frame), Need: frameOverhead}
  }

  if frame[0] != StartByte {
    return nil, &ProtocolError{Kind: KindBadStartByte, Start: frame[0]}
  }

  if status := frame.Status(); status != 0x00 {
    return nil, &ProtocolError{Kind: KindDeviceError, Status: status}
  }

  if need := frame.PayloadLength() + frameOverhead; len(frame) < need {
    return nil, &ProtocolError{Kind: KindIncomplete, Length: len(frame), Need: need}
  }

  payload := frame.Payload()

  switch cmd := frame.Command(); cmd {
  case CommandBasicInfo:
    info, err := parseBasicInfo(payload)

    if err != nil {
      return nil, err
    }

    d.cellCount = int(info.CellCount)

    return info, nil
  case CommandCellVoltages:
    return parseCellVoltages(payload, d.cellCount), nil
  default:
    log.Debug().Stringer("Command", cmd).Msg("jbd: ignoring frame with unknown command")

    return nil, nil
  }
}

func parseBasicInfo(data []byte) (info BasicInfo, err error) {
  if len(data) < basicInfoMinLength {
    return info, errors.Wrapf(device.ErrInvalidData,
      "jbd: basic info payload too short (%d bytes, want >= %d)", len(data), basicInfoMinLength)
  }

  bo := binary.BigEndian

  info.TotalVoltage = float64(bo.Uint16(data[0:])) * 0.01
  // signed. Go does 2's complement when casting.
  info.Current = float64(int16(bo.Uint16(data[2:]))) * 0.01
  info.RemainingCapacity = float64(bo.Uint16(data[4:])) * 0.01
  info.FullCapacity = float64(bo.Uint16(data[6:])) * 0.01
  info.CycleCount = bo.Uint16(data[8:])
  info.ProtectionStatus = bo.Uint16(data[16:])
  info.StateOfCharge = data[19]

  fetStatus := data[20]
  info.ChargeFetOn = fetStatus & 0x01 != 0
  info.DischargeFetOn = fetStatus & 0x02 != 0

  info.CellCount = data[21]

  sensors := int(data[22])

  for i := 0; i < sensors; i++ {
    offset := temperaturesOffset + i * 2

    if offset + 2 > len(data) {
      break
    }

    raw := int(bo.Uint16(data[offset:]))
    info.Temperatures = append(info.Temperatures, float64(raw - zeroCelsiusDeciKelvin) * 0.1)
  }

  return info, nil
}

// parseCellVoltages reads up to cellCount millivolt values. Short payloads yield a partial
// reading.
func parseCellVoltages(data []byte, cellCount int) (cv CellVoltages) {
  cv.Voltages = make([]float64, 0, cellCount)

  for i := 0; i < cellCount && i * 2 + 2 <= len(data); i++ {
    mv := binary.BigEndian.Uint16(data[i * 2:])
    cv.Voltages = append(cv.Voltages, float64(mv) * 0.001)
  }

  return cv
}
