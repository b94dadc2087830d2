package jbd

import (
  "fmt"
  "strconv"

  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/device"
)

const (
  serviceUuid = 0xff00
  notifyCharacteristicUuid = 0xff01
  writeCharacteristicUuid = 0xff02
)

var (
  ServiceUUID = ble.UUID16(serviceUuid)
  NotifyCharacteristicUUID = ble.UUID16(notifyCharacteristicUuid)
  WriteCharacteristicUUID = ble.UUID16(writeCharacteristicUuid)
)

const (
  StartByte byte = 0xdd
  TerminatorByte byte = 0x77

  // 4 header bytes + 2 checksum bytes + 1 terminator.
  frameOverhead = 7
  headerLength = 4
)

type Command byte

const (
  CommandBasicInfo Command = 0x03
  CommandCellVoltages Command = 0x04
)

// Read requests are literal constants: DD A5 <cmd> 00 <checksum hi> <checksum lo> 77.
var (
  basicInfoRequest = []byte{0xdd, 0xa5, 0x03, 0x00, 0xff, 0xfd, 0x77}
  cellVoltagesRequest = []byte{0xdd, 0xa5, 0x04, 0x00, 0xff, 0xfc, 0x77}
)

// Request returns the bytes to write to request the given command. The returned slice must not
// be modified.
func (c Command) Request() ([]byte, error) {
  switch c {
  case CommandBasicInfo:
    return basicInfoRequest, nil
  case CommandCellVoltages:
    return cellVoltagesRequest, nil
  default:
    return nil, fmt.Errorf("%w: unsupported command %v", device.ErrInvalidData, c)
  }
}

func (c Command) String() string {
  switch c {
  case CommandBasicInfo:
    return "BasicInfo"
  case CommandCellVoltages:
    return "CellVoltages"
  default:
    return "Unknown(0x" + strconv.FormatUint(uint64(c), 16) + ")"
  }
}
