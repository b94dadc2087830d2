package model

import (
	"fmt"
	"time"

	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/robertof/go-bms-exporter/device/jbd"
)

// Result is something a device worker observed: an event emitted by a link, or an error.
type Result struct {
  Event any
  Error error
}

func (c Result) String() string {
  if c.Error != nil {
    return fmt.Sprintf("result:error(%v)", c.Error)
  } else {
    return fmt.Sprintf("result:success(%v)", c.Event)
  }
}

type DeviceResult struct {
	Key string
	Result
}

type Battery struct {
  Device device.Descriptor
  Connected bool
  Status string
  LastError string

  BasicInfo *jbd.BasicInfo
  BasicInfoTime time.Time
  CellVoltages *jbd.CellVoltages
  CellVoltagesTime time.Time
}

type Monitor struct {
  Device device.Descriptor
  Connected bool
  Status string
  LastError string

  Inputs *boatmonitor.AnalogInputs
  InputsTime time.Time
  Strip *boatmonitor.Strip
  StripTime time.Time
}

// Snapshot is a copy of the latest known state of every device, batteries in configuration order.
type Snapshot struct {
  Batteries []Battery
  Monitor *Monitor
}
