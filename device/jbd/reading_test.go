package jbd_test

import (
  "reflect"
  "testing"

  "github.com/robertof/go-bms-exporter/device/jbd"
)

func TestHighlight(t *testing.T) {
  tests := []struct {
    name string
    voltages []float64
    want []jbd.Cell
  }{
    {
      name: "empty",
      voltages: nil,
      want: nil,
    },
    {
      name: "single cell",
      voltages: []float64{3.3},
      want: []jbd.Cell{
        {Number: 1, Voltage: 3.3, Highest: true, Lowest: true},
      },
    },
    {
      name: "distinct extremes",
      voltages: []float64{3.31, 3.29, 3.35, 3.30},
      want: []jbd.Cell{
        {Number: 1, Voltage: 3.31},
        {Number: 2, Voltage: 3.29, Lowest: true},
        {Number: 3, Voltage: 3.35, Highest: true},
        {Number: 4, Voltage: 3.30},
      },
    },
    {
      name: "ties flag every tying cell",
      voltages: []float64{3.35, 3.29, 3.35, 3.29},
      want: []jbd.Cell{
        {Number: 1, Voltage: 3.35, Highest: true},
        {Number: 2, Voltage: 3.29, Lowest: true},
        {Number: 3, Voltage: 3.35, Highest: true},
        {Number: 4, Voltage: 3.29, Lowest: true},
      },
    },
  }

  for _, tt := range tests {
    t.Run(tt.name, func(t *testing.T) {
      got := jbd.Highlight(tt.voltages)

      if !reflect.DeepEqual(got, tt.want) {
        t.Fatalf("Highlight(%v): got %+v, wanted %+v", tt.voltages, got, tt.want)
      }
    })
  }
}

func TestBasicInfo_String(t *testing.T) {
  info := jbd.BasicInfo{
    TotalVoltage: 42,
    Current: -1.5,
    StateOfCharge: 80,
    CellCount: 4,
    Temperatures: []float64{25, 24.5},
  }

  want := "BasicInfo[SOC=80%,Voltage=42.00V,Current=-1.50A,Capacity=0.0/0.0Ah,Cycles=0,Cells=4," +
    "ChargeFET=false,DischargeFET=false,Protection=0x0000,Temperatures=[25.0C,24.5C]]"

  if got := info.String(); got != want {
    t.Fatalf("String(): got %q, wanted %q", got, want)
  }
}
