package jbd

import (
  "fmt"
  "strings"
)

// BasicInfo is the decoded payload of a basic info (0x03) response.
type BasicInfo struct {
  TotalVoltage float64 // V
  Current float64 // A, negative while discharging
  RemainingCapacity float64 // Ah
  FullCapacity float64 // Ah
  CycleCount uint16
  StateOfCharge uint8 // percent, not clamped
  CellCount uint8
  ChargeFetOn bool
  DischargeFetOn bool
  ProtectionStatus uint16
  Temperatures []float64 // °C
}

func (b BasicInfo) String() string {
  temps := make([]string, len(b.Temperatures))

  for i, t := range b.Temperatures {
    temps[i] = fmt.Sprintf("%.1fC", t)
  }

  return fmt.Sprintf(
    "BasicInfo[SOC=%d%%,Voltage=%.2fV,Current=%.2fA,Capacity=%.1f/%.1fAh,Cycles=%d,Cells=%d," +
      "ChargeFET=%v,DischargeFET=%v,Protection=0x%04x,Temperatures=[%v]]",
    b.StateOfCharge, b.TotalVoltage, b.Current, b.RemainingCapacity, b.FullCapacity,
    b.CycleCount, b.CellCount, b.ChargeFetOn, b.DischargeFetOn, b.ProtectionStatus,
    strings.Join(temps, ","),
  )
}

// CellVoltages is the decoded payload of a cell voltages (0x04) response.
type CellVoltages struct {
  Voltages []float64 // V, ordered by cell
}

func (c CellVoltages) String() string {
  return fmt.Sprintf("CellVoltages%.3f", c.Voltages)
}

// Cells returns the voltages with the highlighting applied.
func (c CellVoltages) Cells() []Cell {
  return Highlight(c.Voltages)
}

type Cell struct {
  Number int // 1-based
  Voltage float64
  Highest bool
  Lowest bool
}

func (c Cell) String() string {
  return fmt.Sprintf("Cell %d: %.3fV", c.Number, c.Voltage)
}

// Highlight flags the lowest and highest voltages. Every cell equal to an extreme is flagged, so
// ties flag all tying cells; with a single cell (or all equal) cells are both highest and lowest.
func Highlight(voltages []float64) []Cell {
  if len(voltages) == 0 {
    return nil
  }

  min, max := voltages[0], voltages[0]

  for _, v := range voltages[1:] {
    if v < min {
      min = v
    }

    if v > max {
      max = v
    }
  }

  cells := make([]Cell, len(voltages))

  for i, v := range voltages {
    cells[i] = Cell{
      Number: i + 1,
      Voltage: v,
      Highest: v == max,
      Lowest: v == min,
    }
  }

  return cells
}
