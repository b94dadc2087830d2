package metrics

import (
  "strconv"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-bms-exporter/collector/model"
  "github.com/robertof/go-bms-exporter/device/jbd"
)

var batteryLabels = []string{"id", "name"}

func batteryDesc(name, help string, extra ...string) *prometheus.Desc {
  return prometheus.NewDesc(name, help, append(append([]string{}, batteryLabels...), extra...), nil)
}

var (
  descConnected = batteryDesc(
    "bms_connected",
    "Whether the battery management system is currently connected (1) or not (0).",
  )

  descVoltage = batteryDesc(
    "bms_voltage_volts",
    "Total battery voltage.",
  )

  descCurrent = batteryDesc(
    "bms_current_amperes",
    "Battery current. Negative while discharging.",
  )

  descRemainingCapacity = batteryDesc(
    "bms_remaining_capacity_amp_hours",
    "Remaining capacity reported by the BMS.",
  )

  descFullCapacity = batteryDesc(
    "bms_full_capacity_amp_hours",
    "Full (nominal) capacity reported by the BMS.",
  )

  descCycles = batteryDesc(
    "bms_cycles_total",
    "Charge cycles reported by the BMS.",
  )

  descStateOfCharge = batteryDesc(
    "bms_state_of_charge_ratio",
    "State of charge reported by the BMS.",
  )

  descCellCount = batteryDesc(
    "bms_cells",
    "Number of cells in series.",
  )

  descFet = batteryDesc(
    "bms_fet_enabled",
    "Whether the charge or discharge MOSFET is enabled.",
    "fet",
  )

  descProtection = batteryDesc(
    "bms_protection_status",
    "Raw protection status bitmask. 0 means no protection is active.",
  )

  descTemperature = batteryDesc(
    "bms_temperature_celsius",
    "Temperature reported by each NTC sensor in Celsius.",
    "sensor",
  )

  descCellVoltage = batteryDesc(
    "bms_cell_voltage_volts",
    "Voltage of each cell. highlight is one of: highest, lowest, both, none.",
    "cell", "highlight",
  )

  descMonitorConnected = prometheus.NewDesc(
    "boat_monitor_connected",
    "Whether the boat monitor is currently connected (1) or not (0).",
    []string{"name"},
    nil,
  )

  descMonitorVoltage = prometheus.NewDesc(
    "boat_monitor_voltage_volts",
    "Voltage measured on each analog input of the boat monitor.",
    []string{"name", "input"},
    nil,
  )

  descMonitorStrip = prometheus.NewDesc(
    "boat_monitor_led_strip_on",
    "Whether the LED strip is on.",
    []string{"name"},
    nil,
  )
)

type CollectFunc func() (model.Snapshot, time.Time)

type collector struct {
  CollectFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func boolValue(b bool) float64 {
  if b {
    return 1
  }

  return 0
}

func highlight(c jbd.Cell) string {
  switch {
  case c.Highest && c.Lowest:
    return "both"
  case c.Highest:
    return "highest"
  case c.Lowest:
    return "lowest"
  default:
    return "none"
  }
}

// gauge emits a gauge stamped with ts, or unstamped if ts is unknown.
func gauge(ch chan<- prometheus.Metric, ts time.Time, desc *prometheus.Desc, value float64, labels ...string) {
  m := prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)

  if !ts.IsZero() {
    m = prometheus.NewMetricWithTimestamp(ts, m)
  }

  ch <- m
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  snap, ts := c.CollectFunc()

  for _, b := range snap.Batteries {
    id, name := b.Device.ID, b.Device.DisplayName()

    gauge(ch, ts, descConnected, boolValue(b.Connected), id, name)

    if info := b.BasicInfo; info != nil {
      its := b.BasicInfoTime

      gauge(ch, its, descVoltage, info.TotalVoltage, id, name)
      gauge(ch, its, descCurrent, info.Current, id, name)
      gauge(ch, its, descRemainingCapacity, info.RemainingCapacity, id, name)
      gauge(ch, its, descFullCapacity, info.FullCapacity, id, name)
      gauge(ch, its, descCycles, float64(info.CycleCount), id, name)
      gauge(ch, its, descStateOfCharge, float64(info.StateOfCharge) / 100, id, name)
      gauge(ch, its, descCellCount, float64(info.CellCount), id, name)
      gauge(ch, its, descFet, boolValue(info.ChargeFetOn), id, name, "charge")
      gauge(ch, its, descFet, boolValue(info.DischargeFetOn), id, name, "discharge")
      gauge(ch, its, descProtection, float64(info.ProtectionStatus), id, name)

      for i, temp := range info.Temperatures {
        gauge(ch, its, descTemperature, temp, id, name, strconv.Itoa(i + 1))
      }
    }

    if cv := b.CellVoltages; cv != nil {
      for _, cell := range cv.Cells() {
        gauge(ch, b.CellVoltagesTime, descCellVoltage, cell.Voltage,
          id, name, strconv.Itoa(cell.Number), highlight(cell))
      }
    }
  }

  if m := snap.Monitor; m != nil {
    name := m.Device.DisplayName()

    gauge(ch, ts, descMonitorConnected, boolValue(m.Connected), name)

    if in := m.Inputs; in != nil {
      gauge(ch, m.InputsTime, descMonitorVoltage, in.Voltage1, name, "1")
      gauge(ch, m.InputsTime, descMonitorVoltage, in.Voltage2, name, "2")
    }

    if s := m.Strip; s != nil {
      gauge(ch, m.StripTime, descMonitorStrip, boolValue(s.On), name)
    }
  }
}

func RegisterCollector(f CollectFunc, reg prometheus.Registerer) {
  c := &collector{f}

  reg.MustRegister(c)
}
