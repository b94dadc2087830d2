package metrics

import (
  "testing"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  dto "github.com/prometheus/client_model/go"
  "github.com/robertof/go-bms-exporter/collector/model"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/robertof/go-bms-exporter/device/boatmonitor"
  "github.com/robertof/go-bms-exporter/device/jbd"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func gather(t *testing.T, snap model.Snapshot) map[string]*dto.MetricFamily {
  t.Helper()

  reg := prometheus.NewPedanticRegistry()
  RegisterCollector(func() (model.Snapshot, time.Time) {
    return snap, time.Time{}
  }, reg)

  families, err := reg.Gather()
  require.NoError(t, err)

  out := make(map[string]*dto.MetricFamily, len(families))

  for _, f := range families {
    out[f.GetName()] = f
  }

  return out
}

func labels(m *dto.Metric) map[string]string {
  out := make(map[string]string)

  for _, l := range m.GetLabel() {
    out[l.GetName()] = l.GetValue()
  }

  return out
}

func TestCollector_Battery(t *testing.T) {
  families := gather(t, model.Snapshot{
    Batteries: []model.Battery{
      {
        Device: device.NewDescriptor("a4:c1:38:00:00:01", "House"),
        Connected: true,
        BasicInfo: &jbd.BasicInfo{
          TotalVoltage: 13.2,
          Current: -2,
          StateOfCharge: 50,
          CellCount: 2,
          DischargeFetOn: true,
          Temperatures: []float64{25, 24},
        },
        CellVoltages: &jbd.CellVoltages{Voltages: []float64{3.3, 3.2}},
      },
      {
        Device: device.NewDescriptor("a4:c1:38:00:00:02", ""),
      },
    },
  })

  connected := families["bms_connected"].GetMetric()
  require.Len(t, connected, 2)

  soc := families["bms_state_of_charge_ratio"].GetMetric()
  require.Len(t, soc, 1)
  assert.InDelta(t, 0.5, soc[0].GetGauge().GetValue(), 1e-9)
  assert.Equal(t, map[string]string{"id": "a4:c1:38:00:00:01", "name": "House"}, labels(soc[0]))

  assert.Len(t, families["bms_temperature_celsius"].GetMetric(), 2)

  fets := map[string]float64{}
  for _, m := range families["bms_fet_enabled"].GetMetric() {
    fets[labels(m)["fet"]] = m.GetGauge().GetValue()
  }
  assert.Equal(t, map[string]float64{"charge": 0, "discharge": 1}, fets)

  cells := map[string]string{}
  for _, m := range families["bms_cell_voltage_volts"].GetMetric() {
    cells[labels(m)["cell"]] = labels(m)["highlight"]
  }
  assert.Equal(t, map[string]string{"1": "highest", "2": "lowest"}, cells)

  _, ok := families["boat_monitor_connected"]
  assert.False(t, ok)
}

func TestCollector_UnknownBatteryName(t *testing.T) {
  families := gather(t, model.Snapshot{
    Batteries: []model.Battery{{Device: device.NewDescriptor("A4:C1:38:00:00:02", "")}},
  })

  connected := families["bms_connected"].GetMetric()
  require.Len(t, connected, 1)
  assert.Equal(t, "Unknown (a4:c1:38)", labels(connected[0])["name"])
  assert.Equal(t, 0.0, connected[0].GetGauge().GetValue())
}

func TestCollector_Monitor(t *testing.T) {
  families := gather(t, model.Snapshot{
    Monitor: &model.Monitor{
      Device: device.NewDescriptor("24:0a:c4:00:00:02", boatmonitor.DefaultName),
      Connected: true,
      Inputs: &boatmonitor.AnalogInputs{Voltage1: 12.7, Voltage2: 1.234},
      Strip: &boatmonitor.Strip{On: true},
    },
  })

  voltages := map[string]float64{}
  for _, m := range families["boat_monitor_voltage_volts"].GetMetric() {
    voltages[labels(m)["input"]] = m.GetGauge().GetValue()
  }
  assert.Equal(t, map[string]float64{"1": 12.7, "2": 1.234}, voltages)

  assert.Equal(t, 1.0, families["boat_monitor_led_strip_on"].GetMetric()[0].GetGauge().GetValue())
  assert.Equal(t, 1.0, families["boat_monitor_connected"].GetMetric()[0].GetGauge().GetValue())
}
