package collector

import (
	"context"

	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/robertof/go-bms-exporter/device/jbd"
	"github.com/robertof/go-bms-exporter/utils"
	"golang.org/x/time/rate"
)

// newBatteryWorker polls a BMS: basic info, then cell voltages. Responses arrive as link events.
func newBatteryWorker(rec *Recurring, link *jbd.Link, opts Options) *worker {
  w := newWorker(link.Descriptor().ID, link, rec, opts)

  // the BMS drops a request sent while it is still answering the previous one.
  limiter := rate.NewLimiter(rate.Every(opts.CommandSpacing), 1)

  w.poll = func(ctx context.Context) error {
    if err := limiter.Wait(ctx); err != nil {
      return err
    }

    if err := link.RequestBasicInfo(ctx); err != nil {
      return err
    }

    if err := limiter.Wait(ctx); err != nil {
      return err
    }

    return link.RequestCellVoltages(ctx)
  }

  return w
}

// newMonitorWorker reads the boat monitor inputs and led strip state. Readings arrive as events.
func newMonitorWorker(rec *Recurring, m *boatmonitor.Monitor, opts Options) *worker {
  w := newWorker(monitorKey, m, rec, opts)

  w.poll = func(ctx context.Context) error {
    if _, err := m.ReadAnalogInputs(ctx); err != nil {
      return err
    }

    // older firmware has no led strip.
    _, err := m.ReadLedStrip(ctx)

    return utils.IgnoreErrors(err, boatmonitor.ErrUnavailable)
  }

  return w
}
