package collector

import (
	"context"
	"sync"
	"time"

	"github.com/robertof/go-bms-exporter/collector/model"
	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/robertof/go-bms-exporter/device/jbd"
	"github.com/robertof/go-bms-exporter/utils"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const monitorKey = "boat-monitor"

type Recurring struct {
  // If no call to Latest() has been executed for more than IdleTimeout, the workers disconnect
  // from their devices and resume automatically when Latest() is called again.
  IdleTimeout time.Duration

  batteries []*jbd.Link
  monitor *boatmonitor.Monitor

  mu sync.Mutex
  order []string
  batteryState map[string]*model.Battery
  monitorState *model.Monitor
  collectionTime time.Time
  lastRead time.Time

  // closed and replaced on every Latest() call.
  wake chan struct{}

  // collector has been Start()ed
  started bool
}

// NewRecurring creates a collector for the given batteries and, if not nil, the boat monitor.
func NewRecurring(batteries []*jbd.Link, monitor *boatmonitor.Monitor) *Recurring {
  r := &Recurring{
    batteries: batteries,
    monitor: monitor,
    batteryState: make(map[string]*model.Battery, len(batteries)),
    lastRead: time.Now(),
    wake: make(chan struct{}),
  }

  for _, link := range batteries {
    desc := link.Descriptor()

    r.order = append(r.order, desc.ID)
    r.batteryState[desc.ID] = &model.Battery{
      Device: desc,
      Status: link.Status(),
    }
  }

  if monitor != nil {
    r.monitorState = &model.Monitor{
      Device: monitor.Descriptor(),
      Status: monitor.Status(),
    }
  }

  return r
}

// Update applies a result observed by a worker to the latest state.
func (s *Recurring) Update(r model.DeviceResult) {
  s.mu.Lock()
  defer s.mu.Unlock()

  now := time.Now()

  if r.Key == monitorKey {
    s.updateMonitor(r.Result, now)
  } else if b, ok := s.batteryState[r.Key]; ok {
    s.updateBattery(b, r.Result, now)
  } else {
    log.Warn().Str("Key", r.Key).Stringer("Result", r.Result).Msg("Received result for unknown device")
    return
  }

  s.collectionTime = now
}

func (s *Recurring) updateBattery(b *model.Battery, r model.Result, now time.Time) {
  if r.Error != nil {
    b.LastError = r.Error.Error()
    return
  }

  switch ev := r.Event.(type) {
  case device.StatusChanged:
    b.Status = ev.Status
  case device.ConnectionChanged:
    b.Connected = ev.Connected

    if ev.Connected {
      b.LastError = ""
    }
  case jbd.BasicInfo:
    b.BasicInfo = &ev
    b.BasicInfoTime = now
  case jbd.CellVoltages:
    b.CellVoltages = &ev
    b.CellVoltagesTime = now
  }
}

func (s *Recurring) updateMonitor(r model.Result, now time.Time) {
  m := s.monitorState

  if m == nil {
    return
  }

  if r.Error != nil {
    m.LastError = r.Error.Error()
    return
  }

  switch ev := r.Event.(type) {
  case device.StatusChanged:
    m.Status = ev.Status
  case device.ConnectionChanged:
    m.Connected = ev.Connected

    if ev.Connected {
      m.LastError = ""
      m.Device = s.monitor.Descriptor()
    }
  case boatmonitor.AnalogInputs:
    m.Inputs = &ev
    m.InputsTime = now
  case boatmonitor.Strip:
    m.Strip = &ev
    m.StripTime = now
  }
}

// Latest retrieves a copy of the latest collected state and when it was last updated. Wakes up
// the workers if they are suspended.
func (s *Recurring) Latest() (model.Snapshot, time.Time) {
  s.mu.Lock()
  defer s.mu.Unlock()

  s.lastRead = time.Now()

  close(s.wake)
  s.wake = make(chan struct{})

  out := model.Snapshot{
    Batteries: make([]model.Battery, 0, len(s.order)),
  }

  for _, id := range s.order {
    out.Batteries = append(out.Batteries, *s.batteryState[id])
  }

  if s.monitorState != nil {
    m := *s.monitorState
    out.Monitor = &m
  }

  return out, s.collectionTime
}

func (s *Recurring) shouldSuspend() (suspend bool, elapsed time.Duration) {
  if s.IdleTimeout <= 0 {
    return false, 0
  }

  s.mu.Lock()
  defer s.mu.Unlock()

  elapsed = time.Since(s.lastRead)

  return elapsed > s.IdleTimeout, elapsed
}

// awaitActivity blocks while the collector is idle. Returns false if ctx is done first.
func (s *Recurring) awaitActivity(ctx context.Context) bool {
  for {
    suspend, elapsed := s.shouldSuspend()

    if !suspend {
      return ctx.Err() == nil
    }

    s.mu.Lock()
    wake := s.wake
    s.mu.Unlock()

    log.Trace().
      Dur("TimeSinceLastReadSec", elapsed).
      Msg("Worker suspended, waiting for the next read")

    select {
    case <-ctx.Done():
      return false
    case <-wake:
    }
  }
}

func (s *Recurring) Start(ctx context.Context, opts Options) error {
  if s.started {
    panic("attempted to call collector.Recurring.Start() twice")
  }

  s.started = true
  opts = opts.withDefaults()

  log.Info().
    Array("Batteries", utils.ToZeroLogArray(s.batteries)).
    Bool("BoatMonitor", s.monitor != nil).
    Dur("IntervalSec", opts.PollInterval).
    Dur("IdleTimeoutSec", s.IdleTimeout).
    Msg("Starting recurring collector")

  eg, ctx := errgroup.WithContext(ctx)

  for _, link := range s.batteries {
    w := newBatteryWorker(s, link, opts)
    eg.Go(func() error {
      return w.run(ctx)
    })
  }

  if s.monitor != nil {
    w := newMonitorWorker(s, s.monitor, opts)
    eg.Go(func() error {
      return w.run(ctx)
    })
  }

  err := eg.Wait()

  log.Info().Err(err).Msg("Recurring collector is shutting down")

  return err
}
