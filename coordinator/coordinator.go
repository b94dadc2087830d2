// Package coordinator shares a single BLE scan between every caller waiting for a device to
// show up.
package coordinator

import (
  "context"
  "errors"
  "fmt"
  "sync"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/rs/zerolog/log"
)

const (
  DefaultScanTimeout = 15 * time.Second
  DefaultRequestTimeout = 15 * time.Second
)

type Options struct {
  // How long a scan session runs before giving up on all the requests still pending.
  ScanTimeout time.Duration
  // How long a single resolve waits for its device before resolving to not found.
  RequestTimeout time.Duration
  // Stop the scan as soon as nothing is waiting on it.
  StopWhenIdle bool
}

func DefaultOptions() Options {
  return Options{
    ScanTimeout: DefaultScanTimeout,
    RequestTimeout: DefaultRequestTimeout,
    StopWhenIdle: true,
  }
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
  Scanning bool
  // Distinct pending requests.
  Pending int
  // Callers blocked on pending requests.
  Waiters int
  Observers int
  ScansStarted int
}

type scanSession struct {
  cancel context.CancelFunc
  done chan struct{}
  started time.Time
}

type pendingRequest struct {
  key string
  match func(ble.Advertisement) bool
  session *scanSession
  timer *time.Timer
  waiters int

  done chan struct{}
  once sync.Once
  result device.Descriptor
  err error
}

func (r *pendingRequest) resolve(desc device.Descriptor, err error) bool {
  resolved := false

  r.once.Do(func() {
    if r.timer != nil {
      r.timer.Stop()
    }

    r.result, r.err = desc, err
    close(r.done)
    resolved = true
  })

  return resolved
}

type observer struct {
  session *scanSession
  onDevice func(device.Descriptor, ble.Advertisement)
}

// Coordinator resolves device identities to discovered devices. At most one scan is running at
// any time no matter how many callers are waiting, and concurrent requests for the same device
// share one wait.
type Coordinator struct {
  adapter ble.Adapter
  opts Options

  mu sync.Mutex
  session *scanSession
  // stopping is the last detached session that may still be winding down.
  stopping *scanSession
  pending map[string]*pendingRequest
  observers map[*observer]struct{}
  scansStarted int

  scansCounter prometheus.Counter
}

func New(adapter ble.Adapter, opts Options) *Coordinator {
  if opts.ScanTimeout <= 0 {
    opts.ScanTimeout = DefaultScanTimeout
  }

  if opts.RequestTimeout <= 0 {
    opts.RequestTimeout = DefaultRequestTimeout
  }

  return &Coordinator{
    adapter: adapter,
    opts: opts,
    pending: make(map[string]*pendingRequest),
    observers: make(map[*observer]struct{}),
    scansCounter: prometheus.NewCounter(prometheus.CounterOpts{
      Name: "bms_exporter_coordinator_scans_started_total",
      Help: "Number of scan sessions started by the connection coordinator.",
    }),
  }
}

func (c *Coordinator) RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    c.scansCounter,
    prometheus.NewGaugeFunc(prometheus.GaugeOpts{
      Name: "bms_exporter_coordinator_pending_requests",
      Help: "Device resolve requests waiting on the current scan.",
    }, func() float64 {
      return float64(c.Stats().Pending)
    }),
    prometheus.NewGaugeFunc(prometheus.GaugeOpts{
      Name: "bms_exporter_coordinator_scanning",
      Help: "1 if a scan session is active.",
    }, func() float64 {
      if c.Stats().Scanning {
        return 1
      }

      return 0
    }),
  )
}

func (c *Coordinator) Stats() Stats {
  c.mu.Lock()
  defer c.mu.Unlock()

  s := Stats{
    Scanning: c.session != nil,
    Pending: len(c.pending),
    Observers: len(c.observers),
    ScansStarted: c.scansStarted,
  }

  for _, req := range c.pending {
    s.Waiters += req.waiters
  }

  return s
}

// Resolve waits until the device with the given id is seen by a scan. displayName is only used
// for logging and errors.
func (c *Coordinator) Resolve(ctx context.Context, id, displayName string) (device.Descriptor, error) {
  id = device.NormalizeID(id)

  return c.await(ctx, "id:" + id, displayName, func(a ble.Advertisement) bool {
    return device.NormalizeID(a.Addr().String()) == id
  })
}

// ResolveName waits until a device advertising the given local name is seen by a scan.
func (c *Coordinator) ResolveName(ctx context.Context, name string) (device.Descriptor, error) {
  return c.await(ctx, "name:" + name, name, func(a ble.Advertisement) bool {
    return a.LocalName() == name
  })
}

func (c *Coordinator) await(
  ctx context.Context,
  key string,
  displayName string,
  match func(ble.Advertisement) bool,
) (device.Descriptor, error) {
  if !c.adapter.Powered() {
    return device.Descriptor{}, ble.ErrAdapterDisabled
  }

  c.mu.Lock()

  req, ok := c.pending[key]

  if ok {
    log.Debug().Str("Key", key).Msg("coordinator: joining pending request")
  } else {
    req = &pendingRequest{
      key: key,
      match: match,
      session: c.ensureSessionLocked(),
      done: make(chan struct{}),
    }

    timeout := c.opts.RequestTimeout
    req.timer = time.AfterFunc(timeout, func() {
      c.complete(req, device.Descriptor{}, fmt.Errorf("%w: %s not seen within %v", device.ErrNotFound, displayName, timeout))
    })

    c.pending[key] = req

    log.Debug().
      Str("Key", key).
      Dur("Timeout", timeout).
      Msg("coordinator: new pending request")
  }

  req.waiters++
  c.mu.Unlock()

  select {
  case <-req.done:
    c.leave(req)
    return req.result, req.err
  case <-ctx.Done():
    c.leave(req)

    if errors.Is(ctx.Err(), context.DeadlineExceeded) {
      return device.Descriptor{}, fmt.Errorf("%w: %s: %w", device.ErrNotFound, displayName, ctx.Err())
    }

    return device.Descriptor{}, ctx.Err()
  }
}

// leave drops a waiter. A request nobody waits for anymore is abandoned.
func (c *Coordinator) leave(req *pendingRequest) {
  c.mu.Lock()
  defer c.mu.Unlock()

  req.waiters--

  if req.waiters > 0 || c.pending[req.key] != req {
    return
  }

  delete(c.pending, req.key)
  req.resolve(device.Descriptor{}, context.Canceled)

  c.stopIfIdleLocked()
}

// complete resolves req if it is still pending.
func (c *Coordinator) complete(req *pendingRequest, desc device.Descriptor, err error) {
  c.mu.Lock()
  defer c.mu.Unlock()

  c.completeLocked(req, desc, err)
  c.stopIfIdleLocked()
}

func (c *Coordinator) completeLocked(req *pendingRequest, desc device.Descriptor, err error) {
  if c.pending[req.key] == req {
    delete(c.pending, req.key)
  }

  if req.resolve(desc, err) {
    log.Debug().
      Str("Key", req.key).
      Stringer("Device", desc).
      Err(err).
      Msg("coordinator: request resolved")
  }
}

func (c *Coordinator) ensureSessionLocked() *scanSession {
  if c.session != nil {
    return c.session
  }

  ctx, cancel := context.WithTimeout(context.Background(), c.opts.ScanTimeout)

  s := &scanSession{
    cancel: cancel,
    done: make(chan struct{}),
    started: time.Now(),
  }

  c.session = s
  c.scansStarted++
  c.scansCounter.Inc()

  log.Debug().Dur("Timeout", c.opts.ScanTimeout).Msg("coordinator: starting scan session")

  go c.runSession(ctx, s, c.stopping)

  return s
}

// runSession scans for s once prev, the previously detached session, has fully stopped. The
// adapter never runs two scans at once.
func (c *Coordinator) runSession(ctx context.Context, s *scanSession, prev *scanSession) {
  defer s.cancel()

  if prev != nil {
    select {
    case <-prev.done:
    case <-ctx.Done():
      c.endSession(s, nil)
      return
    }
  }

  err := c.adapter.Scan(ctx, func(a ble.Advertisement) {
    c.onAdvertisement(s, a)
  })

  c.endSession(s, err)
}

func (c *Coordinator) onAdvertisement(s *scanSession, a ble.Advertisement) {
  desc := device.NewDescriptor(a.Addr().String(), a.LocalName())

  log.Trace().
    Stringer("Device", desc).
    Int("RSSI", a.RSSI()).
    Msg("coordinator: advertisement")

  c.mu.Lock()

  for _, req := range c.pending {
    if req.session == s && req.match(a) {
      c.completeLocked(req, desc, nil)
    }
  }

  var observers []*observer

  for o := range c.observers {
    if o.session == s {
      observers = append(observers, o)
    }
  }

  c.stopIfIdleLocked()
  c.mu.Unlock()

  for _, o := range observers {
    o.onDevice(desc, a)
  }
}

// endSession resolves every request still served by s to not found.
func (c *Coordinator) endSession(s *scanSession, err error) {
  c.mu.Lock()

  if c.session == s {
    c.session = nil
  }

  if c.stopping == s {
    c.stopping = nil
  }

  reason := fmt.Errorf("%w: scan ended after %v", device.ErrNotFound, time.Since(s.started).Round(time.Millisecond))

  if err != nil {
    reason = fmt.Errorf("%w: scan failed: %w", device.ErrNotFound, err)
  }

  n := 0

  for _, req := range c.pending {
    if req.session == s {
      c.completeLocked(req, device.Descriptor{}, reason)
      n++
    }
  }

  c.mu.Unlock()

  close(s.done)

  log.Debug().
    Err(err).
    Int("Unresolved", n).
    Msg("coordinator: scan session ended")
}

// stopIfIdleLocked detaches and cancels the current session if nothing uses it anymore.
func (c *Coordinator) stopIfIdleLocked() {
  if !c.opts.StopWhenIdle || c.session == nil || len(c.observers) > 0 {
    return
  }

  for _, req := range c.pending {
    if req.session == c.session {
      return
    }
  }

  log.Trace().Msg("coordinator: no more requests, stopping scan")

  c.session.cancel()
  c.stopping = c.session
  c.session = nil
}

// Discover calls onDevice for every advertisement received until ctx is done or the scan session
// ends. It shares the scan with pending resolve requests, starting one if needed. onDevice is
// called from the scan goroutine and must not block.
func (c *Coordinator) Discover(ctx context.Context, onDevice func(device.Descriptor, ble.Advertisement)) error {
  if !c.adapter.Powered() {
    return ble.ErrAdapterDisabled
  }

  c.mu.Lock()
  o := &observer{
    session: c.ensureSessionLocked(),
    onDevice: onDevice,
  }
  c.observers[o] = struct{}{}
  c.mu.Unlock()

  defer func() {
    c.mu.Lock()
    delete(c.observers, o)
    c.stopIfIdleLocked()
    c.mu.Unlock()
  }()

  select {
  case <-ctx.Done():
    if errors.Is(ctx.Err(), context.DeadlineExceeded) {
      return nil
    }

    return ctx.Err()
  case <-o.session.done:
    return nil
  }
}

// Stop ends the active scan session, if any, and waits for it to wind down. Requests pending on it
// resolve to not found.
func (c *Coordinator) Stop() {
  c.mu.Lock()
  s := c.session

  if s != nil {
    c.stopping = s
  }

  c.session = nil
  c.mu.Unlock()

  if s == nil {
    return
  }

  log.Debug().Msg("coordinator: stopping scan session")

  s.cancel()
  <-s.done
}
