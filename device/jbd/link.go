package jbd

import (
  "context"
  "errors"
  "fmt"
  "sync"
  "sync/atomic"
  "time"

  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/robertof/go-bms-exporter/utils"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

const (
  DefaultConnectTimeout = 15 * time.Second

  eventBufferSize = 64
  inboundBufferSize = 64
)

// Resolver finds a device by id through a BLE scan.
type Resolver interface {
  Resolve(ctx context.Context, id, displayName string) (device.Descriptor, error)
}

// inbound is either a notification chunk or a request to reset the assembler. Both travel on
// the same channel so that a reset is ordered after every chunk received before it.
type inbound struct {
  chunk []byte
  reset bool
}

// connection holds the handles of one established connection.
type connection struct {
  peripheral ble.Peripheral
  write *ble.Characteristic
  notify *ble.Characteristic

  inbound chan inbound
  stop chan struct{}
  // closed once pump has returned.
  pumpDone chan struct{}

  // set by Disconnect() so that the resulting disconnection is not reported as lost.
  closing atomic.Bool
  closeOnce sync.Once
}

// Link owns the connection to one JBD BMS. It is not meant to be shared between independent
// consumers, and only one command may be in flight at any time.
type Link struct {
  ConnectTimeout time.Duration
  // If > 0, partial frames larger than this are discarded.
  MaxFrameSize int

  desc device.Descriptor
  adapter ble.Adapter
  resolver Resolver

  mu sync.Mutex
  state device.State
  status string
  conn *connection
  // the most recent connection, whose pump may still be running after teardown.
  lastConn *connection

  // only used by the notification pump. Pumps run one after another.
  decoder Decoder

  events *utils.RingChannel[any]
  logger zerolog.Logger
}

var _ device.Link = (*Link)(nil)

func NewLink(desc device.Descriptor, adapter ble.Adapter, resolver Resolver) *Link {
  return &Link{
    ConnectTimeout: DefaultConnectTimeout,
    desc: desc,
    adapter: adapter,
    resolver: resolver,
    status: "Not connected",
    events: utils.NewRingChannel[any](eventBufferSize),
    logger: log.With().Str("Source", "BMS:" + desc.DisplayName()).Logger(),
  }
}

func (l *Link) Descriptor() device.Descriptor {
  return l.desc
}

func (l *Link) String() string {
  return fmt.Sprintf("jbd[name=%q, id=%v]", l.desc.Name, l.desc.ID)
}

// Events delivers device.StatusChanged, device.ConnectionChanged, BasicInfo and CellVoltages
// values. When the consumer falls behind, the oldest events are discarded.
func (l *Link) Events() <-chan any {
  return l.events.C()
}

func (l *Link) State() device.State {
  l.mu.Lock()
  defer l.mu.Unlock()

  return l.state
}

func (l *Link) Connected() bool {
  return l.State() == device.StateConnected
}

func (l *Link) Status() string {
  l.mu.Lock()
  defer l.mu.Unlock()

  return l.status
}

func (l *Link) setStatus(status string) {
  l.mu.Lock()
  l.status = status
  l.mu.Unlock()

  l.logger.Debug().Str("Status", status).Msg("jbd: status changed")
  l.emit(device.StatusChanged{Status: status})
}

func (l *Link) setState(state device.State) {
  l.mu.Lock()
  defer l.mu.Unlock()

  l.state = state
}

func (l *Link) emit(ev any) {
  if !l.events.Send(ev) {
    l.logger.Trace().Msg("jbd: event buffer full, dropped oldest event")
  }
}

// Connect resolves the device through a scan, connects and subscribes to notifications.
func (l *Link) Connect(ctx context.Context) (err error) {
  l.mu.Lock()

  if l.state != device.StateDisconnected {
    state := l.state
    l.mu.Unlock()

    return fmt.Errorf("cannot connect to %v: link is %v", l, state)
  }

  l.state = device.StateConnecting
  l.mu.Unlock()

  defer func() {
    if err != nil {
      l.setState(device.StateDisconnected)
    }
  }()

  if !l.adapter.Powered() {
    l.setStatus("Bluetooth is not enabled")
    return ble.ErrAdapterDisabled
  }

  name := l.desc.DisplayName()
  l.setStatus(fmt.Sprintf("Scanning for %s...", name))

  found, err := l.resolver.Resolve(ctx, l.desc.ID, name)

  if err != nil {
    l.setStatus(fmt.Sprintf("%s not found", name))
    return err
  }

  if found.Name != "" {
    name = found.Name
  }

  l.setStatus(fmt.Sprintf("Connecting to %s...", name))

  timeout := l.ConnectTimeout
  if timeout <= 0 {
    timeout = DefaultConnectTimeout
  }

  connectCtx, cancel := context.WithTimeout(ctx, timeout)
  defer cancel()

  p, err := l.adapter.Connect(connectCtx, found.ID)

  if err != nil {
    l.setStatus(fmt.Sprintf("Connection error: %v", err))
    return fmt.Errorf("%w: %w", device.ErrConnection, err)
  }

  l.setState(device.StateServiceResolving)

  conn, err := l.resolveCharacteristics(connectCtx, p)

  if err != nil {
    if cancelErr := p.CancelConnection(); cancelErr != nil {
      l.logger.Debug().Err(cancelErr).Msg("jbd: failed to cancel connection")
    }

    switch {
    case errors.Is(err, device.ErrServiceNotFound):
      l.setStatus("BLE service not found")
    case errors.Is(err, device.ErrCharacteristicsNotFound):
      l.setStatus("BLE characteristics not found")
    default:
      l.setStatus(fmt.Sprintf("Connection error: %v", err))
    }

    return err
  }

  l.mu.Lock()
  prev := l.lastConn
  l.conn = conn
  l.lastConn = conn
  l.state = device.StateConnected
  l.mu.Unlock()

  go l.pump(conn, prev)

  l.logger.Info().Str("Name", name).Msg("jbd: connected")
  l.setStatus(fmt.Sprintf("Connected to %s", name))
  l.emit(device.ConnectionChanged{Connected: true})

  return nil
}

func (l *Link) resolveCharacteristics(ctx context.Context, p ble.Peripheral) (*connection, error) {
  profile, err := ble.DiscoverProfile(ctx, p)

  if err != nil {
    return nil, fmt.Errorf("%w: %w", device.ErrConnection, err)
  }

  svc := ble.FindService(profile, ServiceUUID)

  if svc == nil {
    return nil, fmt.Errorf("%w: %v", device.ErrServiceNotFound, ServiceUUID)
  }

  conn := &connection{
    peripheral: p,
    write: ble.FindCharacteristic(svc, WriteCharacteristicUUID),
    notify: ble.FindCharacteristic(svc, NotifyCharacteristicUUID),
    inbound: make(chan inbound, inboundBufferSize),
    stop: make(chan struct{}),
    pumpDone: make(chan struct{}),
  }

  if conn.write == nil || conn.notify == nil {
    return nil, fmt.Errorf("%w: want %v (write) and %v (notify)",
      device.ErrCharacteristicsNotFound, WriteCharacteristicUUID, NotifyCharacteristicUUID)
  }

  err = p.Subscribe(conn.notify, false, func(data []byte) {
    chunk := make([]byte, len(data))
    copy(chunk, data)

    select {
    case conn.inbound <- inbound{chunk: chunk}:
    case <-conn.stop:
    }
  })

  if err != nil {
    return nil, fmt.Errorf("%w: failed to subscribe to notifications: %w", device.ErrConnection, err)
  }

  return conn, nil
}

// pump feeds notification chunks to the assembler and decoder until the connection ends. It
// starts once the pump of prev, if any, has returned.
func (l *Link) pump(c *connection, prev *connection) {
  defer close(c.pumpDone)

  if prev != nil {
    <-prev.pumpDone
  }

  assembler := &Assembler{MaxSize: l.MaxFrameSize}

  for {
    select {
    case in := <-c.inbound:
      if in.reset {
        assembler.Reset()
        continue
      }

      l.onNotificationChunk(assembler, in.chunk)
    case <-c.peripheral.Disconnected():
      if c.closing.Load() {
        return
      }

      l.logger.Warn().Msg("jbd: connection lost")
      l.teardown(c, "Connection lost")

      return
    case <-c.stop:
      return
    }
  }
}

func (l *Link) onNotificationChunk(assembler *Assembler, chunk []byte) {
  if len(chunk) == 0 {
    l.logger.Trace().Msg("jbd: notification received: empty data")
    return
  }

  l.logger.Trace().
    Hex("Chunk", chunk).
    Int("Buffered", assembler.Len()).
    Msg("jbd: notification chunk")

  frame := assembler.Feed(chunk)

  if frame == nil {
    return
  }

  l.logger.Trace().Hex("Frame", frame).Msg("jbd: complete frame")

  reading, err := l.decoder.Decode(frame)

  if err != nil {
    l.logger.Warn().Err(err).Hex("Frame", frame).Msg("jbd: dropping frame")

    if errors.Is(err, ErrDeviceError) {
      l.setStatus("BMS returned error")
    }

    return
  }

  switch r := reading.(type) {
  case BasicInfo:
    l.logger.Debug().Stringer("Reading", r).Msg("jbd: received basic info")
    l.setStatus(fmt.Sprintf("SOC: %d%% | %.2fV | %.2fA", r.StateOfCharge, r.TotalVoltage, r.Current))
    l.emit(r)
  case CellVoltages:
    l.logger.Debug().Stringer("Reading", r).Msg("jbd: received cell voltages")
    l.setStatus(fmt.Sprintf("Received %d cell voltages", len(r.Voltages)))
    l.emit(r)
  }
}

// teardown clears the connection and reports it as gone. Only the first call for a given
// connection has any effect.
func (l *Link) teardown(c *connection, status string) {
  c.closeOnce.Do(func() {
    close(c.stop)

    l.mu.Lock()
    if l.conn == c {
      l.conn = nil
      l.state = device.StateDisconnected
    }
    l.mu.Unlock()

    l.setStatus(status)
    l.emit(device.ConnectionChanged{Connected: false})
  })
}

// SendCommand writes a request for cmd. The response arrives asynchronously as an event.
func (l *Link) SendCommand(ctx context.Context, cmd Command) error {
  request, err := cmd.Request()

  if err != nil {
    return err
  }

  l.mu.Lock()
  c, state := l.conn, l.state
  l.mu.Unlock()

  if c == nil || state != device.StateConnected {
    l.setStatus("Not connected")
    return device.ErrNotConnected
  }

  // drop partial frames left from a previous exchange.
  select {
  case c.inbound <- inbound{reset: true}:
  case <-c.stop:
    return device.ErrNotConnected
  case <-ctx.Done():
    return ctx.Err()
  }

  switch cmd {
  case CommandBasicInfo:
    l.setStatus("Requesting battery info...")
  case CommandCellVoltages:
    l.setStatus("Requesting cell voltages...")
  }

  l.logger.Trace().Stringer("Command", cmd).Hex("Request", request).Msg("jbd: sending command")

  if err := c.peripheral.WriteCharacteristic(c.write, request, false); err != nil {
    l.setStatus(fmt.Sprintf("Request error: %v", err))
    return fmt.Errorf("%w: failed to write %v request: %w", device.ErrConnection, cmd, ble.NormalizeError(err))
  }

  return nil
}

func (l *Link) RequestBasicInfo(ctx context.Context) error {
  return l.SendCommand(ctx, CommandBasicInfo)
}

func (l *Link) RequestCellVoltages(ctx context.Context) error {
  return l.SendCommand(ctx, CommandCellVoltages)
}

// Disconnect tears down the connection. The ConnectionChanged event is emitted exactly once even
// when unsubscribing or disconnecting fails. Disconnecting an idle link is a no-op.
func (l *Link) Disconnect(ctx context.Context) error {
  l.mu.Lock()
  c := l.conn

  if c == nil {
    l.mu.Unlock()
    return nil
  }

  l.state = device.StateDisconnecting
  l.mu.Unlock()

  c.closing.Store(true)

  if err := c.peripheral.Unsubscribe(c.notify, false); err != nil {
    l.logger.Debug().Err(err).Msg("jbd: failed to unsubscribe, ignoring")
  }

  if err := c.peripheral.CancelConnection(); err != nil {
    l.logger.Warn().Err(err).Msg("jbd: disconnect error")
  }

  l.teardown(c, "Disconnected")

  <-c.pumpDone

  return nil
}
