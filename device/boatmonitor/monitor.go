package boatmonitor

import (
  "context"
  "errors"
  "fmt"
  "sync"
  "time"

  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/robertof/go-bms-exporter/utils"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
)

const DefaultConnectTimeout = 15 * time.Second

// ErrUnavailable is returned when the connected firmware lacks the characteristic for an
// operation.
var ErrUnavailable = errors.New("characteristic not available")

type Resolver interface {
  ResolveName(ctx context.Context, name string) (device.Descriptor, error)
}

type characteristics struct {
  statusLed *ble.Characteristic
  blinkRate *ble.Characteristic
  analogInputs *ble.Characteristic
  ledStrip *ble.Characteristic
}

type connection struct {
  peripheral ble.Peripheral
  desc device.Descriptor
  chars characteristics

  stop chan struct{}
  closeOnce sync.Once
}

// Monitor is the link to the boat monitor, found by its advertised name.
type Monitor struct {
  ConnectTimeout time.Duration

  name string
  adapter ble.Adapter
  resolver Resolver

  mu sync.Mutex
  state device.State
  status string
  conn *connection

  events *utils.RingChannel[any]
  logger zerolog.Logger
}

var _ device.Link = (*Monitor)(nil)

func New(name string, adapter ble.Adapter, resolver Resolver) *Monitor {
  if name == "" {
    name = DefaultName
  }

  return &Monitor{
    ConnectTimeout: DefaultConnectTimeout,
    name: name,
    adapter: adapter,
    resolver: resolver,
    status: "Not connected",
    events: utils.NewRingChannel[any](64),
    logger: log.With().Str("Source", name).Logger(),
  }
}

// Descriptor returns the resolved device, or a descriptor without id if never connected.
func (m *Monitor) Descriptor() device.Descriptor {
  m.mu.Lock()
  defer m.mu.Unlock()

  if m.conn != nil {
    return m.conn.desc
  }

  return device.Descriptor{Name: m.name}
}

func (m *Monitor) String() string {
  return fmt.Sprintf("boatmonitor[name=%q]", m.name)
}

// Events delivers device.StatusChanged, device.ConnectionChanged, AnalogInputs and Strip values.
func (m *Monitor) Events() <-chan any {
  return m.events.C()
}

func (m *Monitor) State() device.State {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.state
}

func (m *Monitor) Connected() bool {
  return m.State() == device.StateConnected
}

func (m *Monitor) Status() string {
  m.mu.Lock()
  defer m.mu.Unlock()

  return m.status
}

func (m *Monitor) setStatus(status string) {
  m.mu.Lock()
  m.status = status
  m.mu.Unlock()

  m.logger.Debug().Str("Status", status).Msg("boatmonitor: status changed")
  m.events.Send(device.StatusChanged{Status: status})
}

func (m *Monitor) Connect(ctx context.Context) (err error) {
  m.mu.Lock()

  if m.state != device.StateDisconnected {
    state := m.state
    m.mu.Unlock()

    return fmt.Errorf("cannot connect to %v: monitor is %v", m, state)
  }

  m.state = device.StateConnecting
  m.mu.Unlock()

  defer func() {
    if err != nil {
      m.mu.Lock()
      m.state = device.StateDisconnected
      m.mu.Unlock()
    }
  }()

  if !m.adapter.Powered() {
    m.setStatus("Bluetooth is not enabled")
    return ble.ErrAdapterDisabled
  }

  m.setStatus(fmt.Sprintf("Scanning for %s...", m.name))

  desc, err := m.resolver.ResolveName(ctx, m.name)

  if err != nil {
    m.setStatus(fmt.Sprintf("%s not found", m.name))
    return err
  }

  m.logger.Debug().Stringer("Device", desc).Msg("boatmonitor: found device")
  m.setStatus(fmt.Sprintf("Connecting to %s...", m.name))

  timeout := m.ConnectTimeout
  if timeout <= 0 {
    timeout = DefaultConnectTimeout
  }

  connectCtx, cancel := context.WithTimeout(ctx, timeout)
  defer cancel()

  p, err := m.adapter.Connect(connectCtx, desc.ID)

  if err != nil {
    m.setStatus(fmt.Sprintf("Connection error: %v", err))
    return fmt.Errorf("%w: %w", device.ErrConnection, err)
  }

  m.mu.Lock()
  m.state = device.StateServiceResolving
  m.mu.Unlock()

  chars, err := m.resolveCharacteristics(connectCtx, p)

  if err != nil {
    if cancelErr := p.CancelConnection(); cancelErr != nil {
      m.logger.Debug().Err(cancelErr).Msg("boatmonitor: failed to cancel connection")
    }

    switch {
    case errors.Is(err, device.ErrServiceNotFound):
      m.setStatus("BoatMonitor service not found")
    case errors.Is(err, device.ErrCharacteristicsNotFound):
      m.setStatus("Required characteristics not found")
    default:
      m.setStatus(fmt.Sprintf("Connection error: %v", err))
    }

    return err
  }

  conn := &connection{
    peripheral: p,
    desc: desc,
    chars: chars,
    stop: make(chan struct{}),
  }

  m.mu.Lock()
  m.conn = conn
  m.state = device.StateConnected
  m.mu.Unlock()

  go m.watch(conn)

  m.logger.Info().Stringer("Device", desc).Msg("boatmonitor: connected")
  m.setStatus(fmt.Sprintf("Connected to %s", m.name))
  m.events.Send(device.ConnectionChanged{Connected: true})

  return nil
}

func (m *Monitor) resolveCharacteristics(ctx context.Context, p ble.Peripheral) (characteristics, error) {
  profile, err := ble.DiscoverProfile(ctx, p)

  if err != nil {
    return characteristics{}, fmt.Errorf("%w: %w", device.ErrConnection, err)
  }

  svc := ble.FindService(profile, ServiceUUID)

  if svc == nil {
    available := make([]string, 0, len(profile.Services))

    for _, s := range profile.Services {
      available = append(available, s.UUID.String())
    }

    m.logger.Error().Strs("Services", available).Msg("boatmonitor: service not found")

    return characteristics{}, fmt.Errorf("%w: %v", device.ErrServiceNotFound, ServiceUUID)
  }

  chars := characteristics{
    statusLed: ble.FindCharacteristic(svc, StatusLedUUID),
    blinkRate: ble.FindCharacteristic(svc, BlinkRateUUID),
    analogInputs: ble.FindCharacteristic(svc, AnalogInputsUUID),
    ledStrip: ble.FindCharacteristic(svc, LedStripUUID),
  }

  m.logger.Debug().
    Bool("StatusLed", chars.statusLed != nil).
    Bool("BlinkRate", chars.blinkRate != nil).
    Bool("AnalogInputs", chars.analogInputs != nil).
    Bool("LedStrip", chars.ledStrip != nil).
    Msg("boatmonitor: resolved characteristics")

  if chars.analogInputs == nil {
    return characteristics{}, fmt.Errorf("%w: %v", device.ErrCharacteristicsNotFound, AnalogInputsUUID)
  }

  return chars, nil
}

func (m *Monitor) watch(c *connection) {
  select {
  case <-c.peripheral.Disconnected():
    m.logger.Warn().Msg("boatmonitor: connection lost")
    m.teardown(c, "Connection lost")
  case <-c.stop:
  }
}

func (m *Monitor) teardown(c *connection, status string) {
  c.closeOnce.Do(func() {
    close(c.stop)

    m.mu.Lock()
    if m.conn == c {
      m.conn = nil
      m.state = device.StateDisconnected
    }
    m.mu.Unlock()

    m.setStatus(status)
    m.events.Send(device.ConnectionChanged{Connected: false})
  })
}

func (m *Monitor) Disconnect(ctx context.Context) error {
  m.mu.Lock()
  c := m.conn

  if c == nil {
    m.mu.Unlock()
    m.logger.Debug().Msg("boatmonitor: disconnect: no device connected")

    return nil
  }

  m.state = device.StateDisconnecting
  m.mu.Unlock()

  // stop the watcher first so that our own disconnection is not reported as lost.
  won := false

  c.closeOnce.Do(func() {
    close(c.stop)
    won = true
  })

  if !won {
    // the connection was lost in the meantime and has already been torn down.
    return nil
  }

  if err := c.peripheral.CancelConnection(); err != nil {
    m.logger.Warn().Err(err).Msg("boatmonitor: disconnect error")
  }

  m.mu.Lock()
  if m.conn == c {
    m.conn = nil
    m.state = device.StateDisconnected
  }
  m.mu.Unlock()

  m.setStatus("Disconnected")
  m.events.Send(device.ConnectionChanged{Connected: false})

  return nil
}

// characteristic returns the connection and the characteristic selected by pick, or an error
// if there is none.
func (m *Monitor) characteristic(pick func(characteristics) *ble.Characteristic) (*connection, *ble.Characteristic, error) {
  m.mu.Lock()
  c := m.conn
  m.mu.Unlock()

  if c == nil {
    m.setStatus("Not connected")
    return nil, nil, device.ErrNotConnected
  }

  char := pick(c.chars)

  if char == nil {
    return nil, nil, ErrUnavailable
  }

  return c, char, nil
}

func (m *Monitor) read(ctx context.Context, pick func(characteristics) *ble.Characteristic) ([]byte, error) {
  if err := ctx.Err(); err != nil {
    return nil, err
  }

  c, char, err := m.characteristic(pick)

  if err != nil {
    return nil, err
  }

  data, err := c.peripheral.ReadCharacteristic(char)

  if err != nil {
    m.setStatus(fmt.Sprintf("Read error: %v", err))
    return nil, fmt.Errorf("%w: failed to read %v: %w", device.ErrConnection, char.UUID, ble.NormalizeError(err))
  }

  m.logger.Trace().Stringer("UUID", char.UUID).Hex("Data", data).Msg("boatmonitor: read characteristic")

  return data, nil
}

// write gives up before touching the device if ctx is already done. Once started, a GATT write
// runs to completion.
func (m *Monitor) write(ctx context.Context, pick func(characteristics) *ble.Characteristic, value []byte) error {
  if err := ctx.Err(); err != nil {
    return err
  }

  c, char, err := m.characteristic(pick)

  if err != nil {
    return err
  }

  m.logger.Trace().Stringer("UUID", char.UUID).Hex("Data", value).Msg("boatmonitor: writing characteristic")

  if err := c.peripheral.WriteCharacteristic(char, value, false); err != nil {
    m.setStatus(fmt.Sprintf("Write error: %v", err))
    return fmt.Errorf("%w: failed to write %v: %w", device.ErrConnection, char.UUID, ble.NormalizeError(err))
  }

  return nil
}

func (m *Monitor) ReadAnalogInputs(ctx context.Context) (AnalogInputs, error) {
  data, err := m.read(ctx, func(c characteristics) *ble.Characteristic { return c.analogInputs })

  if err != nil {
    return AnalogInputs{}, err
  }

  inputs, err := ParseAnalogInputs(data)

  if err != nil {
    m.logger.Warn().Err(err).Hex("Data", data).Msg("boatmonitor: unexpected analog inputs data")
    return AnalogInputs{}, err
  }

  m.logger.Debug().Stringer("Reading", inputs).Msg("boatmonitor: read analog inputs")
  m.events.Send(inputs)

  return inputs, nil
}

func (m *Monitor) ReadLedStrip(ctx context.Context) (Strip, error) {
  data, err := m.read(ctx, func(c characteristics) *ble.Characteristic { return c.ledStrip })

  if err != nil {
    return Strip{}, err
  }

  strip, err := ParseStrip(data)

  if err != nil {
    m.logger.Warn().Err(err).Hex("Data", data).Msg("boatmonitor: unexpected led strip data")
    return Strip{}, err
  }

  m.logger.Debug().Stringer("Reading", strip).Msg("boatmonitor: read led strip")
  m.events.Send(strip)

  return strip, nil
}

func (m *Monitor) SetStatusLed(ctx context.Context, on bool) error {
  var v byte

  if on {
    v = 1
  }

  return m.write(ctx, func(c characteristics) *ble.Characteristic { return c.statusLed }, []byte{v})
}

// SetBlinkRate sets the status led blink rate, clamped to MaxBlinkRate.
func (m *Monitor) SetBlinkRate(ctx context.Context, rate uint8) error {
  rate = min(rate, MaxBlinkRate)

  return m.write(ctx, func(c characteristics) *ble.Characteristic { return c.blinkRate }, []byte{rate})
}

func (m *Monitor) SetLedStrip(ctx context.Context, s Strip) error {
  return m.write(ctx, func(c characteristics) *ble.Characteristic { return c.ledStrip }, s.Bytes())
}
