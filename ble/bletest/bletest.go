// Package bletest provides in-memory fakes of the BLE radio and GATT peripherals.
package bletest

import (
  "context"
  "errors"
  "sync"
  "sync/atomic"

  ble_mod "github.com/go-ble/ble"
  "github.com/robertof/go-bms-exporter/ble"
)

type Advertisement struct {
  Name string
  Address string
  ServiceUUIDs []ble.UUID
  Manufacturer []byte
}

func (f Advertisement) LocalName() string {
  return f.Name
}

func (f Advertisement) ManufacturerData() []byte {
  return f.Manufacturer
}

func (f Advertisement) ServiceData() []ble_mod.ServiceData {
  return nil
}

func (f Advertisement) Services() []ble_mod.UUID {
  return f.ServiceUUIDs
}

func (f Advertisement) OverflowService() []ble_mod.UUID {
  return nil
}

func (f Advertisement) TxPowerLevel() int {
  return 0
}

func (f Advertisement) Connectable() bool {
  return true
}

func (f Advertisement) SolicitedService() []ble_mod.UUID {
  return nil
}

func (f Advertisement) RSSI() int {
  return -60
}

func (f Advertisement) Addr() ble_mod.Addr {
  return ble_mod.NewAddr(f.Address)
}

// NewService builds a service exposing the given characteristics.
func NewService(uuid ble.UUID, chars ...ble.UUID) *ble.Service {
  svc := &ble.Service{UUID: uuid}

  for _, c := range chars {
    svc.Characteristics = append(svc.Characteristics, &ble.Characteristic{UUID: c})
  }

  return svc
}

// Write is a value written to a characteristic.
type Write struct {
  UUID ble.UUID
  Value []byte
  NoRsp bool
}

// Peripheral is a fake GATT server. Values are read from Values (keyed by UUID string) and
// OnWrite, if set, is invoked synchronously on every write.
type Peripheral struct {
  Profile *ble.Profile
  DiscoverErr error
  SubscribeErr error
  WriteErr error

  // OnWrite is called after the write has been recorded.
  OnWrite func(p *Peripheral, w Write)

  mu sync.Mutex
  name string
  values map[string][]byte
  writes []Write
  handlers map[string]ble.NotificationHandler
  unsubscribes int

  disconnected chan struct{}
  closeOnce sync.Once
}

var _ ble.Peripheral = (*Peripheral)(nil)

func NewPeripheral(name string, services ...*ble.Service) *Peripheral {
  return &Peripheral{
    Profile: &ble.Profile{Services: services},
    name: name,
    values: make(map[string][]byte),
    handlers: make(map[string]ble.NotificationHandler),
    disconnected: make(chan struct{}),
  }
}

func (p *Peripheral) Name() string {
  return p.name
}

func (p *Peripheral) DiscoverProfile(force bool) (*ble.Profile, error) {
  if p.DiscoverErr != nil {
    return nil, p.DiscoverErr
  }

  return p.Profile, nil
}

// SetValue sets the value returned when reading the characteristic uuid.
func (p *Peripheral) SetValue(uuid ble.UUID, value []byte) {
  p.mu.Lock()
  defer p.mu.Unlock()

  p.values[uuid.String()] = value
}

func (p *Peripheral) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
  p.mu.Lock()
  defer p.mu.Unlock()

  v, ok := p.values[c.UUID.String()]

  if !ok {
    return nil, errors.New("bletest: read failed, no value for " + c.UUID.String())
  }

  return append([]byte(nil), v...), nil
}

func (p *Peripheral) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
  if p.WriteErr != nil {
    return p.WriteErr
  }

  w := Write{UUID: c.UUID, Value: append([]byte(nil), value...), NoRsp: noRsp}

  p.mu.Lock()
  p.writes = append(p.writes, w)
  p.mu.Unlock()

  if p.OnWrite != nil {
    p.OnWrite(p, w)
  }

  return nil
}

func (p *Peripheral) Writes() []Write {
  p.mu.Lock()
  defer p.mu.Unlock()

  return append([]Write(nil), p.writes...)
}

func (p *Peripheral) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
  if p.SubscribeErr != nil {
    return p.SubscribeErr
  }

  p.mu.Lock()
  defer p.mu.Unlock()

  p.handlers[c.UUID.String()] = h

  return nil
}

func (p *Peripheral) Unsubscribe(c *ble.Characteristic, ind bool) error {
  p.mu.Lock()
  defer p.mu.Unlock()

  delete(p.handlers, c.UUID.String())
  p.unsubscribes++

  return nil
}

func (p *Peripheral) Unsubscribes() int {
  p.mu.Lock()
  defer p.mu.Unlock()

  return p.unsubscribes
}

// Notify delivers data to the handler subscribed to uuid. Returns false if there is none.
func (p *Peripheral) Notify(uuid ble.UUID, data []byte) bool {
  p.mu.Lock()
  h := p.handlers[uuid.String()]
  p.mu.Unlock()

  if h == nil {
    return false
  }

  h(data)

  return true
}

func (p *Peripheral) CancelConnection() error {
  p.Drop()
  return nil
}

// Drop simulates the connection being lost.
func (p *Peripheral) Drop() {
  p.closeOnce.Do(func() {
    close(p.disconnected)
  })
}

func (p *Peripheral) Disconnected() <-chan struct{} {
  return p.disconnected
}

// Adapter is a fake radio. Scans replay Advertisements and then block until the scan context
// is done, unless ScanFunc is set.
type Adapter struct {
  Advertisements []Advertisement
  ScanFunc func(ctx context.Context, onAdvertisement func(ble.Advertisement)) error
  ConnectErr error

  powered atomic.Bool
  scans atomic.Int32
  active atomic.Int32

  mu sync.Mutex
  peripherals map[string]*Peripheral
  connects []string
}

var _ ble.Adapter = (*Adapter)(nil)

func NewAdapter(advertisements ...Advertisement) *Adapter {
  a := &Adapter{
    Advertisements: advertisements,
    peripherals: make(map[string]*Peripheral),
  }

  a.powered.Store(true)

  return a
}

func (a *Adapter) SetPowered(powered bool) {
  a.powered.Store(powered)
}

func (a *Adapter) Powered() bool {
  return a.powered.Load()
}

// AddPeripheral registers the peripheral returned when connecting to id.
func (a *Adapter) AddPeripheral(id string, p *Peripheral) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.peripherals[id] = p
}

// Scans returns how many scans have been started.
func (a *Adapter) Scans() int {
  return int(a.scans.Load())
}

// ActiveScans returns how many scans are currently running.
func (a *Adapter) ActiveScans() int {
  return int(a.active.Load())
}

func (a *Adapter) Scan(ctx context.Context, onAdvertisement func(ble.Advertisement)) error {
  if !a.Powered() {
    return ble.ErrAdapterDisabled
  }

  a.scans.Add(1)
  a.active.Add(1)
  defer a.active.Add(-1)

  if a.ScanFunc != nil {
    return a.ScanFunc(ctx, onAdvertisement)
  }

  for _, adv := range a.Advertisements {
    onAdvertisement(adv)
  }

  <-ctx.Done()

  return nil
}

func (a *Adapter) Connect(ctx context.Context, id string) (ble.Peripheral, error) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.connects = append(a.connects, id)

  if a.ConnectErr != nil {
    return nil, a.ConnectErr
  }

  p, ok := a.peripherals[id]

  if !ok {
    return nil, errors.New("bletest: no peripheral at " + id)
  }

  return p, nil
}

func (a *Adapter) Connects() []string {
  a.mu.Lock()
  defer a.mu.Unlock()

  return append([]string(nil), a.connects...)
}
