package ble

import (
  "context"
  "fmt"
  "sync/atomic"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/prometheus/client_golang/prometheus"
  "github.com/rs/zerolog/log"
)

type Advertisement = ble.Advertisement
type Characteristic = ble.Characteristic
type Profile = ble.Profile
type Service = ble.Service
type UUID = ble.UUID
type NotificationHandler = ble.NotificationHandler

// Peripheral is the subset of a GATT client connection the device links rely on.
// ble.Client satisfies it.
type Peripheral interface {
  Name() string
  DiscoverProfile(force bool) (*Profile, error)
  ReadCharacteristic(c *Characteristic) ([]byte, error)
  WriteCharacteristic(c *Characteristic, value []byte, noRsp bool) error
  Subscribe(c *Characteristic, ind bool, h NotificationHandler) error
  Unsubscribe(c *Characteristic, ind bool) error
  CancelConnection() error
  Disconnected() <-chan struct{}
}

// Adapter is the radio as seen by the connection coordinator and the device links.
type Adapter interface {
  // Powered reports whether the adapter is usable. Callers fail fast when it is not.
  Powered() bool
  // Scan blocks until ctx is done, calling onAdvertisement for every advertisement received.
  Scan(ctx context.Context, onAdvertisement func(Advertisement)) error
  Connect(ctx context.Context, id string) (Peripheral, error)
}

type Handle struct {
  dev *linux.Device
  flags Flags
  conns *connectionRegistry
  stopped atomic.Bool
}

var _ Adapter = (*Handle)(nil)

func UUID16(i uint16) UUID {
  return ble.UUID16(i)
}

func RegisterMetrics(reg prometheus.Registerer) {
  reg.MustRegister(
    successfulConnectionsCounter,
    failedConnectionsCounter,
    disconnectsCounter,
    scansCounter,
  )
}

func Init(deviceId int, flags Flags) (*Handle, error) {
  return InitWithConnParams(
    deviceId,
    ConnParamsDefault,
    flags,
  )
}

func InitWithConnParams(deviceId int, connParams ConnParams, flags Flags) (*Handle, error) {
  var scanType scanType = scanTypePassive

  if flags & FlagScanTypeActive == FlagScanTypeActive {
    scanType = scanTypeActive
  }

  log.Debug().
    Stringer("ScanType", scanType).
    Stringer("ConnParams", &connParams).
    Stringer("Flags", flags).
    Int("DeviceID", deviceId).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           uint8(scanType), // 0x00: passive, 0x01: active
      LEScanInterval:       0x0004,          // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0004,          // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,            // 0x00: public, 0x01: random
      ScanningFilterPolicy: 0x00,            // 0x00: accept all
    }),
    ble.OptConnParams(connParams.AdapterOptions()),
  )

  if err != nil {
    return nil, fmt.Errorf("failed to init bluetooth device: %w", NormalizeError(err))
  }

  ble.SetDefaultDevice(dev)

  return &Handle{
    dev: dev,
    flags: flags,
    conns: newConnectionRegistry(),
  }, nil
}

func (h *Handle) Powered() bool {
  return h != nil && h.dev != nil && !h.stopped.Load()
}

func (h *Handle) Stop() {
  if h.stopped.Swap(true) {
    return
  }

  h.DisconnectAll()

  if err := h.dev.Stop(); err != nil {
    log.Warn().Err(err).Msg("ble: failed to stop Bluetooth device")
  }
}
