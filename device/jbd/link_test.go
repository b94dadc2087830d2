package jbd_test

import (
  "context"
  "errors"
  "testing"
  "time"

  "github.com/robertof/go-bms-exporter/ble"
  "github.com/robertof/go-bms-exporter/ble/bletest"
  "github.com/robertof/go-bms-exporter/device"
  "github.com/robertof/go-bms-exporter/device/jbd"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

const testAddr = "a4:c1:38:00:00:01"

type fakeResolver struct {
  name string
  err error
  calls int
}

func (r *fakeResolver) Resolve(ctx context.Context, id, displayName string) (device.Descriptor, error) {
  r.calls++

  if r.err != nil {
    return device.Descriptor{}, r.err
  }

  return device.NewDescriptor(id, r.name), nil
}

func newBMSPeripheral() *bletest.Peripheral {
  return bletest.NewPeripheral("xiaoxiang", bletest.NewService(
    jbd.ServiceUUID,
    jbd.NotifyCharacteristicUUID,
    jbd.WriteCharacteristicUUID,
  ))
}

// respondWith makes p answer every request with the given frames, each split in 20 byte chunks.
func respondWith(p *bletest.Peripheral, frames map[jbd.Command][]byte) {
  p.OnWrite = func(p *bletest.Peripheral, w bletest.Write) {
    frame, ok := frames[jbd.Command(w.Value[2])]

    if !ok {
      return
    }

    for len(frame) > 0 {
      n := min(20, len(frame))
      p.Notify(jbd.NotifyCharacteristicUUID, frame[:n])
      frame = frame[n:]
    }
  }
}

func newTestLink(t *testing.T, p *bletest.Peripheral) (*jbd.Link, *bletest.Adapter) {
  t.Helper()

  adapter := bletest.NewAdapter()
  adapter.AddPeripheral(testAddr, p)

  link := jbd.NewLink(device.NewDescriptor(testAddr, "Battery 1"), adapter, &fakeResolver{name: "Battery 1"})
  link.ConnectTimeout = time.Second

  return link, adapter
}

// waitEvent drains events until one satisfying match is found.
func waitEvent(t *testing.T, link *jbd.Link, match func(any) bool) any {
  t.Helper()

  timeout := time.After(2 * time.Second)

  for {
    select {
    case ev := <-link.Events():
      if match(ev) {
        return ev
      }
    case <-timeout:
      t.Fatalf("timed out waiting for event")
      return nil
    }
  }
}

func isConnectionChanged(connected bool) func(any) bool {
  return func(ev any) bool {
    cc, ok := ev.(device.ConnectionChanged)
    return ok && cc.Connected == connected
  }
}

func TestLink_Connect(t *testing.T) {
  p := newBMSPeripheral()
  link, adapter := newTestLink(t, p)

  require.NoError(t, link.Connect(context.Background()))

  assert.Equal(t, device.StateConnected, link.State())
  assert.Equal(t, "Connected to Battery 1", link.Status())
  assert.Equal(t, []string{testAddr}, adapter.Connects())

  waitEvent(t, link, isConnectionChanged(true))
}

func TestLink_ConnectTwice(t *testing.T) {
  link, _ := newTestLink(t, newBMSPeripheral())

  require.NoError(t, link.Connect(context.Background()))
  assert.Error(t, link.Connect(context.Background()))
  assert.Equal(t, device.StateConnected, link.State())
}

func TestLink_ConnectAdapterDisabled(t *testing.T) {
  link, adapter := newTestLink(t, newBMSPeripheral())
  adapter.SetPowered(false)

  err := link.Connect(context.Background())

  assert.ErrorIs(t, err, ble.ErrAdapterDisabled)
  assert.Equal(t, device.StateDisconnected, link.State())
  assert.Empty(t, adapter.Connects())
}

func TestLink_ConnectNotFound(t *testing.T) {
  adapter := bletest.NewAdapter()
  link := jbd.NewLink(device.NewDescriptor(testAddr, ""), adapter, &fakeResolver{err: device.ErrNotFound})

  err := link.Connect(context.Background())

  assert.ErrorIs(t, err, device.ErrNotFound)
  assert.Equal(t, device.StateDisconnected, link.State())
  assert.Equal(t, "Unknown (a4:c1:38) not found", link.Status())
}

func TestLink_ConnectError(t *testing.T) {
  link, adapter := newTestLink(t, newBMSPeripheral())
  adapter.ConnectErr = errors.New("page timeout")

  err := link.Connect(context.Background())

  assert.ErrorIs(t, err, device.ErrConnection)
  assert.Equal(t, device.StateDisconnected, link.State())
}

func TestLink_ConnectMissingService(t *testing.T) {
  p := bletest.NewPeripheral("other", bletest.NewService(ble.UUID16(0x180f), ble.UUID16(0x2a19)))
  link, _ := newTestLink(t, p)

  err := link.Connect(context.Background())

  assert.ErrorIs(t, err, device.ErrServiceNotFound)
  assert.Equal(t, "BLE service not found", link.Status())
  assert.Equal(t, device.StateDisconnected, link.State())

  select {
  case <-p.Disconnected():
  default:
    t.Fatalf("connection was not canceled after a failed service lookup")
  }
}

func TestLink_ConnectMissingCharacteristics(t *testing.T) {
  p := bletest.NewPeripheral("other", bletest.NewService(jbd.ServiceUUID, jbd.NotifyCharacteristicUUID))
  link, _ := newTestLink(t, p)

  err := link.Connect(context.Background())

  assert.ErrorIs(t, err, device.ErrCharacteristicsNotFound)
  assert.Equal(t, "BLE characteristics not found", link.Status())
}

func TestLink_RequestNotConnected(t *testing.T) {
  link, _ := newTestLink(t, newBMSPeripheral())

  assert.ErrorIs(t, link.RequestBasicInfo(context.Background()), device.ErrNotConnected)
  assert.ErrorIs(t, link.RequestCellVoltages(context.Background()), device.ErrNotConnected)
}

func TestLink_SendUnknownCommand(t *testing.T) {
  p := newBMSPeripheral()
  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))

  err := link.SendCommand(context.Background(), jbd.Command(0x05))

  assert.ErrorIs(t, err, device.ErrInvalidData)
  assert.Empty(t, p.Writes())
  assert.Equal(t, "Connected to Battery 1", link.Status())
  assert.Equal(t, device.StateConnected, link.State())
}

func TestLink_RequestBasicInfo(t *testing.T) {
  p := newBMSPeripheral()
  respondWith(p, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload()),
  })

  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestBasicInfo(context.Background()))

  ev := waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.BasicInfo)
    return ok
  })

  info := ev.(jbd.BasicInfo)
  assert.Equal(t, uint8(80), info.StateOfCharge)
  assert.Equal(t, uint8(4), info.CellCount)
  assert.InDelta(t, 42.0, info.TotalVoltage, tolerance)

  waitEvent(t, link, func(ev any) bool {
    sc, ok := ev.(device.StatusChanged)
    return ok && sc.Status == "SOC: 80% | 42.00V | 0.50A"
  })

  request, err := jbd.CommandBasicInfo.Request()
  require.NoError(t, err)

  writes := p.Writes()
  require.Len(t, writes, 1)
  assert.Equal(t, request, writes[0].Value)
  assert.False(t, writes[0].NoRsp)
}

func TestLink_RequestCellVoltages(t *testing.T) {
  p := newBMSPeripheral()
  respondWith(p, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload()),
    jbd.CommandCellVoltages: buildFrame(jbd.CommandCellVoltages, 0x00, []byte{
      0x0c, 0xe4, 0x0c, 0xf8, 0x0c, 0xe4, 0x0d, 0x02,
    }),
  })

  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestBasicInfo(context.Background()))
  require.NoError(t, link.RequestCellVoltages(context.Background()))

  ev := waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.CellVoltages)
    return ok
  })

  assert.Len(t, ev.(jbd.CellVoltages).Voltages, 4)

  waitEvent(t, link, func(ev any) bool {
    sc, ok := ev.(device.StatusChanged)
    return ok && sc.Status == "Received 4 cell voltages"
  })
}

func TestLink_RequestDiscardsStalePartialFrame(t *testing.T) {
  p := newBMSPeripheral()
  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))

  // leftovers of an unanswered exchange.
  require.True(t, p.Notify(jbd.NotifyCharacteristicUUID, []byte{0xdd, 0x03, 0x00, 0x1b, 0x10}))

  respondWith(p, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload()),
  })

  require.NoError(t, link.RequestBasicInfo(context.Background()))

  ev := waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.BasicInfo)
    return ok
  })

  assert.Equal(t, uint8(80), ev.(jbd.BasicInfo).StateOfCharge)
}

func TestLink_DeviceErrorStatus(t *testing.T) {
  p := newBMSPeripheral()
  respondWith(p, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x80, nil),
  })

  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestBasicInfo(context.Background()))

  waitEvent(t, link, func(ev any) bool {
    sc, ok := ev.(device.StatusChanged)
    return ok && sc.Status == "BMS returned error"
  })

  assert.Equal(t, device.StateConnected, link.State())
}

func TestLink_WriteError(t *testing.T) {
  p := newBMSPeripheral()
  link, _ := newTestLink(t, p)
  require.NoError(t, link.Connect(context.Background()))

  p.WriteErr = errors.New("att: write failed")

  assert.ErrorIs(t, link.RequestBasicInfo(context.Background()), device.ErrConnection)
}

func TestLink_Disconnect(t *testing.T) {
  p := newBMSPeripheral()
  link, _ := newTestLink(t, p)

  require.NoError(t, link.Connect(context.Background()))
  waitEvent(t, link, isConnectionChanged(true))

  require.NoError(t, link.Disconnect(context.Background()))
  require.NoError(t, link.Disconnect(context.Background()))

  assert.Equal(t, device.StateDisconnected, link.State())
  assert.Equal(t, "Disconnected", link.Status())
  assert.Equal(t, 1, p.Unsubscribes())

  waitEvent(t, link, isConnectionChanged(false))

  // no second ConnectionChanged, and the deliberate close is not reported as lost.
  time.Sleep(50 * time.Millisecond)

  for {
    select {
    case ev := <-link.Events():
      if _, ok := ev.(device.ConnectionChanged); ok {
        t.Fatalf("unexpected event after disconnect: %#v", ev)
      }
    default:
      assert.Equal(t, "Disconnected", link.Status())
      return
    }
  }
}

func TestLink_ConnectionLost(t *testing.T) {
  p := newBMSPeripheral()
  link, _ := newTestLink(t, p)

  require.NoError(t, link.Connect(context.Background()))
  p.Drop()

  waitEvent(t, link, isConnectionChanged(false))

  assert.Equal(t, device.StateDisconnected, link.State())
  assert.Equal(t, "Connection lost", link.Status())
  assert.ErrorIs(t, link.RequestBasicInfo(context.Background()), device.ErrNotConnected)
}

func TestLink_Reconnect(t *testing.T) {
  first := newBMSPeripheral()
  link, adapter := newTestLink(t, first)

  require.NoError(t, link.Connect(context.Background()))
  first.Drop()
  waitEvent(t, link, isConnectionChanged(false))

  second := newBMSPeripheral()
  respondWith(second, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload()),
  })
  adapter.AddPeripheral(testAddr, second)

  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestBasicInfo(context.Background()))

  waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.BasicInfo)
    return ok
  })
}

func TestLink_ReconnectKeepsCellCount(t *testing.T) {
  first := newBMSPeripheral()
  respondWith(first, map[jbd.Command][]byte{
    jbd.CommandBasicInfo: buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload()),
  })

  link, adapter := newTestLink(t, first)

  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestBasicInfo(context.Background()))

  waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.BasicInfo)
    return ok
  })

  // the second device reports more cells than the first one told us about.
  second := newBMSPeripheral()
  respondWith(second, map[jbd.Command][]byte{
    jbd.CommandCellVoltages: buildFrame(jbd.CommandCellVoltages, 0x00, []byte{
      0x0c, 0xe4, 0x0c, 0xf8, 0x0c, 0xe4, 0x0d, 0x02, 0x0c, 0xe4, 0x0c, 0xf8,
    }),
  })
  adapter.AddPeripheral(testAddr, second)

  first.Drop()
  waitEvent(t, link, isConnectionChanged(false))

  require.NoError(t, link.Connect(context.Background()))
  require.NoError(t, link.RequestCellVoltages(context.Background()))

  ev := waitEvent(t, link, func(ev any) bool {
    _, ok := ev.(jbd.CellVoltages)
    return ok
  })

  assert.Len(t, ev.(jbd.CellVoltages).Voltages, 4)

  require.NoError(t, link.Disconnect(context.Background()))
  assert.Equal(t, 1, second.Unsubscribes())
}
