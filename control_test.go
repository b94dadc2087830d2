package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeBoat struct {
  err error
  calls []string
}

func (f *fakeBoat) SetStatusLed(ctx context.Context, on bool) error {
  f.calls = append(f.calls, fmt.Sprintf("led:%v", on))
  return f.err
}

func (f *fakeBoat) SetBlinkRate(ctx context.Context, rate uint8) error {
  f.calls = append(f.calls, fmt.Sprintf("blink:%d", rate))
  return f.err
}

func (f *fakeBoat) SetLedStrip(ctx context.Context, s boatmonitor.Strip) error {
  f.calls = append(f.calls, s.String())
  return f.err
}

type fakeLister []device.Descriptor

func (f fakeLister) List(ctx context.Context) ([]device.Descriptor, error) {
  return f, nil
}

func newTestMux(boat boatController, limit rate.Limit, burst int) *http.ServeMux {
  mux := http.NewServeMux()
  newControlServer(boat, fakeLister{{ID: "a4:c1:38:00:00:01", Name: "House"}}, limit, burst).register(mux)

  return mux
}

func do(mux *http.ServeMux, method, target string) *httptest.ResponseRecorder {
  rec := httptest.NewRecorder()
  mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

  return rec
}

func TestControl_Requests(t *testing.T) {
  boat := &fakeBoat{}
  mux := newTestMux(boat, rate.Inf, 1)

  assert.Equal(t, http.StatusNoContent, do(mux, http.MethodPost, "/boat-monitor/status-led?on=true").Code)
  assert.Equal(t, http.StatusNoContent, do(mux, http.MethodPost, "/boat-monitor/blink-rate?rate=250").Code)
  assert.Equal(t, http.StatusNoContent, do(mux, http.MethodPost, "/boat-monitor/strip?on=1&r=255&b=16").Code)

  assert.Equal(t, []string{
    "led:true",
    "blink:100",
    "Strip[On=true,R=255,G=0,B=16,W=0]",
  }, boat.calls)
}

func TestControl_BadRequests(t *testing.T) {
  boat := &fakeBoat{}
  mux := newTestMux(boat, rate.Inf, 1)

  for _, target := range []string{
    "/boat-monitor/status-led",
    "/boat-monitor/status-led?on=maybe",
    "/boat-monitor/blink-rate?rate=-1",
    "/boat-monitor/strip?on=1&r=256",
  } {
    assert.Equal(t, http.StatusBadRequest, do(mux, http.MethodPost, target).Code, target)
  }

  assert.Empty(t, boat.calls)
  assert.Equal(t, http.StatusMethodNotAllowed, do(mux, http.MethodGet, "/boat-monitor/status-led?on=1").Code)
}

func TestControl_DeviceErrors(t *testing.T) {
  for _, tc := range []struct {
    err error
    status int
  }{
    {device.ErrNotConnected, http.StatusServiceUnavailable},
    {boatmonitor.ErrUnavailable, http.StatusNotImplemented},
    {fmt.Errorf("%w: write failed", device.ErrConnection), http.StatusBadGateway},
  } {
    mux := newTestMux(&fakeBoat{err: tc.err}, rate.Inf, 1)
    assert.Equal(t, tc.status, do(mux, http.MethodPost, "/boat-monitor/status-led?on=0").Code, tc.err.Error())
  }
}

func TestControl_Throttled(t *testing.T) {
  boat := &fakeBoat{}
  mux := newTestMux(boat, rate.Limit(0.001), 2)

  assert.Equal(t, http.StatusNoContent, do(mux, http.MethodPost, "/boat-monitor/status-led?on=1").Code)
  assert.Equal(t, http.StatusNoContent, do(mux, http.MethodPost, "/boat-monitor/status-led?on=0").Code)
  assert.Equal(t, http.StatusTooManyRequests, do(mux, http.MethodPost, "/boat-monitor/status-led?on=1").Code)

  assert.Len(t, boat.calls, 2)
}

func TestControl_NoMonitor(t *testing.T) {
  mux := newTestMux(nil, rate.Inf, 1)

  assert.Equal(t, http.StatusNotFound, do(mux, http.MethodPost, "/boat-monitor/status-led?on=1").Code)
}

func TestControl_ListDevices(t *testing.T) {
  mux := newTestMux(nil, rate.Inf, 1)

  rec := do(mux, http.MethodGet, "/devices")
  require.Equal(t, http.StatusOK, rec.Code)

  var devices []device.Descriptor
  require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &devices))
  assert.Equal(t, []device.Descriptor{{ID: "a4:c1:38:00:00:01", Name: "House"}}, devices)
}
