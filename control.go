package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/device/boatmonitor"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// boatController is the part of the boat monitor driven over HTTP.
type boatController interface {
  SetStatusLed(ctx context.Context, on bool) error
  SetBlinkRate(ctx context.Context, rate uint8) error
  SetLedStrip(ctx context.Context, s boatmonitor.Strip) error
}

type deviceLister interface {
  List(ctx context.Context) ([]device.Descriptor, error)
}

type controlServer struct {
  monitor boatController
  store deviceLister
  limiter *rate.Limiter
}

func newControlServer(monitor boatController, store deviceLister, limit rate.Limit, burst int) *controlServer {
  return &controlServer{
    monitor: monitor,
    store: store,
    limiter: rate.NewLimiter(limit, burst),
  }
}

func (c *controlServer) register(mux *http.ServeMux) {
  mux.HandleFunc("GET /devices", c.listDevices)

  if c.monitor == nil {
    return
  }

  mux.HandleFunc("POST /boat-monitor/status-led", c.throttled(c.setStatusLed))
  mux.HandleFunc("POST /boat-monitor/blink-rate", c.throttled(c.setBlinkRate))
  mux.HandleFunc("POST /boat-monitor/strip", c.throttled(c.setStrip))
}

// throttled rejects requests over the limit: every one of them is a BLE write.
func (c *controlServer) throttled(next func(r *http.Request) error) http.HandlerFunc {
  return func(w http.ResponseWriter, r *http.Request) {
    if !c.limiter.Allow() {
      http.Error(w, "too many requests", http.StatusTooManyRequests)
      return
    }

    err := next(r)

    if err == nil {
      w.WriteHeader(http.StatusNoContent)
      return
    }

    status := statusForError(err)

    log.Warn().
      Err(err).
      Str("Path", r.URL.Path).
      Int("Status", status).
      Msg("Boat monitor control request failed")

    http.Error(w, err.Error(), status)
  }
}

type badRequestError struct {
  error
}

func badRequest(err error) error {
  return badRequestError{err}
}

func statusForError(err error) int {
  var bad badRequestError

  switch {
  case errors.As(err, &bad):
    return http.StatusBadRequest
  case errors.Is(err, boatmonitor.ErrUnavailable):
    return http.StatusNotImplemented
  case errors.Is(err, device.ErrNotConnected):
    return http.StatusServiceUnavailable
  default:
    return http.StatusBadGateway
  }
}

func queryBool(r *http.Request, key string) (bool, error) {
  v, err := strconv.ParseBool(r.URL.Query().Get(key))

  if err != nil {
    return false, badRequest(errors.New("invalid " + key + ": " + err.Error()))
  }

  return v, nil
}

func queryByte(r *http.Request, key string) (uint8, error) {
  raw := r.URL.Query().Get(key)

  if raw == "" {
    return 0, nil
  }

  v, err := strconv.ParseUint(raw, 10, 8)

  if err != nil {
    return 0, badRequest(errors.New("invalid " + key + ": " + err.Error()))
  }

  return uint8(v), nil
}

func (c *controlServer) setStatusLed(r *http.Request) error {
  on, err := queryBool(r, "on")

  if err != nil {
    return err
  }

  return c.monitor.SetStatusLed(r.Context(), on)
}

func (c *controlServer) setBlinkRate(r *http.Request) error {
  v, err := strconv.ParseUint(r.URL.Query().Get("rate"), 10, 64)

  if err != nil {
    return badRequest(errors.New("invalid rate: " + err.Error()))
  }

  return c.monitor.SetBlinkRate(r.Context(), uint8(min(v, boatmonitor.MaxBlinkRate)))
}

func (c *controlServer) setStrip(r *http.Request) (err error) {
  var s boatmonitor.Strip

  if s.On, err = queryBool(r, "on"); err != nil {
    return err
  }

  for key, dst := range map[string]*uint8{"r": &s.Red, "g": &s.Green, "b": &s.Blue, "w": &s.White} {
    if *dst, err = queryByte(r, key); err != nil {
      return err
    }
  }

  return c.monitor.SetLedStrip(r.Context(), s)
}

func (c *controlServer) listDevices(w http.ResponseWriter, r *http.Request) {
  devices, err := c.store.List(r.Context())

  if err != nil {
    http.Error(w, err.Error(), http.StatusInternalServerError)
    return
  }

  if devices == nil {
    devices = []device.Descriptor{}
  }

  w.Header().Set("Content-Type", "application/json")

  if err := json.NewEncoder(w).Encode(devices); err != nil {
    log.Warn().Err(err).Msg("Failed to write device list")
  }
}
