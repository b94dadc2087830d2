package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robertof/go-bms-exporter/ble"
	"github.com/robertof/go-bms-exporter/collector/model"
	"github.com/robertof/go-bms-exporter/device"
	"github.com/robertof/go-bms-exporter/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

const (
  DefaultPollInterval = 5 * time.Second
  DefaultSettleDelay = 200 * time.Millisecond
  DefaultCommandSpacing = 300 * time.Millisecond
  DefaultBackoffFactor = 500 * time.Millisecond
  DefaultMaxBackoff = time.Minute
  DefaultBreakerFailures = 5
  DefaultBreakerTimeout = 2 * time.Minute
)

type Options struct {
  // Time between two polls of a connected device.
  PollInterval time.Duration
  // Wait after connecting before sending the first command.
  SettleDelay time.Duration
  // Minimum time between two commands sent to the same battery.
  CommandSpacing time.Duration

  // Exponential backoff factor for reconnections.
  BackoffFactor time.Duration
  MaxBackoff time.Duration

  // Consecutive connection failures after which reconnections are paused for BreakerTimeout.
  BreakerFailures uint32
  BreakerTimeout time.Duration
}

func (o Options) withDefaults() Options {
  if o.PollInterval <= 0 {
    o.PollInterval = DefaultPollInterval
  }

  if o.SettleDelay <= 0 {
    o.SettleDelay = DefaultSettleDelay
  }

  if o.CommandSpacing <= 0 {
    o.CommandSpacing = DefaultCommandSpacing
  }

  if o.BackoffFactor <= 0 {
    o.BackoffFactor = DefaultBackoffFactor
  }

  if o.MaxBackoff <= 0 {
    o.MaxBackoff = DefaultMaxBackoff
  }

  if o.BreakerFailures == 0 {
    o.BreakerFailures = DefaultBreakerFailures
  }

  if o.BreakerTimeout <= 0 {
    o.BreakerTimeout = DefaultBreakerTimeout
  }

  return o
}

// Backoff returns the delay before the given reconnection attempt (0-based).
func (o Options) Backoff(attempt int) time.Duration {
  backoff := o.BackoffFactor << int64(attempt)

  if backoff <= 0 || backoff > o.MaxBackoff {
    backoff = o.MaxBackoff
  }

  return backoff
}

// pollable is a device link whose events are collected.
type pollable interface {
  device.Link
  Connected() bool
  Events() <-chan any
}

// worker keeps one device connected and polls it until the context is canceled.
type worker struct {
  key string
  link pollable
  rec *Recurring
  opts Options

  // one poll round: send requests or read characteristics.
  poll func(ctx context.Context) error

  breaker *gobreaker.CircuitBreaker[struct{}]
  logger zerolog.Logger
}

func newWorker(key string, link pollable, rec *Recurring, opts Options) *worker {
  logger := log.With().Stringer("Device", link).Logger()

  breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
    Name: "connect:" + key,
    MaxRequests: 1,
    Timeout: opts.BreakerTimeout,
    ReadyToTrip: func(counts gobreaker.Counts) bool {
      return counts.ConsecutiveFailures >= opts.BreakerFailures
    },
    OnStateChange: func(name string, from, to gobreaker.State) {
      logger.Warn().
        Str("Breaker", name).
        Stringer("From", from).
        Stringer("To", to).
        Msg("Reconnection circuit breaker changed state")
    },
    // the adapter being off is not the device's fault.
    IsSuccessful: func(err error) bool {
      return err == nil || utils.ErrorIsAnyOf(err, ble.ErrAdapterDisabled, context.Canceled)
    },
  })

  return &worker{
    key: key,
    link: link,
    rec: rec,
    opts: opts,
    breaker: breaker,
    logger: logger,
  }
}

func (w *worker) record(r model.Result) {
  w.rec.Update(model.DeviceResult{Key: w.key, Result: r})
}

func (w *worker) forwardEvents(ctx context.Context) {
  for {
    select {
    case <-ctx.Done():
      return
    case ev := <-w.link.Events():
      w.logger.Trace().Interface("Event", ev).Msg("Received device event")
      w.record(model.Result{Event: ev})
    }
  }
}

func (w *worker) connect(ctx context.Context) error {
  _, err := w.breaker.Execute(func() (struct{}, error) {
    return struct{}{}, w.link.Connect(ctx)
  })

  if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
    return fmt.Errorf("too many failed connections, not retrying yet: %w", err)
  }

  return err
}

func (w *worker) run(ctx context.Context) error {
  go w.forwardEvents(ctx)

  defer func() {
    if err := w.link.Disconnect(context.Background()); err != nil {
      w.logger.Warn().Err(err).Msg("Failed to disconnect on shutdown")
    }
  }()

  attempt := 0

  for w.rec.awaitActivity(ctx) {
    err := w.connect(ctx)

    if err != nil {
      if ctx.Err() != nil {
        return nil
      }

      backoff := w.opts.Backoff(attempt)
      attempt += 1

      w.logger.Warn().
        Err(err).
        Int("Attempt", attempt).
        Dur("Backoff", backoff).
        Msg("Connection to device failed - will retry")

      w.record(model.Result{Error: err})

      if !sleep(ctx, backoff) {
        return nil
      }

      continue
    }

    attempt = 0
    w.pollWhileConnected(ctx)
  }

  return nil
}

func (w *worker) pollWhileConnected(ctx context.Context) {
  if !sleep(ctx, w.opts.SettleDelay) {
    return
  }

  for {
    if !w.link.Connected() {
      w.logger.Debug().Msg("Device no longer connected, stopping polls")
      return
    }

    if suspend, elapsed := w.rec.shouldSuspend(); suspend {
      w.logger.Warn().
        Dur("IdleTimeoutSec", w.rec.IdleTimeout).
        Dur("TimeSinceLastReadSec", elapsed).
        Msg("Disconnecting due to inactivity. If you see this message often, " +
            "you probably need to adjust '-idle-timeout'.")

      if err := w.link.Disconnect(ctx); err != nil {
        w.logger.Warn().Err(err).Msg("Failed to disconnect idle device")
      }

      return
    }

    if err := w.poll(ctx); err != nil {
      if utils.ErrorIsAnyOf(err, device.ErrNotConnected, context.Canceled) {
        return
      }

      w.logger.Warn().Err(err).Msg("Poll failed")
      w.record(model.Result{Error: err})
    }

    if !sleep(ctx, w.opts.PollInterval) {
      return
    }
  }
}

// sleep waits for d. Returns false if ctx is done first.
func sleep(ctx context.Context, d time.Duration) bool {
  if d <= 0 {
    return ctx.Err() == nil
  }

  t := time.NewTimer(d)
  defer t.Stop()

  select {
  case <-ctx.Done():
    return false
  case <-t.C:
    return true
  }
}
