package utils

import "sync"

// RingChannel is a bounded channel with overwrite-oldest semantics: producers never block, and
// when the buffer is full the oldest element is discarded to make room.
type RingChannel[T any] struct {
  mu sync.Mutex
  ch chan T
}

func NewRingChannel[T any](capacity int) *RingChannel[T] {
  if capacity <= 0 {
    panic("ringchan: capacity must be > 0")
  }

  return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side of the channel.
func (rc *RingChannel[T]) C() <-chan T {
  return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full. Returns false when an
// element was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
  rc.mu.Lock()
  defer rc.mu.Unlock()

  select {
  case rc.ch <- v:
    return true
  default:
  }

  // the consumer may have drained an element in the meantime.
  select {
  case <-rc.ch:
  default:
  }

  rc.ch <- v
  return false
}
