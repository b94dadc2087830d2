package device

import "context"

// Link is a connection to a single device, owned by whoever created it.
type Link interface {
  Descriptor() Descriptor
  Connect(ctx context.Context) error
  Disconnect(ctx context.Context) error
  State() State
  Status() string
  String() string
}

// ConnectionChanged is emitted by a link when it becomes connected or loses its connection.
type ConnectionChanged struct {
  Connected bool
}

// StatusChanged is emitted every time the human-readable status of a link changes.
type StatusChanged struct {
  Status string
}
