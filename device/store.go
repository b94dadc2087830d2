package device

import "context"

// Store persists the devices known across sessions.
type Store interface {
  List(ctx context.Context) ([]Descriptor, error)
  // Add is idempotent: re-adding an existing id is a no-op.
  Add(ctx context.Context, d Descriptor) error
  Remove(ctx context.Context, id string) error
  Clear(ctx context.Context) error
}
