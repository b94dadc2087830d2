package ble

import (
  "context"
  "fmt"

  "github.com/rs/zerolog/log"
)

// DiscoverProfile runs a full profile discovery on p, canceling the connection if ctx expires
// first (go-ble discovery calls can't be interrupted otherwise).
func DiscoverProfile(ctx context.Context, p Peripheral) (*Profile, error) {
  type result struct {
    profile *Profile
    err error
  }

  ch := make(chan result, 1)

  go func() {
    profile, err := p.DiscoverProfile(false)
    ch <- result{profile, err}
  }()

  select {
  case res := <-ch:
    if res.err != nil {
      return nil, fmt.Errorf("cannot discover profile for device: %w", NormalizeError(res.err))
    }

    return res.profile, nil
  case <-ctx.Done():
    if err := p.CancelConnection(); err != nil {
      log.Debug().Err(err).Msg("ble: failed to cancel connection after discovery timeout")
    }

    return nil, fmt.Errorf("cannot discover profile for device: %w", ctx.Err())
  }
}

func FindService(p *Profile, uuid UUID) *Service {
  if p == nil {
    return nil
  }

  for _, svc := range p.Services {
    if svc.UUID.Equal(uuid) {
      return svc
    }
  }

  return nil
}

func FindCharacteristic(svc *Service, uuid UUID) *Characteristic {
  if svc == nil {
    return nil
  }

  for _, char := range svc.Characteristics {
    if char.UUID.Equal(uuid) {
      return char
    }
  }

  return nil
}
