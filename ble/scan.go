package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/rs/zerolog/log"
)

func WrapContextWithSigHandler(ctx context.Context, cancel func()) context.Context {
  return ble.WithSigHandler(ctx, cancel)
}

// Perform an active or passive scan and hand every advertisement found to onAdvertisement.
// Returns nil when the scan ends because ctx was canceled or its deadline expired.
func (h *Handle) Scan(ctx context.Context, onAdvertisement func(Advertisement)) error {
  if !h.Powered() {
    return ErrAdapterDisabled
  }

  scansCounter.Inc()

  allowDup := h.flags & FlagAllowDuplicates == FlagAllowDuplicates

  log.Trace().Bool("AllowDuplicates", allowDup).Msg("ble: starting scan")

  err := h.dev.Scan(ctx, allowDup, func(a Advertisement) {
    // the BLE lib could send an advertisement even after `Scan()` returns. do not waste
    // time dispatching data if we're done.
    select {
    case <-ctx.Done():
      return
    default:
    }

    onAdvertisement(a)
  })

  // swallow context errors which are caused by the caller ending the scan.
  if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
    err = nil
  }

  if err != nil {
    return fmt.Errorf("failed to scan: %w", NormalizeError(err))
  }

  return nil
}
