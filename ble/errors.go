package ble

import (
  "errors"
  "fmt"
  "strings"
)

// ErrAdapterDisabled is returned when Bluetooth is off or the HCI device is unusable.
var ErrAdapterDisabled = errors.New("bluetooth is not enabled")

// NormalizeError maps known go-ble/HCI error messages to ErrAdapterDisabled, wrapping the
// original error.
func NormalizeError(err error) error {
  if err == nil || errors.Is(err, ErrAdapterDisabled) {
    return err
  }

  msg := strings.ToLower(err.Error())

  switch {
  case strings.Contains(msg, "bluetooth is turned off"),
       strings.Contains(msg, "is bluetooth turned on"),
       strings.Contains(msg, "network is down"),
       strings.Contains(msg, "no such device"):
    return fmt.Errorf("%w: %w", ErrAdapterDisabled, err)
  default:
    return err
  }
}
