package device

import "strconv"

// State is the connection lifecycle of a device link.
//
//   Disconnected -> Connecting -> ServiceResolving -> Connected -> Disconnecting -> Disconnected
//
// Any non-terminal state falls back to Disconnected on error.
type State uint8

const (
  StateDisconnected State = iota
  StateConnecting
  StateServiceResolving
  StateConnected
  StateDisconnecting
)

func (s State) String() string {
  switch (s) {
  case StateDisconnected:
    return "Disconnected"
  case StateConnecting:
    return "Connecting"
  case StateServiceResolving:
    return "ServiceResolving"
  case StateConnected:
    return "Connected"
  case StateDisconnecting:
    return "Disconnecting"
  default:
    panic("Unknown link state: " + strconv.Itoa(int(s)))
  }
}
