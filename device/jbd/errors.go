package jbd

import "fmt"

type ProtocolErrorKind uint8

const (
  KindTooShort ProtocolErrorKind = iota + 1
  KindBadStartByte
  KindDeviceError
  KindIncomplete
)

func (k ProtocolErrorKind) String() string {
  switch k {
  case KindTooShort:
    return "frame too short"
  case KindBadStartByte:
    return "bad start byte"
  case KindDeviceError:
    return "device error"
  case KindIncomplete:
    return "frame incomplete"
  default:
    return "unknown protocol error"
  }
}

// ProtocolError is a non-fatal decoding failure: the frame is dropped and the link stays up.
type ProtocolError struct {
  Kind ProtocolErrorKind
  // Status byte reported by the BMS, for KindDeviceError.
  Status byte
  // Actual and minimum frame length, for KindTooShort and KindIncomplete.
  Length, Need int
  // Offending start byte, for KindBadStartByte.
  Start byte
}

func (e *ProtocolError) Error() string {
  switch e.Kind {
  case KindTooShort, KindIncomplete:
    return fmt.Sprintf("jbd: %v: have %d bytes, need %d", e.Kind, e.Length, e.Need)
  case KindBadStartByte:
    return fmt.Sprintf("jbd: %v: 0x%02x (expected 0x%02x)", e.Kind, e.Start, StartByte)
  case KindDeviceError:
    return fmt.Sprintf("jbd: %v: BMS returned status 0x%02x", e.Kind, e.Status)
  default:
    return "jbd: " + e.Kind.String()
  }
}

// Is allows errors.Is to compare ProtocolError values by Kind.
func (e *ProtocolError) Is(target error) bool {
  t, ok := target.(*ProtocolError)

  return ok && e.Kind == t.Kind
}

var (
  ErrTooShort = &ProtocolError{Kind: KindTooShort}
  ErrBadStartByte = &ProtocolError{Kind: KindBadStartByte}
  ErrDeviceError = &ProtocolError{Kind: KindDeviceError}
  ErrIncomplete = &ProtocolError{Kind: KindIncomplete}
)
