package jbd

import "github.com/rs/zerolog/log"

// Frame is a complete protocol message:
//
//   DD <command> <status> <payload length> <payload...> <checksum hi> <checksum lo> 77
//
// Accessors assume the frame has been validated by Decode.
type Frame []byte

func (f Frame) Command() Command {
  return Command(f[1])
}

func (f Frame) Status() byte {
  return f[2]
}

func (f Frame) PayloadLength() int {
  return int(f[3])
}

func (f Frame) Payload() []byte {
  return f[headerLength:headerLength + f.PayloadLength()]
}

// Assembler turns a stream of notification chunks into candidate frames. A frame is complete
// when the accumulated buffer ends with the terminator byte.
//
// There is no limit to the accumulated size unless MaxSize is set: a device that never
// terminates a frame grows the buffer without bound.
type Assembler struct {
  // If > 0, the buffer is discarded once it grows past MaxSize bytes without a terminator.
  MaxSize int

  buf []byte
}

// Feed appends chunk and returns the whole buffer as a frame if it ends with the terminator,
// resetting the assembler. Returns nil while more chunks are expected.
func (a *Assembler) Feed(chunk []byte) Frame {
  a.buf = append(a.buf, chunk...)

  if len(a.buf) > 0 && a.buf[len(a.buf) - 1] == TerminatorByte {
    frame := Frame(a.buf)
    a.buf = nil

    return frame
  }

  if a.MaxSize > 0 && len(a.buf) > a.MaxSize {
    log.Warn().
      Int("Buffered", len(a.buf)).
      Int("MaxSize", a.MaxSize).
      Msg("jbd: discarding unterminated frame")

    a.buf = nil
  }

  return nil
}

// Reset drops any partial frame. Must be called before sending a new command.
func (a *Assembler) Reset() {
  a.buf = nil
}

// Len is the number of bytes waiting for a terminator.
func (a *Assembler) Len() int {
  return len(a.buf)
}
