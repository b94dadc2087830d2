package jbd_test

import (
  "bytes"
  "errors"
  "testing"

  "github.com/robertof/go-bms-exporter/device"
  "github.com/robertof/go-bms-exporter/device/jbd"
)

func TestAssembler_ChunkedFrame(t *testing.T) {
  var a jbd.Assembler

  frame := buildFrame(jbd.CommandBasicInfo, 0x00, basicInfoPayload())
  chunks := [][]byte{frame[:20], frame[20:21], frame[21:]}

  for i, chunk := range chunks[:len(chunks) - 1] {
    if got := a.Feed(chunk); got != nil {
      t.Fatalf("Feed(chunk %d): got frame %x before the terminator", i, got)
    }
  }

  got := a.Feed(chunks[len(chunks) - 1])

  if !bytes.Equal(got, frame) {
    t.Fatalf("Feed(last chunk): got %x, wanted %x", got, frame)
  }

  if a.Len() != 0 {
    t.Fatalf("Len() after a complete frame: got %d, wanted 0", a.Len())
  }
}

func TestAssembler_TerminatorInsidePayloadSplitsFrame(t *testing.T) {
  var a jbd.Assembler

  // a chunk ending in 0x77 is treated as the end of a frame even when it is payload data.
  got := a.Feed([]byte{0xdd, 0x04, 0x00, 0x02, 0x0c, 0x77})

  if !bytes.Equal(got, []byte{0xdd, 0x04, 0x00, 0x02, 0x0c, 0x77}) {
    t.Fatalf("Feed(): got %x", got)
  }
}

func TestAssembler_ResetDropsPartialFrame(t *testing.T) {
  var a jbd.Assembler

  a.Feed([]byte{0xdd, 0x03, 0x00})
  a.Reset()

  if a.Len() != 0 {
    t.Fatalf("Len() after Reset(): got %d, wanted 0", a.Len())
  }

  frame := buildFrame(jbd.CommandCellVoltages, 0x00, []byte{0x0c, 0xe4})

  if got := a.Feed(frame); !bytes.Equal(got, frame) {
    t.Fatalf("Feed() after Reset(): got %x, wanted %x", got, frame)
  }
}

func TestAssembler_EmptyChunk(t *testing.T) {
  var a jbd.Assembler

  if got := a.Feed(nil); got != nil {
    t.Fatalf("Feed(nil): got %x, wanted nil", got)
  }
}

func TestAssembler_MaxSize(t *testing.T) {
  a := jbd.Assembler{MaxSize: 8}

  a.Feed([]byte{0xdd, 0x03, 0x00, 0x1b, 0x10, 0x68, 0x00, 0x32, 0x27})

  if a.Len() != 0 {
    t.Fatalf("Len() past MaxSize: got %d, wanted 0", a.Len())
  }
}

func TestAssembler_Unbounded(t *testing.T) {
  var a jbd.Assembler

  for i := 0; i < 100; i++ {
    a.Feed(bytes.Repeat([]byte{0x01}, 20))
  }

  if a.Len() != 2000 {
    t.Fatalf("Len(): got %d, wanted 2000", a.Len())
  }
}

func TestCommand_Request(t *testing.T) {
  tests := []struct {
    cmd jbd.Command
    want []byte
  }{
    {jbd.CommandBasicInfo, []byte{0xdd, 0xa5, 0x03, 0x00, 0xff, 0xfd, 0x77}},
    {jbd.CommandCellVoltages, []byte{0xdd, 0xa5, 0x04, 0x00, 0xff, 0xfc, 0x77}},
  }

  for _, tt := range tests {
    got, err := tt.cmd.Request()

    if err != nil {
      t.Fatalf("%v.Request(): unexpected error %v", tt.cmd, err)
    }

    if !bytes.Equal(got, tt.want) {
      t.Fatalf("%v.Request(): got %x, wanted %x", tt.cmd, got, tt.want)
    }
  }
}

func TestCommand_RequestUnknown(t *testing.T) {
  got, err := jbd.Command(0x05).Request()

  if !errors.Is(err, device.ErrInvalidData) {
    t.Fatalf("Request(): got error %v, wanted %v", err, device.ErrInvalidData)
  }

  if got != nil {
    t.Fatalf("Request(): got %x, wanted nil", got)
  }
}
