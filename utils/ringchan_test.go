package utils_test

import (
  "testing"

  "github.com/robertof/go-bms-exporter/utils"
  "github.com/stretchr/testify/assert"
  "github.com/stretchr/testify/require"
)

func TestRingChannel_DropsOldest(t *testing.T) {
  rc := utils.NewRingChannel[int](3)

  for i := 0; i < 5; i++ {
    rc.Send(i)
  }

  var got []int

  for len(rc.C()) > 0 {
    got = append(got, <-rc.C())
  }

  assert.Equal(t, []int{2, 3, 4}, got)
}

func TestRingChannel_ReportsDrops(t *testing.T) {
  rc := utils.NewRingChannel[string](1)

  require.True(t, rc.Send("a"))
  require.False(t, rc.Send("b"))
  assert.Equal(t, "b", <-rc.C())
}

func TestRingChannel_ZeroCapacityPanics(t *testing.T) {
  assert.Panics(t, func() { utils.NewRingChannel[int](0) })
}
