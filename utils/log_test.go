package utils_test

import (
	"testing"

	"github.com/robertof/go-bms-exporter/utils"
	"github.com/rs/zerolog"
)

func TestLogLevel(t *testing.T) {
	cases := []struct {
		debug, trace bool
		want zerolog.Level
	}{
		{false, false, zerolog.InfoLevel},
		{true, false, zerolog.DebugLevel},
		{false, true, zerolog.TraceLevel},
		{true, true, zerolog.TraceLevel},
	}

	for _, c := range cases {
		if got := utils.LogLevel(c.debug, c.trace); got != c.want {
			t.Errorf("LogLevel(%v, %v) = %v, want %v", c.debug, c.trace, got, c.want)
		}
	}
}
