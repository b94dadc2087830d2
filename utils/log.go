package utils

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func ToZeroLogArray[T fmt.Stringer](arr []T) (ret *zerolog.Array) {
	ret = zerolog.Arr()

	for _, elem := range arr {
		ret = ret.Str(elem.String())
	}

	return ret
}

// SetupLogging configures the global logger for console output. TRACE and DEBUG in the
// environment take precedence over the flags.
func SetupLogging(debug, trace bool) {
	zerolog.DurationFieldUnit = time.Second
	zerolog.TimeFieldFormat = time.RFC3339Nano

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out: os.Stderr,
		TimeFormat: "15:04:05.000",
	})

	zerolog.SetGlobalLevel(LogLevel(debug || os.Getenv("DEBUG") != "", trace || os.Getenv("TRACE") != ""))
}

func LogLevel(debug, trace bool) zerolog.Level {
	switch {
	case trace:
		return zerolog.TraceLevel
	case debug:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
