package spendtesting

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// LogLevelEnv names the variable that raises the level of test loggers. It
// takes slog level names such as debug, info or warn+2.
const LogLevelEnv = "SPEND_TEST_LOG"

// NewLogger returns a logger for tests that only prints errors unless
// SPEND_TEST_LOG says otherwise.
func NewLogger() *slog.Logger {
	return NewLoggerWithWriter(os.Stderr)
}

func NewLoggerWithWriter(w io.Writer) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      Level(),
		NoColor:    true,
		TimeFormat: time.TimeOnly,
	}))
}

// Level reads the test log level. DEBUG=1 is shorthand for SPEND_TEST_LOG=debug.
// Unparseable values fall back to errors only.
func Level() slog.Level {
	if os.Getenv("DEBUG") == "1" {
		return slog.LevelDebug
	}
	v := os.Getenv(LogLevelEnv)
	if v == "" {
		return slog.LevelError
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelError
	}
	return level
}
