package util

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

var root = newRoot(os.Stderr)

func newRoot(out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.ErrorFieldName = "err"
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: consoleTimeFormat}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// Logger returns the logger of one component.
func Logger(comp string) zerolog.Logger {
	return root.With().Str("comp", comp).Logger()
}

// SetLogOutput redirects every logger created afterwards. A nil writer
// restores stderr.
func SetLogOutput(out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	root = newRoot(out)
}

// SetLogLevel applies level process-wide, including to loggers already handed
// out. Unknown levels fall back to info.
func SetLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return lvl
}
