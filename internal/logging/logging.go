package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Options controls global logger setup
type Options struct {
	Environment string
	Level       string
	Debug       bool
	Out         io.Writer
}

// Setup configures the global zerolog logger. Outside production it uses
// pretty console output with timestamps. Debug overrides Level.
func Setup(opts Options) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	if opts.Environment != "production" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	zlog.Logger = zerolog.New(out).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(ParseLevel(opts.Level))
	if opts.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
