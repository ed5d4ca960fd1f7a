// Package log provides structured logging for FlexSim using zerolog.
package log

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Level is a FlexSim log level, decoupled from zerolog's so callers don't
// need to import zerolog themselves.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls global logger initialization.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the package-level logger; callers derive component loggers from
// it via the With* helpers.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// Init configures the global logger. Call once at process startup.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	if cfg.JSONOutput {
		Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name, e.g.
// "mdm", "sds", "sdc".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithVolumeID tags a logger with a volume id.
func WithVolumeID(id int64) zerolog.Logger {
	return Logger.With().Int64("volume_id", id).Logger()
}

// WithPoolID tags a logger with a pool id.
func WithPoolID(id int64) zerolog.Logger {
	return Logger.With().Int64("pool_id", id).Logger()
}

// WithSDSID tags a logger with an SDS node id.
func WithSDSID(id int64) zerolog.Logger {
	return Logger.With().Int64("sds_id", id).Logger()
}

// WithSDCID tags a logger with an SDC client id.
func WithSDCID(id int64) zerolog.Logger {
	return Logger.With().Int64("sdc_id", id).Logger()
}

// WithTokenID tags a logger with a capability token id.
func WithTokenID(tokenID string) zerolog.Logger {
	return Logger.With().Str("token_id", tokenID).Logger()
}

// Package-level convenience helpers mirroring zerolog's event builders.

func Debug() *zerolog.Event { return Logger.Debug() }
func Info() *zerolog.Event  { return Logger.Info() }
func Warn() *zerolog.Event  { return Logger.Warn() }
func Error() *zerolog.Event { return Logger.Error() }
