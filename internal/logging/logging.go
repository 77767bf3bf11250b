// Package logging builds the zerolog logger used by the sockmux command and
// adapts it to the key-value Logger interface the engine expects.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Adapter satisfies sockmux.Logger and servmap.Logger on top of zerolog.
type Adapter struct {
	l zerolog.Logger
}

// New creates a console logger tagged with app at the given level and
// installs it as the zerolog global logger.
func New(app, level string) (*Adapter, error) {
	return NewWithWriter(os.Stdout, app, level)
}

// NewWithWriter is New writing to out.
func NewWithWriter(out io.Writer, app, level string) (*Adapter, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return &Adapter{l: logger}, nil
}

// Zerolog exposes the underlying logger.
func (a *Adapter) Zerolog() zerolog.Logger {
	return a.l
}

// Debug logs msg at debug level with key-value pairs in args.
func (a *Adapter) Debug(msg string, args ...any) { a.l.Debug().Fields(args).Msg(msg) }

// Info logs msg at info level with key-value pairs in args.
func (a *Adapter) Info(msg string, args ...any) { a.l.Info().Fields(args).Msg(msg) }

// Warn logs msg at warn level with key-value pairs in args.
func (a *Adapter) Warn(msg string, args ...any) { a.l.Warn().Fields(args).Msg(msg) }

// Error logs msg at error level with key-value pairs in args.
func (a *Adapter) Error(msg string, args ...any) { a.l.Error().Fields(args).Msg(msg) }

// ParseLevel maps a config string onto a zerolog level.
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	default:
		return zerolog.InfoLevel, fmt.Errorf("invalid log level: %s. must be one of trace, debug, info, warn, error, off", raw)
	}
}
