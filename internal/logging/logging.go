// Package logging provides the structured, component-scoped logger sink
// that every core component writes to. The core treats the sink as opaque
// (spec §1); this package is the only place that knows it is zerolog.
package logging

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger scoped to one component.
type Logger struct {
	z zerolog.Logger
}

// New builds the root logger writing to w at the given level ("debug",
// "info", "warn", "error"; unknown values default to info).
func New(levelStr string, w io.Writer) *Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		level = zerolog.InfoLevel
	}
	z := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}
}

// With returns a child logger tagged with a "component" field, mirroring
// the teacher's per-subsystem log prefixes ([STRICT], [SOCKS5-RELAXED-LIB]).
func (l *Logger) With(component string) *Logger {
	return &Logger{z: l.z.With().Str("component", component).Logger()}
}

// WithWorker returns a child logger additionally tagged with worker_id.
func (l *Logger) WithWorker(workerID int) *Logger {
	return &Logger{z: l.z.With().Int("worker_id", workerID).Logger()}
}

func (l *Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *Logger) Info() *zerolog.Event  { return l.z.Info() }
func (l *Logger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *Logger) Error() *zerolog.Event { return l.z.Error() }
