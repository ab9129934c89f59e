// Package zlog adapts zerolog to the core logger interface.
package zlog

import (
	"fmt"

	"github.com/rs/zerolog"

	"canopy/internal/core"
)

// Logger forwards leveled key-value logging to a zerolog.Logger.
type Logger struct {
	log zerolog.Logger
}

var _ core.Logger = (*Logger)(nil)

// New wraps log.
func New(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) Debug(msg string, args ...any) { emit(l.log.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.log.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.log.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.log.Error(), msg, args) }

// emit attaches alternating key-value pairs to the event. A trailing key
// without a value is logged under "extra".
func emit(ev *zerolog.Event, msg string, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		ev = ev.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		ev = ev.Interface("extra", args[len(args)-1])
	}
	ev.Msg(msg)
}
