package core

import (
	"context"
	"time"
)

// Logger is the minimal leveled logger consumed by the service. Arguments
// are alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MetricsRecorder observes service operation outcomes.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan terminates a span started by a Tracer.
type TraceSpan interface {
	End(err error)
}

// AuthorizationPort answers permission questions for a caller acting on a
// forest. The tree core performs no role logic itself.
type AuthorizationPort interface {
	CanModify(ctx context.Context, actor, forestID string) bool
	CanView(ctx context.Context, actor, forestID string) bool
}

// AllowAll is an AuthorizationPort that permits every action; the default
// for embedded and test deployments.
type AllowAll struct{}

func (AllowAll) CanModify(context.Context, string, string) bool { return true }
func (AllowAll) CanView(context.Context, string, string) bool   { return true }
