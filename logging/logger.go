package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with optimization-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(w io.Writer, level slog.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(1000),
		})),
	}
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// OrNoop returns l, or a discarding logger when l is nil.
func OrNoop(l *Logger) *Logger {
	if l == nil {
		return NoopLogger()
	}
	return l
}

// With returns a logger carrying the given attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithRun adds the run id field.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{Logger: l.Logger.With("run", id)}
}

// WithStep adds the refinement step field.
func (l *Logger) WithStep(step int) *Logger {
	return &Logger{Logger: l.Logger.With("step", step)}
}

// WithLevel adds the multigrid level field.
func (l *Logger) WithLevel(level int) *Logger {
	return &Logger{Logger: l.Logger.With("mg_level", level)}
}

// WithComponent adds a component field.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// LogEigenSolve logs the outcome of an eigensolve.
func (l *Logger) LogEigenSolve(ctx context.Context, converged, requested, iters int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "eigensolve failed",
			"converged", converged,
			"requested", requested,
			"iterations", iters,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "eigensolve completed",
		"converged", converged,
		"requested", requested,
		"iterations", iters,
		"elapsed", elapsed,
	)
}

// LogCurvatureSkip logs a skipped quasi-Newton correction.
func (l *Logger) LogCurvatureSkip(ctx context.Context, curv float64) {
	l.WarnContext(ctx, "skipping quasi-Newton correction: non-positive curvature",
		"curvature", curv,
	)
}

// LogRepartition logs a forest repartition.
func (l *Logger) LogRepartition(ctx context.Context, elements, ranks int, imbalance float64) {
	l.InfoContext(ctx, "forest repartitioned",
		"elements", elements,
		"ranks", ranks,
		"imbalance", imbalance,
	)
}

// LogStep logs a completed refinement step.
func (l *Logger) LogStep(ctx context.Context, step int, obj, infeas float64, elements int) {
	l.InfoContext(ctx, "refinement step completed",
		"step", step,
		"objective", obj,
		"infeasibility", infeas,
		"elements", elements,
	)
}
