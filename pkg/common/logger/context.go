package logger

import "context"

// LoggerContext accumulates key/value attributes across the lifetime of an
// operation so related log lines carry the same context without re-passing
// the pairs at every call site.
type LoggerContext struct {
	log  *Logger
	args []any
}

// NewLoggerContext constructs a LoggerContext around the provided logger.
func NewLoggerContext(log *Logger) *LoggerContext {
	return &LoggerContext{log: log}
}

// Add appends key/value pairs that will be attached to every subsequent
// log call made through this context.
func (lc *LoggerContext) Add(args ...any) { lc.args = append(lc.args, args...) }

// Debug logs at LevelDebug with the accumulated attributes.
func (lc *LoggerContext) Debug(ctx context.Context, msg string, args ...any) {
	lc.log.Debugc(ctx, 3, msg, append(lc.args, args...)...)
}

// Info logs at LevelInfo with the accumulated attributes.
func (lc *LoggerContext) Info(ctx context.Context, msg string, args ...any) {
	lc.log.Infoc(ctx, 3, msg, append(lc.args, args...)...)
}

// Warn logs at LevelWarn with the accumulated attributes.
func (lc *LoggerContext) Warn(ctx context.Context, msg string, args ...any) {
	lc.log.Warnc(ctx, 3, msg, append(lc.args, args...)...)
}

// Error logs at LevelError with the accumulated attributes.
func (lc *LoggerContext) Error(ctx context.Context, msg string, args ...any) {
	lc.log.Errorc(ctx, 3, msg, append(lc.args, args...)...)
}
