// Package stdlog builds the application slog logger and adapts it to
// third-party logging interfaces.
package stdlog

import (
	"fmt"
	"io"
	"log/slog"
)

// NewSlogLogger creates a new slog.Logger instance with the specified writer and format.
func NewSlogLogger(w io.Writer, isText bool) *slog.Logger {
	var handler slog.Handler
	if isText {
		handler = slog.NewTextHandler(w, nil)
	} else {
		handler = slog.NewJSONHandler(w, nil)
	}
	return slog.New(handler)
}

// MigrateLogger adapts slog to the migrate.Logger interface of
// golang-migrate.
type MigrateLogger struct {
	logger  *slog.Logger
	verbose bool
}

// NewMigrateLogger creates a new MigrateLogger instance.
func NewMigrateLogger(logger *slog.Logger, verbose bool) *MigrateLogger {
	return &MigrateLogger{logger: logger, verbose: verbose}
}

// Printf logs migration progress using slog's Info level.
func (l *MigrateLogger) Printf(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

// Verbose reports whether verbose migration logging was requested.
func (l *MigrateLogger) Verbose() bool {
	return l.verbose
}
