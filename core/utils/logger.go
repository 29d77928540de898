package utils

import (
	"fmt"
	"log/slog"
	"os"
)

// Logger is a thin printf-style facade over slog shared by services and
// background workers.
type Logger struct {
	sl *slog.Logger
}

func NewLogger() *Logger {
	return &Logger{sl: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func (l *Logger) Printf(format string, args ...any) {
	if l == nil || l.sl == nil {
		return
	}
	l.sl.Info(fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.sl == nil {
		return
	}
	l.sl.Error(fmt.Sprintf(format, args...))
}
