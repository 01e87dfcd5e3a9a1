// Package logger provides the process-wide loggers.
//
// InitSlog installs a structured slog logger. The printf-style helpers in
// this file are shorthands for code that logs plain sentences; they write
// through the same handler, so level filtering, the JSON switch and the
// log file apply to them too.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Info logs a formatted message at info level.
func Info(format string, v ...any) {
	logf(slog.LevelInfo, format, v...)
}

// Error logs a formatted message at error level.
func Error(format string, v ...any) {
	logf(slog.LevelError, format, v...)
}

// Println logs its operands, space separated, at info level. The daemon uses
// it for startup banners.
func Println(v ...any) {
	Slog().Info(strings.TrimSuffix(fmt.Sprintln(v...), "\n"))
}

// Fatalf logs at error level, closes the log file and exits.
func Fatalf(format string, v ...any) {
	logf(slog.LevelError, format, v...)
	_ = CloseSlog()
	os.Exit(1)
}

func logf(level slog.Level, format string, v ...any) {
	l := Slog()
	if !l.Enabled(context.Background(), level) {
		return
	}
	l.Log(context.Background(), level, fmt.Sprintf(format, v...))
}
