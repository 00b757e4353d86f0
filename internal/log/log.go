// Package log provides the process-wide structured logger. It keeps a
// small key/value API and delegates formatting and leveling to log/slog.
package log

import (
	"log/slog"
	"os"
	"sync"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu       sync.Mutex
	leveler  = new(slog.LevelVar)
	logger   *slog.Logger
	initOnce sync.Once
)

func initLogger() {
	initOnce.Do(func() {
		leveler.Set(slog.LevelInfo)
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: leveler,
		}))
	})
}

// SetLevel adjusts the minimum level emitted by the global logger.
func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	switch l {
	case LevelDebug:
		leveler.Set(slog.LevelDebug)
	case LevelError:
		leveler.Set(slog.LevelError)
	default:
		leveler.Set(slog.LevelInfo)
	}
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Info(msg, kv...)
}

// Error logs msg with err prepended to the key/value list.
func Error(msg string, err error, kv ...any) {
	initLogger()
	logger.Error(msg, append([]any{"err", err}, kv...)...)
}
