package utils

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mdobak/go-xerrors"
)

var (
	loggerOnce sync.Once
	logger     *slog.Logger
)

// GetLogger returns the process-wide structured logger. The handler renders
// xerrors stack traces attached via slog.Any("error", xerrors.New(err)).
func GetLogger() *slog.Logger {
	loggerOnce.Do(func() {
		level := slog.LevelInfo
		if GetEnv("LOG_LEVEL", "info") == "debug" {
			level = slog.LevelDebug
		}
		handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: replaceErrorAttr,
		})
		logger = slog.New(handler)
	})
	return logger
}

func replaceErrorAttr(_ []string, attr slog.Attr) slog.Attr {
	err, ok := attr.Value.Any().(error)
	if !ok {
		return attr
	}

	type stackFrame struct {
		Func   string `json:"func"`
		Source string `json:"source"`
		Line   int    `json:"line"`
	}

	var frames []stackFrame
	trace := xerrors.StackTrace(err)
	for _, frame := range trace.Frames() {
		frames = append(frames, stackFrame{
			Func:   frame.Function,
			Source: frame.File,
			Line:   frame.Line,
		})
	}

	group := []slog.Attr{slog.String("msg", err.Error())}
	if len(frames) > 0 {
		group = append(group, slog.Any("trace", frames))
	}
	return slog.Attr{Key: attr.Key, Value: slog.GroupValue(group...)}
}

// LogError records err with its stack trace under the standard "error" key.
func LogError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.Any("error", xerrors.New(err)))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	GetLogger().ErrorContext(ctx, msg, args...)
}
