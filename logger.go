package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

var logLevels = map[string]slog.Level{
	"DEBUG": slog.LevelDebug,
	"INFO":  slog.LevelInfo,
	"WARN":  slog.LevelWarn,
	"ERROR": slog.LevelError,
}

func newLogger() *slog.Logger {
	var logLevel slog.Level
	if level, ok := logLevels[os.Getenv("LOG_LEVEL")]; ok {
		logLevel = level
	}
	handler := &loggingHandler{
		level: logLevel,
	}
	return slog.New(handler)
}

type loggingHandler struct {
	level slog.Level
	attrs []slog.Attr
}

var _ slog.Handler = (*loggingHandler)(nil)

func (lh *loggingHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= lh.level
}

func (lh *loggingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	combined := make([]slog.Attr, len(lh.attrs), len(lh.attrs)+len(attrs))
	copy(combined, lh.attrs)
	for _, attr := range attrs {
		if !isDefaultAttr(attr) {
			combined = append(combined, attr)
		}
	}
	return &loggingHandler{
		level: lh.level,
		attrs: combined,
	}
}

func (lh *loggingHandler) WithGroup(_ string) slog.Handler {
	panic("not implemented")
}

// stageAttrKey is rendered as a colored [stage] tag in front of the message.
const stageAttrKey = "stage"

// ANSI colors per pipeline stage.
var stageColors = map[string]string{
	"fetch":     "\x1b[36m", // cyan
	"convert":   "\x1b[35m", // magenta
	"bootstrap": "\x1b[33m", // yellow
	"shuffle":   "\x1b[32m", // green
}

func (lh *loggingHandler) Handle(_ context.Context, record slog.Record) error {
	var builder strings.Builder

	if !record.Time.IsZero() {
		builder.WriteRune('[')
		builder.WriteString(record.Time.Format(time.RFC3339))
		builder.WriteString("] ")
	}

	switch record.Level {
	case slog.LevelDebug:
		builder.WriteString("[DEBUG] ")
	case slog.LevelWarn:
		builder.WriteString("[WARN] ")
	case slog.LevelError:
		builder.WriteString("[ERROR] ")
	default:
	}

	var stage string
	for _, attr := range lh.attrs {
		if attr.Key == stageAttrKey {
			stage = attr.Value.String()
		}
	}
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == stageAttrKey {
			stage = a.Value.String()
			return false
		}
		return true
	})
	if stage != "" {
		color, ok := stageColors[stage]
		if !ok {
			color = "\x1b[37m"
		}
		builder.WriteString(color)
		builder.WriteRune('[')
		builder.WriteString(stage)
		builder.WriteString("]\x1b[0m ")
	}

	builder.WriteString(record.Message)

	for _, attr := range lh.attrs {
		if attr.Key == stageAttrKey {
			continue
		}
		writeAttr(&builder, attr)
	}

	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == stageAttrKey {
			return true
		}
		writeAttr(&builder, attr)
		return true
	})

	fmt.Println(builder.String())

	return nil
}

func writeAttr(builder *strings.Builder, attr slog.Attr) {
	builder.WriteRune(' ')
	builder.WriteString(attr.Key)
	builder.WriteString("=")
	builder.WriteString(attr.Value.String())
}

func isDefaultAttr(attr slog.Attr) bool {
	return attr.Equal(slog.Attr{})
}
