// Package logging installs the process-wide slog logger. Records are encoded
// and written by a zap core so output format and destination are configurable.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// Options mirrors the log.* config section.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path
}

// New builds a slog.Logger backed by a zap core. The returned sync function
// flushes buffered entries and closes the log file when one was opened.
func New(opts Options) (*slog.Logger, func() error, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %w", err)
		}
	}

	ws, closer, err := openOutput(opts.Output)
	if err != nil {
		return nil, nil, err
	}
	return newWithSyncer(level, opts.Format, ws), func() error {
		_ = ws.Sync()
		if closer != nil {
			return closer.Close()
		}
		return nil
	}, nil
}

// Setup builds the logger and makes it the slog default.
func Setup(opts Options) (func() error, error) {
	logger, sync, err := New(opts)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return sync, nil
}

func newWithSyncer(level zapcore.Level, format string, ws zapcore.WriteSyncer) *slog.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, ws, level)
	return slog.New(zapslog.NewHandler(core, zapslog.WithCaller(true)))
}

func openOutput(output string) (zapcore.WriteSyncer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil, nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil, nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}
	return zapcore.AddSync(f), f, nil
}
