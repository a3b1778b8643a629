// Package logging builds the application's zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options control where and how much is logged.
type Options struct {
	// Directory for rotating log files. Empty disables file output.
	Directory  string
	Level      string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
	// Console writes human-readable lines to Stderr when set.
	Console bool
	Stderr  io.Writer
}

// New returns a logger teeing a JSON file per severity band and an optional
// colored console core.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("logging: level %q: %w", opts.Level, err)
		}
	}

	var cores []zapcore.Core
	if opts.Directory != "" {
		if err := os.MkdirAll(opts.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("could not create log directory: %w", err)
		}
		encoderConfig := zapcore.EncoderConfig{
			MessageKey:   "message",
			LevelKey:     "level",
			TimeKey:      "time",
			NameKey:      "logger",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.CapitalLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		}
		// everything at or above the configured level
		cores = append(cores, fileCore(opts, "vision-trainer.log", encoderConfig, func(l zapcore.Level) bool {
			return l >= level
		}))
		// warnings and errors again, so problems are easy to find
		cores = append(cores, fileCore(opts, "vision-trainer-error.log", encoderConfig, func(l zapcore.Level) bool {
			return l >= zapcore.WarnLevel
		}))
	}
	if opts.Console {
		cores = append(cores, consoleCore(opts.Stderr, level))
	}
	if len(cores) == 0 {
		return zap.NewNop(), nil
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func fileCore(opts Options, name string, enc zapcore.EncoderConfig, enabled zap.LevelEnablerFunc) zapcore.Core {
	writer := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opts.Directory, name),
		MaxSize:    orDefault(opts.MaxSize, 10),
		MaxBackups: orDefault(opts.MaxBackups, 3),
		MaxAge:     orDefault(opts.MaxAge, 7),
		Compress:   opts.Compress,
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(enc), writer, enabled)
}

func consoleCore(w io.Writer, level zapcore.Level) zapcore.Core {
	if w == nil {
		w = os.Stderr
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}
