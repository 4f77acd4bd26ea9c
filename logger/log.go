// Package logger holds the process wide zap logger. It logs at info level to
// stderr until Config.Configure or Install replaces it.
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"binrpc/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.SugaredLogger]

// DebugEnabled reports whether debug lines are written. Hot paths check it
// before building log arguments. It only changes on Install.
var DebugEnabled bool

func init() {
	Install(zapcore.InfoLevel, "console")
}

// Config is bound from the log-level and log-format flags.
type Config struct {
	Format string `mapstructure:"log-format"`
	Level  string `mapstructure:"log-level"`
}

func (cfg *Config) Configure() error {
	name := strings.TrimSpace(cfg.Level)
	if name == "" {
		name = "info"
	}
	level, err := zapcore.ParseLevel(name)
	if err != nil {
		return errors.NewInvalidConfigurationError(err.Error())
	}
	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	switch format {
	case "":
		format = "console"
	case "console", "json":
	default:
		return errors.NewInvalidConfigurationError("log-format must be console or json, not " + cfg.Format)
	}
	Install(level, format)
	return nil
}

// Install replaces the process logger.
func Install(level zapcore.Level, format string) {
	l := New(level, format)
	DebugEnabled = l.Core().Enabled(zapcore.DebugLevel)
	current.Store(l.Sugar())
}

// New builds a logger writing format ("json" or console) lines to stderr.
func New(level zapcore.Level, format string) *zap.Logger {
	encoding := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "component",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00"),
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encoding)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoding)
	}
	return zap.New(zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
}

// Named returns a logger for one component, e.g. "registry".
func Named(name string) *zap.SugaredLogger {
	return current.Load().Named(name)
}

func Sync() {
	_ = current.Load().Sync()
}

func Debugf(format string, args ...any) {
	if DebugEnabled {
		current.Load().Debugf(format, args...)
	}
}

func Infof(format string, args ...any) {
	current.Load().Infof(format, args...)
}

func Warnf(format string, args ...any) {
	current.Load().Warnf(format, args...)
}

func Errorf(format string, args ...any) {
	current.Load().Errorf(format, args...)
}
