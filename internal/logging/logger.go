// Package logging builds the operational zap loggers. The tamper-evident
// audit trail lives in internal/audit and is not configured here.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config contains logging configuration
type Config struct {
	Level    string
	Encoding string // json or console

	// OutputPath is a rotated log file; empty or "stdout" logs to stdout only.
	OutputPath string
	Stdout     bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	Development bool
	Sampling    bool
	IncludeHost bool
	Version     string
}

// DefaultConfig returns default logging configuration
func DefaultConfig() Config {
	return Config{
		Level:       "info",
		Encoding:    "json",
		OutputPath:  "logs/quickmeet.log",
		Stdout:      true,
		MaxSizeMB:   100,
		MaxBackups:  7,
		MaxAgeDays:  30,
		Compress:    true,
		Sampling:    true,
		IncludeHost: true,
	}
}

// Factory owns the root logger, its runtime-adjustable level and the
// per-module loggers derived from it.
type Factory struct {
	config Config
	level  zap.AtomicLevel
	root   *zap.Logger
	file   *lumberjack.Logger

	mu      sync.RWMutex
	loggers map[string]*zap.Logger
}

// NewFactory builds the root logger.
func NewFactory(config Config) (*Factory, error) {
	level, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	atomic := zap.NewAtomicLevelAt(level)

	var encoder zapcore.Encoder
	encoderConfig := buildEncoderConfig(config)
	switch config.Encoding {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unsupported log encoding: %s", config.Encoding)
	}

	f := &Factory{
		config:  config,
		level:   atomic,
		loggers: make(map[string]*zap.Logger),
	}

	var writers []zapcore.WriteSyncer
	if config.OutputPath != "" && config.OutputPath != "stdout" {
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f.file = &lumberjack.Logger{
			Filename:   config.OutputPath,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
			Compress:   config.Compress,
		}
		writers = append(writers, zapcore.AddSync(f.file))
	}
	if config.Stdout || config.Development || f.file == nil {
		writers = append(writers, zapcore.Lock(os.Stdout))
	}

	core := zapcore.NewCore(encoder, zapcore.NewMultiWriteSyncer(writers...), atomic)
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	f.root = zap.New(core, buildOptions(config)...)
	return f, nil
}

func buildEncoderConfig(config Config) zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if config.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	return encoderConfig
}

func buildOptions(config Config) []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	var fields []zap.Field
	if config.IncludeHost {
		if hostname, err := os.Hostname(); err == nil {
			fields = append(fields, zap.String("host", hostname))
		}
	}
	if config.Version != "" {
		fields = append(fields, zap.String("version", config.Version))
	}
	if len(fields) > 0 {
		options = append(options, zap.Fields(fields...))
	}
	return options
}

// Logger returns the root logger.
func (f *Factory) Logger() *zap.Logger {
	return f.root
}

// Named returns the cached logger for module.
func (f *Factory) Named(module string) *zap.Logger {
	f.mu.RLock()
	logger, ok := f.loggers[module]
	f.mu.RUnlock()
	if ok {
		return logger
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if logger, ok := f.loggers[module]; ok {
		return logger
	}
	logger = f.root.Named(module)
	f.loggers[module] = logger
	return logger
}

// SetLevel changes the level of every logger built by the factory.
func (f *Factory) SetLevel(level string) error {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if f.level.Level() != parsed {
		f.level.SetLevel(parsed)
		f.root.Info("Log level changed", zap.Stringer("level", parsed))
	}
	return nil
}

// Level returns the current level.
func (f *Factory) Level() zapcore.Level {
	return f.level.Level()
}

// Close flushes buffered entries and closes the log file.
func (f *Factory) Close() error {
	// syncing stdout fails on some platforms
	_ = f.root.Sync()
	if f.file != nil {
		return f.file.Close()
	}
	return nil
}
