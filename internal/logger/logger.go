package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level      string
	Format     string
	FilePath   string
	Version    string
	MaxSize    int
	MaxBackups int
	MaxAge     int
}

type Option func(*Config)

func WithLevel(lvl string) Option { return func(c *Config) { c.Level = lvl } }
func WithFormat(f string) Option  { return func(c *Config) { c.Format = f } }
func WithFile(path string) Option { return func(c *Config) { c.FilePath = path } }
func WithVersion(v string) Option { return func(c *Config) { c.Version = v } }
func WithRotation(size, backups, age int) Option {
	return func(c *Config) {
		c.MaxSize, c.MaxBackups, c.MaxAge = size, backups, age
	}
}

var (
	mu          sync.RWMutex
	root        = zap.NewNop()
	atomicLevel = zap.NewAtomicLevel()
	active      bool
)

// Init builds the process-wide logger. Calling Init again replaces it.
func Init(opts ...Option) error {
	cfg := &Config{Level: "info", Format: "console", MaxSize: 50, MaxBackups: 3, MaxAge: 14}
	for _, apply := range opts {
		apply(cfg)
	}

	enc, err := buildEncoder(cfg.Format)
	if err != nil {
		return err
	}
	ws, err := buildWriter(cfg)
	if err != nil {
		return err
	}
	lvl, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	l := zap.New(zapcore.NewCore(enc, ws, lvl),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("version", cfg.Version)),
	)

	mu.Lock()
	defer mu.Unlock()
	if active {
		_ = root.Sync()
	}
	root, atomicLevel, active = l, lvl, true
	return nil
}

// L returns the root logger, a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// New returns a component-scoped child logger.
func New(component string) *zap.Logger {
	return L().With(zap.String("component", component))
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) error {
	mu.RLock()
	defer mu.RUnlock()
	if !active {
		return fmt.Errorf("logger not initialized")
	}
	level, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return err
	}
	atomicLevel.SetLevel(level)
	return nil
}

// Sync flushes buffered output. Errors from syncing a terminal are ignored.
func Sync() {
	_ = L().Sync()
}

func buildEncoder(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console", "":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

func buildWriter(cfg *Config) (zapcore.WriteSyncer, error) {
	if cfg.FilePath == "" {
		return zapcore.Lock(zapcore.AddSync(os.Stderr)), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}), nil
}
