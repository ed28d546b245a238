package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Zap adapts a zap.SugaredLogger to the Logger interface.
type Zap struct {
	log *zap.SugaredLogger
}

// NewZap builds a production zap logger at the given level ("debug",
// "info", "warn", "error"; anything else means info).
func NewZap(level string) *Zap {
	cfg := zap.NewProductionConfig()

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	log, _ := cfg.Build(zap.AddCallerSkip(1))
	return &Zap{log: log.Sugar()}
}

func (z *Zap) Debug(msg string, kv ...any) { z.log.Debugw(msg, kv...) }
func (z *Zap) Info(msg string, kv ...any)  { z.log.Infow(msg, kv...) }
func (z *Zap) Warn(msg string, kv ...any)  { z.log.Warnw(msg, kv...) }
func (z *Zap) Error(msg string, kv ...any) { z.log.Errorw(msg, kv...) }

// Sync flushes buffered entries on shutdown.
func (z *Zap) Sync() error { return z.log.Sync() }
