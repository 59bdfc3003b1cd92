// Package logger provides structured logging for keybridge.
//
// It wraps Uber's zap logger behind a package-level Log that every other package
// writes to. Until InitLogger is called, Log discards everything, so library
// users who never configure logging get silence rather than stderr noise.
//
//	logger.InitLogger("debug") // Options: debug, info, warn, error
//
//	logger.Log.Info("identity bound",
//	    zap.String("method", "wallet"),
//	    zap.String("username", username),
//	)
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Log = zap.NewNop()

// InitLogger replaces Log with a production logger at the given level.
// Unknown levels fall back to info.
func InitLogger(level string) error {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return err
	}
	Log = l
	return nil
}

// Set swaps the global logger, mostly for tests using zaptest/observer.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	Log = l
}
