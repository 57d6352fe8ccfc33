package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the billing client's logger. Debug logging enables the traffic
// logs emitted for every vendor call; otherwise only info and above are kept.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.Sampling = nil

	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}

	return cfg.Build(zap.Fields(zap.String("component", "market-billing")))
}
