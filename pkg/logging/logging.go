// Package logging builds the service logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fairbatch/settler/pkg/utils"
)

// New builds a production logger from LOG_LEVEL, LOG_ENCODING and SERVICE_NAME.
// An unknown level falls back to info.
func New() (*zap.Logger, error) {
	return Config(
		utils.Env("LOG_LEVEL", "info"),
		utils.Env("LOG_ENCODING", "json"),
		utils.Env("SERVICE_NAME", "settler"),
	).Build()
}

// Config returns the zap configuration New builds from.
func Config(level, encoding, service string) zap.Config {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = encoding

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	// debug runs get caller stacks on warnings
	cfg.Development = lvl == zapcore.DebugLevel

	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.InitialFields = map[string]interface{}{"service": service}
	return cfg
}
