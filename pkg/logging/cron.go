package logging

import "go.uber.org/zap"

// CronAdapter is a cron.Logger adapter for Zap.
type CronAdapter struct{ *zap.SugaredLogger }

// NewCronAdapter creates a new cron logger adapter from a Zap logger.
func NewCronAdapter(logger *zap.Logger) *CronAdapter {
	// cron passes key/value pairs, so the adapter is Sugared
	return &CronAdapter{logger.Sugar()}
}

func (z *CronAdapter) Info(msg string, keyvals ...interface{}) { z.Debugw(msg, keyvals...) }

func (z *CronAdapter) Error(err error, msg string, keyvals ...interface{}) {
	z.Errorw(msg, append(keyvals, "error", err)...)
}
