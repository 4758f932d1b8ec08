package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestConfigLevels(t *testing.T) {
	cfg := Config("debug", "console", "settler")
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.True(t, cfg.Development)
	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, "settler", cfg.InitialFields["service"])

	cfg = Config("warn", "json", "settler")
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
	assert.False(t, cfg.Development)

	cfg = Config("loud", "json", "settler")
	assert.Equal(t, zapcore.InfoLevel, cfg.Level.Level())
}

func TestNewUsesEnvironment(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("SERVICE_NAME", "settler-test")
	l, err := New()
	assert.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
}
