package logging

import (
	"errors"
	"testing"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCronAdapterForwardsErrors(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var adapter cron.Logger = NewCronAdapter(zap.New(core))

	adapter.Info("tick", "job", "settlement")
	adapter.Error(errors.New("boom"), "job panicked", "job", "health")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "job panicked", entries[1].Message)
	require.Equal(t, "boom", entries[1].ContextMap()["error"])
}
