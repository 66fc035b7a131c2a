package logging

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(level zapcore.Level) (*ZapLogger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewZapLogger(zap.New(core)), logs
}

func TestZapLoggerFields(t *testing.T) {
	logger, logs := newObserved(zapcore.DebugLevel)

	scoped := logger.WithFields(F("tenant_id", "t1"))
	scoped.Warn("dispatch failed", F("node_id", "menu"), Err(errors.New("boom")))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, "dispatch failed", entry.Message)

	ctx := entry.ContextMap()
	assert.Equal(t, "t1", ctx["tenant_id"])
	assert.Equal(t, "menu", ctx["node_id"])
	assert.Equal(t, "boom", ctx["error"])
}

func TestZapLoggerExecutionEvents(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	logger.LogFlowExecution("support", "exec-1", "completed", map[string]interface{}{"steps": 4})
	logger.LogNodeExecution("support", "exec-1", "menu", "suspended", nil)
	logger.LogSystemEvent("sweep", map[string]interface{}{"due": 2})

	require.Equal(t, 2, logs.Len(), "node events are logged at debug level")
	flowEntry := logs.FilterField(zap.String("execution_id", "exec-1")).All()
	require.Len(t, flowEntry, 1)
	assert.Equal(t, "completed", flowEntry[0].ContextMap()["event"])
	assert.Equal(t, 1, logs.FilterMessage("system event").Len())
}

func TestWithContextAddsRequestID(t *testing.T) {
	logger, logs := newObserved(zapcore.InfoLevel)

	ctx := ContextWithRequestID(context.Background(), "req-9")
	logger.WithContext(ctx).Info("handled")
	logger.WithContext(context.Background()).Info("plain")

	assert.Equal(t, 1, logs.FilterField(zap.String("request_id", "req-9")).Len())
	assert.Equal(t, 2, logs.Len())
}

func TestNewLoggerConfig(t *testing.T) {
	_, err := NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)

	_, err = NewLogger(LogConfig{Output: "file"})
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "convoflow.log")
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "console", Output: "file", FilePath: path, IncludeCaller: true})
	require.NoError(t, err)
	logger.Debug("written")
	require.NoError(t, logger.Sync())
	assert.FileExists(t, path)
}
