package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesEvents(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Info(CategoryPool, "instance_launched", "launched", map[string]any{
		"instance_id": "inst-1",
	}))
	require.NoError(t, logger.Error(CategoryBrowser, "launch_failed", "chromium crashed", nil))
	require.NoError(t, logger.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "browserd.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, CategoryPool, events[0].Category)
	assert.Equal(t, "instance_launched", events[0].EventType)

	errEvents, err := ReadRecentEvents(filepath.Join(dir, "errors.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, errEvents, 1)
	assert.Equal(t, "launch_failed", errEvents[0].EventType)
}

func TestLoggerLevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)

	// Default min level is info, debug should be dropped.
	require.NoError(t, logger.Debug(CategoryEvents, "publish", "noise", nil))
	require.NoError(t, logger.Info(CategoryEvents, "subscribe", "kept", nil))
	require.NoError(t, logger.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "browserd.jsonl"), 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "subscribe", events[0].EventType)
}

func TestNilLoggerIsNoop(t *testing.T) {
	var logger *Logger
	assert.NoError(t, logger.Info(CategoryPool, "anything", "ok", nil))
	assert.NoError(t, logger.Close())
}

func TestReadRecentEventsTail(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Info(CategoryConnection, "connected", "client", nil))
	}
	require.NoError(t, logger.Close())

	events, err := ReadRecentEvents(filepath.Join(dir, "browserd.jsonl"), 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
