package utils

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_JSONFields(t *testing.T) {
	logger := NewLogger("debug", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.WithField("ssvid", "123").WithFields(map[string]interface{}{"count": 3}).Info("segment closed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "segment closed", entry["msg"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "123", entry["ssvid"])
	assert.Equal(t, float64(3), entry["count"])
}

func TestLogger_LevelFilter(t *testing.T) {
	logger := NewLogger("warn", "text")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("hidden")
	assert.Empty(t, buf.String())
	assert.False(t, logger.IsDebug())

	logger.Warn("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestLogger_UnknownLevelFallsBackToInfo(t *testing.T) {
	logger := NewLogger("verbose", "text")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Debug("hidden")
	logger.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestLogger_WithContextRunID(t *testing.T) {
	logger := NewLogger("info", "json")
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ctx := context.WithValue(context.Background(), RunIDKey, "run-1")
	logger.WithContext(ctx).Info("started")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "run-1", entry["run_id"])
}
