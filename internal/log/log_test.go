package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "auto", &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	logger.Warn().Int64("signal_id", 7).Msg("visible")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, float64(7), line["signal_id"])
	assert.Equal(t, "visible", line["message"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("info", "console", &buf)
	require.NoError(t, err)
	logger.Info().Str("reason", "STOP_LOSS").Msg("position closed")

	assert.Contains(t, buf.String(), "position closed")
	assert.Contains(t, buf.String(), "reason=")
	assert.False(t, json.Valid(buf.Bytes()))
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
