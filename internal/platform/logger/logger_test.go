package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsJSONWithServiceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Environment: "production", ServiceName: "mfg-workflow", Version: "1.2.3", Output: &buf})

	log.Component("approvals").Info().Str("approval_id", "a1").Msg("created")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "mfg-workflow", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "approvals", entry["component"])
	assert.Equal(t, "a1", entry["approval_id"])
	assert.Equal(t, "created", entry["message"])
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "bogus", Output: &buf})

	log.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())

	log.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
