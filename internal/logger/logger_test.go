package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestJSONOutputCarriesComponent(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "info", "json")
	defer InitWithWriter(&bytes.Buffer{}, "info", "console")

	l := For("sox")
	l.Info().Str("id", "abc123").Msg("[Sox] measured duration")
	l.Debug().Msg("dropped below level")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "sox", entry["component"])
	assert.Equal(t, "abc123", entry["id"])
	assert.Equal(t, "[Sox] measured duration", entry["message"])
}
