package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Init("bitfuzz", Options{Level: "DEBUG", Format: "json", Out: &buf})
	require.NoError(t, err)

	logger.Trace().Msg("hidden")
	logger.Debug().Str("device", "sim8").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "bitfuzz", entry["app"])
	assert.Equal(t, "sim8", entry["device"])
	assert.Equal(t, "shown", entry["message"])
}

func TestInitConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Init("bitfuzz", Options{Out: &buf})
	require.NoError(t, err)

	logger.Debug().Msg("below default level")
	assert.Empty(t, buf.String())
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
}

func TestInitRejectsBadOptions(t *testing.T) {
	_, err := Init("x", Options{Level: "loud"})
	assert.Error(t, err)
	_, err = Init("x", Options{Format: "xml"})
	assert.Error(t, err)
}
