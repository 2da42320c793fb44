package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesJSONWithComponent(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Setup("debug", &buf))
	t.Cleanup(func() { zerolog.SetGlobalLevel(zerolog.InfoLevel) })

	l := Component("store")
	l.Info().Str("parent", "c1").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "store", line["component"])
	assert.Equal(t, "c1", line["parent"])
	assert.Equal(t, "hello", line["message"])
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, Setup("chatty", &bytes.Buffer{}))
}

func TestSetupFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	closeFn, err := SetupFile("info", path)
	require.NoError(t, err)
	log.Info().Msg("first")
	closeFn()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first")
}
