package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	path := filepath.Join(t.TempDir(), "expander.log")
	Init(zerolog.InfoLevel, path, false)

	log.Debug().Msg("hidden")
	log.Info().Int("motor", 2).Msg("Motor move started")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"motor":2`)
	assert.Contains(t, string(data), `"message":"Motor move started"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestInitBadPathPanics(t *testing.T) {
	orig := log.Logger
	t.Cleanup(func() { log.Logger = orig })

	assert.Panics(t, func() {
		Init(zerolog.InfoLevel, filepath.Join(t.TempDir(), "missing", "dir", "x.log"), false)
	})
}
