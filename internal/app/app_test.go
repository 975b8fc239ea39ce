package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarbridge/internal/config"
)

func TestSourcesFromConfigSkipsDisabledPairsAndFallsBackToGlobalStrategy(t *testing.T) {
	a := &App{
		cfg: &config.Config{
			Options: config.OptionsConfig{ProcessingMode: config.ModeExtract},
			DirectoryPairs: []config.DirectoryPair{
				{Source: "/watch/movies", Target: "/target/movies", Enabled: true},
				{Source: "/watch/tv", Target: "/target/tv", Enabled: false},
				{Source: "/watch/anime", Target: "/target/anime", Strategy: config.ModeVirtualHTTP, Enabled: true},
			},
		},
	}

	sources := a.sourcesFromConfig()
	require.Len(t, sources, 2)
	assert.Equal(t, "/watch/movies", sources[0].Dir)
	assert.Equal(t, string(config.ModeExtract), sources[0].Strategy, "falls back to the global processing mode when unset")
	assert.Equal(t, "/watch/anime", sources[1].Dir)
	assert.Equal(t, string(config.ModeVirtualHTTP), sources[1].Strategy)
}

func TestModeInUseChecksGlobalAndPerPairStrategies(t *testing.T) {
	cfg := &config.Config{
		Options: config.OptionsConfig{ProcessingMode: config.ModeExtract},
		DirectoryPairs: []config.DirectoryPair{
			{Strategy: config.ModeExternalMount},
		},
	}

	assert.True(t, modeInUse(cfg, config.ModeExtract))
	assert.True(t, modeInUse(cfg, config.ModeExternalMount))
	assert.False(t, modeInUse(cfg, config.ModeVirtualHTTP))
}

func TestJobTableSetGetDelete(t *testing.T) {
	jobs := newJobTable()

	_, ok := jobs.get("handle-1")
	assert.False(t, ok)

	jobs.set("handle-1", job{sourceDir: "/watch", targetDir: "/target", libraryID: "1"})
	got, ok := jobs.get("handle-1")
	require.True(t, ok)
	assert.Equal(t, "/target", got.targetDir)

	jobs.delete("handle-1")
	_, ok = jobs.get("handle-1")
	assert.False(t, ok)
}
