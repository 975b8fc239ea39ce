package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/config"
	"github.com/javi11/rarbridge/internal/materialize"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStrategy struct{}

func (stubStrategy) MaterializeEntry(context.Context, *archive.Session, archive.Entry, string, string) (string, error) {
	return "", nil
}
func (stubStrategy) Close() error { return nil }

func writeSized(t *testing.T, dir, name string, size int64) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
	return p
}

func TestApplyAutoFallbackBelowThresholdKeepsExtract(t *testing.T) {
	dir := t.TempDir()
	volumes := []string{writeSized(t, dir, "Movie.rar", 1<<20)}

	p := &processor{
		strategies:              map[config.ProcessingMode]materialize.Strategy{config.ModeVirtualHTTP: stubStrategy{}},
		autoFallbackThresholdGB: 1,
		log:                     discardLogger(),
	}

	got := p.applyAutoFallback("Movie.rar", config.ModeExtract, volumes)
	assert.Equal(t, config.ModeExtract, got)
}

func TestApplyAutoFallbackAboveThresholdSwitchesToVirtualHTTP(t *testing.T) {
	dir := t.TempDir()
	volumes := []string{
		writeSized(t, dir, "Movie.part01.rar", 1<<20),
		writeSized(t, dir, "Movie.part02.rar", 1<<20),
	}

	p := &processor{
		strategies:              map[config.ProcessingMode]materialize.Strategy{config.ModeVirtualHTTP: stubStrategy{}},
		autoFallbackThresholdGB: 0.000001, // ~1 KiB, comfortably below the 2 MiB fixture
		log:                     discardLogger(),
	}

	got := p.applyAutoFallback("Movie.part01.rar", config.ModeExtract, volumes)
	assert.Equal(t, config.ModeVirtualHTTP, got)
}

func TestApplyAutoFallbackNeverSwitchesNonExtractSources(t *testing.T) {
	p := &processor{
		strategies:              map[config.ProcessingMode]materialize.Strategy{config.ModeVirtualHTTP: stubStrategy{}},
		autoFallbackThresholdGB: 0.000001,
		log:                     discardLogger(),
	}

	got := p.applyAutoFallback("Movie.rar", config.ModeExternalMount, nil)
	assert.Equal(t, config.ModeExternalMount, got, "auto-fallback only ever applies to configured extract sources")
}

func TestApplyAutoFallbackDisabledByZeroThreshold(t *testing.T) {
	dir := t.TempDir()
	volumes := []string{writeSized(t, dir, "Movie.rar", 10<<20)}

	p := &processor{
		strategies:              map[config.ProcessingMode]materialize.Strategy{config.ModeVirtualHTTP: stubStrategy{}},
		autoFallbackThresholdGB: 0,
		log:                     discardLogger(),
	}

	got := p.applyAutoFallback("Movie.rar", config.ModeExtract, volumes)
	assert.Equal(t, config.ModeExtract, got)
}

func TestApplyAutoFallbackSkippedWhenVirtualHTTPNotConfigured(t *testing.T) {
	dir := t.TempDir()
	volumes := []string{writeSized(t, dir, "Movie.rar", 10<<20)}

	p := &processor{
		strategies:              map[config.ProcessingMode]materialize.Strategy{},
		autoFallbackThresholdGB: 0.000001,
		log:                     discardLogger(),
	}

	got := p.applyAutoFallback("Movie.rar", config.ModeExtract, volumes)
	assert.Equal(t, config.ModeExtract, got, "falls back to the configured strategy when virtual_http has no materialization strategy registered")
}
