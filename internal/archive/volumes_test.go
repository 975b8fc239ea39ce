package archive

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	return p
}

func TestIsFirstVolumeLegacy(t *testing.T) {
	assert.True(t, IsFirstVolume("Movie.rar"))
	assert.False(t, IsFirstVolume("Movie.r00"))
}

func TestIsFirstVolumeNewScheme(t *testing.T) {
	assert.True(t, IsFirstVolume("Movie.part01.rar"))
	assert.False(t, IsFirstVolume("Movie.part02.rar"))
}

func TestResolveVolumeSetLegacyComplete(t *testing.T) {
	dir := t.TempDir()
	first := touch(t, dir, "Movie.rar")
	touch(t, dir, "Movie.r00")
	touch(t, dir, "Movie.r01")

	vols, err := ResolveVolumeSet(first)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "Movie.rar"),
		filepath.Join(dir, "Movie.r00"),
		filepath.Join(dir, "Movie.r01"),
	}, vols)
}

func TestResolveVolumeSetLegacyMissingGap(t *testing.T) {
	dir := t.TempDir()
	first := touch(t, dir, "Movie.rar")
	touch(t, dir, "Movie.r00")
	touch(t, dir, "Movie.r02") // gap at r01

	_, err := ResolveVolumeSet(first)
	assert.ErrorIs(t, err, ErrMissingVolume)
}

func TestResolveVolumeSetPartScheme(t *testing.T) {
	dir := t.TempDir()
	first := touch(t, dir, "X.part01.rar")
	touch(t, dir, "X.part02.rar")
	touch(t, dir, "X.part03.rar")

	vols, err := ResolveVolumeSet(first)
	require.NoError(t, err)
	assert.Len(t, vols, 3)
}

func TestResolveVolumeSetPartSchemeMissing(t *testing.T) {
	dir := t.TempDir()
	first := touch(t, dir, "X.part01.rar")
	touch(t, dir, "X.part03.rar") // missing part02

	_, err := ResolveVolumeSet(first)
	assert.ErrorIs(t, err, ErrMissingVolume)
}

func TestFilterMediaCandidatesSkipsNonMediaAndSamples(t *testing.T) {
	entries := []Entry{
		{Path: "Movie.mkv", Size: 500 * 1024 * 1024},
		{Path: "readme.nfo", Size: 1024},
		{Path: "sample/Movie.sample.mkv", Size: 10 * 1024 * 1024},
	}

	out := FilterMediaCandidates(entries, 1<<20, 0, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "Movie.mkv", out[0].Path)
}

func TestFilterMediaCandidatesSizeBounds(t *testing.T) {
	entries := []Entry{
		{Path: "tiny.mkv", Size: 100},
		{Path: "huge.mkv", Size: 200 * 1024 * 1024 * 1024},
		{Path: "ok.mkv", Size: 500 * 1024 * 1024},
	}

	out := FilterMediaCandidates(entries, 1<<20, 100*1024*1024*1024, nil)
	require.Len(t, out, 1)
	assert.Equal(t, "ok.mkv", out[0].Path)
}
