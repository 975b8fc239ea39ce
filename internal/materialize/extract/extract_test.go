package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/rarbridge/internal/dupindex"
	"github.com/javi11/rarbridge/internal/materialize"
)

type memDupIndex struct {
	rows map[string]string
}

func (m *memDupIndex) Lookup(fp string) (string, error) {
	if p, ok := m.rows[fp]; ok {
		return p, nil
	}
	return "", dupindex.ErrNotFound
}

func (m *memDupIndex) Insert(fp, path string, _ time.Time) (bool, error) {
	if m.rows == nil {
		m.rows = map[string]string{}
	}
	if _, ok := m.rows[fp]; ok {
		return false, nil
	}
	m.rows[fp] = path
	return true, nil
}

func TestCleanWorkDirRecreatesEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/work", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/work/leftover.tmp", []byte("x"), 0o644))

	require.NoError(t, CleanWorkDir(fs, "/work"))

	entries, err := afero.ReadDir(fs, "/work")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDuplicateIndexInsertThenLookup(t *testing.T) {
	idx := &memDupIndex{}
	inserted, err := idx.Insert("abc", "/target/a.mkv", time.Now())
	require.NoError(t, err)
	assert.True(t, inserted)

	path, err := idx.Lookup("abc")
	require.NoError(t, err)
	assert.Equal(t, "/target/a.mkv", path)

	_, err = idx.Lookup("missing")
	assert.ErrorIs(t, err, dupindex.ErrNotFound)
}

func TestDuplicateIndexSecondInsertIsNoop(t *testing.T) {
	idx := &memDupIndex{}
	_, _ = idx.Insert("abc", "/target/a.mkv", time.Now())
	inserted, err := idx.Insert("abc", "/target/b.mkv", time.Now())
	require.NoError(t, err)
	assert.False(t, inserted, "rows are never updated, only inserted or read")
}

func TestAtomicPublishNeverLeavesPartialFileVisible(t *testing.T) {
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp-file")
	require.NoError(t, os.WriteFile(tmp, []byte("final content"), 0o644))

	final := filepath.Join(dir, "Test (2021).mkv")
	require.NoError(t, materialize.AtomicPublish(tmp, final))

	data, err := os.ReadFile(final)
	require.NoError(t, err)
	assert.Equal(t, "final content", string(data))

	_, err = os.Stat(tmp)
	assert.True(t, os.IsNotExist(err))
}
