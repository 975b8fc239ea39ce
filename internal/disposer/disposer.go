// Package disposer implements the archive disposer: once an archive set
// has been materialized, either delete its volumes or move them into the
// configured archive directory, preserving any subtree prefix under the
// watched source. Reuses materialize.AtomicPublish's rename/copy-then-delete
// fallback across filesystem boundaries.
package disposer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/javi11/rarbridge/internal/materialize"
)

// Disposition selects what happens to a successfully processed archive set:
// delete its volumes outright, or move them into the archive directory.
type Disposition int

const (
	DispositionMove Disposition = iota
	DispositionDelete
)

// Disposer moves or deletes archive-set volumes after materialization.
type Disposer struct {
	archiveDir string
	log        *slog.Logger
}

// New creates a Disposer that relocates deleted-on-success-disabled
// archive sets under archiveDir.
func New(archiveDir string) *Disposer {
	return &Disposer{
		archiveDir: archiveDir,
		log:        slog.Default().With("component", "archive-disposer"),
	}
}

// Dispose disposes of an archive set's volumes per disposition. sourceRoot
// is the watched directory the archive set was discovered under; any
// subtree prefix between sourceRoot and the volumes is preserved under
// archiveDir.
//
// A move falls back to copy-then-delete automatically, via
// materialize.AtomicPublish; if even that fails, the source is left in
// place and an error is logged. Dispose never returns an error: the queue
// worker treats disposal as best-effort cleanup after a successful
// materialization, not part of the item's own outcome.
func (d *Disposer) Dispose(sourceRoot string, volumes []string, disposition Disposition) {
	for _, volume := range volumes {
		switch disposition {
		case DispositionDelete:
			if err := os.Remove(volume); err != nil && !os.IsNotExist(err) {
				d.log.Error("failed to delete archive volume", "volume", volume, "error", err)
			}
		case DispositionMove:
			if err := d.move(sourceRoot, volume); err != nil {
				d.log.Error("failed to relocate archive volume, leaving in place", "volume", volume, "error", err)
			}
		}
	}
}

func (d *Disposer) move(sourceRoot, volume string) error {
	rel, err := filepath.Rel(sourceRoot, volume)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(volume)
	}

	dest := filepath.Join(d.archiveDir, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("disposer: create archive subtree %s: %w", filepath.Dir(dest), err)
	}

	if err := materialize.AtomicPublish(volume, dest); err != nil {
		return err
	}

	d.log.Info("relocated archive volume", "volume", volume, "destination", dest)
	return nil
}
