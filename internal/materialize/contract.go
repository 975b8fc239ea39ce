package materialize

import (
	"context"

	"github.com/javi11/rarbridge/internal/archive"
)

// Strategy is the common contract every materialization strategy
// implements: given a session, an entry and the target directory
// for a source, produce a visible file and report what was produced.
type Strategy interface {
	// MaterializeEntry exposes entry inside targetDir for libraryID,
	// returning the path that became visible to the media server.
	MaterializeEntry(ctx context.Context, session *archive.Session, entry archive.Entry, targetDir, libraryID string) (string, error)

	// Close releases any strategy-owned resources for the archive set
	// currently being processed (temp directories, mount points). It does
	// not affect resources with process lifetime, such as virtual-HTTP
	// tokens.
	Close() error
}

// AtomicPublish renames tmpPath into its final visible location: a single
// same-volume rename, falling back to copy-then-delete across volumes. It
// never lets a partially-written file become observable.
func AtomicPublish(tmpPath, finalPath string) error {
	return renameOrCopy(tmpPath, finalPath)
}
