// Package extract implements Strategy A: stream-decode an entry to
// a temporary path under the work directory, fingerprint it while
// writing, consult the Duplicate Index, then atomically rename it into
// the target directory under its sanitized name. Grounded on the
// streaming-copy style of internal/utils/copy.go and the duplicate-lookup
// flow implied by internal/dupindex, adapted from a usenet reader source
// to the Archive Reader's random-access entries.
package extract

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/dupindex"
	"github.com/javi11/rarbridge/internal/materialize"
)

// DuplicateIndex is the subset of dupindex.Store the extract strategy
// depends on.
type DuplicateIndex interface {
	Lookup(fingerprint string) (string, error)
	Insert(fingerprint, path string, seenAt time.Time) (bool, error)
}

// Strategy materializes entries by fully extracting them to disk.
type Strategy struct {
	fs             afero.Fs
	workDir        string
	duplicateIndex DuplicateIndex
	duplicateCheck bool
	log            *slog.Logger
}

// New creates an extract Strategy. duplicateCheck gates duplicate-index
// consultation; when a nil dupIndex is passed, duplicateCheck is forced off.
func New(fs afero.Fs, workDir string, dupIndex DuplicateIndex, duplicateCheck bool) *Strategy {
	if dupIndex == nil {
		duplicateCheck = false
	}
	return &Strategy{
		fs:             fs,
		workDir:        workDir,
		duplicateIndex: dupIndex,
		duplicateCheck: duplicateCheck,
		log:            slog.Default().With("component", "extract-strategy"),
	}
}

// MaterializeEntry implements materialize.Strategy.
func (s *Strategy) MaterializeEntry(ctx context.Context, session *archive.Session, entry archive.Entry, targetDir, libraryID string) (string, error) {
	if err := s.fs.MkdirAll(s.workDir, 0o755); err != nil {
		return "", fmt.Errorf("extract: create work dir: %w", err)
	}

	tmpPath := filepath.Join(s.workDir, uuid.New().String()+filepath.Ext(entry.Path))
	fingerprint, err := s.writeTemp(ctx, session, entry, tmpPath)
	if err != nil {
		_ = s.fs.Remove(tmpPath)
		return "", err
	}

	if s.duplicateCheck {
		if existing, err := s.duplicateIndex.Lookup(fingerprint); err == nil {
			if _, statErr := os.Stat(existing); statErr == nil {
				// Duplicate points to a still-existing file: drop the
				// freshly written temp file and skip this entry.
				_ = s.fs.Remove(tmpPath)
				s.log.Debug("duplicate content detected, skipping entry", "entry", entry.Path, "existing", existing)
				return existing, nil
			}
		} else if !errors.Is(err, dupindex.ErrNotFound) {
			s.log.Warn("duplicate index lookup failed, proceeding without dedup", "error", err)
		}
	}

	sanitized := materialize.Sanitize(entry.Path, "")
	finalPath, err := materialize.ResolveCollision(targetDir, sanitized)
	if err != nil {
		_ = s.fs.Remove(tmpPath)
		return "", fmt.Errorf("extract: resolve collision: %w", err)
	}

	if err := materialize.AtomicPublish(tmpPath, finalPath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return "", err
	}

	if s.duplicateCheck {
		if _, err := s.duplicateIndex.Insert(fingerprint, finalPath, time.Now()); err != nil {
			s.log.Warn("failed to record duplicate index row", "error", err)
		}
	}

	s.log.Info("extracted entry", "entry", entry.Path, "target", finalPath)
	return finalPath, nil
}

// writeTemp streams the entry into tmpPath while computing its fingerprint
// (a 256-bit content hash), reading in fixed-size chunks via the archive
// reader's random-access EntryReader.
func (s *Strategy) writeTemp(ctx context.Context, session *archive.Session, entry archive.Entry, tmpPath string) (string, error) {
	reader, err := session.OpenEntry(entry.Path)
	if err != nil {
		return "", fmt.Errorf("extract: open entry %s: %w", entry.Path, err)
	}
	defer reader.Close()

	out, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("extract: create temp file: %w", err)
	}
	defer out.Close()

	hasher := sha256.New()
	buf := make([]byte, 256*1024)
	var offset int64

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := reader.ReadAt(buf, offset)
		if n > 0 {
			if _, err := out.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("extract: write temp file: %w", err)
			}
			hasher.Write(buf[:n])
			offset += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("extract: read entry %s: %w", entry.Path, readErr)
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Close cleans up nothing by itself. The work directory subtree is emptied
// by CleanWorkDir at startup only; it is not emptied after each archive
// set. MaterializeEntry removes or publishes its own temp file on every
// return path.
func (s *Strategy) Close() error { return nil }

// CleanWorkDir removes the entire work-directory subtree.
func CleanWorkDir(fs afero.Fs, workDir string) error {
	if err := fs.RemoveAll(workDir); err != nil {
		return fmt.Errorf("extract: clean work dir: %w", err)
	}
	return fs.MkdirAll(workDir, 0o755)
}
