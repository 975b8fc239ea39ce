// Package archive resolves a multi-volume RAR set from its first volume,
// tests integrity, lists entries and serves random-access reads into
// them, built on github.com/javi11/rardecode/v2 against local disk
// volumes instead of a remote segment source.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/javi11/rardecode/v2"
)

// Status is the outcome of a full integrity test.
type Status int

const (
	StatusOK Status = iota
	StatusCorrupt
	StatusEncrypted
)

// Entry describes a file inside an archive set. Directory entries are
// never returned by Session.Entries.
type Entry struct {
	Path      string
	Size      int64
	CRC32     *uint32 // absent when the library does not surface it
	Encrypted bool
	ModTime   time.Time
}

// Session is an open archive set: a resolved list of volume files plus the
// parsed entry table. It owns no long-lived file descriptors between calls;
// OpenEntry opens fresh handles on the volume files it needs.
type Session struct {
	firstVolume string
	volumes     []string
	password    string
	log         *slog.Logger

	info []rardecode.ArchiveFileInfo
}

// Open resolves the volume set for firstVolumePath and lists its entries.
// Fails with ErrMissingVolume if the naming convention implies a volume
// that is not present in the directory.
func Open(firstVolumePath string, password string) (*Session, error) {
	volumes, err := ResolveVolumeSet(firstVolumePath)
	if err != nil {
		return nil, err
	}

	for _, v := range volumes {
		if _, err := os.Stat(v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMissingVolume, v, err)
		}
	}

	s := &Session{
		firstVolume: firstVolumePath,
		volumes:     volumes,
		password:    password,
		log:         slog.Default().With("component", "archive-reader"),
	}

	info, err := s.list(rardecode.SkipCheck)
	if err != nil {
		return nil, err
	}
	s.info = info

	return s, nil
}

// Volumes returns every volume file belonging to this archive set, in
// order, first volume first.
func (s *Session) Volumes() []string {
	return append([]string(nil), s.volumes...)
}

func (s *Session) list(opts ...rardecode.Option) ([]rardecode.ArchiveFileInfo, error) {
	all := []rardecode.Option{}
	if s.password != "" {
		all = append(all, rardecode.Password(s.password))
	}
	all = append(all, opts...)

	info, err := rardecode.ListArchiveInfo(s.firstVolume, all...)
	if err != nil {
		return nil, classifyListError(err)
	}
	return info, nil
}

func classifyListError(err error) error {
	if errors.Is(err, rardecode.ErrNoSig) {
		return fmt.Errorf("%w: RAR signature not found: %v", ErrCorrupt, err)
	}
	if errors.Is(err, rardecode.ErrBadPassword) {
		return fmt.Errorf("%w: %v", ErrEncrypted, err)
	}
	if isIncompleteRarError(err) {
		return fmt.Errorf("%w: %v", ErrMissingVolume, err)
	}
	return fmt.Errorf("%w: %v", ErrIO, err)
}

func isIncompleteRarError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, rardecode.ErrVerMismatch) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"bad volume number", "bad volume", "volume not found",
		"missing volume", "incomplete archive", "archive continues in next volume",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// IsEncrypted reports whether any entry in the set requires a password.
func (s *Session) IsEncrypted() bool {
	for _, af := range s.info {
		for _, p := range af.Parts {
			if len(p.AesKey) > 0 {
				return true
			}
		}
	}
	return false
}

// Test performs a full integrity check bounded by the context's deadline.
// A context deadline exceeded is reported as StatusCorrupt.
func (s *Session) Test(ctx context.Context) (Status, error) {
	if s.IsEncrypted() {
		return StatusEncrypted, fmt.Errorf("%w", ErrEncrypted)
	}

	type result struct {
		err error
	}
	done := make(chan result, 1)

	go func() {
		_, err := s.list()
		done <- result{err: err}
	}()

	select {
	case <-ctx.Done():
		return StatusCorrupt, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	case r := <-done:
		if r.err == nil {
			return StatusOK, nil
		}
		if errors.Is(r.err, ErrEncrypted) {
			return StatusEncrypted, r.err
		}
		return StatusCorrupt, r.err
	}
}

// Entries returns every file entry in the archive, order preserved from
// the archive's own directory, directories excluded.
func (s *Session) Entries() []Entry {
	out := make([]Entry, 0, len(s.info))
	for _, af := range s.info {
		if strings.HasSuffix(af.Name, "/") {
			continue
		}

		encrypted := false
		var modTime time.Time
		if len(af.Parts) > 0 {
			if len(af.Parts[0].AesKey) > 0 {
				encrypted = true
			}
			if st, err := os.Stat(af.Parts[0].Path); err == nil {
				modTime = st.ModTime()
			}
		}

		out = append(out, Entry{
			Path:      filepath.ToSlash(af.Name),
			Size:      af.TotalPackedSize,
			Encrypted: encrypted,
			ModTime:   modTime,
		})
	}

	return out
}

// FilterMediaCandidates keeps only entries that are media-suffixed, within
// size bounds, and not matching the sample/junk blocklist.
func FilterMediaCandidates(entries []Entry, minSize, maxSize int64, mediaExtensions []string) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !hasMediaExtension(e.Path, mediaExtensions) {
			continue
		}
		if strings.Contains(strings.ToLower(e.Path), "sample") {
			continue
		}
		if minSize > 0 && e.Size < minSize {
			continue
		}
		if maxSize > 0 && e.Size > maxSize {
			continue
		}
		out = append(out, e)
	}
	return out
}

var defaultMediaExtensions = []string{
	".mkv", ".mp4", ".avi", ".mov", ".wmv", ".m4v", ".ts", ".m2ts",
	".mp3", ".flac", ".aac", ".ogg", ".wav",
	".srt", ".sub", ".idx", ".ass",
	".jpg", ".jpeg", ".png",
}

func hasMediaExtension(path string, extra []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, e := range defaultMediaExtensions {
		if e == ext {
			return true
		}
	}
	for _, e := range extra {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

func entryInfo(s *Session, path string) (rardecode.ArchiveFileInfo, bool) {
	for _, af := range s.info {
		if filepath.ToSlash(af.Name) == path {
			return af, true
		}
	}
	return rardecode.ArchiveFileInfo{}, false
}
