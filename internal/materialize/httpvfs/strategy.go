package httpvfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/materialize"
)

// Strategy materializes entries as ".strm" pointer files backed by Server
//. Unlike extract mode, MaterializeEntry never reads the entry's
// bytes: the archive is decoded lazily, per ranged request, by Server.
type Strategy struct {
	registry *Registry
	server   *Server
	password string
	log      *slog.Logger
}

// New creates an httpvfs Strategy bound to a running Server.
func New(registry *Registry, server *Server, password string) *Strategy {
	return &Strategy{
		registry: registry,
		server:   server,
		password: password,
		log:      slog.Default().With("component", "httpvfs-strategy"),
	}
}

// MaterializeEntry implements materialize.Strategy: register a token for
// the entry and write a ".strm" pointer file containing its URL.
func (s *Strategy) MaterializeEntry(_ context.Context, session *archive.Session, entry archive.Entry, targetDir, libraryID string) (string, error) {
	reg := s.registry.Register(session.Volumes()[0], entry.Path, entry.Size, s.password)

	sanitized := materialize.Sanitize(entry.Path, ".strm")
	finalPath, err := materialize.ResolveCollision(targetDir, sanitized)
	if err != nil {
		return "", fmt.Errorf("httpvfs: resolve collision: %w", err)
	}

	displayName := materialize.Sanitize(entry.Path, "")
	pointerURL := s.server.PointerURL(reg, displayName)

	tmpPath := finalPath + ".rarbridge-tmp"
	if err := os.WriteFile(tmpPath, []byte(pointerURL+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("httpvfs: write pointer temp file: %w", err)
	}

	if err := materialize.AtomicPublish(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}

	s.log.Info("registered virtual-http pointer", "entry", entry.Path, "target", finalPath, "token", reg.Token)
	return finalPath, nil
}

// Close is a no-op: tokens are held for process lifetime by default and
// survive archive disposal so pointer files already handed to the media
// server keep working.
func (s *Strategy) Close() error { return nil }
