// Package mount implements the external-mount materialization strategy:
// an external helper mounts an archive set as a virtual directory, and
// this strategy symlinks the mounted entries into the target directory.
// The mount/unmount lifecycle and readiness-polling here follow the same
// shape as an in-process FUSE server's Mount/Unmount/ForceUnmount, just
// driving an out-of-process helper invoked by command line instead.
package mount

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/javi11/rarbridge/internal/archive"
	"github.com/javi11/rarbridge/internal/materialize"
)

// ErrHelperMissing is returned when the configured external mount
// executable cannot be found.
var ErrHelperMissing = fmt.Errorf("mount: external helper not found")

// ErrMountTimeout is returned when the mount point does not become ready
// within ReadyTimeout.
var ErrMountTimeout = fmt.Errorf("mount: helper did not become ready in time")

// Config controls the external mount adapter.
type Config struct {
	Executable     string
	MountBase      string
	MountOptions   []string
	ReadyTimeout   time.Duration
	UnmountTimeout time.Duration
}

// Strategy mounts each archive set once via the external helper and
// symlinks requested entries out of the mount point. One mount serves
// every entry of the archive set currently being processed; Close
// releases it.
type Strategy struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	current *activeMount
}

type activeMount struct {
	archivePath string
	mountPoint  string
	cmd         *exec.Cmd
}

// New creates an external-mount Strategy.
func New(cfg Config) *Strategy {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.UnmountTimeout <= 0 {
		cfg.UnmountTimeout = 5 * time.Second
	}
	return &Strategy{cfg: cfg, log: slog.Default().With("component", "external-mount-strategy")}
}

// MaterializeEntry implements materialize.Strategy: ensures the archive
// set is mounted, waits for the entry to appear under the mount point, and
// symlinks it into targetDir under its sanitized name.
func (s *Strategy) MaterializeEntry(ctx context.Context, session *archive.Session, entry archive.Entry, targetDir, libraryID string) (string, error) {
	mountPoint, err := s.ensureMounted(ctx, session.Volumes()[0])
	if err != nil {
		return "", err
	}

	mountedEntryPath := filepath.Join(mountPoint, filepath.FromSlash(entry.Path))
	if err := s.waitForEntry(ctx, mountedEntryPath); err != nil {
		return "", err
	}

	sanitized := materialize.Sanitize(entry.Path, "")
	finalPath, err := materialize.ResolveCollision(targetDir, sanitized)
	if err != nil {
		return "", fmt.Errorf("mount: resolve collision: %w", err)
	}

	if _, err := os.Lstat(finalPath); err == nil {
		_ = os.Remove(finalPath)
	}
	if err := os.Symlink(mountedEntryPath, finalPath); err != nil {
		return "", fmt.Errorf("mount: create symlink: %w", err)
	}

	s.log.Info("symlinked mounted entry", "entry", entry.Path, "target", finalPath)
	return finalPath, nil
}

func (s *Strategy) ensureMounted(ctx context.Context, archivePath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && s.current.archivePath == archivePath {
		return s.current.mountPoint, nil
	}
	if s.current != nil {
		s.unmountLocked()
	}

	if _, err := exec.LookPath(s.cfg.Executable); err != nil {
		return "", fmt.Errorf("%w: %s", ErrHelperMissing, s.cfg.Executable)
	}

	mountPoint := filepath.Join(s.cfg.MountBase, filepath.Base(archivePath)+".mount")
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return "", fmt.Errorf("mount: create mount point: %w", err)
	}

	args := append([]string{archivePath, mountPoint}, s.cfg.MountOptions...)
	cmd := exec.CommandContext(context.Background(), s.cfg.Executable, args...)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("mount: start helper: %w", err)
	}

	s.current = &activeMount{archivePath: archivePath, mountPoint: mountPoint, cmd: cmd}

	if err := s.waitMountReady(ctx, mountPoint); err != nil {
		s.unmountLocked()
		return "", err
	}

	s.log.Info("mounted archive set", "archive", archivePath, "mount_point", mountPoint)
	return mountPoint, nil
}

// waitMountReady polls the mount point for entries up to ReadyTimeout.
func (s *Strategy) waitMountReady(ctx context.Context, mountPoint string) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		entries, err := os.ReadDir(mountPoint)
		if err == nil && len(entries) > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrMountTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Strategy) waitForEntry(ctx context.Context, path string) error {
	deadline := time.Now().Add(s.cfg.ReadyTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: entry never appeared at %s", ErrMountTimeout, path)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close unmounts the current archive set's mount, if any.
func (s *Strategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmountLocked()
}

func (s *Strategy) unmountLocked() error {
	if s.current == nil {
		return nil
	}
	mountPoint := s.current.mountPoint
	cmd := s.current.cmd
	s.current = nil

	if err := exec.Command("umount", mountPoint).Run(); err != nil {
		s.log.Warn("graceful unmount failed, forcing lazy unmount", "mount_point", mountPoint, "error", err)
		_ = exec.Command("umount", "-l", mountPoint).Run()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	return nil
}
