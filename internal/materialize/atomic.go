package materialize

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// renameOrCopy performs a same-filesystem rename where possible, falling
// back to copy-to-hidden-temp-on-target-volume + rename when tmpPath and
// finalPath live on different filesystems. The fallback still ends in a
// single rename so finalPath is never observed half-written.
func renameOrCopy(tmpPath, finalPath string) error {
	err := os.Rename(tmpPath, finalPath)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("materialize: rename %s -> %s: %w", tmpPath, finalPath, err)
	}

	hiddenTmp := finalPath + ".rarbridge-tmp"
	if copyErr := copyFile(tmpPath, hiddenTmp); copyErr != nil {
		return fmt.Errorf("materialize: cross-volume copy %s -> %s: %w", tmpPath, hiddenTmp, copyErr)
	}
	if renameErr := os.Rename(hiddenTmp, finalPath); renameErr != nil {
		_ = os.Remove(hiddenTmp)
		return fmt.Errorf("materialize: finalize cross-volume copy %s -> %s: %w", hiddenTmp, finalPath, renameErr)
	}
	return os.Remove(tmpPath)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}

	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return nil
}
