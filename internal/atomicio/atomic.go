package atomicio

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// TempSuffix is appended to the target path for the side file.
const TempSuffix = ".tmp"

// WriteFile writes data to path atomically: side file, fsync, rename, directory fsync.
// A reader of path sees either the previous content or data, never a mix.
func WriteFile(path string, data []byte, perm fs.FileMode) error {
	tmpPath, err := Stage(path, data, perm)
	if err != nil {
		return err
	}
	return Commit(tmpPath, path)
}

// Stage writes data to the side file of path and flushes it to disk.
// The target is untouched until Commit.
func Stage(path string, data []byte, perm fs.FileMode) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	tmpPath := path + TempSuffix
	if err := writeSynced(tmpPath, data, perm); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// Commit renames a staged side file over path.
func Commit(tmpPath, path string) error {
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(tmpPath), err)
	}
	return SyncDir(filepath.Dir(path))
}

// CopyFile atomically replaces dst with the bytes of src.
func CopyFile(src, dst string, perm fs.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(src), err)
	}
	return WriteFile(dst, data, perm)
}

// SyncDir flushes directory metadata so a completed rename survives power loss.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename itself already happened.
	_ = d.Sync()
	return nil
}

func writeSynced(path string, data []byte, perm fs.FileMode) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("fsync %s: %w", filepath.Base(path), err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", filepath.Base(path), err)
	}
	return nil
}
