// Package fsutil implements the filesystem primitives shared by the tree,
// install, and build-engine packages: directory copy, atomic rename with a
// cross-device fallback, and directory emptiness checks.
package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
)

// IsEmptyDirOrNotExist reports whether name is an empty directory, or
// doesn't exist at all; used to validate a fresh scratch/install directory
// before writing into it.
func IsEmptyDirOrNotExist(name string) (bool, error) {
	entries, err := os.ReadDir(name)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

// RenameWithFallback attempts an atomic rename, falling back to a recursive
// copy-then-remove when src and dest live on different devices (the
// EXDEV case a plain os.Rename can't cross) — the scratch-to-final-name
// move every install and build step performs.
func RenameWithFallback(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return errors.Wrapf(err, "stat %q", src)
	}

	if runtime.GOOS == "windows" && fi.IsDir() {
		if err := CopyDir(src, dest); err != nil {
			return err
		}
		return os.RemoveAll(src)
	}

	err = os.Rename(src, dest)
	if err == nil {
		return nil
	}

	linkErr, ok := err.(*os.LinkError)
	if !ok {
		return err
	}

	var copyErr error
	if errno, ok := linkErr.Err.(syscall.Errno); ok && errno == syscall.EXDEV {
		if fi.IsDir() {
			copyErr = CopyDir(src, dest)
		} else {
			copyErr = CopyFile(src, dest)
		}
	} else {
		return linkErr
	}

	if copyErr != nil {
		return errors.Wrapf(copyErr, "copying %q to %q after cross-device rename failure", src, dest)
	}
	return os.RemoveAll(src)
}

// CopyDir recursively copies src's contents into dest, preserving file
// modes; symlinks are skipped rather than followed, since a rockspec's
// `copy_directories` step never expects to dereference one.
func CopyDir(src, dest string) error {
	fi, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dest, fi.Mode()); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			continue
		}

		srcPath := filepath.Join(src, entry.Name())
		destPath := filepath.Join(dest, entry.Name())

		if entry.IsDir() {
			if err := CopyDir(srcPath, destPath); err != nil {
				return err
			}
			continue
		}
		if err := CopyFile(srcPath, destPath); err != nil {
			return err
		}
	}
	return nil
}

// CopyFile copies a single file, preserving its permission bits.
func CopyFile(src, dest string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	destFile, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, srcFile); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dest, info.Mode())
}
