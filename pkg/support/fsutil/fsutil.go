// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fsutil contains utilities for working with the file system.
package fsutil

import (
	"io"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// FileExists returns whether the file or directory exists or an error if something went wrong in the filesystem.
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to FileExists(%q)", path)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
//
// It returns an error if `dir` has an unknown user or some other filesystem error (e.g: `~unknown/...`)
func ReplaceTildeInDir(dir string) (string, error) {
	if len(dir) == 0 {
		return dir, nil
	}
	if dir[0] != '~' {
		return dir, nil
	}
	var userName string
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		sepIdx := strings.IndexRune(dir, '/')
		if sepIdx == -1 {
			userName = dir[1:]
		} else {
			userName = dir[1:sepIdx]
		}
	}
	var usr *user.User
	var err error
	if userName == "" {
		usr, err = user.Current()
	} else {
		usr, err = user.Lookup(userName)
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to lookup home directory for user in path %q", dir)
	}
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1+len(userName):]), nil
}

// EnsureDir creates dir (and its parents) if it doesn't exist yet.
// It fails if dir exists but is not a directory.
func EnsureDir(dir string) error {
	fi, err := os.Stat(dir)
	if err == nil {
		if !fi.IsDir() {
			return errors.Errorf("directory name %q exists but it's a normal file, not a directory", dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to os.Stat(%q)", dir)
	}
	if err = os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", dir)
	}
	return nil
}

// AtomicWriteFile writes the contents produced by writeFn to filePath, replacing any previous file only
// once the new contents are completely written and synced to disk.
//
// The contents are first written to a temporary file in the same directory, which is renamed over filePath.
// Readers of filePath see either the previous complete file or the new complete file, and a failure
// leaves the previous file untouched. The directory is created if missing.
//
// It returns the number of bytes written.
func AtomicWriteFile(filePath string, writeFn func(w io.Writer) error) (n int64, err error) {
	dir := filepath.Dir(filePath)
	if err = EnsureDir(dir); err != nil {
		return 0, err
	}
	tmpFile, err := os.CreateTemp(dir, filepath.Base(filePath)+".tmp-*")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create temporary file for %q", filePath)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if err != nil {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	counter := &countingWriter{w: tmpFile}
	if err = writeFn(counter); err != nil {
		return 0, errors.WithMessagef(err, "while writing %q", filePath)
	}
	if err = tmpFile.Sync(); err != nil {
		return 0, errors.Wrapf(err, "failed to sync %q", tmpPath)
	}
	if err = tmpFile.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed to close %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
