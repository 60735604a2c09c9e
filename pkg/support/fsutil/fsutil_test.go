// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFile(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "sub", "weights.bin")

	n, err := AtomicWriteFile(filePath, func(w io.Writer) error {
		_, err := w.Write([]byte("first"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))

	// A failing write must leave the previous file intact and no temporary files behind.
	_, err = AtomicWriteFile(filePath, func(w io.Writer) error {
		_, _ = w.Write([]byte("partial"))
		return errors.New("disk full")
	})
	require.Error(t, err)
	contents, err = os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "first", string(contents))
	entries, err := os.ReadDir(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, EnsureDir(filepath.Join(dir, "a", "b")))
	exists, err := FileExists(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
	assert.True(t, exists)

	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0600))
	require.Error(t, EnsureDir(filePath))
}

func TestReplaceTildeInDir(t *testing.T) {
	got, err := ReplaceTildeInDir("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
	got, err = ReplaceTildeInDir("~/x")
	require.NoError(t, err)
	assert.NotContains(t, got, "~")
}
