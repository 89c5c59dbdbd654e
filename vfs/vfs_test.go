// Copyright 2025 The Timber Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package vfs

import (
	"testing"

	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("a/b", 0755))

	require.NoError(t, WriteFile(fs, "a/b/f1", []byte("hello")))
	data, err := ReadFile(fs, "a/b/f1")
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	names, err := fs.List("a/b")
	require.NoError(t, err)
	require.Equal(t, []string{"f1"}, names)

	fi, err := fs.Stat("a/b/f1")
	require.NoError(t, err)
	require.Equal(t, int64(5), fi.Size())
	require.False(t, fi.IsDir())
}

func TestMemFSRename(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("d", 0755))
	require.NoError(t, WriteFile(fs, "d/tmp_x", []byte("v")))
	require.NoError(t, fs.Rename("d/tmp_x", "d/x"))

	_, err := fs.Stat("d/tmp_x")
	require.True(t, oserror.IsNotExist(err))
	data, err := ReadFile(fs, "d/x")
	require.NoError(t, err)
	require.Equal(t, "v", string(data))
}

func TestMemFSRenameDirectory(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("d/tmp_part", 0755))
	require.NoError(t, WriteFile(fs, "d/tmp_part/meta", []byte("m")))
	require.NoError(t, fs.Rename("d/tmp_part", "d/part"))

	data, err := ReadFile(fs, "d/part/meta")
	require.NoError(t, err)
	require.Equal(t, "m", string(data))
}

func TestMemFSRemoveAll(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("d/p", 0755))
	require.NoError(t, WriteFile(fs, "d/p/f", nil))

	// Remove refuses non-empty directories; RemoveAll does not.
	require.Error(t, fs.Remove("d/p"))
	require.NoError(t, fs.RemoveAll("d/p"))
	require.NoError(t, fs.RemoveAll("d/p"))

	names, err := fs.List("d")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestMemFSLink(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("d", 0755))
	require.NoError(t, WriteFile(fs, "d/src", []byte("x")))
	require.NoError(t, fs.Link("d/src", "d/dst"))
	require.Error(t, fs.Link("d/src", "d/dst"))

	data, err := ReadFile(fs, "d/dst")
	require.NoError(t, err)
	require.Equal(t, "x", string(data))
}

func TestMemFSPathHelpers(t *testing.T) {
	fs := NewMem()
	require.Equal(t, "a/b/c", fs.PathJoin("a", "b", "c"))
	require.Equal(t, "c", fs.PathBase("a/b/c"))
	require.Equal(t, "a/b", fs.PathDir("a/b/c"))
}
