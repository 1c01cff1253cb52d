// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package vfs

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
)

func TestMemFSBasics(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))

	f, err := fs.Create("/db/000001.log")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	_, err = f.Write([]byte(" world"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	g, err := fs.Open("/db/000001.log")
	require.NoError(t, err)
	b, err := io.ReadAll(g)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(b))

	// ReadAt from an arbitrary offset.
	p := make([]byte, 5)
	_, err = g.ReadAt(p, 6)
	require.NoError(t, err)
	require.Equal(t, "world", string(p))
	require.NoError(t, g.Close())

	stat, err := fs.Stat("/db/000001.log")
	require.NoError(t, err)
	require.Equal(t, int64(11), stat.Size())

	ls, err := fs.List("/db")
	require.NoError(t, err)
	require.Equal(t, []string{"000001.log"}, ls)
}

func TestMemFSRename(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	f, err := fs.Create("/db/CURRENT.dbtmp")
	require.NoError(t, err)
	_, err = f.Write([]byte("MANIFEST-000001\n"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, fs.Rename("/db/CURRENT.dbtmp", "/db/CURRENT"))

	_, err = fs.Open("/db/CURRENT.dbtmp")
	require.True(t, oserror.IsNotExist(err))
	g, err := fs.Open("/db/CURRENT")
	require.NoError(t, err)
	b, err := io.ReadAll(g)
	require.NoError(t, err)
	require.Equal(t, "MANIFEST-000001\n", string(b))
}

func TestMemFSRemove(t *testing.T) {
	fs := NewMem()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	_, err := fs.Create("/db/junk")
	require.NoError(t, err)
	require.NoError(t, fs.Remove("/db/junk"))
	require.True(t, oserror.IsNotExist(fs.Remove("/db/junk")))
	_, err = fs.Open("/db/junk")
	require.True(t, oserror.IsNotExist(err))
}

func TestMemFSMissingDir(t *testing.T) {
	fs := NewMem()
	_, err := fs.Open("/nope/file")
	require.Error(t, err)
	_, err = fs.Create("/nope/file")
	require.Error(t, err)
}

func TestMemFSPathHelpers(t *testing.T) {
	fs := NewMem()
	require.Equal(t, "a/b/c", fs.PathJoin("a", "b", "c"))
	require.Equal(t, "c", fs.PathBase("a/b/c"))
}
