// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"fmt"
	"testing"

	"github.com/cobbledb/cobble/bloom"
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/cache"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func ikey(s string, seq base.SeqNum) base.InternalKey {
	return base.MakeInternalKey([]byte(s), seq, base.InternalKeyKindSet)
}

// buildTable writes the given sorted key/value pairs to a table in the
// filesystem and returns its name.
func buildTable(
	t *testing.T, fs vfs.FS, name string, kvs []struct{ k, v string }, wo WriterOptions,
) {
	t.Helper()
	f, err := fs.Create(name)
	require.NoError(t, err)
	w := NewWriter(f, wo)
	for i, kv := range kvs {
		require.NoError(t, w.Add(ikey(kv.k, base.SeqNum(i+1)), []byte(kv.v)))
	}
	require.NoError(t, w.Close())
}

func words(n int) []struct{ k, v string } {
	kvs := make([]struct{ k, v string }, n)
	for i := range kvs {
		kvs[i].k = fmt.Sprintf("key%06d", i)
		kvs[i].v = fmt.Sprintf("value-%d", i)
	}
	return kvs
}

func testRoundTrip(t *testing.T, wo WriterOptions, ro ReaderOptions) {
	fs := vfs.NewMem()
	kvs := words(1000)
	buildTable(t, fs, "test.ldb", kvs, wo)

	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	r := NewReader(f, ro)
	defer r.Close()

	// Full forward scan.
	it := r.NewIter()
	i := 0
	for it.First(); it.Valid(); {
		require.Equal(t, kvs[i].k, string(it.Key().UserKey))
		require.Equal(t, kvs[i].v, string(it.Value()))
		i++
		if !it.Next() {
			break
		}
	}
	require.NoError(t, it.Error())
	require.Equal(t, len(kvs), i)

	// Full reverse scan.
	i = len(kvs) - 1
	for it.Last(); it.Valid(); {
		require.Equal(t, kvs[i].k, string(it.Key().UserKey))
		i--
		if !it.Prev() {
			break
		}
	}
	require.Equal(t, -1, i)

	// Point gets.
	for i := 0; i < len(kvs); i += 37 {
		k, v, err := r.Get(base.MakeSearchKey([]byte(kvs[i].k)))
		require.NoError(t, err)
		require.Equal(t, kvs[i].k, string(k.UserKey))
		require.Equal(t, kvs[i].v, string(v))
	}

	// Absent keys.
	_, _, err = r.Get(base.MakeSearchKey([]byte("key999999")))
	require.True(t, errors.Is(err, base.ErrNotFound))
	require.NoError(t, it.Close())
}

func TestRoundTripPlain(t *testing.T) {
	testRoundTrip(t, WriterOptions{Compression: NoCompression}, ReaderOptions{})
}

func TestRoundTripSnappy(t *testing.T) {
	testRoundTrip(t, WriterOptions{Compression: SnappyCompression}, ReaderOptions{})
}

func TestRoundTripVerifyChecksums(t *testing.T) {
	testRoundTrip(t, WriterOptions{}, ReaderOptions{VerifyChecksums: true})
}

func TestRoundTripBloom(t *testing.T) {
	testRoundTrip(t,
		WriterOptions{FilterPolicy: bloom.FilterPolicy(10)},
		ReaderOptions{FilterPolicy: bloom.FilterPolicy(10)})
}

func TestRoundTripBlockCache(t *testing.T) {
	c := cache.New(1 << 20)
	testRoundTrip(t, WriterOptions{}, ReaderOptions{Cache: c, FileNum: 42})
	require.Greater(t, c.Size(), int64(0))
}

func TestRoundTripSmallBlocks(t *testing.T) {
	// Tiny blocks exercise the index and the block-straddling paths of the
	// iterator.
	testRoundTrip(t, WriterOptions{BlockSize: 64, BlockRestartInterval: 2}, ReaderOptions{})
}

func TestSeekGE(t *testing.T) {
	fs := vfs.NewMem()
	kvs := words(100)
	buildTable(t, fs, "test.ldb", kvs, WriterOptions{BlockSize: 128})

	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	r := NewReader(f, ReaderOptions{})
	defer r.Close()
	it := r.NewIter()
	defer it.Close()

	// Exact key.
	it.SeekGE(base.MakeSearchKey([]byte("key000050")))
	require.True(t, it.Valid())
	require.Equal(t, "key000050", string(it.Key().UserKey))

	// Between keys.
	it.SeekGE(base.MakeSearchKey([]byte("key0000505")))
	require.True(t, it.Valid())
	require.Equal(t, "key000051", string(it.Key().UserKey))

	// Before the first key.
	it.SeekGE(base.MakeSearchKey([]byte("a")))
	require.True(t, it.Valid())
	require.Equal(t, "key000000", string(it.Key().UserKey))

	// Past the last key.
	it.SeekGE(base.MakeSearchKey([]byte("zzz")))
	require.False(t, it.Valid())

	// Seek then iterate backwards.
	it.SeekGE(base.MakeSearchKey([]byte("key000050")))
	require.True(t, it.Prev())
	require.Equal(t, "key000049", string(it.Key().UserKey))
}

func TestEmptyTable(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "empty.ldb", nil, WriterOptions{})

	f, err := fs.Open("empty.ldb")
	require.NoError(t, err)
	r := NewReader(f, ReaderOptions{})
	defer r.Close()

	it := r.NewIter()
	it.First()
	require.False(t, it.Valid())
	it.Last()
	require.False(t, it.Valid())
	require.NoError(t, it.Close())

	_, _, err = r.Get(base.MakeSearchKey([]byte("any")))
	require.True(t, errors.Is(err, base.ErrNotFound))
}

func TestWriterOrderEnforcement(t *testing.T) {
	fs := vfs.NewMem()
	f, err := fs.Create("bad.ldb")
	require.NoError(t, err)
	w := NewWriter(f, WriterOptions{})
	require.NoError(t, w.Add(ikey("b", 1), []byte("x")))
	require.Error(t, w.Add(ikey("a", 2), []byte("y")))
}

func TestCorruptFooter(t *testing.T) {
	fs := vfs.NewMem()
	buildTable(t, fs, "test.ldb", words(10), WriterOptions{})

	// Corrupt the last byte of the magic number.
	f, err := fs.Open("test.ldb")
	require.NoError(t, err)
	stat, err := f.Stat()
	require.NoError(t, err)
	data := make([]byte, stat.Size())
	_, err = f.ReadAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data[len(data)-1] ^= 0xff
	g, err := fs.Create("corrupt.ldb")
	require.NoError(t, err)
	_, err = g.Write(data)
	require.NoError(t, err)
	require.NoError(t, g.Close())

	g, err = fs.Open("corrupt.ldb")
	require.NoError(t, err)
	r := NewReader(g, ReaderOptions{})
	it := r.NewIter()
	it.First()
	require.False(t, it.Valid())
	require.True(t, errors.Is(it.Error(), base.ErrCorruption))
	require.Error(t, r.Close())
}

func TestBlockIterRestartPoints(t *testing.T) {
	// A block with a restart interval of 1 has no prefix compression; an
	// interval larger than the entry count compresses every shared prefix.
	for _, interval := range []int{1, 4, 16, 1024} {
		var bw blockWriter
		bw.restartInterval = interval
		var keys []string
		for i := 0; i < 100; i++ {
			k := fmt.Sprintf("prefix%04d", i)
			keys = append(keys, k)
			bw.add(ikey(k, base.SeqNum(i+1)), []byte{byte(i)})
		}
		b := block(bw.finish())

		it, err := newBlockIter(base.DefaultComparer.Compare, b)
		require.NoError(t, err)
		i := 0
		for it.First(); it.Valid(); {
			require.Equal(t, keys[i], string(it.Key().UserKey))
			i++
			if !it.Next() {
				break
			}
		}
		require.Equal(t, len(keys), i)

		// Walk backwards through the restart points.
		i = len(keys) - 1
		for it.Last(); it.Valid(); {
			require.Equal(t, keys[i], string(it.Key().UserKey))
			i--
			if !it.Prev() {
				break
			}
		}
		require.Equal(t, -1, i)
	}
}
