// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"fmt"
	"sync"
	"testing"

	"github.com/cobbledb/cobble/bloom"
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T, opts *Options) (*DB, *vfs.MemFS) {
	t.Helper()
	fs := vfs.NewMem()
	if opts == nil {
		opts = &Options{}
	}
	opts.FS = fs
	d, err := Open("/db", opts)
	require.NoError(t, err)
	return d, fs
}

func TestBasicPutGetDelete(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	require.NoError(t, d.Delete([]byte("a"), nil))

	_, err := d.Get([]byte("a"), nil)
	require.True(t, errors.Is(err, ErrNotFound))

	v, err := d.Get([]byte("b"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("2"), v)

	// Deleting an absent key is not an error.
	require.NoError(t, d.Delete([]byte("never-existed"), nil))

	// Overwrites are visible immediately.
	require.NoError(t, d.Set([]byte("b"), []byte("22"), nil))
	v, err = d.Get([]byte("b"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("22"), v)
}

func TestOverwriteAndSnapshot(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("k"), []byte("v1"), nil))
	snap := d.NewSnapshot()
	require.NoError(t, d.Set([]byte("k"), []byte("v2"), nil))

	v, err := d.Get([]byte("k"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)

	v, err = snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// Reads through ReadOptions.Snapshot see the same state.
	v, err = d.Get([]byte("k"), &ReadOptions{Snapshot: snap})
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	// A key deleted after the snapshot is still visible through it.
	require.NoError(t, d.Delete([]byte("k"), nil))
	_, err = d.Get([]byte("k"), nil)
	require.True(t, errors.Is(err, ErrNotFound))
	v, err = snap.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, snap.Close())
	require.Error(t, snap.Close())
}

func TestBatchAtomicity(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("y"), []byte("old"), nil))

	d.mu.Lock()
	seqBefore := d.versions.lastSequence
	d.mu.Unlock()

	var b Batch
	b.Set([]byte("x"), []byte("1"))
	b.Delete([]byte("y"))
	b.Set([]byte("z"), []byte("3"))
	require.NoError(t, d.Apply(&b, nil))

	d.mu.Lock()
	seqAfter := d.versions.lastSequence
	d.mu.Unlock()
	require.Equal(t, base.SeqNum(3), seqAfter-seqBefore)

	v, err := d.Get([]byte("x"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
	_, err = d.Get([]byte("y"), nil)
	require.True(t, errors.Is(err, ErrNotFound))
	v, err = d.Get([]byte("z"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("3"), v)
}

func TestCompactionPreservesSemantics(t *testing.T) {
	// A small write buffer forces memtable rotations and enough level-0
	// tables to trigger several compactions.
	d, _ := newTestDB(t, &Options{
		WriteBufferSize: 16 << 10,
		BlockSize:       1 << 10,
		FilterPolicy:    bloom.FilterPolicy(10),
	})
	defer d.Close()

	const n = 10000
	for i := 0; i < n; i++ {
		k := []byte(fmt.Sprintf("k%05d", i))
		v := []byte(fmt.Sprintf("v%05d", i))
		require.NoError(t, d.Set(k, v, nil))
	}
	for i := 0; i < n; i += 7 {
		require.NoError(t, d.Delete([]byte(fmt.Sprintf("k%05d", i)), nil))
	}

	check := func() {
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("k%05d", i))
			v, err := d.Get(k, nil)
			if i%7 == 0 {
				require.Truef(t, errors.Is(err, ErrNotFound), "key %s: %v", k, err)
			} else {
				require.NoErrorf(t, err, "key %s", k)
				require.Equal(t, fmt.Sprintf("v%05d", i), string(v))
			}
		}
	}
	check()

	// A full manual compaction must not change the observable state, and
	// exercises the merge+install path through every level.
	require.NoError(t, d.CompactRange(nil, nil))
	check()

	// Iterate and confirm the surviving keys come back in order, exactly
	// once each.
	it, err := d.NewIter(nil)
	require.NoError(t, err)
	count := 0
	prev := ""
	for ok := it.First(); ok; ok = it.Next() {
		k := string(it.Key())
		require.Greater(t, k, prev)
		prev = k
		count++
	}
	require.NoError(t, it.Error())
	require.NoError(t, it.Close())
	require.Equal(t, n-(n+6)/7, count)
}

func TestRecovery(t *testing.T) {
	fs := vfs.NewMem()
	opts := &Options{FS: fs}
	d, err := Open("/db", opts)
	require.NoError(t, err)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%03d", i)), []byte(fmt.Sprintf("v%03d", i)), NoSync))
	}
	require.NoError(t, d.Set([]byte("synced"), []byte("yes"), Sync))

	// Simulate a crash: drop the DB without closing it. The memory
	// filesystem retains everything written, synced or not; the guarantee
	// under test is that reopening replays the WAL to at least the synced
	// prefix, with no torn values.
	d2, err := Open("/db", &Options{FS: fs})
	require.NoError(t, err)
	defer d2.Close()

	v, err := d2.Get([]byte("synced"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("yes"), v)
	for i := 0; i < n; i++ {
		v, err := d2.Get([]byte(fmt.Sprintf("k%03d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%03d", i), string(v))
	}

	// Sequence numbers continue past the recovered ones.
	d2.mu.Lock()
	seq := d2.versions.lastSequence
	d2.mu.Unlock()
	require.GreaterOrEqual(t, seq, base.SeqNum(n+1))
}

func TestReopenAfterClose(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", &Options{FS: fs, WriteBufferSize: 4 << 10})
	require.NoError(t, err)

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("v%04d", i)), nil))
	}
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	_, err = d.Get([]byte("k0000"), nil)
	require.Error(t, err)

	d2, err := Open("/db", &Options{FS: fs})
	require.NoError(t, err)
	defer d2.Close()
	for i := 0; i < n; i++ {
		v, err := d2.Get([]byte(fmt.Sprintf("k%04d", i)), nil)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("v%04d", i), string(v))
	}
}

func TestIteratorStability(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%03d", i)), []byte("original"), nil))
	}

	it, err := d.NewIter(nil)
	require.NoError(t, err)

	// Overwrite and delete concurrently with the scan.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			k := []byte(fmt.Sprintf("k%03d", i%n))
			if i%3 == 0 {
				_ = d.Delete(k, nil)
			} else {
				_ = d.Set(k, []byte("mutated"), nil)
			}
		}
	}()

	count := 0
	for ok := it.First(); ok; ok = it.Next() {
		require.Equal(t, "original", string(it.Value()))
		count++
	}
	require.NoError(t, it.Error())
	require.Equal(t, n, count)
	require.NoError(t, it.Close())
	<-done
}

func TestIteratorForwardReverse(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	keys := []string{"a", "b", "c", "d", "e"}
	for i, k := range keys {
		require.NoError(t, d.Set([]byte(k), []byte(fmt.Sprintf("v%d", i)), nil))
	}
	// A deleted key and an overwritten key.
	require.NoError(t, d.Delete([]byte("c"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("B"), nil))

	it, err := d.NewIter(nil)
	require.NoError(t, err)
	defer it.Close()

	var fwd []string
	for ok := it.First(); ok; ok = it.Next() {
		fwd = append(fwd, string(it.Key())+"="+string(it.Value()))
	}
	require.Equal(t, []string{"a=v0", "b=B", "d=v3", "e=v4"}, fwd)

	var rev []string
	for ok := it.Last(); ok; ok = it.Prev() {
		rev = append(rev, string(it.Key()))
	}
	require.Equal(t, []string{"e", "d", "b", "a"}, rev)

	// Mixed directions around a deleted key.
	require.True(t, it.SeekGE([]byte("c")))
	require.Equal(t, "d", string(it.Key()))
	require.True(t, it.Prev())
	require.Equal(t, "b", string(it.Key()))
	require.True(t, it.Next())
	require.Equal(t, "d", string(it.Key()))
}

func TestIteratorSnapshot(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	require.NoError(t, d.Set([]byte("a"), []byte("1"), nil))
	require.NoError(t, d.Set([]byte("b"), []byte("2"), nil))
	snap := d.NewSnapshot()
	defer snap.Close()
	require.NoError(t, d.Delete([]byte("a"), nil))
	require.NoError(t, d.Set([]byte("c"), []byte("3"), nil))

	it, err := snap.NewIter()
	require.NoError(t, err)
	defer it.Close()
	var got []string
	for ok := it.First(); ok; ok = it.Next() {
		got = append(got, string(it.Key()))
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestGroupCommit(t *testing.T) {
	d, _ := newTestDB(t, nil)
	defer d.Close()

	const writers = 8
	const perWriter = 64

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				k := []byte(fmt.Sprintf("w%02d-%04d", w, i))
				if err := d.Set(k, k, nil); err != nil {
					t.Errorf("set %s: %v", k, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			k := []byte(fmt.Sprintf("w%02d-%04d", w, i))
			v, err := d.Get(k, nil)
			require.NoError(t, err)
			require.Equal(t, k, v)
		}
	}

	// Every operation consumed exactly one sequence number.
	d.mu.Lock()
	seq := d.versions.lastSequence
	d.mu.Unlock()
	require.Equal(t, base.SeqNum(writers*perWriter), seq)
}

func TestOpenOptions(t *testing.T) {
	fs := vfs.NewMem()
	_, err := Open("/db", &Options{FS: fs, ErrorIfDBDoesNotExist: true})
	require.Error(t, err)

	d, err := Open("/db", &Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, d.Close())

	_, err = Open("/db", &Options{FS: fs, ErrorIfDBExists: true})
	require.Error(t, err)

	d, err = Open("/db", &Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, d.Close())
}

func TestComparerNameMismatch(t *testing.T) {
	fs := vfs.NewMem()
	d, err := Open("/db", &Options{FS: fs})
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("k"), []byte("v"), nil))
	require.NoError(t, d.Close())

	weird := &Comparer{
		Compare:   DefaultComparer.Compare,
		Equal:     DefaultComparer.Equal,
		Separator: DefaultComparer.Separator,
		Successor: DefaultComparer.Successor,
		Name:      "cobble.SomeOtherComparator",
	}
	_, err = Open("/db", &Options{FS: fs, Comparer: weird})
	require.Error(t, err)
}

func TestSnapshotPinsCompactionInputs(t *testing.T) {
	d, _ := newTestDB(t, &Options{WriteBufferSize: 8 << 10})
	defer d.Close()

	require.NoError(t, d.Set([]byte("pinned"), []byte("v1"), nil))
	snap := d.NewSnapshot()
	defer snap.Close()

	// Overwrite the key many times and compact everything. The snapshot
	// must still observe v1 afterwards.
	for i := 0; i < 1000; i++ {
		require.NoError(t, d.Set([]byte("pinned"), []byte(fmt.Sprintf("v%d", i+2)), nil))
		require.NoError(t, d.Set([]byte(fmt.Sprintf("filler%04d", i)), make([]byte, 256), nil))
	}
	require.NoError(t, d.CompactRange(nil, nil))

	v, err := snap.Get([]byte("pinned"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), v)

	v, err = d.Get([]byte("pinned"), nil)
	require.NoError(t, err)
	require.Equal(t, []byte("v1001"), v)
}
