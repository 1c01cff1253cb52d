// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package memtable

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

func ikey(ukey string, seq base.SeqNum, kind base.InternalKeyKind) base.InternalKey {
	return base.MakeInternalKey([]byte(ukey), seq, kind)
}

func TestAddGet(t *testing.T) {
	m := New(bytes.Compare)
	m.Add(ikey("apple", 1, base.InternalKeyKindSet), []byte("red"))
	m.Add(ikey("banana", 2, base.InternalKeyKindSet), []byte("yellow"))
	m.Add(ikey("apple", 3, base.InternalKeyKindDelete), nil)
	m.Add(ikey("cherry", 4, base.InternalKeyKindSet), []byte("dark red"))

	require.Equal(t, 4, m.Count())
	require.False(t, m.Empty())

	// At sequence 4, apple's newest entry is the tombstone.
	k, _, ok := m.Get(base.MakeInternalKey([]byte("apple"), 4, base.InternalKeyKindMax))
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindDelete, k.Kind())
	require.Equal(t, base.SeqNum(3), k.SeqNum())

	// At sequence 2, the tombstone is invisible and the value shows.
	k, v, ok := m.Get(base.MakeInternalKey([]byte("apple"), 2, base.InternalKeyKindMax))
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindSet, k.Kind())
	require.Equal(t, []byte("red"), v)

	_, _, ok = m.Get(base.MakeInternalKey([]byte("durian"), 10, base.InternalKeyKindMax))
	require.False(t, ok)
}

func TestEmptyMemTable(t *testing.T) {
	m := New(bytes.Compare)
	require.True(t, m.Empty())
	require.Equal(t, 0, m.Count())

	it := m.NewIter()
	it.First()
	require.False(t, it.Valid())
	it.Last()
	require.False(t, it.Valid())
	it.SeekGE(ikey("a", 1, base.InternalKeyKindSet))
	require.False(t, it.Valid())
}

func TestIterator(t *testing.T) {
	m := New(bytes.Compare)
	var want []string
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("k%05d", i)
		m.Add(ikey(k, base.SeqNum(i+1), base.InternalKeyKindSet), []byte(fmt.Sprintf("v%d", i)))
		want = append(want, k)
	}

	it := m.NewIter()
	var got []string
	for it.First(); it.Valid(); {
		got = append(got, string(it.Key().UserKey))
		if !it.Next() {
			break
		}
	}
	require.Equal(t, want, got)

	// Reverse scan yields the reverse sequence.
	got = got[:0]
	for it.Last(); it.Valid(); {
		got = append(got, string(it.Key().UserKey))
		if !it.Prev() {
			break
		}
	}
	require.Equal(t, len(want), len(got))
	for i := range want {
		require.Equal(t, want[i], got[len(got)-1-i])
	}

	// SeekGE lands on the first entry at or after the sought key.
	it.SeekGE(base.MakeInternalKey([]byte("k00050"), base.SeqNumMax, base.InternalKeyKindMax))
	require.True(t, it.Valid())
	require.Equal(t, "k00050", string(it.Key().UserKey))

	it.SeekGE(base.MakeInternalKey([]byte("k000505"), base.SeqNumMax, base.InternalKeyKindMax))
	require.True(t, it.Valid())
	require.Equal(t, "k00051", string(it.Key().UserKey))

	it.SeekGE(base.MakeInternalKey([]byte("z"), base.SeqNumMax, base.InternalKeyKindMax))
	require.False(t, it.Valid())
}

func TestInternalKeyOrdering(t *testing.T) {
	// Multiple entries for one user key surface newest (highest sequence)
	// first.
	m := New(bytes.Compare)
	m.Add(ikey("k", 1, base.InternalKeyKindSet), []byte("v1"))
	m.Add(ikey("k", 3, base.InternalKeyKindSet), []byte("v3"))
	m.Add(ikey("k", 2, base.InternalKeyKindSet), []byte("v2"))

	it := m.NewIter()
	var seqs []base.SeqNum
	for it.First(); it.Valid(); {
		seqs = append(seqs, it.Key().SeqNum())
		if !it.Next() {
			break
		}
	}
	require.Equal(t, []base.SeqNum{3, 2, 1}, seqs)
}

func TestApproximateMemoryUsage(t *testing.T) {
	m := New(bytes.Compare)
	require.Equal(t, 1, m.ApproximateMemoryUsage())
	m.Add(ikey("hello", 1, base.InternalKeyKindSet), []byte("world"))
	usage := m.ApproximateMemoryUsage()
	require.Greater(t, usage, len("hello")+len("world"))
	m.Add(ikey("hello", 2, base.InternalKeyKindSet), []byte("world!"))
	require.Greater(t, m.ApproximateMemoryUsage(), usage)
}

func TestConcurrentReaders(t *testing.T) {
	// One writer, several readers. The readers must observe a prefix of the
	// writer's insertions in sorted order.
	m := New(bytes.Compare)
	const n = 1000

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(seed uint64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				it := m.NewIter()
				prev := base.InternalKey{}
				count := 0
				for it.First(); it.Valid(); {
					k := it.Key()
					if count > 0 && base.InternalCompare(bytes.Compare, prev, k) >= 0 {
						t.Errorf("out of order: %s then %s", prev, k)
						return
					}
					prev = k.Clone()
					count++
					if !it.Next() {
						break
					}
				}
				_ = rng.Uint64()
			}
		}(uint64(r + 1))
	}

	for i := 0; i < n; i++ {
		m.Add(ikey(fmt.Sprintf("k%06d", i*7919%n), base.SeqNum(i+1), base.InternalKeyKindSet), []byte("v"))
	}
	wg.Wait()
}
