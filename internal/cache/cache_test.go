// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cache

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/stretchr/testify/require"
)

func TestCacheBasic(t *testing.T) {
	c := New(1 << 20)
	require.Nil(t, c.Get(1, 0))

	c.Set(1, 0, []byte("hello"))
	require.Equal(t, []byte("hello"), c.Get(1, 0))
	require.Nil(t, c.Get(1, 1))
	require.Nil(t, c.Get(2, 0))

	c.Set(1, 0, []byte("world"))
	require.Equal(t, []byte("world"), c.Get(1, 0))
	require.Equal(t, int64(5), c.Size())

	c.Delete(1, 0)
	require.Nil(t, c.Get(1, 0))
	require.Equal(t, int64(0), c.Size())
}

func TestCacheEviction(t *testing.T) {
	// A tiny cache: each shard gets 64 bytes of budget.
	c := New(64 * numShards)
	payload := bytes.Repeat([]byte("x"), 32)
	for i := 0; i < 1000; i++ {
		c.Set(base.FileNum(i), 0, payload)
	}
	// Every shard respects its bound.
	require.LessOrEqual(t, c.Size(), c.MaxSize())
	// Recently inserted entries survive; ancient ones were evicted.
	hits := 0
	for i := 0; i < 1000; i++ {
		if c.Get(base.FileNum(i), 0) != nil {
			hits++
		}
	}
	require.Greater(t, hits, 0)
	require.Less(t, hits, 1000)
}

func TestCacheLRUOrder(t *testing.T) {
	c := New(int64(numShards * 100))
	var sameShard []key
	// Find three keys that land in the same shard.
	s0 := c.shard(key{0, 0})
	for i := uint64(0); len(sameShard) < 3; i++ {
		k := key{base.FileNum(1), i}
		if c.shard(k) == s0 {
			sameShard = append(sameShard, k)
		}
	}
	payload := bytes.Repeat([]byte("y"), 40)
	for _, k := range sameShard[:2] {
		c.Set(k.fileNum, k.offset, payload)
	}
	// Touch the first key so the second becomes least recently used.
	require.NotNil(t, c.Get(sameShard[0].fileNum, sameShard[0].offset))
	// Inserting a third 40-byte entry exceeds the 100-byte shard budget and
	// must evict the second entry, not the recently used first.
	c.Set(sameShard[2].fileNum, sameShard[2].offset, payload)
	require.NotNil(t, c.Get(sameShard[0].fileNum, sameShard[0].offset))
	require.Nil(t, c.Get(sameShard[1].fileNum, sameShard[1].offset))
	require.NotNil(t, c.Get(sameShard[2].fileNum, sameShard[2].offset))
}

func TestCacheEvictFile(t *testing.T) {
	c := New(1 << 20)
	for off := uint64(0); off < 10; off++ {
		c.Set(7, off*4096, []byte("block"))
		c.Set(8, off*4096, []byte("block"))
	}
	c.EvictFile(7)
	for off := uint64(0); off < 10; off++ {
		require.Nil(t, c.Get(7, off*4096))
		require.NotNil(t, c.Get(8, off*4096))
	}
}

func TestCacheConcurrent(t *testing.T) {
	c := New(1 << 16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				fn := base.FileNum(i % 37)
				off := uint64(i % 61)
				if i%3 == 0 {
					c.Set(fn, off, []byte(fmt.Sprintf("%d/%d", fn, off)))
				} else if v := c.Get(fn, off); v != nil {
					if want := fmt.Sprintf("%d/%d", fn, off); string(v) != want {
						t.Errorf("got %q, want %q", v, want)
					}
				}
			}
		}(g)
	}
	wg.Wait()
	require.LessOrEqual(t, c.Size(), c.MaxSize())
}
