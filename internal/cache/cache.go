// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cache implements the block cache: a sharded LRU over decompressed
// data blocks, keyed by (file number, file offset).
//
// Values are immutable byte slices. A lookup returns the cached slice
// directly; the garbage collector keeps the block alive for as long as any
// caller retains it, so eviction never invalidates an outstanding reference.
package cache

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cobbledb/cobble/internal/base"
)

const numShards = 16

// key identifies a cached block.
type key struct {
	fileNum base.FileNum
	offset  uint64
}

// entry is a cache entry in a shard's LRU list. The list is circular with a
// dummy root node, newest entries at the front.
type entry struct {
	key        key
	value      []byte
	charge     int64
	next, prev *entry
}

type shard struct {
	mu sync.Mutex

	maxCharge int64
	charge    int64
	blocks    map[key]*entry
	root      entry
}

func (s *shard) init(maxCharge int64) {
	s.maxCharge = maxCharge
	s.blocks = make(map[key]*entry)
	s.root.next = &s.root
	s.root.prev = &s.root
}

// unlink removes e from the LRU list.
func (s *shard) unlink(e *entry) {
	e.next.prev = e.prev
	e.prev.next = e.next
}

// pushFront inserts e at the front of the LRU list.
func (s *shard) pushFront(e *entry) {
	e.next = s.root.next
	e.prev = &s.root
	e.next.prev = e
	e.prev.next = e
}

func (s *shard) get(k key) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.blocks[k]
	if e == nil {
		return nil, false
	}
	s.unlink(e)
	s.pushFront(e)
	return e.value, true
}

func (s *shard) set(k key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.blocks[k]
	if e != nil {
		s.charge += int64(len(value)) - e.charge
		e.value = value
		e.charge = int64(len(value))
		s.unlink(e)
		s.pushFront(e)
	} else {
		e = &entry{key: k, value: value, charge: int64(len(value))}
		s.blocks[k] = e
		s.pushFront(e)
		s.charge += e.charge
	}
	// Evict from the back until we're under the bound. The entry just
	// inserted is at the front and is never evicted here, even if it alone
	// exceeds the bound.
	for s.charge > s.maxCharge {
		tail := s.root.prev
		if tail == &s.root || tail == e {
			break
		}
		s.unlink(tail)
		delete(s.blocks, tail.key)
		s.charge -= tail.charge
	}
}

func (s *shard) delete(k key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.blocks[k]; e != nil {
		s.unlink(e)
		delete(s.blocks, k)
		s.charge -= e.charge
	}
}

func (s *shard) evictFile(fileNum base.FileNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.root.next; e != &s.root; {
		next := e.next
		if e.key.fileNum == fileNum {
			s.unlink(e)
			delete(s.blocks, e.key)
			s.charge -= e.charge
		}
		e = next
	}
}

func (s *shard) size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charge
}

// Cache is a sharded LRU of decompressed blocks. It is safe for concurrent
// use by multiple goroutines.
type Cache struct {
	maxCharge int64
	shards    [numShards]shard
}

// New constructs a cache bounding the total charge of cached blocks to
// approximately maxCharge bytes.
func New(maxCharge int64) *Cache {
	c := &Cache{maxCharge: maxCharge}
	for i := range c.shards {
		c.shards[i].init(maxCharge / numShards)
	}
	return c
}

func (c *Cache) shard(k key) *shard {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(k.fileNum))
	binary.LittleEndian.PutUint64(buf[8:], k.offset)
	return &c.shards[xxhash.Sum64(buf[:])%numShards]
}

// Get returns the cached block for the given file number and offset, or nil
// if the block is not present.
func (c *Cache) Get(fileNum base.FileNum, offset uint64) []byte {
	k := key{fileNum, offset}
	if v, ok := c.shard(k).get(k); ok {
		return v
	}
	return nil
}

// Set inserts the block, evicting least-recently-used blocks as needed to
// respect the cache bound. The cache takes ownership of value; callers must
// not mutate it afterwards.
func (c *Cache) Set(fileNum base.FileNum, offset uint64, value []byte) {
	k := key{fileNum, offset}
	c.shard(k).set(k, value)
}

// Delete removes the block, if cached.
func (c *Cache) Delete(fileNum base.FileNum, offset uint64) {
	k := key{fileNum, offset}
	c.shard(k).delete(k)
}

// EvictFile removes all cached blocks of the given file. It is called when
// an obsolete table is deleted.
func (c *Cache) EvictFile(fileNum base.FileNum) {
	for i := range c.shards {
		c.shards[i].evictFile(fileNum)
	}
}

// Size returns the total charge of cached blocks.
func (c *Cache) Size() int64 {
	var n int64
	for i := range c.shards {
		n += c.shards[i].size()
	}
	return n
}

// MaxSize returns the configured bound on the total charge.
func (c *Cache) MaxSize() int64 {
	return c.maxCharge
}
