// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package memtable provides a memory-backed sorted map of internal keys to
// values, implemented as a skiplist over an append-only arena.
//
// A MemTable's memory consumption increases monotonically, even if keys are
// overwritten: every mutation inserts a new internal key. Callers are
// responsible for compacting a MemTable into an on-disk table when
// appropriate. The arena is freed as a whole when the MemTable becomes
// garbage.
//
// It is safe to call Add from one goroutine concurrently with any number of
// goroutines reading via Get or iterators.
package memtable

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cobbledb/cobble/internal/base"
	"golang.org/x/exp/rand"
)

const (
	// maxHeight is the maximum height of a MemTable's skiplist.
	maxHeight = 12

	// Nodes hold offsets into a MemTable's arena that stores varint-prefixed
	// strings: the node's key and value. A zero offset means a zero-length
	// string: offset 0 of the arena is reserved so that real allocations are
	// always non-zero.
	zeroOffset = 0
)

// node is a node in a skiplist. It holds a key/value pair (as offsets into
// the arena) and a variable-length list of next nodes.
type node struct {
	// kOff is the arena offset of the node's encoded internal key.
	kOff int
	// vOff is the arena offset of the node's value.
	vOff int
	// next[i] is the next node in the linked list at height i.
	next [maxHeight]*node
}

// MemTable is a memory-backed ordered map from internal keys to values.
type MemTable struct {
	cmp base.Compare

	// mu protects height, the skiplist links and the arena. Readers take the
	// read lock; the single writer takes the write lock.
	mu sync.RWMutex
	// head is an artificial node that holds the start of each level of the
	// skiplist.
	head node
	// height is the number of levels in use, which can increase over time.
	height int
	// arena is an append-only buffer that holds varint-prefixed strings.
	arena []byte
	// count is the number of entries.
	count int
	// size mirrors len(arena) for lock-free ApproximateMemoryUsage calls.
	size atomic.Int64

	rng *rand.Rand
}

// memTableSeq seeds each MemTable's level generator. The skiplist only needs
// a non-adversarial level distribution, not unpredictability.
var memTableSeq atomic.Uint64

// New returns a new, empty MemTable using the supplied key comparison.
func New(cmp base.Compare) *MemTable {
	m := &MemTable{
		cmp:    cmp,
		height: 1,
		arena:  make([]byte, 1, 4096),
		rng:    rand.New(rand.NewSource(memTableSeq.Add(1) * 0x9e3779b97f4a7c15)),
	}
	m.size.Store(int64(len(m.arena)))
	return m
}

// load loads a []byte from the arena.
func (m *MemTable) load(offset int) []byte {
	if offset == zeroOffset {
		return nil
	}
	n, w := binary.Uvarint(m.arena[offset:])
	return m.arena[offset+w : offset+w+int(n) : offset+w+int(n)]
}

// save saves a []byte to the arena.
func (m *MemTable) save(b []byte) (offset int) {
	if len(b) == 0 {
		return zeroOffset
	}
	offset = len(m.arena)
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], uint64(len(b)))
	m.arena = append(m.arena, buf[:n]...)
	m.arena = append(m.arena, b...)
	return offset
}

func (m *MemTable) keyAt(n *node) base.InternalKey {
	return base.DecodeInternalKey(m.load(n.kOff))
}

// findGE returns the first node n whose key is >= the given key (or nil if
// there is no such node). The comparison is the internal key ordering.
//
// If prev is non-nil, it also sets the first m.height elements of prev to
// the preceding node at each height.
//
// m.mu must be held (for reading or writing).
func (m *MemTable) findGE(key base.InternalKey, prev *[maxHeight]*node) *node {
	var n *node
	for h, p := m.height-1, &m.head; h >= 0; h-- {
		// Walk the skiplist at height h until we find either a nil node or
		// one whose key is >= the given key.
		n = p.next[h]
		for n != nil && base.InternalCompare(m.cmp, m.keyAt(n), key) < 0 {
			p, n = n, n.next[h]
		}
		if prev != nil {
			(*prev)[h] = p
		}
	}
	return n
}

// findLT returns the last node whose key is < the given key, or nil if no
// such node exists.
//
// m.mu must be held (for reading or writing).
func (m *MemTable) findLT(key base.InternalKey) *node {
	p := &m.head
	for h := m.height - 1; h >= 0; h-- {
		n := p.next[h]
		for n != nil && base.InternalCompare(m.cmp, m.keyAt(n), key) < 0 {
			p, n = n, n.next[h]
		}
	}
	if p == &m.head {
		return nil
	}
	return p
}

// findLast returns the last node in the skiplist, or nil if it is empty.
//
// m.mu must be held (for reading or writing).
func (m *MemTable) findLast() *node {
	p := &m.head
	for h := m.height - 1; h >= 0; h-- {
		for p.next[h] != nil {
			p = p.next[h]
		}
	}
	if p == &m.head {
		return nil
	}
	return p
}

// Add inserts the internal key and value. Duplicate internal keys (same user
// key, sequence number and kind) must not be added: every mutation to the DB
// occupies a fresh sequence number, so duplicates indicate a bug in the
// caller.
func (m *MemTable) Add(key base.InternalKey, value []byte) {
	keyBuf := make([]byte, key.Size())
	key.Encode(keyBuf)

	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [maxHeight]*node
	m.findGE(key, &prev)

	// Choose the new node's height, branching with 25% probability.
	h := 1
	for h < maxHeight && m.rng.Uint64()%4 == 0 {
		h++
	}
	// Raise the skiplist's height to the node's height, if necessary.
	if m.height < h {
		for i := m.height; i < h; i++ {
			prev[i] = &m.head
		}
		m.height = h
	}

	n := &node{
		kOff: m.save(keyBuf),
		vOff: m.save(value),
	}
	for i := 0; i < h; i++ {
		n.next[i] = prev[i].next[i]
		prev[i].next[i] = n
	}
	m.count++
	m.size.Store(int64(len(m.arena)))
}

// Get searches for the first entry at or after key in the internal key
// ordering. If such an entry exists and shares key's user key, it is
// returned along with true. The returned value slice points into the arena
// and remains valid for the lifetime of the MemTable.
func (m *MemTable) Get(key base.InternalKey) (base.InternalKey, []byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := m.findGE(key, nil)
	if n == nil {
		return base.InternalKey{}, nil, false
	}
	k := m.keyAt(n)
	if m.cmp(k.UserKey, key.UserKey) != 0 {
		return base.InternalKey{}, nil, false
	}
	return k, m.load(n.vOff), true
}

// Empty returns whether the MemTable has no entries.
func (m *MemTable) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.head.next[0] == nil
}

// Count returns the number of entries.
func (m *MemTable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// ApproximateMemoryUsage returns the approximate memory usage of the
// MemTable. It may be called without external synchronization.
func (m *MemTable) ApproximateMemoryUsage() int {
	return int(m.size.Load())
}

// NewIter returns an iterator over the MemTable. The iterator observes
// entries added after its creation; snapshot isolation is layered above via
// sequence numbers.
func (m *MemTable) NewIter() *Iterator {
	return &Iterator{m: m}
}

// Iterator is an iterator over a MemTable, positioned on an entry or
// invalid. It is not goroutine-safe, but distinct iterators may be used from
// distinct goroutines.
type Iterator struct {
	m *MemTable
	n *node
}

// Iterator implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iterator)(nil)

// Valid returns whether the iterator is positioned on an entry.
func (it *Iterator) Valid() bool {
	return it.n != nil
}

// SeekGE positions the iterator at the first entry whose internal key is >=
// the given key.
func (it *Iterator) SeekGE(key base.InternalKey) {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.m.findGE(key, nil)
}

// SeekLT positions the iterator at the last entry whose internal key is <
// the given key.
func (it *Iterator) SeekLT(key base.InternalKey) {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.m.findLT(key)
}

// First positions the iterator at the first entry.
func (it *Iterator) First() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.m.head.next[0]
}

// Last positions the iterator at the last entry.
func (it *Iterator) Last() {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.m.findLast()
}

// Next moves the iterator to the next entry.
func (it *Iterator) Next() bool {
	if it.n == nil {
		return false
	}
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.n.next[0]
	return it.n != nil
}

// Prev moves the iterator to the previous entry. The skiplist has no back
// links, so this re-seeks from the head, mirroring the C++ LevelDB
// skiplist's Prev.
func (it *Iterator) Prev() bool {
	if it.n == nil {
		return false
	}
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	it.n = it.m.findLT(it.m.keyAt(it.n))
	return it.n != nil
}

// Key returns the internal key of the current entry. The returned key points
// into the arena and remains valid for the lifetime of the MemTable.
func (it *Iterator) Key() base.InternalKey {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	return it.m.keyAt(it.n)
}

// Value returns the value of the current entry. The returned slice points
// into the arena and remains valid for the lifetime of the MemTable.
func (it *Iterator) Value() []byte {
	it.m.mu.RLock()
	defer it.m.mu.RUnlock()
	return it.m.load(it.n.vOff)
}

// Error implements base.InternalIterator; memtable iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

// Close implements base.InternalIterator.
func (it *Iterator) Close() error {
	it.n = nil
	return nil
}
