// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
)

// mergingIter is a k-way merge over its input iterators, surfacing all of
// their entries in internal key order. Children are ordered newest source
// first; internal keys are unique across sources (every mutation has its own
// sequence number), so ties cannot occur.
//
// The iterator maintains a direction. Switching direction requires
// re-seeking every child, as only the current child is positioned at the
// current key.
type mergingIter struct {
	cmp   base.Compare
	iters []base.InternalIterator
	// current is the child positioned at the merged iterator's current
	// entry, or nil if the iterator is not positioned.
	current base.InternalIterator
	dir     int // +1 forward, -1 reverse, 0 unpositioned
	err     error
}

// mergingIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*mergingIter)(nil)

func newMergingIter(cmp base.Compare, iters ...base.InternalIterator) *mergingIter {
	return &mergingIter{
		cmp:   cmp,
		iters: iters,
	}
}

func (m *mergingIter) icmp(a, b base.InternalKey) int {
	return base.InternalCompare(m.cmp, a, b)
}

// findSmallest positions current at the child with the smallest current key.
func (m *mergingIter) findSmallest() {
	m.current = nil
	for _, it := range m.iters {
		if !it.Valid() {
			continue
		}
		if m.current == nil || m.icmp(it.Key(), m.current.Key()) < 0 {
			m.current = it
		}
	}
}

// findLargest positions current at the child with the largest current key.
func (m *mergingIter) findLargest() {
	m.current = nil
	for _, it := range m.iters {
		if !it.Valid() {
			continue
		}
		if m.current == nil || m.icmp(it.Key(), m.current.Key()) > 0 {
			m.current = it
		}
	}
}

// SeekGE implements base.InternalIterator.
func (m *mergingIter) SeekGE(key base.InternalKey) {
	for _, it := range m.iters {
		it.SeekGE(key)
	}
	m.findSmallest()
	m.dir = 1
}

// First implements base.InternalIterator.
func (m *mergingIter) First() {
	for _, it := range m.iters {
		it.First()
	}
	m.findSmallest()
	m.dir = 1
}

// Last implements base.InternalIterator.
func (m *mergingIter) Last() {
	for _, it := range m.iters {
		it.Last()
	}
	m.findLargest()
	m.dir = -1
}

// Next implements base.InternalIterator.
func (m *mergingIter) Next() bool {
	if m.current == nil {
		return false
	}
	if m.dir != 1 {
		// Ensure that all children are positioned after key. If we are
		// moving in the forward direction, it is already true for all
		// children except current (which is the largest child and points to
		// the current entry).
		key := m.current.Key()
		for _, it := range m.iters {
			if it == m.current {
				continue
			}
			it.SeekGE(key)
			if it.Valid() && m.icmp(key, it.Key()) == 0 {
				it.Next()
			}
		}
		m.dir = 1
	}
	m.current.Next()
	m.findSmallest()
	return m.current != nil
}

// Prev implements base.InternalIterator.
func (m *mergingIter) Prev() bool {
	if m.current == nil {
		return false
	}
	if m.dir != -1 {
		// Ensure that all children are positioned before key. If we are
		// moving in the reverse direction, it is already true for all
		// children except current (which is the smallest child and points to
		// the current entry).
		key := m.current.Key()
		for _, it := range m.iters {
			if it == m.current {
				continue
			}
			it.SeekGE(key)
			if it.Valid() {
				// The child is at the first entry >= key. Step back once to
				// be strictly before key.
				it.Prev()
			} else {
				// The child has no entries >= key. Position it at the last
				// entry.
				it.Last()
			}
		}
		m.dir = -1
	}
	m.current.Prev()
	m.findLargest()
	return m.current != nil
}

// Key implements base.InternalIterator.
func (m *mergingIter) Key() base.InternalKey {
	return m.current.Key()
}

// Value implements base.InternalIterator.
func (m *mergingIter) Value() []byte {
	return m.current.Value()
}

// Valid implements base.InternalIterator.
func (m *mergingIter) Valid() bool {
	return m.current != nil && m.current.Valid()
}

// Error implements base.InternalIterator.
func (m *mergingIter) Error() error {
	if m.err != nil {
		return m.err
	}
	for _, it := range m.iters {
		if err := it.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Close implements base.InternalIterator.
func (m *mergingIter) Close() error {
	for _, it := range m.iters {
		m.err = firstError(m.err, it.Close())
	}
	m.iters = nil
	m.current = nil
	return m.err
}
