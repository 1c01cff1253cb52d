// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
)

// Snapshot provides a read-only point-in-time view of the DB state: a
// retained sequence number. While a snapshot is open, compaction will not
// drop entries at or below its sequence number that its reads could still
// observe.
type Snapshot struct {
	db     *DB
	seqNum base.SeqNum

	// The next/prev links for the snapshotList doubly-linked list of
	// snapshots.
	prev, next *Snapshot
}

// Get gets the value for the given key at the snapshot's sequence number.
// It returns ErrNotFound if the snapshot does not contain the key.
func (s *Snapshot) Get(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db.getInternal(key, s)
}

// NewIter returns an iterator over the snapshot's view of the DB.
func (s *Snapshot) NewIter() (*Iterator, error) {
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db.newIter(s)
}

// SeqNum returns the sequence number the snapshot pins.
func (s *Snapshot) SeqNum() base.SeqNum {
	return s.seqNum
}

// Close releases the snapshot, allowing compaction to reclaim entries it
// pinned. Close must be called; a forgotten snapshot pins obsolete entries
// on disk indefinitely.
func (s *Snapshot) Close() error {
	db := s.db
	if db == nil {
		return ErrClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapshots.remove(s)
	s.db = nil
	return nil
}

// snapshotList is a doubly-linked list of open snapshots, oldest first.
type snapshotList struct {
	root Snapshot
}

func (l *snapshotList) init() {
	l.root.next = &l.root
	l.root.prev = &l.root
}

func (l *snapshotList) empty() bool {
	return l.root.next == &l.root
}

// earliest returns the smallest sequence number of any open snapshot, or
// SeqNumMax if there are none.
func (l *snapshotList) earliest() base.SeqNum {
	v := base.SeqNumMax
	if !l.empty() {
		v = l.root.next.seqNum
	}
	return v
}

// pushBack appends the snapshot. Sequence numbers are monotonic, so the list
// stays sorted oldest first.
func (l *snapshotList) pushBack(s *Snapshot) {
	if s.list() != nil {
		panic("cobble: snapshot list is inconsistent")
	}
	s.prev = l.root.prev
	s.prev.next = s
	s.next = &l.root
	l.root.prev = s
}

func (l *snapshotList) remove(s *Snapshot) {
	if s == &l.root {
		panic("cobble: cannot remove snapshot list root node")
	}
	s.prev.next = s.next
	s.next.prev = s.prev
	s.prev = nil
	s.next = nil
}

func (s *Snapshot) list() *Snapshot {
	if s.prev == nil {
		return nil
	}
	return s
}
