// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/memtable"
)

// memTable couples the in-memory sorted table with the number of the WAL
// file that records its contents. Batches are applied to the mutable
// memTable after they are appended to that WAL; when the memTable fills up
// it becomes immutable and is flushed to a level-0 table.
type memTable struct {
	mem *memtable.MemTable
	// logNum is the WAL holding this memtable's entries.
	logNum base.FileNum
}

func newMemTable(cmp base.Compare, logNum base.FileNum) *memTable {
	return &memTable{
		mem:    memtable.New(cmp),
		logNum: logNum,
	}
}

// apply inserts the batch's operations, assigning them the contiguous
// sequence number range starting at seqNum.
func (m *memTable) apply(b *Batch, seqNum base.SeqNum) error {
	for iter, n := b.iter(), b.count(); n > 0; n-- {
		kind, ukey, value, ok := iter.next()
		if !ok {
			return base.InvalidArgumentErrorf("cobble: invalid batch")
		}
		m.mem.Add(base.MakeInternalKey(ukey, seqNum, kind), value)
		seqNum++
	}
	return nil
}

// get looks up the user key at or below the supplied sequence number.
// Conclusive is true if this memtable determines the result: either a live
// value or a tombstone for the key.
func (m *memTable) get(key []byte, seqNum base.SeqNum) (value []byte, conclusive bool, err error) {
	ikey, v, ok := m.mem.Get(base.MakeInternalKey(key, seqNum, base.InternalKeyKindMax))
	if !ok {
		return nil, false, nil
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		return nil, true, ErrNotFound
	}
	return v, true, nil
}

func (m *memTable) newIter() base.InternalIterator {
	return m.mem.NewIter()
}

func (m *memTable) approximateMemoryUsage() int {
	return m.mem.ApproximateMemoryUsage()
}

func (m *memTable) empty() bool {
	return m.mem.Empty()
}
