// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
)

// Iterator iterates over a DB's key/value pairs in key order, at a fixed
// sequence number. Tombstones shadow older writes; only the newest visible
// version of each user key is surfaced.
//
// An iterator must be closed after use. It is not goroutine-safe, but it is
// safe to use multiple iterators concurrently, with each in a dedicated
// goroutine.
type Iterator struct {
	cmp    base.Compare
	iter   base.InternalIterator
	seqNum base.SeqNum

	// dir is the direction of iteration: +1 forward, -1 reverse.
	// In the forward direction, iter is positioned at the internal entry
	// yielded to the user. In the reverse direction, iter is positioned
	// before the group of internal entries for the yielded user key, whose
	// key and value are saved in keyBuf/valueBuf.
	dir      int
	keyBuf   []byte
	valueBuf []byte
	valid    bool
	err      error

	// onClose releases the version pinned by the iterator. It may be nil in
	// tests.
	onClose func() error
	closed  bool
}

// First moves the iterator to the first key/value pair and reports whether
// the iterator is positioned on one.
func (i *Iterator) First() bool {
	if i.err != nil {
		return false
	}
	i.dir = 1
	i.iter.First()
	return i.findNextEntry(nil)
}

// Last moves the iterator to the last key/value pair.
func (i *Iterator) Last() bool {
	if i.err != nil {
		return false
	}
	i.dir = -1
	i.iter.Last()
	return i.findPrevEntry()
}

// SeekGE moves the iterator to the first key/value pair whose key is greater
// than or equal to the given user key.
func (i *Iterator) SeekGE(key []byte) bool {
	if i.err != nil {
		return false
	}
	i.dir = 1
	// Seek to the first internal entry for key visible at our sequence
	// number: entries with larger sequence numbers sort earlier and are
	// skipped by the seek itself.
	i.iter.SeekGE(base.MakeInternalKey(key, i.seqNum, base.InternalKeyKindMax))
	return i.findNextEntry(nil)
}

// Next moves the iterator to the next key/value pair.
func (i *Iterator) Next() bool {
	if i.err != nil || !i.valid {
		return false
	}
	if i.dir == -1 {
		// iter is positioned before the entries for the current key. Advance
		// to the first entry at or after it, then step past the current key.
		i.dir = 1
		if !i.iter.Valid() {
			i.iter.First()
		} else {
			i.iter.Next()
		}
		if !i.iter.Valid() {
			i.valid = false
			return false
		}
		return i.findNextEntry(i.keyBuf)
	}
	skip := append([]byte(nil), i.keyBuf...)
	i.iter.Next()
	return i.findNextEntry(skip)
}

// Prev moves the iterator to the previous key/value pair.
func (i *Iterator) Prev() bool {
	if i.err != nil || !i.valid {
		return false
	}
	if i.dir == 1 {
		// iter is positioned at the entry yielded for the current key. Scan
		// backwards until the user key changes, so that findPrevEntry sees
		// only older user keys.
		i.dir = -1
		saved := append([]byte(nil), i.keyBuf...)
		for {
			if !i.iter.Prev() {
				i.valid = false
				i.keyBuf = i.keyBuf[:0]
				i.valueBuf = i.valueBuf[:0]
				return false
			}
			if i.cmp(i.iter.Key().UserKey, saved) < 0 {
				break
			}
		}
	}
	return i.findPrevEntry()
}

// findNextEntry scans forward from the internal iterator's position for the
// newest visible, non-deleted entry. If skip is non-nil, entries for that
// user key are passed over (they have already been yielded or shadowed).
func (i *Iterator) findNextEntry(skip []byte) bool {
	skipping := skip != nil
	if skipping {
		// The skip key may alias keyBuf, which is about to be overwritten.
		skip = append([]byte(nil), skip...)
	}
	for i.iter.Valid() {
		ikey := i.iter.Key()
		if !ikey.Valid() {
			i.err = base.CorruptionErrorf("cobble: corrupt internal key in iteration")
			i.valid = false
			return false
		}
		if ikey.SeqNum() <= i.seqNum {
			switch ikey.Kind() {
			case base.InternalKeyKindDelete:
				// Arrange to skip all upcoming entries for this user key
				// since they are hidden by this deletion.
				skip = append(skip[:0], ikey.UserKey...)
				skipping = true
			case base.InternalKeyKindSet:
				if skipping && i.cmp(ikey.UserKey, skip) <= 0 {
					// Entry hidden by a newer deletion or already yielded.
					break
				}
				i.keyBuf = append(i.keyBuf[:0], ikey.UserKey...)
				i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
				i.valid = true
				return true
			}
		}
		i.iter.Next()
	}
	i.valid = false
	if err := i.iter.Error(); err != nil {
		i.err = err
	}
	return false
}

// findPrevEntry scans backwards for the newest visible, non-deleted entry of
// the largest user key before the internal iterator's position (inclusive).
// On success, the internal iterator ends up positioned before that key's
// group of entries.
func (i *Iterator) findPrevEntry() bool {
	valueType := base.InternalKeyKindDelete
	i.keyBuf = i.keyBuf[:0]
	i.valueBuf = i.valueBuf[:0]
	for i.iter.Valid() {
		ikey := i.iter.Key()
		if !ikey.Valid() {
			i.err = base.CorruptionErrorf("cobble: corrupt internal key in iteration")
			i.valid = false
			return false
		}
		if ikey.SeqNum() <= i.seqNum {
			if valueType != base.InternalKeyKindDelete && i.cmp(ikey.UserKey, i.keyBuf) < 0 {
				// We encountered a non-deleted value for the key we are
				// yielding, and have now stepped before its entry group.
				break
			}
			valueType = ikey.Kind()
			if valueType == base.InternalKeyKindDelete {
				i.keyBuf = i.keyBuf[:0]
				i.valueBuf = i.valueBuf[:0]
			} else {
				i.keyBuf = append(i.keyBuf[:0], ikey.UserKey...)
				i.valueBuf = append(i.valueBuf[:0], i.iter.Value()...)
			}
		}
		if !i.iter.Prev() {
			break
		}
	}
	if valueType == base.InternalKeyKindDelete {
		i.valid = false
		if err := i.iter.Error(); err != nil {
			i.err = err
		}
		return false
	}
	i.valid = true
	return true
}

// Key returns the key of the current key/value pair, or nil if done. The
// caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next or Prev.
func (i *Iterator) Key() []byte {
	if !i.valid {
		return nil
	}
	return i.keyBuf
}

// Value returns the value of the current key/value pair, or nil if done.
// The caller should not modify the contents of the returned slice, and its
// contents may change on the next call to Next or Prev.
func (i *Iterator) Value() []byte {
	if !i.valid {
		return nil
	}
	return i.valueBuf
}

// Valid reports whether the iterator is positioned on a key/value pair.
func (i *Iterator) Valid() bool {
	return i.valid
}

// Error returns any accumulated error.
func (i *Iterator) Error() error {
	return i.err
}

// Close closes the iterator and returns any accumulated error, releasing
// the version and memtables the iterator pinned. It is valid to call Close
// multiple times.
func (i *Iterator) Close() error {
	if i.closed {
		return i.err
	}
	i.closed = true
	i.valid = false
	if i.iter != nil {
		i.err = firstError(i.err, i.iter.Close())
	}
	if i.onClose != nil {
		i.err = firstError(i.err, i.onClose())
	}
	return i.err
}
