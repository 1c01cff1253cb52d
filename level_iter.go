// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
)

// levelIter iterates over the files of a level >= 1: a sorted run of
// non-overlapping tables. It is a two-level iterator, positioning itself
// over the file list and lazily opening a table iterator for the current
// file through the table cache.
type levelIter struct {
	icmp  func(a, b base.InternalKey) int
	tc    *tableCache
	files []*fileMetadata
	// index is the position in files, or -1 / len(files) when exhausted at
	// either end.
	index int
	iter  base.InternalIterator
	err   error
}

// levelIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*levelIter)(nil)

func newLevelIter(
	icmp func(a, b base.InternalKey) int, tc *tableCache, files []*fileMetadata,
) *levelIter {
	return &levelIter{
		icmp:  icmp,
		tc:    tc,
		files: files,
		index: -1,
	}
}

// loadFile opens the table at l.index, closing any previous table iterator.
func (l *levelIter) loadFile() bool {
	if l.iter != nil {
		l.err = firstError(l.err, l.iter.Close())
		l.iter = nil
	}
	if l.err != nil || l.index < 0 || l.index >= len(l.files) {
		return false
	}
	iter, err := l.tc.newIter(l.files[l.index].fileNum)
	if err != nil {
		l.err = err
		return false
	}
	l.iter = iter
	return true
}

// SeekGE implements base.InternalIterator.
func (l *levelIter) SeekGE(key base.InternalKey) {
	// Find the first file whose largest key is >= the sought key. Earlier
	// files end before the key; later files start after it.
	lo, hi := 0, len(l.files)
	for lo < hi {
		mid := (lo + hi) / 2
		if l.icmp(l.files[mid].largest, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	l.index = lo
	if !l.loadFile() {
		return
	}
	l.iter.SeekGE(key)
	for !l.iter.Valid() {
		l.index++
		if !l.loadFile() {
			return
		}
		l.iter.First()
	}
}

// First implements base.InternalIterator.
func (l *levelIter) First() {
	l.index = 0
	if !l.loadFile() {
		return
	}
	l.iter.First()
	for !l.iter.Valid() {
		l.index++
		if !l.loadFile() {
			return
		}
		l.iter.First()
	}
}

// Last implements base.InternalIterator.
func (l *levelIter) Last() {
	l.index = len(l.files) - 1
	if !l.loadFile() {
		return
	}
	l.iter.Last()
	for !l.iter.Valid() {
		l.index--
		if !l.loadFile() {
			return
		}
		l.iter.Last()
	}
}

// Next implements base.InternalIterator.
func (l *levelIter) Next() bool {
	if l.iter == nil {
		return false
	}
	if l.iter.Next() {
		return true
	}
	for {
		l.index++
		if !l.loadFile() {
			return false
		}
		if l.iter.First(); l.iter.Valid() {
			return true
		}
	}
}

// Prev implements base.InternalIterator.
func (l *levelIter) Prev() bool {
	if l.iter == nil {
		return false
	}
	if l.iter.Prev() {
		return true
	}
	for {
		l.index--
		if !l.loadFile() {
			return false
		}
		if l.iter.Last(); l.iter.Valid() {
			return true
		}
	}
}

// Key implements base.InternalIterator.
func (l *levelIter) Key() base.InternalKey {
	return l.iter.Key()
}

// Value implements base.InternalIterator.
func (l *levelIter) Value() []byte {
	return l.iter.Value()
}

// Valid implements base.InternalIterator.
func (l *levelIter) Valid() bool {
	return l.iter != nil && l.iter.Valid()
}

// Error implements base.InternalIterator.
func (l *levelIter) Error() error {
	if l.err != nil {
		return l.err
	}
	if l.iter != nil {
		return l.iter.Error()
	}
	return nil
}

// Close implements base.InternalIterator.
func (l *levelIter) Close() error {
	if l.iter != nil {
		l.err = firstError(l.err, l.iter.Close())
		l.iter = nil
	}
	return l.err
}
