// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"sort"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cockroachdb/errors"
)

// blockWriter accumulates a sorted sequence of prefix-compressed key/value
// entries, followed by a restart point array and a 4-byte restart count.
// Every restartInterval entries the shared prefix is reset to zero and the
// entry's offset is appended to the restart array.
type blockWriter struct {
	restartInterval int
	nEntries        int
	buf             []byte
	restarts        []uint32
	curKey          []byte
	prevKey         []byte
	tmp             [3 * binary.MaxVarintLen64]byte
}

func (w *blockWriter) add(key base.InternalKey, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey

	size := key.Size()
	if cap(w.curKey) < size {
		w.curKey = make([]byte, 0, size*2)
	}
	w.curKey = w.curKey[:size]
	key.Encode(w.curKey)

	w.addCurKey(value)
}

// addRaw adds an entry whose key is not an internal key. It is used for the
// metaindex block, whose keys are plain meta block names.
func (w *blockWriter) addRaw(key, value []byte) {
	w.curKey, w.prevKey = w.prevKey, w.curKey
	w.curKey = append(w.curKey[:0], key...)
	w.addCurKey(value)
}

func (w *blockWriter) addCurKey(value []byte) {
	shared := 0
	if w.nEntries%w.restartInterval == 0 {
		w.restarts = append(w.restarts, uint32(len(w.buf)))
	} else {
		shared = base.SharedPrefixLen(w.curKey, w.prevKey)
	}

	n := binary.PutUvarint(w.tmp[0:], uint64(shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(w.curKey)-shared))
	n += binary.PutUvarint(w.tmp[n:], uint64(len(value)))
	w.buf = append(w.buf, w.tmp[:n]...)
	w.buf = append(w.buf, w.curKey[shared:]...)
	w.buf = append(w.buf, value...)

	w.nEntries++
}

func (w *blockWriter) finish() []byte {
	// Write the restart points to the buffer.
	if w.nEntries == 0 {
		// Every block must have at least one restart point.
		if cap(w.restarts) > 0 {
			w.restarts = w.restarts[:1]
			w.restarts[0] = 0
		} else {
			w.restarts = append(w.restarts, 0)
		}
	}
	tmp4 := w.tmp[:4]
	for _, x := range w.restarts {
		binary.LittleEndian.PutUint32(tmp4, x)
		w.buf = append(w.buf, tmp4...)
	}
	binary.LittleEndian.PutUint32(tmp4, uint32(len(w.restarts)))
	w.buf = append(w.buf, tmp4...)
	return w.buf
}

// estimatedSize returns the estimated size of the block in bytes once
// finished.
func (w *blockWriter) estimatedSize() int {
	return len(w.buf) + 4*(len(w.restarts)+1)
}

func (w *blockWriter) reset() {
	w.buf = w.buf[:0]
	w.nEntries = 0
	w.restarts = w.restarts[:0]
}

// block is a []byte that holds a sequence of key/value pairs plus an index
// over those pairs.
type block []byte

type blockEntry struct {
	offset int
	key    []byte
	val    []byte
}

// blockIter is an iterator over a single block of data.
type blockIter struct {
	cmp         base.Compare
	offset      int
	nextOffset  int
	restarts    int
	numRestarts int
	data        []byte
	key, val    []byte
	ikey        base.InternalKey
	cached      []blockEntry
	cachedBuf   []byte
	err         error
}

// blockIter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*blockIter)(nil)

func newBlockIter(cmp base.Compare, block block) (*blockIter, error) {
	i := &blockIter{}
	return i, i.init(cmp, block)
}

func (i *blockIter) init(cmp base.Compare, block block) error {
	if len(block) < 4 {
		return errors.New("cobble/sstable: invalid table (block too small)")
	}
	numRestarts := int(binary.LittleEndian.Uint32(block[len(block)-4:]))
	if numRestarts == 0 {
		return errors.New("cobble/sstable: invalid table (block has no restart points)")
	}
	*i = blockIter{
		cmp:         cmp,
		restarts:    len(block) - 4*(1+numRestarts),
		numRestarts: numRestarts,
		data:        block,
		key:         make([]byte, 0, 256),
		offset:      -1,
	}
	return nil
}

func (i *blockIter) readEntry() {
	shared, n := binary.Uvarint(i.data[i.offset:])
	i.nextOffset = i.offset + n
	unshared, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	value, n := binary.Uvarint(i.data[i.nextOffset:])
	i.nextOffset += n
	i.key = append(i.key[:shared], i.data[i.nextOffset:i.nextOffset+int(unshared)]...)
	i.key = i.key[:len(i.key):len(i.key)]
	i.nextOffset += int(unshared)
	i.val = i.data[i.nextOffset : i.nextOffset+int(value) : i.nextOffset+int(value)]
	i.nextOffset += int(value)
}

func (i *blockIter) loadEntry() {
	i.readEntry()
	i.ikey = base.DecodeInternalKey(i.key)
}

func (i *blockIter) clearCache() {
	i.cached = i.cached[:0]
	i.cachedBuf = i.cachedBuf[:0]
}

func (i *blockIter) cacheEntry() {
	i.cachedBuf = append(i.cachedBuf, i.key...)
	i.cached = append(i.cached, blockEntry{
		offset: i.offset,
		key:    i.cachedBuf[len(i.cachedBuf)-len(i.key) : len(i.cachedBuf) : len(i.cachedBuf)],
		val:    i.val,
	})
}

// SeekGE implements base.InternalIterator.
func (i *blockIter) SeekGE(key base.InternalKey) {
	// Find the index of the smallest restart point whose key is > the key
	// sought; index will be numRestarts if there is no such restart point.
	i.offset = 0
	index := sort.Search(i.numRestarts, func(j int) bool {
		offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		// For a restart point, there are 0 bytes shared with the previous
		// key. The varint encoding of 0 occupies 1 byte.
		offset++
		// Decode the key at that restart point, and compare it to the key
		// sought.
		v1, n1 := binary.Uvarint(i.data[offset:])
		_, n2 := binary.Uvarint(i.data[offset+n1:])
		m := offset + n1 + n2
		s := i.data[m : m+int(v1)]
		return base.InternalCompare(i.cmp, key, base.DecodeInternalKey(s)) < 0
	})

	// Since keys are strictly increasing, if index > 0 then the restart
	// point at index-1 will be the largest whose key is <= the key sought.
	// If index == 0, then all keys in this block are larger than the key
	// sought, and offset remains at zero.
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}
	i.loadEntry()

	// Iterate from that restart point to somewhere >= the key sought.
	for ; i.Valid(); i.Next() {
		if base.InternalCompare(i.cmp, key, i.ikey) <= 0 {
			break
		}
	}
}

// First implements base.InternalIterator.
func (i *blockIter) First() {
	i.offset = 0
	i.loadEntry()
}

// Last implements base.InternalIterator.
func (i *blockIter) Last() {
	// Seek forward from the last restart point.
	i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(i.numRestarts-1):]))

	i.readEntry()
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < i.restarts {
		i.offset = i.nextOffset
		i.readEntry()
		i.cacheEntry()
	}

	i.ikey = base.DecodeInternalKey(i.key)
}

// Next implements base.InternalIterator.
func (i *blockIter) Next() bool {
	i.offset = i.nextOffset
	if !i.Valid() {
		return false
	}
	i.loadEntry()
	return true
}

// Prev implements base.InternalIterator. Prefixes are only resolvable
// left-to-right, so moving backwards rewinds to the previous restart point
// and replays forward, caching the entries passed over.
func (i *blockIter) Prev() bool {
	if n := len(i.cached) - 1; n > 0 && i.cached[n].offset == i.offset {
		i.nextOffset = i.offset
		e := &i.cached[n-1]
		i.offset = e.offset
		i.val = e.val
		i.ikey = base.DecodeInternalKey(e.key)
		i.cached = i.cached[:n]
		return true
	}

	if i.offset <= 0 {
		i.offset = -1
		i.nextOffset = 0
		return false
	}

	targetOffset := i.offset
	index := sort.Search(i.numRestarts, func(j int) bool {
		offset := int(binary.LittleEndian.Uint32(i.data[i.restarts+4*j:]))
		return offset >= targetOffset
	})
	i.offset = 0
	if index > 0 {
		i.offset = int(binary.LittleEndian.Uint32(i.data[i.restarts+4*(index-1):]))
	}

	i.readEntry()
	i.clearCache()
	i.cacheEntry()

	for i.nextOffset < targetOffset {
		i.offset = i.nextOffset
		i.readEntry()
		i.cacheEntry()
	}

	i.ikey = base.DecodeInternalKey(i.key)
	return true
}

// Key implements base.InternalIterator.
func (i *blockIter) Key() base.InternalKey {
	return i.ikey
}

// Value implements base.InternalIterator.
func (i *blockIter) Value() []byte {
	return i.val
}

// Valid implements base.InternalIterator.
func (i *blockIter) Valid() bool {
	return i.offset >= 0 && i.offset < i.restarts
}

// Error implements base.InternalIterator.
func (i *blockIter) Error() error {
	return i.err
}

// Close implements base.InternalIterator.
func (i *blockIter) Close() error {
	i.val = nil
	return i.err
}
