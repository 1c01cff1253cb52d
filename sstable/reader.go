// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"encoding/binary"
	"io"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/cache"
	"github.com/cobbledb/cobble/internal/crc"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// ReaderOptions holds the parameters needed for reading an sstable.
type ReaderOptions struct {
	// Comparer defines the ordering of keys in the table. It must match the
	// comparer the table was written with.
	Comparer *base.Comparer

	// FilterPolicy, if non-nil, enables use of the table's filter block, if
	// the table has one built by the same policy.
	FilterPolicy base.FilterPolicy

	// VerifyChecksums controls whether block checksums are verified on read.
	VerifyChecksums bool

	// Cache, if non-nil, caches decompressed data blocks, keyed by
	// (FileNum, block offset).
	Cache *cache.Cache

	// FileNum is the table's file number, used as the cache key component.
	FileNum base.FileNum
}

func (o ReaderOptions) ensureDefaults() ReaderOptions {
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	return o
}

// filterReader holds the parsed filter block of a table.
type filterReader struct {
	data    []byte
	offsets []byte // len(offsets) must be a multiple of 4.
	policy  base.FilterPolicy
	shift   uint32
}

func (f *filterReader) valid() bool {
	return f.data != nil
}

func (f *filterReader) init(data []byte, policy base.FilterPolicy) (ok bool) {
	if len(data) < 5 {
		return false
	}
	lastOffset := binary.LittleEndian.Uint32(data[len(data)-5:])
	if uint64(lastOffset) > uint64(len(data)-5) {
		return false
	}
	data, offsets, shift := data[:lastOffset], data[lastOffset:len(data)-1], uint32(data[len(data)-1])
	if len(offsets)&3 != 0 {
		return false
	}
	f.data = data
	f.offsets = offsets
	f.policy = policy
	f.shift = shift
	return true
}

func (f *filterReader) mayContain(blockOffset uint64, key []byte) bool {
	index := blockOffset >> f.shift
	if index >= uint64(len(f.offsets)/4-1) {
		return true
	}
	i := binary.LittleEndian.Uint32(f.offsets[4*index+0:])
	j := binary.LittleEndian.Uint32(f.offsets[4*index+4:])
	if i >= j || uint64(j) > uint64(len(f.data)) {
		return true
	}
	return f.policy.MayContain(f.data[i:j], key)
}

// Reader is a table reader. It is safe for concurrent use by multiple
// goroutines.
type Reader struct {
	file    vfs.File
	fileNum base.FileNum
	err     error
	index   block
	cmp     *base.Comparer
	filter  filterReader
	cache   *cache.Cache
	verify  bool
}

// NewReader returns a new table reader for the file. Closing the reader will
// close the file.
func NewReader(f vfs.File, o ReaderOptions) *Reader {
	o = o.ensureDefaults()
	r := &Reader{
		file:    f,
		fileNum: o.FileNum,
		cmp:     o.Comparer,
		cache:   o.Cache,
		verify:  o.VerifyChecksums,
	}
	if f == nil {
		r.err = errors.New("cobble/sstable: nil file")
		return r
	}
	stat, err := f.Stat()
	if err != nil {
		r.err = base.MarkIOError(err, "cobble/sstable: could not stat file")
		return r
	}
	var footer [footerLen]byte
	if stat.Size() < int64(len(footer)) {
		r.err = base.CorruptionErrorf("cobble/sstable: invalid table (file size is too small)")
		return r
	}
	_, err = f.ReadAt(footer[:], stat.Size()-int64(len(footer)))
	if err != nil && err != io.EOF {
		r.err = base.MarkIOError(err, "cobble/sstable: could not read footer")
		return r
	}
	if string(footer[footerLen-len(magic):footerLen]) != magic {
		r.err = base.CorruptionErrorf("cobble/sstable: invalid table (bad magic number)")
		return r
	}

	// Read the metaindex.
	metaindexBH, n := decodeBlockHandle(footer[:])
	if n == 0 {
		r.err = base.CorruptionErrorf("cobble/sstable: invalid table (bad metaindex block handle)")
		return r
	}
	if err := r.readMetaindex(metaindexBH, o.FilterPolicy); err != nil {
		r.err = err
		return r
	}

	// Read the index into memory. It is pinned for the lifetime of the
	// reader; data blocks go through the block cache.
	indexBH, n := decodeBlockHandle(footer[n:])
	if n == 0 {
		r.err = base.CorruptionErrorf("cobble/sstable: invalid table (bad index block handle)")
		return r
	}
	r.index, r.err = r.readBlock(indexBH, false /* useCache */)
	return r
}

// Close closes the reader's file. Later calls to Get, NewIter or Close return
// an error.
func (r *Reader) Close() error {
	if r.err != nil {
		if r.file != nil {
			r.file.Close()
			r.file = nil
		}
		return r.err
	}
	if r.file != nil {
		r.err = r.file.Close()
		r.file = nil
		if r.err != nil {
			return r.err
		}
	}
	// Make any future calls to Get, NewIter or Close return an error.
	r.err = errors.New("cobble/sstable: reader is closed")
	return nil
}

// Get looks up the first entry in the table whose internal key is greater
// than or equal to the given key and shares its user key. It returns
// base.ErrNotFound if no such entry exists, possibly without any I/O thanks
// to the filter block. The conclusive interpretation of the returned entry
// (live value, tombstone, older sequence number) is left to the caller.
func (r *Reader) Get(key base.InternalKey) (base.InternalKey, []byte, error) {
	if r.err != nil {
		return base.InternalKey{}, nil, r.err
	}
	index, err := newBlockIter(r.cmp.Compare, r.index)
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	index.SeekGE(key)
	if !index.Valid() {
		return base.InternalKey{}, nil, base.ErrNotFound
	}
	bh, n := decodeBlockHandle(index.Value())
	if n == 0 || n != len(index.Value()) {
		return base.InternalKey{}, nil, base.CorruptionErrorf("cobble/sstable: corrupt index entry")
	}
	if r.filter.valid() && !r.filter.mayContain(bh.offset, key.UserKey) {
		return base.InternalKey{}, nil, base.ErrNotFound
	}
	b, err := r.readBlock(bh, true /* useCache */)
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	data, err := newBlockIter(r.cmp.Compare, b)
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	data.SeekGE(key)
	if !data.Valid() || r.cmp.Compare(data.Key().UserKey, key.UserKey) != 0 {
		return base.InternalKey{}, nil, base.ErrNotFound
	}
	return data.Key(), data.Value(), nil
}

// NewIter returns an iterator for the contents of the table.
func (r *Reader) NewIter() base.InternalIterator {
	if r.err != nil {
		return &Iter{err: r.err}
	}
	index, err := newBlockIter(r.cmp.Compare, r.index)
	if err != nil {
		return &Iter{err: err}
	}
	return &Iter{
		reader: r,
		index:  index,
	}
}

// readBlock reads and decompresses a block from disk into memory, consulting
// the block cache first when useCache is true.
func (r *Reader) readBlock(bh blockHandle, useCache bool) (block, error) {
	if useCache && r.cache != nil {
		if b := r.cache.Get(r.fileNum, bh.offset); b != nil {
			return b, nil
		}
	}
	b := make([]byte, bh.length+blockTrailerLen)
	if _, err := r.file.ReadAt(b, int64(bh.offset)); err != nil {
		return nil, base.MarkIOError(err, "cobble/sstable: could not read block")
	}
	if r.verify {
		checksum0 := binary.LittleEndian.Uint32(b[bh.length+1:])
		checksum1 := crc.New(b[:bh.length+1]).Value()
		if checksum0 != checksum1 {
			return nil, base.CorruptionErrorf("cobble/sstable: invalid table (checksum mismatch)")
		}
	}
	switch b[bh.length] {
	case noCompressionBlockType:
		b = b[:bh.length:bh.length]
	case snappyCompressionBlockType:
		decoded, err := snappy.Decode(nil, b[:bh.length])
		if err != nil {
			return nil, base.MarkCorruptionError(err)
		}
		b = decoded
	default:
		return nil, base.CorruptionErrorf("cobble/sstable: unknown block compression: %d", b[bh.length])
	}
	if useCache && r.cache != nil {
		r.cache.Set(r.fileNum, bh.offset, b)
	}
	return b, nil
}

func (r *Reader) readMetaindex(metaindexBH blockHandle, fp base.FilterPolicy) error {
	if fp == nil {
		// The only metaindex entry we care about is the filter. If no filter
		// policy is configured, we can ignore the entire metaindex block.
		return nil
	}

	b, err := r.readBlock(metaindexBH, false /* useCache */)
	if err != nil {
		return err
	}
	i, err := newBlockIter(r.cmp.Compare, b)
	if err != nil {
		return err
	}
	filterName := "filter." + fp.Name()
	filterBH := blockHandle{}
	for i.First(); i.Valid(); i.Next() {
		// Metaindex keys are raw meta block names, not internal keys.
		if filterName != string(i.key) {
			continue
		}
		var n int
		filterBH, n = decodeBlockHandle(i.Value())
		if n == 0 {
			return base.CorruptionErrorf("cobble/sstable: invalid table (bad filter block handle)")
		}
		break
	}
	if err := i.Close(); err != nil {
		return err
	}

	if filterBH != (blockHandle{}) {
		b, err = r.readBlock(filterBH, false /* useCache */)
		if err != nil {
			return err
		}
		if !r.filter.init(b, fp) {
			return base.CorruptionErrorf("cobble/sstable: invalid table (bad filter block)")
		}
	}
	return nil
}

// Iter is an iterator over an entire table of data. It is a two-level
// iterator: to seek for a given key, it first looks in the index for the
// block that contains that key, and then looks inside that block.
type Iter struct {
	reader *Reader
	index  *blockIter
	data   *blockIter
	err    error
}

// Iter implements the base.InternalIterator interface.
var _ base.InternalIterator = (*Iter)(nil)

// loadBlock loads the data block at the index iterator's current position
// and returns true on success.
func (i *Iter) loadBlock() bool {
	if !i.index.Valid() {
		i.data = nil
		return false
	}
	// Load the next block.
	v := i.index.Value()
	h, n := decodeBlockHandle(v)
	if n == 0 || n != len(v) {
		i.err = base.CorruptionErrorf("cobble/sstable: corrupt index entry")
		i.data = nil
		return false
	}
	b, err := i.reader.readBlock(h, true /* useCache */)
	if err != nil {
		i.err = err
		i.data = nil
		return false
	}
	data, err := newBlockIter(i.reader.cmp.Compare, b)
	if err != nil {
		i.err = err
		i.data = nil
		return false
	}
	i.data = data
	return true
}

// SeekGE implements base.InternalIterator.
func (i *Iter) SeekGE(key base.InternalKey) {
	if i.err != nil {
		return
	}
	// An index entry's key is a separator that is >= the last key of its
	// block, so the first index entry at or after the sought key names the
	// only block that could contain it.
	i.index.SeekGE(key)
	if !i.loadBlock() {
		return
	}
	i.data.SeekGE(key)
	// The sought key may be greater than every key in the block (it can
	// still be <= the separator). Step to the following block.
	for !i.data.Valid() {
		if !i.index.Next() || !i.loadBlock() {
			return
		}
		i.data.First()
	}
}

// First implements base.InternalIterator.
func (i *Iter) First() {
	if i.err != nil {
		return
	}
	i.index.First()
	if !i.loadBlock() {
		return
	}
	i.data.First()
	for !i.data.Valid() {
		if !i.index.Next() || !i.loadBlock() {
			return
		}
		i.data.First()
	}
}

// Last implements base.InternalIterator.
func (i *Iter) Last() {
	if i.err != nil {
		return
	}
	i.index.Last()
	if !i.loadBlock() {
		return
	}
	i.data.Last()
	for !i.data.Valid() {
		if !i.index.Prev() || !i.loadBlock() {
			return
		}
		i.data.Last()
	}
}

// Next implements base.InternalIterator.
func (i *Iter) Next() bool {
	if i.data == nil {
		return false
	}
	if i.data.Next() {
		return true
	}
	for {
		if i.data.Error() != nil {
			i.err = i.data.Error()
			i.data = nil
			return false
		}
		if !i.index.Next() || !i.loadBlock() {
			return false
		}
		if i.data.First(); i.data.Valid() {
			return true
		}
	}
}

// Prev implements base.InternalIterator.
func (i *Iter) Prev() bool {
	if i.data == nil {
		return false
	}
	if i.data.Prev() {
		return true
	}
	for {
		if i.data.Error() != nil {
			i.err = i.data.Error()
			i.data = nil
			return false
		}
		if !i.index.Prev() || !i.loadBlock() {
			return false
		}
		if i.data.Last(); i.data.Valid() {
			return true
		}
	}
}

// Key implements base.InternalIterator.
func (i *Iter) Key() base.InternalKey {
	return i.data.Key()
}

// Value implements base.InternalIterator.
func (i *Iter) Value() []byte {
	return i.data.Value()
}

// Valid implements base.InternalIterator.
func (i *Iter) Valid() bool {
	return i.data != nil && i.data.Valid()
}

// Error implements base.InternalIterator.
func (i *Iter) Error() error {
	if i.err != nil {
		return i.err
	}
	if i.data != nil {
		return i.data.Error()
	}
	return nil
}

// Close implements base.InternalIterator.
func (i *Iter) Close() error {
	i.data = nil
	return i.err
}
