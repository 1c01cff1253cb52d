// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package sstable

import (
	"bufio"
	"encoding/binary"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/crc"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// Compression is the per-block compression algorithm to use.
type Compression int

// The available compression types.
const (
	DefaultCompression Compression = iota
	NoCompression
	SnappyCompression
)

func (c Compression) String() string {
	switch c {
	case DefaultCompression:
		return "default"
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	default:
		return "unknown"
	}
}

// WriterOptions holds the parameters used to create a table Writer.
type WriterOptions struct {
	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size in bytes of each table block.
	BlockSize int

	// Comparer defines the ordering of keys in the table.
	Comparer *base.Comparer

	// Compression defines the per-block compression to use.
	Compression Compression

	// FilterPolicy, if non-nil, is used to build the table's filter block.
	FilterPolicy base.FilterPolicy
}

func (o WriterOptions) ensureDefaults() WriterOptions {
	if o.BlockRestartInterval <= 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.Comparer == nil {
		o.Comparer = base.DefaultComparer
	}
	if o.Compression == DefaultCompression {
		o.Compression = SnappyCompression
	}
	return o
}

// filterWriter accumulates the filter block: one filter per 2KiB-aligned
// span of the file, with a trailing offset array and the base log.
type filterWriter struct {
	policy base.FilterPolicy
	// block holds the keys for the current span. The buffers are re-used for
	// each new span.
	block struct {
		data    []byte
		lengths []int
		keys    [][]byte
	}
	// data and offsets are the per-span filters for the overall table.
	data    []byte
	offsets []uint32
}

func (f *filterWriter) hasKeys() bool {
	return len(f.block.lengths) != 0
}

func (f *filterWriter) appendKey(key []byte) {
	f.block.data = append(f.block.data, key...)
	f.block.lengths = append(f.block.lengths, len(key))
}

func (f *filterWriter) appendOffset() error {
	o := len(f.data)
	if uint64(o) > 1<<32-1 {
		return errors.New("cobble/sstable: filter data is too long")
	}
	f.offsets = append(f.offsets, uint32(o))
	return nil
}

func (f *filterWriter) emit() error {
	if err := f.appendOffset(); err != nil {
		return err
	}
	if !f.hasKeys() {
		return nil
	}

	i, j := 0, 0
	for _, length := range f.block.lengths {
		j += length
		f.block.keys = append(f.block.keys, f.block.data[i:j])
		i = j
	}
	f.data = f.policy.AppendFilter(f.data, f.block.keys)

	// Reset the per-span state.
	f.block.data = f.block.data[:0]
	f.block.lengths = f.block.lengths[:0]
	f.block.keys = f.block.keys[:0]
	return nil
}

func (f *filterWriter) finishBlock(blockOffset uint64) error {
	for i := blockOffset >> filterBaseLog; i > uint64(len(f.offsets)); {
		if err := f.emit(); err != nil {
			return err
		}
	}
	return nil
}

func (f *filterWriter) finish() ([]byte, error) {
	if f.hasKeys() {
		if err := f.emit(); err != nil {
			return nil, err
		}
	}
	if err := f.appendOffset(); err != nil {
		return nil, err
	}

	var b [4]byte
	for _, x := range f.offsets {
		binary.LittleEndian.PutUint32(b[:], x)
		f.data = append(f.data, b[0], b[1], b[2], b[3])
	}
	f.data = append(f.data, filterBaseLog)
	return f.data, nil
}

// Writer is a table writer. The keys passed to Add must be in strictly
// increasing internal key order; a finished table is immutable.
type Writer struct {
	file      vfs.File
	bufWriter *bufio.Writer
	err       error

	cmp         *base.Comparer
	compression Compression

	// A table is a series of blocks and a block's index entry contains a
	// separator key between one block and the next. Thus, a finished block
	// cannot be written until the first key in the next block is seen.
	// pendingBH is the blockHandle of a finished block that is waiting for
	// the next call to Add. If the writer is not in this state, pendingBH is
	// zero.
	pendingBH blockHandle
	// offset is the offset (relative to the table start) of the next block
	// to be written.
	offset uint64
	// prevKey is a copy of the key most recently passed to Add.
	prevKey base.InternalKey
	// block accumulates the current data block.
	block     blockWriter
	blockSize int
	// indexBlock accumulates the index entries. Index keys are separators
	// between adjacent blocks; values are block handles.
	indexBlock blockWriter
	// compressedBuf is the destination buffer for snappy compression. It is
	// re-used over the lifetime of the writer.
	compressedBuf []byte
	// filter accumulates the filter block, if a filter policy is configured.
	filter filterWriter
	// sepBuf is scratch for separator/successor computation.
	sepBuf []byte
	// tmp is a scratch buffer large enough to hold a footer or an encoded
	// block handle.
	tmp [footerLen]byte

	// nEntries is the number of entries added.
	nEntries int
}

// NewWriter returns a new table writer for the file. Closing the writer will
// close the file.
func NewWriter(f vfs.File, o WriterOptions) *Writer {
	o = o.ensureDefaults()
	w := &Writer{
		file:        f,
		cmp:         o.Comparer,
		compression: o.Compression,
		blockSize:   o.BlockSize,
		block: blockWriter{
			restartInterval: o.BlockRestartInterval,
		},
		indexBlock: blockWriter{
			// The index block never benefits from prefix sharing across
			// entries beyond the restart handling, matching the C++ code's
			// restart interval of 1 for index blocks.
			restartInterval: 1,
		},
		filter: filterWriter{
			policy: o.FilterPolicy,
		},
	}
	if f == nil {
		w.err = errors.New("cobble/sstable: nil file")
		return w
	}
	w.bufWriter = bufio.NewWriter(f)
	return w
}

// Add adds a key/value pair to the table being written. For a given Writer,
// the keys passed to Add must be in increasing internal key order.
func (w *Writer) Add(key base.InternalKey, value []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.nEntries > 0 && base.InternalCompare(w.cmp.Compare, w.prevKey, key) >= 0 {
		w.err = errors.Errorf(
			"cobble/sstable: Add called in non-increasing key order: %s, %s",
			w.prevKey, key)
		return w.err
	}
	if w.filter.policy != nil {
		w.filter.appendKey(key.UserKey)
	}
	w.flushPendingBH(key)
	w.block.add(key, value)
	w.prevKey = key.Clone()
	w.nEntries++
	// If the estimated block size is sufficiently large, finish the current
	// block.
	if w.block.estimatedSize() >= w.blockSize {
		bh, err := w.finishBlock(&w.block)
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH = bh
	}
	return nil
}

// EstimatedSize returns the estimated size of the sstable being written,
// including the size of uncompressed but not yet written data.
func (w *Writer) EstimatedSize() uint64 {
	return w.offset + uint64(w.block.estimatedSize()+w.indexBlock.estimatedSize())
}

// EntryCount returns the number of entries added so far.
func (w *Writer) EntryCount() int {
	return w.nEntries
}

// flushPendingBH adds any pending block handle to the index entries,
// shortening the index key to a separator between the last key of the
// finished block and the supplied key of the next block. A zero key
// indicates there is no next block.
func (w *Writer) flushPendingBH(key base.InternalKey) {
	if w.pendingBH.length == 0 {
		// A valid blockHandle must be non-zero. In particular, it must have
		// a non-zero length.
		return
	}
	var sep base.InternalKey
	if key.UserKey == nil && key.Trailer == 0 {
		sep = w.prevKey.Successor(w.cmp.Compare, w.cmp.Successor, w.sepBuf[:0])
	} else {
		sep = w.prevKey.Separator(w.cmp.Compare, w.cmp.Separator, w.sepBuf[:0], key)
	}
	n := encodeBlockHandle(w.tmp[:], w.pendingBH)
	w.indexBlock.add(sep, w.tmp[:n])
	w.pendingBH = blockHandle{}
}

// finishBlock finishes the current block and returns its block handle, which
// is its offset and length in the table.
func (w *Writer) finishBlock(block *blockWriter) (blockHandle, error) {
	b := block.finish()

	// Compress the buffer, discarding the result if the improvement isn't at
	// least 12.5%.
	blockType := byte(noCompressionBlockType)
	if w.compression == SnappyCompression {
		compressed := snappy.Encode(w.compressedBuf, b)
		w.compressedBuf = compressed[:cap(compressed)]
		if len(compressed) < len(b)-len(b)/8 {
			blockType = snappyCompressionBlockType
			b = compressed
		}
	}
	bh, err := w.writeRawBlock(b, blockType)

	// Calculate filters.
	if err == nil && w.filter.policy != nil && block == &w.block {
		err = w.filter.finishBlock(w.offset)
	}

	// Reset the per-block state.
	block.reset()

	return bh, err
}

func (w *Writer) writeRawBlock(b []byte, blockType byte) (blockHandle, error) {
	w.tmp[0] = blockType

	// Calculate the checksum.
	checksum := crc.New(b).Update(w.tmp[:1]).Value()
	binary.LittleEndian.PutUint32(w.tmp[1:5], checksum)

	// Write the bytes to the file.
	if _, err := w.bufWriter.Write(b); err != nil {
		return blockHandle{}, err
	}
	if _, err := w.bufWriter.Write(w.tmp[:blockTrailerLen]); err != nil {
		return blockHandle{}, err
	}
	bh := blockHandle{w.offset, uint64(len(b))}
	w.offset += uint64(len(b)) + blockTrailerLen
	return bh, nil
}

// Close finishes writing the table and closes the underlying file. It is
// valid to call Close without having added any entries, producing an empty
// table.
func (w *Writer) Close() (err error) {
	defer func() {
		if w.file == nil {
			return
		}
		err1 := w.file.Close()
		if err == nil {
			err = err1
		}
		w.file = nil
	}()
	if w.err != nil {
		return w.err
	}

	// Finish the last data block, or force an empty data block if there
	// aren't any data blocks at all.
	w.flushPendingBH(base.InternalKey{})
	if w.block.nEntries > 0 || w.indexBlock.nEntries == 0 {
		bh, err := w.finishBlock(&w.block)
		if err != nil {
			w.err = err
			return w.err
		}
		w.pendingBH = bh
		w.flushPendingBH(base.InternalKey{})
	}

	// Write the filter block.
	var metaindex blockWriter
	metaindex.restartInterval = 1
	if w.filter.policy != nil {
		b, err := w.filter.finish()
		if err != nil {
			w.err = err
			return w.err
		}
		bh, err := w.writeRawBlock(b, noCompressionBlockType)
		if err != nil {
			w.err = err
			return w.err
		}
		n := encodeBlockHandle(w.tmp[:], bh)
		metaindex.addRaw([]byte("filter."+w.filter.policy.Name()), w.tmp[:n])
	}

	// Write the metaindex block. It might be an empty block, if the filter
	// policy is nil.
	metaindexBH, err := w.finishBlock(&metaindex)
	if err != nil {
		w.err = err
		return w.err
	}

	// Write the index block.
	indexBH, err := w.finishBlock(&w.indexBlock)
	if err != nil {
		w.err = err
		return w.err
	}

	// Write the table footer.
	footer := w.tmp[:footerLen]
	for i := range footer {
		footer[i] = 0
	}
	n := encodeBlockHandle(footer, metaindexBH)
	encodeBlockHandle(footer[n:], indexBH)
	copy(footer[footerLen-len(magic):], magic)
	if _, err := w.bufWriter.Write(footer); err != nil {
		w.err = err
		return w.err
	}

	// Flush the buffer and sync the file.
	if err := w.bufWriter.Flush(); err != nil {
		w.err = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.err = err
		return err
	}

	// Make any future calls to Add or Close return an error.
	w.err = errors.New("cobble/sstable: writer is closed")
	return nil
}
