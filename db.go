// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package cobble provides an ordered key/value store, persisted in the
// LevelDB on-disk format.
//
// A DB persists arbitrary byte-string keys and values, supports point
// lookups, ordered iteration, snapshots, atomic batched writes and
// deletions, and keeps itself compact via background compaction of
// immutable on-disk runs organized into levels.
package cobble

import (
	"io"
	"sync"
	"time"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/cache"
	"github.com/cobbledb/cobble/record"
	"github.com/cobbledb/cobble/sstable"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors"
)

// DB is an ordered key/value store.
//
// It is safe to call Get, Set, Delete, Apply, NewIter and NewSnapshot from
// concurrent goroutines. Writes are serialized internally through a single
// writer queue.
type DB struct {
	dirname string
	opts    *Options
	cmp     *base.Comparer
	icmp    func(a, b base.InternalKey) int

	fs         vfs.FS
	blockCache *cache.Cache
	tableCache tableCache

	fileLock io.Closer

	// tmpBatch is the scratch batch that group commits are merged into. It
	// is only touched by the head of the writer queue.
	tmpBatch *Batch

	// mu guards the fields below: the version set, memtable pointers, log
	// writer, snapshot and writer lists, and compaction scheduling flags.
	// It is held briefly; it is released across fsyncs and across
	// compaction I/O.
	mu sync.Mutex

	// mem is the mutable memtable, never nil while the DB is open. imm, if
	// non-nil, is immutable and being flushed to a level-0 table. mem's
	// sequence numbers are all higher than imm's, and imm's sequence
	// numbers are all higher than those on disk.
	mem, imm *memTable

	logFile vfs.File
	log     *record.Writer

	versions  versionSet
	snapshots snapshotList
	writers   []*commitWriter

	// compactionCond is signalled when compaction state changes: a flush or
	// compaction completes, or the background error is set. Writers wait on
	// it for memtable rotation and L0 backpressure; CompactRange waits on
	// it for completion.
	compactionCond   sync.Cond
	compacting       bool
	manualCompaction *manualCompaction

	// bgErr is the sticky background error. Once set, every subsequent
	// write fails with it until the DB is reopened.
	bgErr error

	pendingOutputs map[base.FileNum]struct{}

	closed bool
}

// Get gets the value for the given key. It returns ErrNotFound if the DB
// does not contain the key.
//
// It is safe to modify the contents of the argument after Get returns. The
// returned slice is owned by the caller.
func (d *DB) Get(key []byte, opts *ReadOptions) ([]byte, error) {
	var snap *Snapshot
	if opts != nil && opts.Snapshot != nil {
		if opts.Snapshot.db != d {
			return nil, base.InvalidArgumentErrorf("cobble: snapshot does not belong to this DB")
		}
		snap = opts.Snapshot
	}
	return d.getInternal(key, snap)
}

// getInternal performs a read at the snapshot's sequence number, or at the
// current last sequence if snap is nil.
func (d *DB) getInternal(key []byte, snap *Snapshot) ([]byte, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seqNum := d.versions.lastSequence
	if snap != nil {
		seqNum = snap.seqNum
	}
	memtables := [2]*memTable{d.mem, d.imm}
	current := d.versions.currentVersion()
	current.ref()
	d.mu.Unlock()

	// Look in the memtables before going to the on-disk current version.
	// The actual probing happens without the mutex: the memtables are
	// append-only and the version pins its files.
	for _, mem := range memtables {
		if mem == nil {
			continue
		}
		value, conclusive, err := mem.get(key, seqNum)
		if conclusive {
			d.releaseVersion(current)
			if err != nil {
				return nil, err
			}
			return append([]byte(nil), value...), nil
		}
	}

	ikey := base.MakeInternalKey(key, seqNum, base.InternalKeyKindMax)
	var stats getStats
	value, err := current.get(ikey, &d.tableCache, d.cmp.Compare, &stats)
	if err == nil {
		value = append([]byte(nil), value...)
	}

	d.mu.Lock()
	if stats.file != nil {
		// The get had to probe past stats.file; charge it a seek. A file
		// that repeatedly loses seeks is cheaper to merge down than to keep
		// probing.
		stats.file.allowedSeeks--
		if stats.file.allowedSeeks <= 0 && current.seekCompactFile == nil {
			current.seekCompactFile = stats.file
			current.seekCompactLevel = stats.level
			d.maybeScheduleCompaction()
		}
	}
	if err != nil && d.opts.ParanoidChecks && errors.Is(err, ErrCorruption) {
		d.recordBackgroundError(err)
	}
	current.unref()
	d.mu.Unlock()
	return value, err
}

func (d *DB) releaseVersion(v *version) {
	d.mu.Lock()
	v.unref()
	d.mu.Unlock()
}

// Set sets the value for the given key. It overwrites any previous value
// for that key; a DB is not a multi-map.
func (d *DB) Set(key, value []byte, opts *WriteOptions) error {
	var batch Batch
	batch.Set(key, value)
	return d.Apply(&batch, opts)
}

// Delete deletes the value for the given key. Deleting a key that is absent
// is not an error.
func (d *DB) Delete(key []byte, opts *WriteOptions) error {
	var batch Batch
	batch.Delete(key)
	return d.Apply(&batch, opts)
}

// NewIter returns an iterator over the DB's current state, or over the read
// options' snapshot if one is set. The iterator observes a consistent view:
// concurrent mutations do not affect it.
func (d *DB) NewIter(opts *ReadOptions) (*Iterator, error) {
	var snap *Snapshot
	if opts != nil && opts.Snapshot != nil {
		if opts.Snapshot.db != d {
			return nil, base.InvalidArgumentErrorf("cobble: snapshot does not belong to this DB")
		}
		snap = opts.Snapshot
	}
	return d.newIter(snap)
}

func (d *DB) newIter(snap *Snapshot) (*Iterator, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	seqNum := d.versions.lastSequence
	if snap != nil {
		seqNum = snap.seqNum
	}
	memtables := [2]*memTable{d.mem, d.imm}
	current := d.versions.currentVersion()
	current.ref()
	d.mu.Unlock()

	var iters []base.InternalIterator
	for _, mem := range memtables {
		if mem != nil {
			iters = append(iters, mem.newIter())
		}
	}
	// Level 0 tables may overlap; each contributes its own iterator, newest
	// table first so that, for entries with equal internal keys (which
	// cannot occur) or for seek ties, newer sources sort first. Deeper
	// levels are sorted, non-overlapping runs.
	closeAll := func() {
		for _, it := range iters {
			it.Close()
		}
		d.releaseVersion(current)
	}
	for i := len(current.files[0]) - 1; i >= 0; i-- {
		it, err := d.tableCache.newIter(current.files[0][i].fileNum)
		if err != nil {
			closeAll()
			return nil, err
		}
		iters = append(iters, it)
	}
	for level := 1; level < numLevels; level++ {
		if len(current.files[level]) == 0 {
			continue
		}
		iters = append(iters, newLevelIter(d.icmp, &d.tableCache, current.files[level]))
	}

	return &Iterator{
		cmp:    d.cmp.Compare,
		iter:   newMergingIter(d.cmp.Compare, iters...),
		seqNum: seqNum,
		onClose: func() error {
			d.releaseVersion(current)
			return nil
		},
	}, nil
}

// NewSnapshot returns a point-in-time view of the current DB state. Entries
// at or below the snapshot's sequence number are protected from compaction
// for as long as the snapshot is open. The caller must call Close on the
// snapshot.
func (d *DB) NewSnapshot() *Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Snapshot{
		db:     d,
		seqNum: d.versions.lastSequence,
	}
	d.snapshots.pushBack(s)
	return s
}

// CompactRange compacts the key range [start, end] through every level,
// including flushing the current memtable. A nil start or end means the
// range is unbounded on that side. It is mainly useful for tests and for
// reclaiming space after bulk deletions.
func (d *DB) CompactRange(start, end []byte) error {
	// Rotate and flush the current memtable so recent writes to the range
	// participate. The rotation goes through the writer queue so it cannot
	// race an in-flight group commit.
	d.mu.Lock()
	memEmpty := d.mem == nil || d.mem.empty()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !memEmpty {
		if err := d.rotateMemTable(); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for d.imm != nil && d.bgErr == nil && !d.closed {
		d.compactionCond.Wait()
	}
	if d.bgErr != nil {
		return d.bgErr
	}

	lo, hi := start, end
	if lo == nil || hi == nil {
		cur := d.versions.currentVersion()
		for level := range cur.files {
			for _, f := range cur.files[level] {
				if lo == nil || d.cmp.Compare(f.smallest.UserKey, lo) < 0 {
					lo = f.smallest.UserKey
				}
				if hi == nil || d.cmp.Compare(f.largest.UserKey, hi) > 0 {
					hi = f.largest.UserKey
				}
			}
		}
		if lo == nil {
			return nil
		}
	}

	for level := 0; level < numLevels-1; level++ {
		for d.manualCompaction != nil && d.bgErr == nil && !d.closed {
			d.compactionCond.Wait()
		}
		if d.bgErr != nil || d.closed {
			break
		}
		m := &manualCompaction{
			level: level,
			start: lo,
			end:   hi,
		}
		d.manualCompaction = m
		d.maybeScheduleCompaction()
		for !m.done && d.bgErr == nil && !d.closed {
			d.compactionCond.Wait()
		}
		if m.err != nil {
			return m.err
		}
	}
	if d.closed {
		return ErrClosed
	}
	return d.bgErr
}

// makeRoomForWrite ensures that there is room in d.mem for the next write.
// If force is true, the current memtable is rotated out even if it has
// room.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		if d.bgErr != nil {
			return d.bgErr
		}
		if d.closed {
			return ErrClosed
		}

		if allowDelay && len(d.versions.currentVersion().files[0]) >= l0SlowdownWritesTrigger {
			// We are getting close to hitting a hard limit on the number of
			// L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance.
			d.mu.Unlock()
			time.Sleep(1 * time.Millisecond)
			d.mu.Lock()
			allowDelay = false
			continue
		}

		if !force && d.mem.approximateMemoryUsage() <= d.opts.WriteBufferSize {
			// There is room in the current memtable.
			return nil
		}

		if d.imm != nil {
			// We have filled up the current memtable, but the previous one
			// is still being flushed, so we wait.
			d.compactionCond.Wait()
			continue
		}

		if len(d.versions.currentVersion().files[0]) >= l0StopWritesTrigger {
			// There are too many level-0 files.
			d.compactionCond.Wait()
			continue
		}

		// Switch to a new memtable and a new WAL, and trigger a flush of
		// the old memtable.
		newLogNumber := d.versions.nextFileNum()
		newLogFile, err := d.fs.Create(dbFilename(d.fs, d.dirname, base.FileTypeLog, newLogNumber))
		if err != nil {
			return base.MarkIOError(err, "cobble: could not create log file")
		}
		newLog := record.NewWriter(newLogFile)
		if err := d.log.Close(); err != nil {
			newLogFile.Close()
			return base.MarkIOError(err, "cobble: could not close log")
		}
		if err := d.logFile.Close(); err != nil {
			newLog.Close()
			newLogFile.Close()
			return base.MarkIOError(err, "cobble: could not close log file")
		}
		d.logFile, d.log = newLogFile, newLog
		d.imm, d.mem = d.mem, newMemTable(d.cmp.Compare, newLogNumber)
		force = false
		d.maybeScheduleCompaction()
	}
}

// recordBackgroundError records a sticky background error: every subsequent
// write fails with it until the DB is reopened. The DB mutex must be held.
func (d *DB) recordBackgroundError(err error) {
	if d.bgErr == nil {
		d.bgErr = err
		d.opts.Logger.Errorf("cobble: background error: %v", err)
	}
	d.compactionCond.Broadcast()
}

// sstableWriterOptions returns the writer options for new tables.
func (d *DB) sstableWriterOptions() sstable.WriterOptions {
	return sstable.WriterOptions{
		BlockRestartInterval: d.opts.BlockRestartInterval,
		BlockSize:            d.opts.BlockSize,
		Comparer:             d.cmp,
		Compression:          d.opts.Compression,
		FilterPolicy:         d.opts.FilterPolicy,
	}
}

// Close closes the DB. It waits for the background compaction worker to
// quiesce and for the write queue to drain. Iterators and snapshots become
// invalid after Close.
//
// It is not an error to close an already closed DB, but it is an error to
// use any other method afterwards.
func (d *DB) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true

	// Wake the write queue: the next leaders observe d.closed and drain the
	// queue with ErrClosed.
	for _, w := range d.writers {
		w.cv.Signal()
	}
	for len(d.writers) > 0 {
		d.compactionCond.Wait()
	}

	// Wait for the compaction worker to quiesce.
	for d.compacting {
		d.compactionCond.Wait()
	}

	var err error
	if d.log != nil {
		err = firstError(err, d.log.Close())
		d.log = nil
	}
	if d.logFile != nil {
		err = firstError(err, d.logFile.Close())
		d.logFile = nil
	}
	err = firstError(err, d.versions.close())
	d.mu.Unlock()

	err = firstError(err, d.tableCache.Close())

	d.mu.Lock()
	if d.fileLock != nil {
		err = firstError(err, d.fileLock.Close())
		d.fileLock = nil
	}
	d.mu.Unlock()
	return err
}
