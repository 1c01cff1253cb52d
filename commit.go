// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"sync"

	"github.com/cobbledb/cobble/internal/base"
)

// The commit pipeline is a single writer queue: one mutator at a time leads
// a write, and while it holds the head of the queue it absorbs the batches
// of waiting non-conflicting writers into a group commit. The group is
// appended to the WAL (synced if any constituent requested it), applied to
// the memtable in submission order, and then the new last sequence number is
// published, making every constituent's mutations visible at once.

const (
	// maxGroupCommitBytes caps the size of a group commit.
	maxGroupCommitBytes = 1 << 20

	// smallBatchGroupLimit bounds how much a small leading batch is expanded
	// by followers, limiting how far a latency-sensitive small write can be
	// delayed by piggybacking traffic.
	smallBatchGroupLimit = 128 << 10
)

// commitWriter is a writer waiting in the commit queue. A nil batch marks a
// forced memtable rotation request; it participates in the queue so that a
// rotation can never race a leader that is applying entries to the
// memtable outside the mutex.
type commitWriter struct {
	batch *Batch
	sync  bool
	done  bool
	err   error
	cv    *sync.Cond
}

// rotateMemTable forces the current memtable to be rotated out and flushed,
// going through the writer queue like any other write.
func (d *DB) rotateMemTable() error {
	w := &commitWriter{}
	w.cv = sync.NewCond(&d.mu)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.writers = append(d.writers, w)
	for !w.done && d.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		return w.err
	}

	err := d.bgErr
	if err == nil {
		err = d.makeRoomForWrite(true)
	}

	d.writers = d.writers[1:]
	if len(d.writers) > 0 {
		d.writers[0].cv.Signal()
	} else if d.closed {
		d.compactionCond.Broadcast()
	}
	return err
}

// Apply the operations contained in the batch to the DB. An empty batch is a
// no-op. If the batch is applied successfully, its operations receive a
// contiguous range of sequence numbers and become visible together.
func (d *DB) Apply(batch *Batch, opts *WriteOptions) error {
	if batch.Empty() {
		return nil
	}
	if batch.count() == invalidBatchCount {
		return base.InvalidArgumentErrorf("cobble: invalid batch")
	}

	w := &commitWriter{
		batch: batch,
		sync:  opts.GetSync(),
	}
	w.cv = sync.NewCond(&d.mu)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	d.writers = append(d.writers, w)
	for !w.done && d.writers[0] != w {
		w.cv.Wait()
	}
	if w.done {
		// Another leader wrote our batch as part of its group commit.
		return w.err
	}

	// We are the head of the queue: the leader for this group commit.
	err := d.bgErr
	if err == nil && d.closed {
		err = ErrClosed
	}
	if err == nil {
		err = d.makeRoomForWrite(false)
	}

	lastWriter := 0
	if err == nil {
		var group *Batch
		group, lastWriter = d.buildBatchGroup()

		seqNum := d.versions.lastSequence + 1
		group.setSeqNum(seqNum)
		count := group.count()

		mem := d.mem
		log, logFile := d.log, d.logFile
		syncWAL := false
		for i := 0; i <= lastWriter; i++ {
			syncWAL = syncWAL || d.writers[i].sync
		}

		// Release the mutex across the log I/O and the memtable insertion.
		// The queue discipline keeps other writers out; readers are safe
		// because the new entries' sequence numbers are not yet published.
		d.mu.Unlock()
		werr := func() error {
			if _, err := log.WriteRecord(group.Repr()); err != nil {
				return base.MarkIOError(err, "cobble: could not write log entry")
			}
			if syncWAL {
				if err := log.Flush(); err != nil {
					return base.MarkIOError(err, "cobble: could not flush log entry")
				}
				if err := logFile.Sync(); err != nil {
					return base.MarkIOError(err, "cobble: could not sync log entry")
				}
			}
			return mem.apply(group, seqNum)
		}()
		d.mu.Lock()

		if werr == nil {
			// Publish: the group's mutations become visible to new reads.
			d.versions.lastSequence += base.SeqNum(count)
		} else {
			// The WAL is in an unknown state; poison subsequent writes until
			// the DB is reopened.
			d.recordBackgroundError(werr)
		}
		err = werr

		if group == d.tmpBatch {
			d.tmpBatch.Reset()
		}
	}

	// Complete every writer in the group and signal the next leader.
	for i := 0; i <= lastWriter; i++ {
		ww := d.writers[i]
		if ww != w {
			ww.err = err
			ww.done = true
			ww.cv.Signal()
		}
	}
	d.writers = d.writers[lastWriter+1:]
	if len(d.writers) > 0 {
		d.writers[0].cv.Signal()
	} else if d.closed {
		// Close waits for the queue to drain.
		d.compactionCond.Broadcast()
	}
	return err
}

// buildBatchGroup absorbs the batches of waiting writers into the leader's
// group commit, up to a size cap, and returns the combined batch along with
// the index of the last absorbed writer.
//
// d.mu must be held. The leader is d.writers[0].
func (d *DB) buildBatchGroup() (*Batch, int) {
	leader := d.writers[0]

	maxSize := maxGroupCommitBytes
	if size := len(leader.batch.Repr()); size <= smallBatchGroupLimit {
		// Limit the growth of small writes so that a latency-sensitive
		// caller is not penalized too much by piggybacking traffic.
		maxSize = size + smallBatchGroupLimit
	}

	group := leader.batch
	size := len(leader.batch.Repr())
	last := 0
	for i := 1; i < len(d.writers); i++ {
		ww := d.writers[i]
		if ww.batch == nil {
			// A rotation request; it must lead its own turn.
			break
		}
		if ww.sync && !leader.sync {
			// Do not include a sync write into a batch handled by a
			// non-sync write.
			break
		}
		size += len(ww.batch.Repr()) - batchHeaderLen
		if size > maxSize {
			break
		}
		if group == leader.batch {
			// Switch to the temporary batch instead of disturbing the
			// caller's batch.
			group = d.tmpBatch
			group.append(leader.batch)
		}
		group.append(ww.batch)
		last = i
	}
	return group, last
}
