// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/sstable"
	"github.com/cobbledb/cobble/vfs"
)

const (
	// targetFileSize is the goal size of a compaction output table.
	targetFileSize = 2 * 1024 * 1024

	// maxGrandparentOverlapBytes is the maximum number of bytes of overlap
	// with level+2 before we stop building a single output. A large output
	// would make future compactions at level+1 pick up an oversized set of
	// level+2 inputs.
	maxGrandparentOverlapBytes = 10 * targetFileSize

	// expandedCompactionByteSizeLimit is the maximum number of bytes in all
	// compacted files. We avoid expanding the lower level file set of a
	// compaction if it would make the total compaction cover more than this
	// many bytes.
	expandedCompactionByteSizeLimit = 25 * targetFileSize
)

// compaction is a table compaction from one level to the next, starting from
// a given version.
type compaction struct {
	version *version

	// level is the level that is being compacted. Inputs from level and
	// level+1 will be merged to produce a set of level+1 files.
	level int

	// inputs[0] and inputs[1] are the tables to be compacted from level and
	// level+1. inputs[2] (the grandparent tables at level+2) constrain
	// output splitting.
	inputs [3][]*fileMetadata

	// State for shouldStopBefore: the position within the grandparent files
	// and the bytes of overlap accumulated into the current output.
	grandparentIndex int
	seenKey          bool
	overlappedBytes  uint64
}

// pickCompaction picks the best compaction, if any, for the current version.
// The DB mutex must be held.
func (d *DB) pickCompaction() (c *compaction) {
	cur := d.versions.currentVersion()

	// Pick a compaction based on size. If none is needed, fall back to one
	// based on seeks: a file whose allowed_seeks budget was exhausted by
	// gets that had to probe past it.
	if cur.compactionScore >= 1 {
		c = &compaction{
			version: cur,
			level:   cur.compactionLevel,
		}
		// Pick the first file that comes after the compaction pointer for
		// this level, wrapping to the start of the level.
		for _, f := range cur.files[c.level] {
			cp := d.versions.compactPointer[c.level]
			if cp == nil || d.icmp(f.largest, base.DecodeInternalKey(cp)) > 0 {
				c.inputs[0] = []*fileMetadata{f}
				break
			}
		}
		if len(c.inputs[0]) == 0 {
			// Wrap-around to the beginning of the key space.
			c.inputs[0] = []*fileMetadata{cur.files[c.level][0]}
		}
	} else if cur.seekCompactFile != nil {
		c = &compaction{
			version: cur,
			level:   cur.seekCompactLevel,
			inputs:  [3][]*fileMetadata{{cur.seekCompactFile}},
		}
	} else {
		return nil
	}

	// Files in level 0 may overlap each other, so pick up all overlapping
	// ones.
	if c.level == 0 {
		smallest, largest := ikeyRange(d.icmp, c.inputs[0], nil)
		c.inputs[0] = c.version.overlaps(0, d.cmp.Compare, smallest.UserKey, largest.UserKey)
		if len(c.inputs[0]) == 0 {
			panic("cobble: empty compaction")
		}
	}

	d.setupOtherInputs(c)
	return c
}

// pickManualCompaction constructs a compaction of every file at the manual
// compaction's level overlapping its range, or nil if there are none.
func (d *DB) pickManualCompaction(m *manualCompaction) *compaction {
	cur := d.versions.currentVersion()
	c := &compaction{
		version: cur,
		level:   m.level,
	}
	c.inputs[0] = cur.overlaps(m.level, d.cmp.Compare, m.start, m.end)
	if len(c.inputs[0]) == 0 {
		return nil
	}
	d.setupOtherInputs(c)
	return c
}

// setupOtherInputs fills in the rest of the compaction inputs, regardless of
// how the compaction was triggered.
func (d *DB) setupOtherInputs(c *compaction) {
	smallest0, largest0 := ikeyRange(d.icmp, c.inputs[0], nil)
	c.inputs[1] = c.version.overlaps(c.level+1, d.cmp.Compare, smallest0.UserKey, largest0.UserKey)
	smallest01, largest01 := ikeyRange(d.icmp, c.inputs[0], c.inputs[1])

	// Grow the level inputs if it doesn't affect the number of level+1
	// files and the total stays within bounds.
	if c.grow(d, smallest01, largest01) {
		smallest01, largest01 = ikeyRange(d.icmp, c.inputs[0], c.inputs[1])
	}

	// Compute the set of grandparent files that overlap this compaction.
	if c.level+2 < numLevels {
		c.inputs[2] = c.version.overlaps(c.level+2, d.cmp.Compare, smallest01.UserKey, largest01.UserKey)
	}
}

// grow grows the number of inputs at c.level without changing the number of
// c.level+1 files in the compaction, and returns whether the inputs grew. sm
// and la are the smallest and largest internal keys in all of the inputs.
func (c *compaction) grow(d *DB, sm, la base.InternalKey) bool {
	if len(c.inputs[1]) == 0 {
		return false
	}
	grow0 := c.version.overlaps(c.level, d.cmp.Compare, sm.UserKey, la.UserKey)
	if len(grow0) <= len(c.inputs[0]) {
		return false
	}
	if totalSize(grow0)+totalSize(c.inputs[1]) >= expandedCompactionByteSizeLimit {
		return false
	}
	sm1, la1 := ikeyRange(d.icmp, grow0, nil)
	grow1 := c.version.overlaps(c.level+1, d.cmp.Compare, sm1.UserKey, la1.UserKey)
	if len(grow1) != len(c.inputs[1]) {
		return false
	}
	c.inputs[0] = grow0
	c.inputs[1] = grow1
	return true
}

// isTrivialMove reports whether the compaction can be implemented by simply
// re-levelling the single input file, with no merging or rewriting.
func (c *compaction) isTrivialMove() bool {
	return len(c.inputs[0]) == 1 &&
		len(c.inputs[1]) == 0 &&
		totalSize(c.inputs[2]) <= maxGrandparentOverlapBytes
}

// isBaseLevelForUkey reports whether it is guaranteed that there are no
// key/value pairs at c.level+2 or higher that have the given user key.
func (c *compaction) isBaseLevelForUkey(ucmp base.Compare, ukey []byte) bool {
	// TODO: this can be faster if ukey is always increasing between
	// successive isBaseLevelForUkey calls and we can keep some state in
	// between calls.
	for level := c.level + 2; level < numLevels; level++ {
		for _, f := range c.version.files[level] {
			if ucmp(ukey, f.largest.UserKey) <= 0 {
				if ucmp(ukey, f.smallest.UserKey) >= 0 {
					return false
				}
				// For levels above level 0, the files within a level are in
				// increasing ikey order, so we can break early.
				break
			}
		}
	}
	return true
}

// shouldStopBefore reports whether writing the given key to the current
// compaction output would cause the output to overlap more than
// maxGrandparentOverlapBytes with the grandparent level, in which case the
// current output should be finished first.
func (c *compaction) shouldStopBefore(key base.InternalKey, icmp func(a, b base.InternalKey) int) bool {
	gp := c.inputs[2]
	for c.grandparentIndex < len(gp) && icmp(key, gp[c.grandparentIndex].largest) > 0 {
		if c.seenKey {
			c.overlappedBytes += gp[c.grandparentIndex].size
		}
		c.grandparentIndex++
	}
	c.seenKey = true
	if c.overlappedBytes > maxGrandparentOverlapBytes {
		c.overlappedBytes = 0
		return true
	}
	return false
}

// manualCompaction is a CompactRange request for a single level.
type manualCompaction struct {
	level      int
	start, end []byte
	done       bool
	err        error
}

// maybeScheduleCompaction starts the background worker if there is work for
// it and none is running. The DB mutex must be held.
func (d *DB) maybeScheduleCompaction() {
	if d.compacting || d.closed || d.bgErr != nil {
		return
	}
	if d.imm == nil && d.manualCompaction == nil {
		cur := d.versions.currentVersion()
		if cur == nil || (cur.compactionScore < 1 && cur.seekCompactFile == nil) {
			return
		}
	}
	d.compacting = true
	go d.backgroundCompaction()
}

// backgroundCompaction runs one unit of compaction work, then reschedules.
func (d *DB) backgroundCompaction() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.compact1(); err != nil && !d.closed {
		d.recordBackgroundError(err)
	}
	d.compacting = false
	// The previous compaction may have produced too many files in a level,
	// so check again.
	d.maybeScheduleCompaction()
	d.compactionCond.Broadcast()
}

// compact1 runs one compaction: the immutable memtable flush if one is
// pending, otherwise the best table compaction, if any.
//
// d.mu must be held when calling this, but the mutex is dropped and
// re-acquired during the course of this method.
func (d *DB) compact1() error {
	if d.closed {
		return nil
	}
	if d.imm != nil {
		return d.compactMemTable()
	}

	var c *compaction
	manual := d.manualCompaction
	if manual != nil {
		c = d.pickManualCompaction(manual)
		if c == nil {
			manual.done = true
			d.manualCompaction = nil
			return nil
		}
	} else {
		c = d.pickCompaction()
	}
	if c == nil {
		return nil
	}

	err := func() error {
		if manual == nil && c.isTrivialMove() {
			// Move the file to the next level without rewriting it.
			meta := c.inputs[0][0]
			ve := &versionEdit{
				deletedFiles: map[deletedFileEntry]bool{
					{level: c.level, fileNum: meta.fileNum}: true,
				},
				newFiles: []newFileEntry{
					{level: c.level + 1, meta: meta},
				},
			}
			d.opts.Logger.Infof("cobble: moving table %s (%d bytes) from level %d to %d",
				meta.fileNum, meta.size, c.level, c.level+1)
			return d.versions.logAndApply(&d.mu, ve)
		}
		return d.compactDiskTables(c)
	}()

	if manual != nil {
		if err != nil {
			manual.err = err
			manual.done = true
			d.manualCompaction = nil
		}
		// On success the manual compaction stays queued; the rescheduled
		// worker picks up the remaining overlapping files, finishing the
		// level when none remain.
	}
	if err == nil {
		d.deleteObsoleteFiles()
	}
	return err
}

// compactMemTable flushes the immutable memtable to a level-0 table and
// installs it.
//
// d.mu must be held when calling this, but the mutex is dropped and
// re-acquired during the course of this method.
func (d *DB) compactMemTable() error {
	if d.imm.empty() {
		// A forced rotation can hand off an empty memtable; there is
		// nothing to write.
		d.imm = nil
		d.compactionCond.Broadcast()
		return nil
	}
	meta, err := d.writeLevel0Table(d.imm)
	if err != nil {
		return err
	}
	ve := &versionEdit{
		// Once the flush is installed, WALs older than the mutable
		// memtable's are obsolete.
		logNumber: d.mem.logNum,
		newFiles: []newFileEntry{
			{level: 0, meta: meta},
		},
	}
	err = d.versions.logAndApply(&d.mu, ve)
	delete(d.pendingOutputs, meta.fileNum)
	if err != nil {
		return err
	}
	d.imm = nil
	d.deleteObsoleteFiles()
	// Writers may be waiting on the memtable rotation.
	d.compactionCond.Broadcast()
	return nil
}

// writeLevel0Table writes the contents of the given memtable to a new
// on-disk table.
//
// If no error is returned, it adds the file number of the new table to
// d.pendingOutputs. It is the caller's responsibility to remove that fileNum
// from the set once the table has been installed into d.versions.
//
// d.mu must be held when calling this, but the mutex is dropped and
// re-acquired during the course of this method.
func (d *DB) writeLevel0Table(mem *memTable) (meta *fileMetadata, err error) {
	meta = &fileMetadata{}
	meta.fileNum = d.versions.nextFileNum()
	filename := dbFilename(d.fs, d.dirname, base.FileTypeTable, meta.fileNum)
	d.pendingOutputs[meta.fileNum] = struct{}{}
	defer func(fileNum base.FileNum) {
		if err != nil {
			delete(d.pendingOutputs, fileNum)
		}
	}(meta.fileNum)

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	var (
		file vfs.File
		tw   *sstable.Writer
		iter base.InternalIterator
	)
	defer func() {
		if iter != nil {
			err = firstError(err, iter.Close())
		}
		if tw != nil {
			err = firstError(err, tw.Close())
		}
		if err != nil {
			d.fs.Remove(filename)
			meta = nil
		}
	}()

	file, err = d.fs.Create(filename)
	if err != nil {
		return nil, err
	}
	tw = sstable.NewWriter(file, d.sstableWriterOptions())

	iter = mem.newIter()
	iter.First()
	if !iter.Valid() {
		return nil, base.AssertionFailedf("cobble: flushing empty memtable")
	}
	meta.smallest = iter.Key().Clone()
	for ; iter.Valid(); iter.Next() {
		meta.largest = iter.Key()
		if err1 := tw.Add(iter.Key(), iter.Value()); err1 != nil {
			return nil, err1
		}
	}
	meta.largest = meta.largest.Clone()

	if err1 := iter.Close(); err1 != nil {
		iter = nil
		return nil, err1
	}
	iter = nil

	if err1 := tw.Close(); err1 != nil {
		tw = nil
		return nil, err1
	}
	tw = nil

	stat, err1 := d.fs.Stat(filename)
	if err1 != nil {
		return nil, err1
	}
	meta.size = uint64(stat.Size())
	meta.initAllowedSeeks()

	d.opts.Logger.Infof("cobble: flushed memtable to table %s (%d bytes)",
		meta.fileNum, meta.size)
	return meta, nil
}

// compactDiskTables merges the compaction's input tables and installs the
// result, producing a set of level+1 output tables none of which is too
// large or overlaps the grandparent level too much.
//
// d.mu must be held when calling this, but the mutex is dropped and
// re-acquired during the course of this method.
func (d *DB) compactDiskTables(c *compaction) (err error) {
	// Entries at or below the smallest live snapshot can be dropped when
	// shadowed; newer entries must be preserved for the snapshots that can
	// still observe them.
	smallestSnapshot := d.versions.lastSequence
	if s := d.snapshots.earliest(); s < smallestSnapshot {
		smallestSnapshot = s
	}

	ve := &versionEdit{
		deletedFiles: map[deletedFileEntry]bool{},
	}
	for i := 0; i < 2; i++ {
		for _, f := range c.inputs[i] {
			ve.deletedFiles[deletedFileEntry{
				level:   c.level + i,
				fileNum: f.fileNum,
			}] = true
		}
	}

	var newFileNums []base.FileNum
	defer func() {
		if err != nil {
			// Remove any temporary output files.
			for _, fileNum := range newFileNums {
				d.fs.Remove(dbFilename(d.fs, d.dirname, base.FileTypeTable, fileNum))
				delete(d.pendingOutputs, fileNum)
			}
		} else {
			for _, fileNum := range newFileNums {
				delete(d.pendingOutputs, fileNum)
			}
		}
	}()

	d.opts.Logger.Infof("cobble: compacting %d files at level %d with %d files at level %d",
		len(c.inputs[0]), c.level, len(c.inputs[1]), c.level+1)

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	iter, err := d.compactionIterator(c)
	if err != nil {
		return err
	}
	defer func() {
		err = firstError(err, iter.Close())
	}()

	var (
		tw       *sstable.Writer
		filename string
		meta     *fileMetadata
	)
	defer func() {
		if tw != nil {
			err = firstError(err, tw.Close())
		}
	}()

	finishOutput := func(largest base.InternalKey) error {
		meta.largest = largest.Clone()
		if err := tw.Close(); err != nil {
			tw = nil
			return err
		}
		tw = nil
		stat, err := d.fs.Stat(filename)
		if err != nil {
			return err
		}
		meta.size = uint64(stat.Size())
		meta.initAllowedSeeks()
		ve.newFiles = append(ve.newFiles, newFileEntry{
			level: c.level + 1,
			meta:  meta,
		})
		meta = nil
		return nil
	}

	var (
		currentUkey    []byte
		hasCurrentUkey bool
		lastSeqForUkey = base.SeqNumMax
		prevKey        base.InternalKey
	)
	for iter.First(); iter.Valid(); iter.Next() {
		ikey := iter.Key()
		if !ikey.Valid() {
			return base.CorruptionErrorf("cobble: corrupt internal key during compaction")
		}

		if !hasCurrentUkey || d.cmp.Compare(ikey.UserKey, currentUkey) != 0 {
			// First occurrence of this user key.
			currentUkey = append(currentUkey[:0], ikey.UserKey...)
			hasCurrentUkey = true
			lastSeqForUkey = base.SeqNumMax
		}

		drop := false
		if lastSeqForUkey <= smallestSnapshot {
			// Hidden by a newer entry for the same user key that is itself
			// at or below the smallest snapshot.
			drop = true
		} else if ikey.Kind() == base.InternalKeyKindDelete &&
			ikey.SeqNum() <= smallestSnapshot &&
			c.isBaseLevelForUkey(d.cmp.Compare, ikey.UserKey) {
			// This deletion marker is invisible to all live snapshots, it
			// shadows no entries in lower levels, and the entries it
			// shadows in the inputs are being dropped right here. It is
			// therefore safe to elide the marker itself.
			drop = true
		}
		lastSeqForUkey = ikey.SeqNum()

		if drop {
			continue
		}

		if tw != nil && c.shouldStopBefore(ikey, d.icmp) {
			if err := finishOutput(prevKey); err != nil {
				return err
			}
		}
		if tw == nil {
			d.mu.Lock()
			fileNum := d.versions.nextFileNum()
			d.pendingOutputs[fileNum] = struct{}{}
			d.mu.Unlock()
			newFileNums = append(newFileNums, fileNum)

			filename = dbFilename(d.fs, d.dirname, base.FileTypeTable, fileNum)
			file, err := d.fs.Create(filename)
			if err != nil {
				return err
			}
			tw = sstable.NewWriter(file, d.sstableWriterOptions())
			meta = &fileMetadata{
				fileNum:  fileNum,
				smallest: ikey.Clone(),
			}
		}

		if err := tw.Add(ikey, iter.Value()); err != nil {
			return err
		}
		prevKey = ikey.Clone()

		if tw.EstimatedSize() >= targetFileSize {
			if err := finishOutput(prevKey); err != nil {
				return err
			}
		}
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if tw != nil {
		if err := finishOutput(prevKey); err != nil {
			return err
		}
	}

	// Re-acquire the lock, install the edit and record the compaction
	// pointer so the next compaction at this level resumes after this one.
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(c.inputs[0]) > 0 {
		_, largest := ikeyRange(d.icmp, c.inputs[0], nil)
		buf := make([]byte, largest.Size())
		largest.Encode(buf)
		ve.compactPointers = append(ve.compactPointers, compactPointerEntry{
			level: c.level,
			key:   buf,
		})
	}
	return d.versions.logAndApply(&d.mu, ve)
}

// compactionIterator returns a merged iterator over the compaction's
// inputs. Level 0 tables may overlap arbitrarily, so each contributes its
// own iterator; a deeper level contributes a single level iterator.
func (d *DB) compactionIterator(c *compaction) (base.InternalIterator, error) {
	iters := make([]base.InternalIterator, 0, len(c.inputs[0])+1)
	closeAll := func() {
		for _, it := range iters {
			it.Close()
		}
	}
	if c.level == 0 {
		for _, f := range c.inputs[0] {
			it, err := d.tableCache.newIter(f.fileNum)
			if err != nil {
				closeAll()
				return nil, err
			}
			iters = append(iters, it)
		}
	} else {
		iters = append(iters, newLevelIter(d.icmp, &d.tableCache, c.inputs[0]))
	}
	iters = append(iters, newLevelIter(d.icmp, &d.tableCache, c.inputs[1]))
	return newMergingIter(d.cmp.Compare, iters...), nil
}

// deleteObsoleteFiles deletes those files that are no longer needed.
//
// d.mu must be held when calling this, but the mutex is dropped and
// re-acquired during the course of this method.
func (d *DB) deleteObsoleteFiles() {
	liveFileNums := make(map[base.FileNum]struct{})
	for fileNum := range d.pendingOutputs {
		liveFileNums[fileNum] = struct{}{}
	}
	d.versions.addLiveFileNums(liveFileNums)
	logNumber := d.versions.logNumber
	prevLogNumber := d.versions.prevLogNumber
	manifestFileNumber := d.versions.manifestFileNumber

	// Release the d.mu lock while doing I/O.
	// Note the unusual order: Unlock and then Lock.
	d.mu.Unlock()
	defer d.mu.Lock()

	list, err := d.fs.List(d.dirname)
	if err != nil {
		// Ignore any filesystem errors.
		return
	}
	for _, filename := range list {
		fileType, fileNum, ok := base.ParseFilename(filename)
		if !ok {
			continue
		}
		keep := true
		switch fileType {
		case base.FileTypeLog:
			keep = fileNum >= logNumber || fileNum == prevLogNumber
		case base.FileTypeManifest:
			keep = fileNum >= manifestFileNumber
		case base.FileTypeTable, base.FileTypeOldTable:
			_, keep = liveFileNums[fileNum]
		case base.FileTypeTemp:
			keep = false
		}
		if keep {
			continue
		}
		if fileType == base.FileTypeTable || fileType == base.FileTypeOldTable {
			d.tableCache.evict(fileNum)
		}
		d.opts.Logger.Infof("cobble: deleting obsolete %s file %s", fileType, fileNum)
		// Ignore any file system errors.
		d.fs.Remove(d.fs.PathJoin(d.dirname, filename))
	}
}
