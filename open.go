// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"bytes"
	"io"
	"sort"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/cache"
	"github.com/cobbledb/cobble/record"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
)

// createDB writes the initial manifest and CURRENT file of an empty DB.
func createDB(dirname string, opts *Options) (retErr error) {
	const manifestFileNum = 1
	ve := versionEdit{
		comparatorName: opts.Comparer.Name,
		nextFileNumber: manifestFileNum + 1,
	}
	fs := opts.FS
	manifestFilename := dbFilename(fs, dirname, base.FileTypeManifest, manifestFileNum)
	f, err := fs.Create(manifestFilename)
	if err != nil {
		return base.MarkIOError(err, "cobble: could not create manifest")
	}
	defer func() {
		if retErr != nil {
			fs.Remove(manifestFilename)
		}
	}()
	defer f.Close()

	recWriter := record.NewWriter(f)
	w, err := recWriter.Next()
	if err != nil {
		return err
	}
	if err := ve.encode(w); err != nil {
		return err
	}
	if err := recWriter.Close(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}
	return setCurrentFile(fs, dirname, manifestFileNum)
}

type fileNumAndName struct {
	num  base.FileNum
	name string
}

type fileNumAndNameSlice []fileNumAndName

func (p fileNumAndNameSlice) Len() int           { return len(p) }
func (p fileNumAndNameSlice) Less(i, j int) bool { return p[i].num < p[j].num }
func (p fileNumAndNameSlice) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }

// Open opens a DB whose files live in the given directory. The DB is
// created if it does not exist, unless Options.ErrorIfDBDoesNotExist is
// set.
func Open(dirname string, opts *Options) (*DB, error) {
	opts = opts.EnsureDefaults()
	d := &DB{
		dirname:        dirname,
		opts:           opts,
		cmp:            opts.Comparer,
		fs:             opts.FS,
		tmpBatch:       &Batch{},
		pendingOutputs: make(map[base.FileNum]struct{}),
	}
	d.icmp = func(a, b base.InternalKey) int {
		return base.InternalCompare(opts.Comparer.Compare, a, b)
	}
	d.blockCache = cache.New(opts.BlockCacheSize)
	tableCacheSize := opts.MaxOpenFiles - numNonTableCacheFiles
	if tableCacheSize < minTableCacheSize {
		tableCacheSize = minTableCacheSize
	}
	d.tableCache.init(dirname, d.fs, opts, d.blockCache, tableCacheSize)
	d.versions.init(dirname, opts)
	d.snapshots.init()
	d.compactionCond.L = &d.mu
	fs := d.fs

	d.mu.Lock()
	defer d.mu.Unlock()

	// Lock the database directory.
	if err := fs.MkdirAll(dirname, 0755); err != nil {
		return nil, base.MarkIOError(err, "cobble: could not create database directory")
	}
	fileLock, err := fs.Lock(dbFilename(fs, dirname, base.FileTypeLock, 0))
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "cobble: could not lock database %q", dirname), ErrLocked)
	}
	defer func() {
		if fileLock != nil {
			fileLock.Close()
		}
	}()

	if _, err := fs.Stat(dbFilename(fs, dirname, base.FileTypeCurrent, 0)); oserror.IsNotExist(err) {
		if opts.ErrorIfDBDoesNotExist {
			return nil, base.InvalidArgumentErrorf("cobble: database %q does not exist", dirname)
		}
		// Create the DB if it did not already exist.
		if err := createDB(dirname, opts); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, base.MarkIOError(err, "cobble: could not stat CURRENT")
	} else if opts.ErrorIfDBExists {
		return nil, base.InvalidArgumentErrorf("cobble: database %q already exists", dirname)
	}

	// Load the version set.
	if err := d.versions.load(); err != nil {
		return nil, err
	}

	// Replay any newer log files than the ones named in the manifest.
	var ve versionEdit
	ls, err := fs.List(dirname)
	if err != nil {
		return nil, base.MarkIOError(err, "cobble: could not list database directory")
	}
	var logFiles fileNumAndNameSlice
	for _, filename := range ls {
		ft, fn, ok := base.ParseFilename(filename)
		if ok && ft == base.FileTypeLog &&
			(fn >= d.versions.logNumber || fn == d.versions.prevLogNumber) {
			logFiles = append(logFiles, fileNumAndName{fn, filename})
		}
	}
	sort.Sort(logFiles)
	for _, lf := range logFiles {
		maxSeqNum, err := d.replayLogFile(&ve, fs.PathJoin(dirname, lf.name))
		if err != nil {
			return nil, err
		}
		d.versions.markFileNumUsed(lf.num)
		if d.versions.lastSequence < maxSeqNum {
			d.versions.lastSequence = maxSeqNum
		}
	}

	// Create an empty .log file.
	newLogNumber := d.versions.nextFileNum()
	logFile, err := fs.Create(dbFilename(fs, dirname, base.FileTypeLog, newLogNumber))
	if err != nil {
		return nil, base.MarkIOError(err, "cobble: could not create log file")
	}
	defer func() {
		if logFile != nil {
			logFile.Close()
		}
	}()
	d.log = record.NewWriter(logFile)
	d.mem = newMemTable(d.cmp.Compare, newLogNumber)
	ve.logNumber = newLogNumber

	// Write the new manifest to disk.
	if err := d.versions.logAndApply(&d.mu, &ve); err != nil {
		return nil, err
	}
	for _, nf := range ve.newFiles {
		delete(d.pendingOutputs, nf.meta.fileNum)
	}

	d.deleteObsoleteFiles()
	d.maybeScheduleCompaction()

	d.logFile, logFile = logFile, nil
	d.fileLock, fileLock = fileLock, nil
	return d, nil
}

// replayLogFile replays the batches in the named log file into fresh
// memtables, rolling them over to new level-0 tables as they fill. It
// returns the largest sequence number observed.
//
// d.mu must be held when calling this, but the mutex may be dropped and
// re-acquired during the course of this method.
func (d *DB) replayLogFile(ve *versionEdit, filename string) (maxSeqNum base.SeqNum, err error) {
	file, err := d.fs.Open(filename)
	if err != nil {
		return 0, base.MarkIOError(err, "cobble: could not open log file")
	}
	defer file.Close()

	var (
		mem      *memTable
		batchBuf = new(bytes.Buffer)
		rr       = record.NewReader(file)
	)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				// A torn tail is the expected shape of a crash: everything
				// up to it has been replayed, which is all that was
				// promised.
				break
			}
			return 0, base.MarkCorruptionError(err)
		}
		batchBuf.Reset()
		if _, err := io.Copy(batchBuf, r); err != nil {
			if record.IsInvalidRecord(err) && !d.opts.ParanoidChecks {
				break
			}
			return 0, base.MarkCorruptionError(err)
		}

		if batchBuf.Len() < batchHeaderLen {
			return 0, base.CorruptionErrorf("cobble: corrupt log file %q (log has batch of %d bytes)",
				filename, batchBuf.Len())
		}
		var b Batch
		b.data = batchBuf.Bytes()
		seqNum := b.seqNum()
		if n := base.SeqNum(b.count()); n > 0 && maxSeqNum < seqNum+n-1 {
			maxSeqNum = seqNum + n - 1
		}

		if mem == nil {
			mem = newMemTable(d.cmp.Compare, 0)
		}
		if err := mem.apply(&b, seqNum); err != nil {
			return 0, base.MarkCorruptionError(
				errors.Wrapf(err, "cobble: corrupt log file %q", filename))
		}

		if mem.approximateMemoryUsage() > d.opts.WriteBufferSize {
			meta, err := d.writeLevel0Table(mem)
			if err != nil {
				return 0, err
			}
			ve.newFiles = append(ve.newFiles, newFileEntry{level: 0, meta: meta})
			mem = nil
		}
	}

	if mem != nil && !mem.empty() {
		meta, err := d.writeLevel0Table(mem)
		if err != nil {
			return 0, err
		}
		ve.newFiles = append(ve.newFiles, newFileEntry{level: 0, meta: meta})
		// Strictly speaking, it's too early to delete meta.fileNum from
		// d.pendingOutputs, but we are replaying the log file, which
		// happens before Open returns, so there is no possibility of
		// deleteObsoleteFiles being called concurrently here. Open clears
		// the entries after installing the edit.
	}

	return maxSeqNum, nil
}
