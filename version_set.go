// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"io"
	"sync"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/record"
	"github.com/cobbledb/cobble/vfs"
)

// versionSet owns the authoritative catalog of which sorted files live at
// which level: the current version, the log of edits to it (the manifest),
// the file number counter and the last assigned sequence number.
type versionSet struct {
	dirname string
	opts    *Options
	fs      vfs.FS
	ucmp    base.Compare
	icmp    func(a, b base.InternalKey) int

	// dummyVersion is the head of a circular doubly-linked list of versions.
	// dummyVersion.prev is the current version.
	dummyVersion version

	logNumber          base.FileNum
	prevLogNumber      base.FileNum
	nextFileNumber     base.FileNum
	lastSequence       base.SeqNum
	manifestFileNumber base.FileNum

	// compactPointer[level] is the encoded largest internal key of the most
	// recent compaction at that level: the smallest key to consider next,
	// rotating compaction work around the keyspace.
	compactPointer [numLevels][]byte

	manifestFile vfs.File
	manifest     *record.Writer
}

func (vs *versionSet) init(dirname string, opts *Options) {
	vs.dirname = dirname
	vs.opts = opts
	vs.fs = opts.FS
	vs.ucmp = opts.Comparer.Compare
	vs.icmp = func(a, b base.InternalKey) int {
		return base.InternalCompare(opts.Comparer.Compare, a, b)
	}
	vs.dummyVersion.prev = &vs.dummyVersion
	vs.dummyVersion.next = &vs.dummyVersion
	vs.nextFileNumber = 2
}

// currentVersion returns the current version, or nil if no version has been
// installed yet.
func (vs *versionSet) currentVersion() *version {
	if vs.dummyVersion.prev == &vs.dummyVersion {
		return nil
	}
	return vs.dummyVersion.prev
}

// appendVersion installs v as the current version, transferring the version
// set's reference from the previous current version. The DB mutex must be
// held.
func (vs *versionSet) appendVersion(v *version) {
	old := vs.currentVersion()
	v.ref()
	v.prev = vs.dummyVersion.prev
	v.next = &vs.dummyVersion
	v.prev.next = v
	v.next.prev = v
	if old != nil {
		old.unref()
	}
}

// markFileNumUsed records that a file number was observed in use, keeping
// the counter ahead of it.
func (vs *versionSet) markFileNumUsed(fileNum base.FileNum) {
	if vs.nextFileNumber <= fileNum {
		vs.nextFileNumber = fileNum + 1
	}
}

// nextFileNum allocates and returns a fresh file number.
func (vs *versionSet) nextFileNum() base.FileNum {
	x := vs.nextFileNumber
	vs.nextFileNumber++
	return x
}

// addLiveFileNums adds the file numbers referenced by any live version to
// the map. The DB mutex must be held.
func (vs *versionSet) addLiveFileNums(m map[base.FileNum]struct{}) {
	for v := vs.dummyVersion.next; v != &vs.dummyVersion; v = v.next {
		for _, ff := range v.files {
			for _, f := range ff {
				m[f.fileNum] = struct{}{}
			}
		}
	}
}

// load loads the version set from the manifest file named by CURRENT.
func (vs *versionSet) load() error {
	// Read the CURRENT file to find the current manifest file.
	current, err := vs.fs.Open(dbFilename(vs.fs, vs.dirname, base.FileTypeCurrent, 0))
	if err != nil {
		return base.MarkIOError(err, "cobble: could not open CURRENT file")
	}
	defer current.Close()
	stat, err := current.Stat()
	if err != nil {
		return base.MarkIOError(err, "cobble: could not stat CURRENT file")
	}
	n := stat.Size()
	if n == 0 {
		return base.CorruptionErrorf("cobble: CURRENT file for %q is empty", vs.dirname)
	}
	if n > 4096 {
		return base.CorruptionErrorf("cobble: CURRENT file for %q is too large", vs.dirname)
	}
	b := make([]byte, n)
	if _, err := current.ReadAt(b, 0); err != nil {
		return base.MarkIOError(err, "cobble: could not read CURRENT file")
	}
	if b[n-1] != '\n' {
		return base.CorruptionErrorf("cobble: CURRENT file for %q is malformed", vs.dirname)
	}
	b = b[:n-1]

	// Read the versionEdits in the manifest file.
	var bve versionEditBuilder
	manifestName := vs.fs.PathJoin(vs.dirname, string(b))
	manifest, err := vs.fs.Open(manifestName)
	if err != nil {
		return base.MarkIOError(err, "cobble: could not open manifest file")
	}
	defer manifest.Close()
	rr := record.NewReader(manifest)
	for {
		r, err := rr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return base.MarkCorruptionError(err)
		}
		var ve versionEdit
		if err := ve.decode(r); err != nil {
			return err
		}
		if ve.comparatorName != "" {
			if s, t := ve.comparatorName, vs.opts.Comparer.Name; s != t {
				return base.InvalidArgumentErrorf(
					"cobble: manifest comparer name %q does not match Options comparer name %q", s, t)
			}
		}
		bve.apply(&ve)
		if ve.logNumber != 0 {
			vs.logNumber = ve.logNumber
		}
		if ve.prevLogNumber != 0 {
			vs.prevLogNumber = ve.prevLogNumber
		}
		if ve.nextFileNumber != 0 {
			vs.nextFileNumber = ve.nextFileNumber
		}
		if ve.lastSequence != 0 {
			vs.lastSequence = ve.lastSequence
		}
		for _, cp := range ve.compactPointers {
			vs.compactPointer[cp.level] = cp.key
		}
	}

	base0 := &version{}
	v, err := bve.saveTo(base0, vs.icmp, vs.ucmp)
	if err != nil {
		return err
	}
	vs.appendVersion(v)
	vs.markFileNumUsed(vs.logNumber)
	vs.markFileNumUsed(vs.prevLogNumber)
	return nil
}

// logAndApply applies the edit to the current version, appends the edit to
// the manifest (creating and installing a fresh manifest, with a snapshot of
// the current state as its first record, if there is none), syncs it, and
// installs the new version as current.
//
// The DB mutex must be held; it is released while the manifest I/O is in
// flight and re-acquired before returning. Only the background thread and
// Open call logAndApply, never concurrently.
func (vs *versionSet) logAndApply(mu *sync.Mutex, ve *versionEdit) error {
	if ve.logNumber != 0 {
		if ve.logNumber < vs.logNumber || vs.nextFileNumber <= ve.logNumber {
			panic("cobble: inconsistent versionEdit logNumber")
		}
	}
	ve.nextFileNumber = vs.nextFileNumber
	ve.lastSequence = vs.lastSequence

	var bve versionEditBuilder
	bve.apply(ve)
	cur := vs.currentVersion()
	if cur == nil {
		cur = &version{}
	}
	newVersion, err := bve.saveTo(cur, vs.icmp, vs.ucmp)
	if err != nil {
		return err
	}

	newManifest := vs.manifest == nil
	if newManifest {
		vs.manifestFileNumber = vs.nextFileNum()
	}

	mu.Unlock()
	err = func() error {
		if newManifest {
			if err := vs.createManifest(); err != nil {
				return err
			}
		}
		w, err := vs.manifest.Next()
		if err != nil {
			return err
		}
		if err := ve.encode(w); err != nil {
			return err
		}
		if err := vs.manifest.Flush(); err != nil {
			return err
		}
		if err := vs.manifestFile.Sync(); err != nil {
			return err
		}
		if newManifest {
			if err := setCurrentFile(vs.fs, vs.dirname, vs.manifestFileNumber); err != nil {
				return err
			}
		}
		return nil
	}()
	mu.Lock()
	if err != nil {
		if newManifest {
			// The fresh manifest never became CURRENT; drop it so the next
			// edit retries from scratch.
			if vs.manifest != nil {
				vs.manifest.Close()
				vs.manifest = nil
			}
			if vs.manifestFile != nil {
				vs.manifestFile.Close()
				vs.manifestFile = nil
			}
			vs.fs.Remove(dbFilename(vs.fs, vs.dirname, base.FileTypeManifest, vs.manifestFileNumber))
		}
		return base.MarkIOError(err, "cobble: could not write manifest")
	}

	// Install the new version.
	if ve.logNumber != 0 {
		vs.logNumber = ve.logNumber
	}
	if ve.prevLogNumber != 0 {
		vs.prevLogNumber = ve.prevLogNumber
	}
	for _, cp := range ve.compactPointers {
		vs.compactPointer[cp.level] = cp.key
	}
	vs.appendVersion(newVersion)
	return nil
}

// createManifest creates a fresh manifest whose first record is a snapshot
// edit: the full current state, so that the manifest is self-contained.
func (vs *versionSet) createManifest() (err error) {
	filename := dbFilename(vs.fs, vs.dirname, base.FileTypeManifest, vs.manifestFileNumber)
	f, err := vs.fs.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			vs.fs.Remove(filename)
		}
	}()

	snapshot := versionEdit{
		comparatorName: vs.opts.Comparer.Name,
	}
	for level, key := range vs.compactPointer {
		if key != nil {
			snapshot.compactPointers = append(snapshot.compactPointers,
				compactPointerEntry{level, key})
		}
	}
	if cur := vs.currentVersion(); cur != nil {
		for level, ff := range cur.files {
			for _, meta := range ff {
				snapshot.newFiles = append(snapshot.newFiles, newFileEntry{
					level: level,
					meta:  meta,
				})
			}
		}
	}

	m := record.NewWriter(f)
	w, err := m.Next()
	if err != nil {
		return err
	}
	if err := snapshot.encode(w); err != nil {
		return err
	}
	if err := m.Flush(); err != nil {
		return err
	}

	vs.manifest, vs.manifestFile = m, f
	return nil
}

// close releases the manifest writer and file.
func (vs *versionSet) close() error {
	var err error
	if vs.manifest != nil {
		err = firstError(err, vs.manifest.Close())
		vs.manifest = nil
	}
	if vs.manifestFile != nil {
		err = firstError(err, vs.manifestFile.Close())
		vs.manifestFile = nil
	}
	return err
}

// firstError returns the first non-nil error of err0 and err1, or nil if
// both are nil.
func firstError(err0, err1 error) error {
	if err0 != nil {
		return err0
	}
	return err1
}
