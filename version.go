// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"sort"

	"github.com/cobbledb/cobble/internal/base"
)

// fileMetadata holds the metadata for an on-disk table.
type fileMetadata struct {
	// fileNum is the file number.
	fileNum base.FileNum
	// size is the size of the file, in bytes.
	size uint64
	// smallest and largest are the inclusive bounds for the internal keys
	// stored in the table.
	smallest, largest base.InternalKey
	// allowedSeeks is the number of gets that may probe past this file
	// before the file becomes eligible for a seek-triggered compaction.
	// Protected by the DB mutex.
	allowedSeeks int32
}

// initAllowedSeeks derives the seek budget from the file size: one seek per
// 16KiB of data, with a floor of 100. A seek costs roughly 10ms, reading or
// writing 1MB costs roughly 10ms, and compacting 1MB does up to 12MB of IO,
// so one seek is worth roughly 16KiB of compaction work.
func (f *fileMetadata) initAllowedSeeks() {
	f.allowedSeeks = int32(f.size / 16384)
	if f.allowedSeeks < 100 {
		f.allowedSeeks = 100
	}
}

// totalSize returns the total size of all the files in f.
func totalSize(f []*fileMetadata) (size uint64) {
	for _, x := range f {
		size += x.size
	}
	return size
}

// ikeyRange returns the minimum smallest and maximum largest internalKey for
// all the fileMetadata in f0 and f1.
func ikeyRange(icmp func(a, b base.InternalKey) int, f0, f1 []*fileMetadata) (smallest, largest base.InternalKey) {
	first := true
	for _, f := range [2][]*fileMetadata{f0, f1} {
		for _, meta := range f {
			if first {
				first = false
				smallest, largest = meta.smallest, meta.largest
				continue
			}
			if icmp(meta.smallest, smallest) < 0 {
				smallest = meta.smallest
			}
			if icmp(meta.largest, largest) > 0 {
				largest = meta.largest
			}
		}
	}
	return smallest, largest
}

type byFileNum []*fileMetadata

func (b byFileNum) Len() int           { return len(b) }
func (b byFileNum) Less(i, j int) bool { return b[i].fileNum < b[j].fileNum }
func (b byFileNum) Swap(i, j int)      { b[i], b[j] = b[j], b[i] }

type bySmallest struct {
	dat  []*fileMetadata
	icmp func(a, b base.InternalKey) int
}

func (b bySmallest) Len() int { return len(b.dat) }
func (b bySmallest) Less(i, j int) bool {
	return b.icmp(b.dat[i].smallest, b.dat[j].smallest) < 0
}
func (b bySmallest) Swap(i, j int) { b.dat[i], b.dat[j] = b.dat[j], b.dat[i] }

// version is a collection of file metadata for on-disk tables at various
// levels. In-memory DBs are written to level-0 tables, and compactions
// migrate data from level N to level N+1. The tables map internal keys
// (which are a user key, a kind and a sequence number) to user values.
//
// The tables at level 0 are sorted by increasing fileNum. If two level 0
// tables have fileNums i and j and i < j, then the sequence numbers of every
// internal key in table i are all less than those for table j. The range of
// internal keys [fileMetadata.smallest, fileMetadata.largest] in each level
// 0 table may overlap.
//
// The tables at any non-0 level are sorted by their internal key range and
// any two tables at the same non-0 level do not overlap.
//
// The internal key ranges of two tables at different levels X and Y may
// overlap, for any X != Y.
//
// Finally, for every internal key in a table at level X, there is no
// internal key in a higher level table that has both the same user key and a
// higher sequence number.
type version struct {
	files [numLevels][]*fileMetadata

	// Every version is part of a circular doubly-linked list of versions.
	// One of those versions is versionSet.dummyVersion.
	prev, next *version

	// refs is the number of outstanding references: iterators and snapshots
	// of the level catalog pin the version and, through it, the files it
	// names. Protected by the DB mutex.
	refs int32

	// These fields are the level that should be compacted next and its
	// compaction score. A score < 1 means that compaction is not strictly
	// needed.
	compactionScore float64
	compactionLevel int

	// seekCompact records a file that exhausted its allowedSeeks budget,
	// making it eligible for a seek-triggered compaction. Protected by the
	// DB mutex.
	seekCompactFile  *fileMetadata
	seekCompactLevel int
}

// ref adds a reference. The DB mutex must be held.
func (v *version) ref() {
	v.refs++
}

// unref drops a reference, unlinking the version from its list when the last
// reference drops. The DB mutex must be held.
func (v *version) unref() {
	v.refs--
	if v.refs == 0 && v.prev != nil {
		v.prev.next = v.next
		v.next.prev = v.prev
		v.prev = nil
		v.next = nil
	}
}

// updateCompactionScore updates v's compaction score and level.
func (v *version) updateCompactionScore() {
	// We treat level-0 specially by bounding the number of files instead of
	// number of bytes for two reasons:
	//
	// (1) With larger write-buffer sizes, it is nice not to do too many
	// level-0 compactions.
	//
	// (2) The files in level-0 are merged on every read and therefore we
	// wish to avoid too many files when the individual file size is small
	// (perhaps because of a small write-buffer setting, or very high
	// compression ratios, or lots of overwrites/deletions).
	v.compactionScore = float64(len(v.files[0])) / l0CompactionTrigger
	v.compactionLevel = 0

	maxBytes := float64(10 * 1024 * 1024)
	for level := 1; level < numLevels-1; level++ {
		score := float64(totalSize(v.files[level])) / maxBytes
		if score > v.compactionScore {
			v.compactionScore = score
			v.compactionLevel = level
		}
		maxBytes *= 10
	}
}

// overlaps returns all elements of v.files[level] whose user key range
// intersects the inclusive range [ukey0, ukey1]. If level is non-zero then
// the user key ranges of v.files[level] are assumed to not overlap (although
// they may touch). If level is zero then that assumption cannot be made, and
// the [ukey0, ukey1] range is expanded to the union of those matching ranges
// so far and the computation is repeated until [ukey0, ukey1] stabilizes.
func (v *version) overlaps(level int, ucmp base.Compare, ukey0, ukey1 []byte) (ret []*fileMetadata) {
loop:
	for {
		for _, meta := range v.files[level] {
			m0 := meta.smallest.UserKey
			m1 := meta.largest.UserKey
			if ucmp(m1, ukey0) < 0 {
				// meta is completely before the specified range; skip it.
				continue
			}
			if ucmp(m0, ukey1) > 0 {
				// meta is completely after the specified range; skip it.
				continue
			}
			ret = append(ret, meta)

			// If level == 0, check if the newly added fileMetadata has
			// expanded the range. If so, restart the search.
			if level != 0 {
				continue
			}
			restart := false
			if ucmp(m0, ukey0) < 0 {
				ukey0 = m0
				restart = true
			}
			if ucmp(m1, ukey1) > 0 {
				ukey1 = m1
				restart = true
			}
			if restart {
				ret = ret[:0]
				continue loop
			}
		}
		return ret
	}
}

// checkOrdering checks that the files are consistent with respect to
// increasing file numbers (for level 0 files) and increasing and non-
// overlapping internal key ranges (for level non-0 files).
func (v *version) checkOrdering(icmp func(a, b base.InternalKey) int, ucmp base.Compare) error {
	for level, ff := range v.files {
		if level == 0 {
			prevFileNum := base.FileNum(0)
			for i, f := range ff {
				if i != 0 && prevFileNum >= f.fileNum {
					return base.CorruptionErrorf(
						"cobble: level 0 files are not in increasing fileNum order: %s, %s",
						prevFileNum, f.fileNum)
				}
				prevFileNum = f.fileNum
			}
		} else {
			var prevLargest base.InternalKey
			for i, f := range ff {
				if i != 0 && icmp(prevLargest, f.smallest) >= 0 {
					return base.CorruptionErrorf(
						"cobble: level non-0 files are not in increasing ikey order: %s, %s",
						prevLargest, f.smallest)
				}
				if i != 0 && ucmp(prevLargest.UserKey, f.smallest.UserKey) >= 0 {
					return base.CorruptionErrorf(
						"cobble: level non-0 files have overlapping user key ranges: %s, %s",
						prevLargest, f.smallest)
				}
				if icmp(f.smallest, f.largest) > 0 {
					return base.CorruptionErrorf(
						"cobble: level non-0 file has inconsistent bounds: %s, %s",
						f.smallest, f.largest)
				}
				prevLargest = f.largest
			}
		}
	}
	return nil
}

// tableGetter finds the entry for the given internal key in the table of the
// given file number. It is implemented by the table cache.
type tableGetter interface {
	get(fileNum base.FileNum, key base.InternalKey) (base.InternalKey, []byte, error)
}

// getStats reports which file, if any, should be charged a seek for a get.
type getStats struct {
	file  *fileMetadata
	level int
}

// get looks up the internal key in v's tables such that the result has the
// same user key and the highest sequence number that is less than or equal
// to the key's sequence number.
//
// If that result's kind is set, its value is returned. If its kind is
// delete, ErrNotFound is returned. If there is no such entry at all,
// ErrNotFound is returned.
//
// When the search probes more than one file, stats names the first probed
// file so that the caller can charge it a seek.
func (v *version) get(
	key base.InternalKey, tg tableGetter, ucmp base.Compare, stats *getStats,
) ([]byte, error) {
	ukey := key.UserKey
	icmp := func(a, b base.InternalKey) int { return base.InternalCompare(ucmp, a, b) }

	var lastProbed *fileMetadata
	lastProbedLevel := -1
	charge := func(f *fileMetadata, level int) {
		if lastProbed != nil && stats.file == nil {
			stats.file = lastProbed
			stats.level = lastProbedLevel
		}
		lastProbed, lastProbedLevel = f, level
	}

	// Search the level 0 files in decreasing fileNum order, which is also
	// decreasing sequence number order.
	for i := len(v.files[0]) - 1; i >= 0; i-- {
		f := v.files[0][i]
		// We compare user keys on the low end, as we do not want to reject a
		// table whose smallest internal key may have the same user key and a
		// lower sequence number. The internal key ordering is increasing by
		// user key but then descending by sequence number.
		if ucmp(ukey, f.smallest.UserKey) < 0 {
			continue
		}
		// We compare internal keys on the high end. It gives a tighter bound
		// than comparing user keys.
		if icmp(key, f.largest) > 0 {
			continue
		}
		charge(f, 0)
		value, conclusive, err := tableGet(tg, f.fileNum, key, ucmp)
		if conclusive {
			return value, err
		}
	}

	// Search the remaining levels.
	for level := 1; level < numLevels; level++ {
		n := len(v.files[level])
		if n == 0 {
			continue
		}
		// Find the earliest file at that level whose largest key is >= key.
		index := sort.Search(n, func(i int) bool {
			return icmp(v.files[level][i].largest, key) >= 0
		})
		if index == n {
			continue
		}
		f := v.files[level][index]
		if ucmp(ukey, f.smallest.UserKey) < 0 {
			continue
		}
		charge(f, level)
		value, conclusive, err := tableGet(tg, f.fileNum, key, ucmp)
		if conclusive {
			return value, err
		}
	}
	return nil, ErrNotFound
}

// tableGet probes a single table for the key. conclusive reports whether the
// table determined the result: a live value, a tombstone, or an error.
func tableGet(
	tg tableGetter, fileNum base.FileNum, key base.InternalKey, ucmp base.Compare,
) (value []byte, conclusive bool, err error) {
	ikey, v, err := tg.get(fileNum, key)
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, true, err
	}
	if !ikey.Valid() {
		return nil, true, base.CorruptionErrorf("cobble: corrupt table %s: invalid internal key", fileNum)
	}
	if ucmp(ikey.UserKey, key.UserKey) != 0 {
		return nil, false, nil
	}
	if ikey.Kind() == base.InternalKeyKindDelete {
		return nil, true, ErrNotFound
	}
	return v, true, nil
}
