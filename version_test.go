// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"bytes"
	"testing"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/stretchr/testify/require"
)

func mkMeta(num base.FileNum, lo, hi string) *fileMetadata {
	m := &fileMetadata{
		fileNum:  num,
		size:     1 << 20,
		smallest: base.MakeInternalKey([]byte(lo), 100, base.InternalKeyKindSet),
		largest:  base.MakeInternalKey([]byte(hi), 100, base.InternalKeyKindSet),
	}
	m.initAllowedSeeks()
	return m
}

func TestOverlaps(t *testing.T) {
	v := &version{}
	v.files[1] = []*fileMetadata{
		mkMeta(1, "a", "c"),
		mkMeta(2, "e", "g"),
		mkMeta(3, "i", "k"),
	}

	get := func(level int, lo, hi string) []base.FileNum {
		var nums []base.FileNum
		for _, f := range v.overlaps(level, bytes.Compare, []byte(lo), []byte(hi)) {
			nums = append(nums, f.fileNum)
		}
		return nums
	}

	require.Equal(t, []base.FileNum{1}, get(1, "a", "b"))
	require.Equal(t, []base.FileNum{1, 2}, get(1, "b", "f"))
	require.Equal(t, []base.FileNum{1, 2, 3}, get(1, "a", "z"))
	require.Equal(t, []base.FileNum(nil), get(1, "cc", "d"))
	require.Equal(t, []base.FileNum{2}, get(1, "g", "h"))

	// Level 0 files may overlap each other: the search range expands to the
	// union of the ranges of every matching file.
	v.files[0] = []*fileMetadata{
		mkMeta(10, "a", "e"),
		mkMeta(11, "d", "m"),
		mkMeta(12, "x", "z"),
	}
	require.Equal(t, []base.FileNum{10, 11}, get(0, "b", "c"))
	require.Equal(t, []base.FileNum{12}, get(0, "y", "y"))
}

func TestCheckOrdering(t *testing.T) {
	icmp := func(a, b base.InternalKey) int {
		return base.InternalCompare(bytes.Compare, a, b)
	}

	v := &version{}
	v.files[0] = []*fileMetadata{mkMeta(2, "a", "z"), mkMeta(5, "a", "z")}
	v.files[1] = []*fileMetadata{mkMeta(3, "a", "c"), mkMeta(4, "d", "f")}
	require.NoError(t, v.checkOrdering(icmp, bytes.Compare))

	// Level 0 out of fileNum order.
	bad := &version{}
	bad.files[0] = []*fileMetadata{mkMeta(5, "a", "z"), mkMeta(2, "a", "z")}
	require.Error(t, bad.checkOrdering(icmp, bytes.Compare))

	// Non-zero level with overlapping files.
	bad = &version{}
	bad.files[2] = []*fileMetadata{mkMeta(1, "a", "m"), mkMeta(2, "h", "z")}
	require.Error(t, bad.checkOrdering(icmp, bytes.Compare))

	// Non-zero level with inconsistent bounds.
	bad = &version{}
	bad.files[2] = []*fileMetadata{{
		fileNum:  9,
		smallest: base.MakeInternalKey([]byte("z"), 1, base.InternalKeyKindSet),
		largest:  base.MakeInternalKey([]byte("a"), 1, base.InternalKeyKindSet),
	}}
	require.Error(t, bad.checkOrdering(icmp, bytes.Compare))
}

func TestCompactionScore(t *testing.T) {
	v := &version{}
	// Four level-0 files hit the compaction trigger exactly.
	for i := 1; i <= l0CompactionTrigger; i++ {
		v.files[0] = append(v.files[0], mkMeta(base.FileNum(i), "a", "z"))
	}
	v.updateCompactionScore()
	require.Equal(t, 0, v.compactionLevel)
	require.GreaterOrEqual(t, v.compactionScore, 1.0)

	// A level 1 holding 20MiB scores 2 against its 10MiB budget and beats
	// an idle level 0.
	v = &version{}
	for i := 0; i < 20; i++ {
		lo := string(rune('a' + i))
		f := mkMeta(base.FileNum(i+1), lo, lo+"0")
		f.size = 1 << 20
		v.files[1] = append(v.files[1], f)
	}
	v.updateCompactionScore()
	require.Equal(t, 1, v.compactionLevel)
	require.InDelta(t, 2.0, v.compactionScore, 0.01)
}

func TestVersionRefCounting(t *testing.T) {
	var vs versionSet
	opts := (&Options{}).EnsureDefaults()
	vs.init("", opts)

	v1 := &version{}
	vs.appendVersion(v1)
	require.Equal(t, v1, vs.currentVersion())

	// A reader pins v1; installing v2 must keep v1 linked until released.
	v1.ref()
	v2 := &version{}
	vs.appendVersion(v2)
	require.Equal(t, v2, vs.currentVersion())

	live := make(map[base.FileNum]struct{})
	v1.files[1] = []*fileMetadata{mkMeta(7, "a", "b")}
	vs.addLiveFileNums(live)
	_, ok := live[7]
	require.True(t, ok)

	// Dropping the reader's reference unlinks v1.
	v1.unref()
	live = make(map[base.FileNum]struct{})
	vs.addLiveFileNums(live)
	_, ok = live[7]
	require.False(t, ok)
	require.Equal(t, v2, vs.currentVersion())
}

func TestIkeyRange(t *testing.T) {
	icmp := func(a, b base.InternalKey) int {
		return base.InternalCompare(bytes.Compare, a, b)
	}
	f0 := []*fileMetadata{mkMeta(1, "d", "f")}
	f1 := []*fileMetadata{mkMeta(2, "a", "c"), mkMeta(3, "g", "z")}
	lo, hi := ikeyRange(icmp, f0, f1)
	require.Equal(t, "a", string(lo.UserKey))
	require.Equal(t, "z", string(hi.UserKey))
}
