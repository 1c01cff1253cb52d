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

func checkRoundTrip(t *testing.T, e0 versionEdit) {
	t.Helper()
	var e1 versionEdit
	buf := new(bytes.Buffer)
	require.NoError(t, e0.encode(buf))
	require.NoError(t, e1.decode(buf))

	require.Equal(t, e0.comparatorName, e1.comparatorName)
	require.Equal(t, e0.logNumber, e1.logNumber)
	require.Equal(t, e0.prevLogNumber, e1.prevLogNumber)
	require.Equal(t, e0.nextFileNumber, e1.nextFileNumber)
	require.Equal(t, e0.lastSequence, e1.lastSequence)
	require.Equal(t, len(e0.compactPointers), len(e1.compactPointers))
	for i := range e0.compactPointers {
		require.Equal(t, e0.compactPointers[i].level, e1.compactPointers[i].level)
		require.Equal(t, e0.compactPointers[i].key, e1.compactPointers[i].key)
	}
	require.Equal(t, e0.deletedFiles, e1.deletedFiles)
	require.Equal(t, len(e0.newFiles), len(e1.newFiles))
	for i := range e0.newFiles {
		f0, f1 := e0.newFiles[i], e1.newFiles[i]
		require.Equal(t, f0.level, f1.level)
		require.Equal(t, f0.meta.fileNum, f1.meta.fileNum)
		require.Equal(t, f0.meta.size, f1.meta.size)
		require.Equal(t, f0.meta.smallest, f1.meta.smallest)
		require.Equal(t, f0.meta.largest, f1.meta.largest)
	}
}

func TestVersionEditRoundTrip(t *testing.T) {
	checkRoundTrip(t, versionEdit{})

	ikeyEnc := func(s string, seq base.SeqNum) []byte {
		k := base.MakeInternalKey([]byte(s), seq, base.InternalKeyKindSet)
		buf := make([]byte, k.Size())
		k.Encode(buf)
		return buf
	}

	checkRoundTrip(t, versionEdit{
		comparatorName: "11",
		logNumber:      22,
		prevLogNumber:  33,
		nextFileNumber: 44,
		lastSequence:   55,
		compactPointers: []compactPointerEntry{
			{level: 0, key: ikeyEnc("600", 601)},
			{level: 1, key: ikeyEnc("710", 711)},
			{level: 2, key: ikeyEnc("820", 821)},
		},
		deletedFiles: map[deletedFileEntry]bool{
			{level: 3, fileNum: 900}: true,
			{level: 4, fileNum: 901}: true,
		},
		newFiles: []newFileEntry{
			{
				level: 5,
				meta: &fileMetadata{
					fileNum:  1000,
					size:     1001,
					smallest: base.MakeInternalKey([]byte("1002"), 1003, base.InternalKeyKindSet),
					largest:  base.MakeInternalKey([]byte("1004"), 1005, base.InternalKeyKindSet),
				},
			},
			{
				level: 6,
				meta: &fileMetadata{
					fileNum:  1100,
					size:     1101,
					smallest: base.MakeInternalKey([]byte("1102"), 1103, base.InternalKeyKindDelete),
					largest:  base.MakeInternalKey([]byte("1104"), 1105, base.InternalKeyKindSet),
				},
			},
		},
	})
}

func TestVersionEditNonASCIIComparatorName(t *testing.T) {
	// Comparator names are raw bytes: a multibyte or even invalid-UTF-8 name
	// must survive the round trip untouched.
	checkRoundTrip(t, versionEdit{comparatorName: "compa\xffrateur-\xc3\xa9"})
}

func TestVersionEditUnknownTag(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x7f, 0x00})
	var e versionEdit
	err := e.decode(buf)
	require.Error(t, err)
}

func TestVersionEditBuilder(t *testing.T) {
	icmp := func(a, b base.InternalKey) int {
		return base.InternalCompare(bytes.Compare, a, b)
	}
	mkFile := func(num base.FileNum, lo, hi string) *fileMetadata {
		return &fileMetadata{
			fileNum:  num,
			size:     100,
			smallest: base.MakeInternalKey([]byte(lo), 1, base.InternalKeyKindSet),
			largest:  base.MakeInternalKey([]byte(hi), 1, base.InternalKeyKindSet),
		}
	}

	base0 := &version{}
	base0.files[1] = []*fileMetadata{mkFile(10, "a", "f"), mkFile(11, "g", "m")}

	var b versionEditBuilder
	b.apply(&versionEdit{
		deletedFiles: map[deletedFileEntry]bool{
			{level: 1, fileNum: 10}: true,
		},
		newFiles: []newFileEntry{
			{level: 1, meta: mkFile(12, "n", "z")},
			{level: 2, meta: mkFile(13, "a", "c")},
		},
	})
	v, err := b.saveTo(base0, icmp, bytes.Compare)
	require.NoError(t, err)
	require.Len(t, v.files[1], 2)
	require.Equal(t, base.FileNum(11), v.files[1][0].fileNum)
	require.Equal(t, base.FileNum(12), v.files[1][1].fileNum)
	require.Len(t, v.files[2], 1)

	// A file added and then deleted across edits cancels out.
	var b2 versionEditBuilder
	b2.apply(&versionEdit{
		newFiles: []newFileEntry{{level: 3, meta: mkFile(20, "a", "b")}},
	})
	b2.apply(&versionEdit{
		deletedFiles: map[deletedFileEntry]bool{{level: 3, fileNum: 20}: true},
	})
	v2, err := b2.saveTo(&version{}, icmp, bytes.Compare)
	require.NoError(t, err)
	require.Empty(t, v2.files[3])

	// Overlapping files at a non-zero level are rejected.
	var b3 versionEditBuilder
	b3.apply(&versionEdit{
		newFiles: []newFileEntry{
			{level: 1, meta: mkFile(30, "a", "m")},
			{level: 1, meta: mkFile(31, "h", "z")},
		},
	})
	_, err = b3.saveTo(&version{}, icmp, bytes.Compare)
	require.Error(t, err)
}
