// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"testing"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	type testCase struct {
		kind       base.InternalKeyKind
		key, value string
	}

	testCases := []testCase{
		{base.InternalKeyKindSet, "roses", "red"},
		{base.InternalKeyKindSet, "violets", "blue"},
		{base.InternalKeyKindDelete, "roses", ""},
		{base.InternalKeyKindSet, "", ""},
		{base.InternalKeyKindSet, "", "non-empty"},
		{base.InternalKeyKindDelete, "", ""},
		{base.InternalKeyKindSet, "grass", "green"},
		{base.InternalKeyKindSet, "grass", "greener"},
		{base.InternalKeyKindSet, "eleventy", "twelve"},
		{base.InternalKeyKindDelete, "nosuchkey", ""},
	}
	var b Batch
	for _, tc := range testCases {
		if tc.kind == base.InternalKeyKindDelete {
			b.Delete([]byte(tc.key))
		} else {
			b.Set([]byte(tc.key), []byte(tc.value))
		}
	}
	require.Equal(t, uint32(len(testCases)), b.Count())

	iter := b.iter()
	for _, tc := range testCases {
		kind, k, v, ok := iter.next()
		require.True(t, ok)
		require.Equal(t, tc.kind, kind)
		require.Equal(t, tc.key, string(k))
		if kind != base.InternalKeyKindDelete {
			require.Equal(t, tc.value, string(v))
		}
	}
	_, _, _, ok := iter.next()
	require.False(t, ok)
}

func TestBatchSeqNum(t *testing.T) {
	var b Batch
	b.Set([]byte("k"), []byte("v"))
	require.Equal(t, base.SeqNum(0), b.seqNum())
	b.setSeqNum(42)
	require.Equal(t, base.SeqNum(42), b.seqNum())
	require.Equal(t, uint32(1), b.count())
}

func TestBatchReprRoundTrip(t *testing.T) {
	var b Batch
	b.Set([]byte("alpha"), []byte("1"))
	b.Delete([]byte("beta"))
	b.setSeqNum(7)

	var c Batch
	require.NoError(t, c.SetRepr(append([]byte(nil), b.Repr()...)))
	require.Equal(t, base.SeqNum(7), c.seqNum())
	require.Equal(t, uint32(2), c.count())

	iter := c.iter()
	kind, k, v, ok := iter.next()
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindSet, kind)
	require.Equal(t, "alpha", string(k))
	require.Equal(t, "1", string(v))
	kind, k, _, ok = iter.next()
	require.True(t, ok)
	require.Equal(t, base.InternalKeyKindDelete, kind)
	require.Equal(t, "beta", string(k))

	require.Error(t, new(Batch).SetRepr([]byte("short")))
}

func TestBatchAppend(t *testing.T) {
	var a, b Batch
	a.Set([]byte("one"), []byte("1"))
	b.Set([]byte("two"), []byte("2"))
	b.Delete([]byte("three"))

	var group Batch
	group.append(&a)
	group.append(&b)
	require.Equal(t, uint32(3), group.count())

	iter := group.iter()
	var keys []string
	for {
		_, k, _, ok := iter.next()
		if !ok {
			break
		}
		keys = append(keys, string(k))
	}
	require.Equal(t, []string{"one", "two", "three"}, keys)
}

func TestBatchEmpty(t *testing.T) {
	var b Batch
	require.True(t, b.Empty())
	b.Set([]byte("x"), nil)
	require.False(t, b.Empty())
	b.Reset()
	require.True(t, b.Empty())
}
