// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func (k InternalKey) encodedBytes() []byte {
	buf := make([]byte, k.Size())
	k.Encode(buf)
	return buf
}

func TestInternalKey(t *testing.T) {
	k := MakeInternalKey([]byte("foo"), 0x08070605040302, 1)
	require.Equal(t, 11, k.Size())
	b := k.encodedBytes()
	require.Equal(t, []byte("foo\x01\x02\x03\x04\x05\x06\x07\x08"), b)

	d := DecodeInternalKey(b)
	require.Equal(t, []byte("foo"), d.UserKey)
	require.Equal(t, SeqNum(0x08070605040302), d.SeqNum())
	require.Equal(t, InternalKeyKindSet, d.Kind())
	require.True(t, d.Valid())
}

func TestInvalidInternalKey(t *testing.T) {
	testCases := []string{
		"",
		"\x01\x02\x03\x04\x05\x06\x07",
	}
	for _, tc := range testCases {
		k := DecodeInternalKey([]byte(tc))
		require.False(t, k.Valid())
	}
}

func TestInternalKeyComparer(t *testing.T) {
	// keys are listed in the expected sort order.
	keys := []InternalKey{
		MakeInternalKey(nil, SeqNumMax, InternalKeyKindSet),
		MakeInternalKey(nil, 1, InternalKeyKindSet),
		MakeInternalKey(nil, 1, InternalKeyKindDelete),
		MakeInternalKey(nil, 0, InternalKeyKindSet),
		MakeInternalKey([]byte("a"), SeqNumMax, InternalKeyKindSet),
		MakeInternalKey([]byte("a"), 2, InternalKeyKindSet),
		MakeInternalKey([]byte("a"), 1, InternalKeyKindDelete),
		MakeInternalKey([]byte("b"), 100, InternalKeyKindSet),
		MakeInternalKey([]byte("b"), 3, InternalKeyKindDelete),
		MakeInternalKey([]byte("b"), 2, InternalKeyKindSet),
		MakeInternalKey([]byte("c"), 3, InternalKeyKindSet),
	}
	for i := range keys {
		for j := range keys {
			got := InternalCompare(bytes.Compare, keys[i], keys[j])
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = +1
			}
			require.Equalf(t, want, got, "%d vs %d: %s vs %s", i, j, keys[i], keys[j])
		}
	}

	// Shuffled copies sort back into the expected order.
	shuffled := make([]InternalKey, len(keys))
	copy(shuffled, keys)
	for i := range shuffled {
		j := (i * 7) % len(shuffled)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}
	sort.Slice(shuffled, func(i, j int) bool {
		return InternalCompare(bytes.Compare, shuffled[i], shuffled[j]) < 0
	})
	for i := range keys {
		require.Equal(t, 0, InternalCompare(bytes.Compare, keys[i], shuffled[i]))
	}
}

func TestMakeSearchKey(t *testing.T) {
	// A search key for a user key must sort before every real entry for
	// that user key, and after every entry for smaller user keys.
	search := MakeSearchKey([]byte("b"))
	require.True(t, InternalCompare(bytes.Compare, MakeInternalKey([]byte("a"), 1, InternalKeyKindSet), search) < 0)
	require.True(t, InternalCompare(bytes.Compare, search, MakeInternalKey([]byte("b"), SeqNumMax-1, InternalKeyKindSet)) < 0)
	require.True(t, InternalCompare(bytes.Compare, search, MakeInternalKey([]byte("b"), 0, InternalKeyKindDelete)) < 0)
}

func TestInternalKeySeparator(t *testing.T) {
	testCases := []struct {
		a        string
		b        string
		expected string
	}{
		{"foo#100,SET", "foo#99,SET", "foo#100,SET"},
		{"foo#100,SET", "bar#99,SET", "foo#100,SET"},
		{"foo#100,SET", "qux#99,SET", "g#72057594037927935,SET"},
		{"abcd#100,SET", "abfg#99,SET", "abd#72057594037927935,SET"},
	}
	for _, c := range testCases {
		a := parseTestKey(t, c.a)
		b := parseTestKey(t, c.b)
		expected := parseTestKey(t, c.expected)
		result := a.Separator(bytes.Compare, DefaultComparer.Separator, nil, b)
		require.Equal(t, expected, result.Clone())
	}
}

func parseTestKey(t *testing.T, s string) InternalKey {
	t.Helper()
	var ukey string
	var seq uint64
	var kindStr string
	i := 0
	for i < len(s) && s[i] != '#' {
		i++
	}
	require.Less(t, i, len(s))
	ukey = s[:i]
	rest := s[i+1:]
	j := 0
	for j < len(rest) && rest[j] != ',' {
		j++
	}
	require.Less(t, j, len(rest))
	for _, ch := range rest[:j] {
		seq = seq*10 + uint64(ch-'0')
	}
	kindStr = rest[j+1:]
	kind := InternalKeyKindSet
	if kindStr == "DEL" {
		kind = InternalKeyKindDelete
	}
	return MakeInternalKey([]byte(ukey), SeqNum(seq), kind)
}

func TestSharedPrefixLen(t *testing.T) {
	require.Equal(t, 0, SharedPrefixLen([]byte("abc"), []byte("xyz")))
	require.Equal(t, 2, SharedPrefixLen([]byte("abc"), []byte("abd")))
	require.Equal(t, 3, SharedPrefixLen([]byte("abc"), []byte("abc")))
	require.Equal(t, 3, SharedPrefixLen([]byte("abc"), []byte("abcdef")))
	require.Equal(t, 9, SharedPrefixLen([]byte("123456789xx"), []byte("123456789yy")))
	require.Equal(t, 0, SharedPrefixLen(nil, []byte("abc")))
}
