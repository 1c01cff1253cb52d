// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

// InternalIterator iterates over a DB's key/value pairs in key order. Unlike
// the public Iterator interface, the keys returned are internal keys
// composed of the user key, a sequence number and a kind. Tombstones are
// surfaced, not elided, and every version of a user key is surfaced, not
// just the most recent.
//
// InternalIterators can be positioned via SeekGE, First and Last, and moved
// via Next and Prev. An iterator is initially unpositioned; it is invalid to
// call Key, Value, Next or Prev before positioning, or when Valid returns
// false.
//
// An iterator is not goroutine-safe, but it is safe to use multiple
// iterators concurrently, with each in a dedicated goroutine.
type InternalIterator interface {
	// SeekGE positions the iterator at the first key/value pair whose key is
	// greater than or equal to the given key in the internal key ordering.
	SeekGE(key InternalKey)

	// First positions the iterator at the first key/value pair.
	First()

	// Last positions the iterator at the last key/value pair.
	Last()

	// Next moves the iterator to the next key/value pair and reports whether
	// the iterator is positioned on an entry.
	Next() bool

	// Prev moves the iterator to the previous key/value pair and reports
	// whether the iterator is positioned on an entry.
	Prev() bool

	// Key returns the internal key of the current entry. The caller should
	// not modify the contents of the returned key, and its contents may
	// change on the next call to Next, Prev or a seek.
	Key() InternalKey

	// Value returns the value of the current entry, with the same lifetime
	// caveats as Key.
	Value() []byte

	// Valid reports whether the iterator is positioned on an entry.
	Valid() bool

	// Error returns any accumulated error.
	Error() error

	// Close closes the iterator and returns any accumulated error.
	// Exhausting all the key/value pairs is not an error. It is valid to
	// call Close multiple times. Other methods should not be called after
	// the iterator has been closed.
	Close() error
}
