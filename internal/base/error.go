// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"github.com/cockroachdb/errors"
)

// The error taxonomy: errors returned by the engine are marked so that they
// match (via errors.Is) one of the markers below. The root package's
// ErrClosed and the errors built by AssertionFailedf match none of them.
// ErrNotFound is the odd one out in that it doubles as a sentinel return
// value for gets on absent or deleted keys.
var (
	// ErrNotFound means that a get call did not find the requested key.
	ErrNotFound = errors.New("cobble: not found")

	// ErrCorruption is a marker to indicate that data in a file (WAL, sstable,
	// manifest, CURRENT) is invalid.
	ErrCorruption = errors.New("cobble: corruption")

	// ErrIO is a marker for failures in the underlying filesystem.
	ErrIO = errors.New("cobble: i/o error")

	// ErrInvalidArgument is a marker for malformed caller input (bad batch
	// encodings, invalid options).
	ErrInvalidArgument = errors.New("cobble: invalid argument")

	// ErrNotSupported is a marker for operations the engine deliberately does
	// not implement.
	ErrNotSupported = errors.New("cobble: not supported")

	// ErrLocked is returned by Open when the database directory is already
	// locked by another process.
	ErrLocked = errors.New("cobble: database locked")

	// ErrBusy indicates that an operation could not proceed because of
	// conflicting in-flight state. No operation in the engine returns it.
	ErrBusy = errors.New("cobble: busy")
)

// CorruptionErrorf formats an error with the given format and arguments and
// marks it as a corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// MarkCorruptionError marks the given error as a corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return errors.Mark(err, ErrCorruption)
}

// IOErrorf formats an error with the given format and arguments and marks it
// as an I/O error.
func IOErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrIO)
}

// MarkIOError marks the given error as an I/O error, wrapping it with the
// supplied context.
func MarkIOError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrIO) {
		return errors.Wrap(err, msg)
	}
	return errors.Mark(errors.Wrap(err, msg), ErrIO)
}

// NotSupportedErrorf formats an error with the given format and arguments
// and marks it as a not-supported error.
func NotSupportedErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotSupported)
}

// InvalidArgumentErrorf formats an error with the given format and arguments
// and marks it as an invalid-argument error.
func InvalidArgumentErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// AssertionFailedf formats an error representing an internal invariant
// violation. These are programming errors: they are never part of the
// returned taxonomy and callers should not attempt to handle them.
func AssertionFailedf(format string, args ...interface{}) error {
	return errors.AssertionFailedf(format, args...)
}
