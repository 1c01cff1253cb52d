// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cockroachdb/errors"
)

// The error taxonomy returned by the package. Callers classify failures
// with errors.Is against these markers.
var (
	// ErrNotFound is returned by Get when the requested key is absent or
	// deleted at the read's sequence number.
	ErrNotFound = base.ErrNotFound

	// ErrCorruption indicates invalid data in a WAL, sstable, manifest or
	// CURRENT file.
	ErrCorruption = base.ErrCorruption

	// ErrIO indicates a failure in the underlying filesystem.
	ErrIO = base.ErrIO

	// ErrInvalidArgument indicates malformed caller input.
	ErrInvalidArgument = base.ErrInvalidArgument

	// ErrNotSupported indicates a deliberately unimplemented operation.
	ErrNotSupported = base.ErrNotSupported

	// ErrLocked is returned by Open when the database directory is locked by
	// another process.
	ErrLocked = base.ErrLocked

	// ErrBusy indicates conflicting in-flight state.
	ErrBusy = base.ErrBusy

	// ErrClosed is returned by operations on a closed DB.
	ErrClosed = errors.New("cobble: closed")
)
