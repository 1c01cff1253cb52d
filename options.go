// Copyright 2011 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/sstable"
	"github.com/cobbledb/cobble/vfs"
)

// Compression exports the sstable package's compression type.
type Compression = sstable.Compression

// The available compression types.
const (
	DefaultCompression = sstable.DefaultCompression
	NoCompression      = sstable.NoCompression
	SnappyCompression  = sstable.SnappyCompression
)

// FilterPolicy exports the base package's filter policy interface.
type FilterPolicy = base.FilterPolicy

// Comparer exports the base package's comparer type.
type Comparer = base.Comparer

// DefaultComparer exports the base package's default comparer.
var DefaultComparer = base.DefaultComparer

// Logger exports the base package's logger interface.
type Logger = base.Logger

const (
	numLevels = 7

	// l0CompactionTrigger is the number of files at which level-0 compaction
	// starts.
	l0CompactionTrigger = 4

	// l0SlowdownWritesTrigger is the soft limit on the number of level-0
	// files. We slow down writes at this point.
	l0SlowdownWritesTrigger = 8

	// l0StopWritesTrigger is the maximum number of level-0 files. We stop
	// writes at this point.
	l0StopWritesTrigger = 12

	// minTableCacheSize is the minimum size of the table cache.
	minTableCacheSize = 64

	// numNonTableCacheFiles is an approximation for the number of
	// MaxOpenFiles that we don't use for table caches.
	numNonTableCacheFiles = 10
)

// Options holds the optional parameters for cobble's DB implementations.
// They are typically passed to a constructor function as a struct literal.
// Any zero field means to use the default value for that parameter.
type Options struct {
	// Comparer defines a total ordering over the space of []byte keys: a
	// 'less than' relationship. The same comparison algorithm must be used
	// for reads and writes over the lifetime of the DB.
	//
	// The default value uses the same ordering as bytes.Compare.
	Comparer *Comparer

	// ErrorIfDBExists is whether it is an error if the database already
	// exists.
	//
	// The default value is false.
	ErrorIfDBExists bool

	// ErrorIfDBDoesNotExist is whether it is an error if the database does
	// not already exist.
	//
	// The default value is false: a missing database is created.
	ErrorIfDBDoesNotExist bool

	// ParanoidChecks is whether the DB escalates read-side corruption to the
	// sticky background error, failing all subsequent writes, instead of
	// only returning the error from the read that observed it.
	//
	// The default value is false.
	ParanoidChecks bool

	// WriteBufferSize is the amount of data to build up in memory (backed by
	// an unsorted log on disk) before converting to a sorted on-disk file.
	//
	// The default value is 4MiB.
	WriteBufferSize int

	// MaxOpenFiles is a soft limit on the number of open files that can be
	// used by the DB.
	//
	// The default value is 1000.
	MaxOpenFiles int

	// BlockCacheSize is the capacity, in bytes, of the cache of decompressed
	// data blocks.
	//
	// The default value is 8MiB.
	BlockCacheSize int64

	// BlockSize is the target uncompressed size in bytes of each table
	// block.
	//
	// The default value is 4KiB.
	BlockSize int

	// BlockRestartInterval is the number of keys between restart points for
	// delta encoding of keys.
	//
	// The default value is 16.
	BlockRestartInterval int

	// Compression defines the per-block compression to use.
	//
	// The default value (DefaultCompression) uses snappy compression. Use
	// NoCompression to disable compression explicitly.
	Compression Compression

	// FilterPolicy defines a filter algorithm (such as a Bloom filter) that
	// can reduce disk reads for Get calls.
	//
	// One such implementation is bloom.FilterPolicy(10) from the bloom
	// package.
	//
	// The default value means to use no filter.
	FilterPolicy FilterPolicy

	// ReuseLogs, if set, requests that recovery salvage trailing records of
	// the most recent WAL in place instead of rolling a fresh log. cobble
	// accepts the option for compatibility but always rolls fresh logs;
	// replayed records are never lost either way.
	ReuseLogs bool

	// VerifyChecksums is whether to verify the per-block checksums in a DB.
	//
	// The default value is false.
	VerifyChecksums bool

	// Logger is used to write operational log messages (flushes,
	// compactions, background errors).
	//
	// The default value logs to the Go stdlib logs.
	Logger Logger

	// FS provides the filesystem the DB lives on.
	//
	// The default value uses the underlying operating system's file system.
	FS vfs.FS
}

// EnsureDefaults ensures that the default values for all options are set if
// a valid value was not already specified. Returns the new options.
func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	n := &Options{}
	*n = *o
	n.Comparer = n.Comparer.EnsureDefaults()
	if n.WriteBufferSize <= 0 {
		n.WriteBufferSize = 4 << 20
	}
	if n.MaxOpenFiles <= 0 {
		n.MaxOpenFiles = 1000
	}
	if n.BlockCacheSize <= 0 {
		n.BlockCacheSize = 8 << 20
	}
	if n.BlockSize <= 0 {
		n.BlockSize = 4096
	}
	if n.BlockRestartInterval <= 0 {
		n.BlockRestartInterval = 16
	}
	if n.Logger == nil {
		n.Logger = base.DefaultLogger{}
	}
	if n.FS == nil {
		n.FS = vfs.Default
	}
	return n
}

// ReadOptions hold the optional per-query parameters for Get and iterator
// operations.
//
// Like Options, a nil *ReadOptions is valid and means to use the default
// values.
type ReadOptions struct {
	// Snapshot, if non-nil, pins the read to the snapshot's sequence number
	// so that the read does not observe any subsequent writes.
	Snapshot *Snapshot
}

// WriteOptions hold the optional per-query parameters for Set, Delete and
// Apply operations.
//
// Like Options, a nil *WriteOptions is valid and means to use the default
// values.
type WriteOptions struct {
	// Sync is whether to sync underlying writes from the OS buffer cache
	// through to actual disk, if applicable. Setting Sync can result in
	// slower writes.
	//
	// If false, and the machine crashes, then some recent writes may be
	// lost. Note that if it is just the process that crashes (and the
	// machine does not) then no writes will be lost.
	//
	// In other words, Sync being false has the same semantics as a write
	// system call. Sync being true means write followed by fsync.
	//
	// The default value is false.
	Sync bool
}

// Sync specifies the default write options for writes which synchronize to
// disk.
var Sync = &WriteOptions{Sync: true}

// NoSync specifies the default write options for writes which do not
// synchronize to disk.
var NoSync = &WriteOptions{Sync: false}

// GetSync returns the Sync value or a default.
func (o *WriteOptions) GetSync() bool {
	return o != nil && o.Sync
}
