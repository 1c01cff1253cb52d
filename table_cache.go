// Copyright 2013 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"sync"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/internal/cache"
	"github.com/cobbledb/cobble/sstable"
	"github.com/cobbledb/cobble/vfs"
	"github.com/cockroachdb/errors/oserror"
)

// tableCache is an LRU of open table readers, keyed by file number. A table
// handle stays open while it is in the LRU or while any iterator over it
// remains un-closed; whether a version references the file does not keep it
// in the LRU. The LRU bounds the number of cached table handles.
type tableCache struct {
	dirname    string
	fs         vfs.FS
	cmp        *base.Comparer
	filter     base.FilterPolicy
	verify     bool
	blockCache *cache.Cache
	size       int

	mu    sync.Mutex
	nodes map[base.FileNum]*tableCacheNode
	dummy tableCacheNode
}

func (c *tableCache) init(
	dirname string, fs vfs.FS, opts *Options, blockCache *cache.Cache, size int,
) {
	c.dirname = dirname
	c.fs = fs
	c.cmp = opts.Comparer
	c.filter = opts.FilterPolicy
	c.verify = opts.VerifyChecksums
	c.blockCache = blockCache
	c.size = size
	c.nodes = make(map[base.FileNum]*tableCacheNode)
	c.dummy.next = &c.dummy
	c.dummy.prev = &c.dummy
}

// withReader calls f with the reader for the given table, pinning the
// table's cache node for the duration of the call.
func (c *tableCache) withReader(
	fileNum base.FileNum, f func(*sstable.Reader) error,
) error {
	n := c.findNode(fileNum)
	x := <-n.result
	if x.err != nil {
		c.mu.Lock()
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
		c.mu.Unlock()

		// Try loading the table again; the error may be transient.
		go n.load(c)
		return x.err
	}
	n.result <- x
	err := f(x.reader)
	c.mu.Lock()
	n.refCount--
	if n.refCount == 0 {
		go n.release()
	}
	c.mu.Unlock()
	return err
}

// get looks up the first entry at or after key in the given table that
// shares key's user key. It is the tableGetter used by version.get.
func (c *tableCache) get(
	fileNum base.FileNum, key base.InternalKey,
) (rkey base.InternalKey, rvalue []byte, rerr error) {
	rerr = c.withReader(fileNum, func(r *sstable.Reader) error {
		var err error
		rkey, rvalue, err = r.Get(key)
		return err
	})
	return rkey, rvalue, rerr
}

// newIter returns an iterator over the given table. The table's cache node
// is pinned until the iterator is closed.
func (c *tableCache) newIter(fileNum base.FileNum) (base.InternalIterator, error) {
	// Calling findNode gives us the responsibility of decrementing n's
	// refCount. If opening the underlying table resulted in error, then we
	// decrement this straight away. Otherwise, we pass that responsibility
	// to the tableCacheIter, which decrements when it is closed.
	n := c.findNode(fileNum)
	x := <-n.result
	if x.err != nil {
		c.mu.Lock()
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
		c.mu.Unlock()

		// Try loading the table again; the error may be transient.
		go n.load(c)
		return nil, x.err
	}
	n.result <- x
	return &tableCacheIter{
		InternalIterator: x.reader.NewIter(),
		cache:            c,
		node:             n,
	}, nil
}

// releaseNode releases a node from the tableCache.
//
// c.mu must be held when calling this.
func (c *tableCache) releaseNode(n *tableCacheNode) {
	delete(c.nodes, n.fileNum)
	n.next.prev = n.prev
	n.prev.next = n.next
	n.refCount--
	if n.refCount == 0 {
		go n.release()
	}
}

// findNode returns the node for the table with the given file number,
// creating that node if it didn't already exist. The caller is responsible
// for decrementing the returned node's refCount.
func (c *tableCache) findNode(fileNum base.FileNum) *tableCacheNode {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.nodes[fileNum]
	if n == nil {
		n = &tableCacheNode{
			fileNum:  fileNum,
			refCount: 1,
			result:   make(chan tableReaderOrError, 1),
		}
		c.nodes[fileNum] = n
		if len(c.nodes) > c.size {
			// Release the tail node.
			c.releaseNode(c.dummy.prev)
		}
		go n.load(c)
	} else {
		// Remove n from the doubly-linked list.
		n.next.prev = n.prev
		n.prev.next = n.next
	}
	// Insert n at the front of the doubly-linked list.
	n.next = c.dummy.next
	n.prev = &c.dummy
	n.next.prev = n
	n.prev.next = n
	// The caller is responsible for decrementing the refCount.
	n.refCount++
	return n
}

// evict removes the table from the cache and drops its blocks from the block
// cache. Called when an obsolete table file is about to be deleted.
func (c *tableCache) evict(fileNum base.FileNum) {
	c.mu.Lock()
	if n := c.nodes[fileNum]; n != nil {
		c.releaseNode(n)
	}
	c.mu.Unlock()
	if c.blockCache != nil {
		c.blockCache.EvictFile(fileNum)
	}
}

// Close releases every node. Outstanding iterators keep their nodes alive
// until they are closed.
func (c *tableCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for n := c.dummy.next; n != &c.dummy; n = n.next {
		n.refCount--
		if n.refCount == 0 {
			go n.release()
		}
	}
	c.nodes = nil
	c.dummy.next = nil
	c.dummy.prev = nil
	return nil
}

type tableReaderOrError struct {
	reader *sstable.Reader
	err    error
}

type tableCacheNode struct {
	fileNum base.FileNum
	result  chan tableReaderOrError

	// The remaining fields are protected by the tableCache mutex.

	next, prev *tableCacheNode
	refCount   int
}

func (n *tableCacheNode) load(c *tableCache) {
	// Try opening the fileTypeTable first. If that file doesn't exist, fall
	// back onto the old-fashioned .sst name.
	f, err := c.fs.Open(dbFilename(c.fs, c.dirname, base.FileTypeTable, n.fileNum))
	if oserror.IsNotExist(err) {
		f, err = c.fs.Open(dbFilename(c.fs, c.dirname, base.FileTypeOldTable, n.fileNum))
	}
	if err != nil {
		n.result <- tableReaderOrError{err: base.MarkIOError(err, "cobble: could not open table")}
		return
	}
	n.result <- tableReaderOrError{reader: sstable.NewReader(f, sstable.ReaderOptions{
		Comparer:        c.cmp,
		FilterPolicy:    c.filter,
		VerifyChecksums: c.verify,
		Cache:           c.blockCache,
		FileNum:         n.fileNum,
	})}
}

func (n *tableCacheNode) release() {
	x := <-n.result
	if x.err != nil {
		return
	}
	x.reader.Close()
}

type tableCacheIter struct {
	base.InternalIterator
	cache    *tableCache
	node     *tableCacheNode
	closeErr error
	closed   bool
}

func (i *tableCacheIter) Close() error {
	if i.closed {
		return i.closeErr
	}
	i.closed = true

	i.cache.mu.Lock()
	i.node.refCount--
	if i.node.refCount == 0 {
		go i.node.release()
	}
	i.cache.mu.Unlock()

	i.closeErr = i.InternalIterator.Close()
	return i.closeErr
}
