// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"fmt"

	"github.com/cobbledb/cobble/internal/base"
	"github.com/cobbledb/cobble/vfs"
)

// dbFilename returns the filename of a file of the given type and number
// inside the DB directory.
func dbFilename(fs vfs.FS, dirname string, fileType base.FileType, fileNum base.FileNum) string {
	return fs.PathJoin(dirname, base.MakeFilename(fileType, fileNum))
}

// setCurrentFile atomically points CURRENT at the named manifest: the new
// contents are written to a temp file, renamed over CURRENT, and the
// directory is synced so the rename is durable.
func setCurrentFile(fs vfs.FS, dirname string, fileNum base.FileNum) error {
	newFilename := dbFilename(fs, dirname, base.FileTypeCurrent, fileNum)
	oldFilename := dbFilename(fs, dirname, base.FileTypeTemp, fileNum)
	fs.Remove(oldFilename)
	f, err := fs.Create(oldFilename)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "MANIFEST-%06d\n", uint64(fileNum)); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := fs.Rename(oldFilename, newFilename); err != nil {
		return err
	}
	return syncDir(fs, dirname)
}

// syncDir syncs the directory, making a preceding rename or create durable.
func syncDir(fs vfs.FS, dirname string) error {
	d, err := fs.OpenDir(dirname)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}
