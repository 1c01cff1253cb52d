// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package base

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/redact"
)

// FileNum is an internal DB identifier for a file. File numbers are drawn
// from a single counter shared by WAL files, sstables and manifests.
type FileNum uint64

// String returns a string representation of the file number.
func (fn FileNum) String() string { return fmt.Sprintf("%06d", uint64(fn)) }

// SafeFormat implements redact.SafeFormatter.
func (fn FileNum) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%06d", redact.SafeUint(uint64(fn)))
}

// FileType enumerates the types of files found in a DB.
type FileType int

// The FileType enumeration.
const (
	FileTypeLog FileType = iota
	FileTypeLock
	FileTypeTable
	FileTypeOldTable
	FileTypeManifest
	FileTypeCurrent
	FileTypeTemp
	FileTypeInfoLog
)

func (t FileType) String() string {
	switch t {
	case FileTypeLog:
		return "log"
	case FileTypeLock:
		return "lock"
	case FileTypeTable:
		return "table"
	case FileTypeOldTable:
		return "sstable"
	case FileTypeManifest:
		return "manifest"
	case FileTypeCurrent:
		return "current"
	case FileTypeTemp:
		return "temp"
	case FileTypeInfoLog:
		return "info-log"
	}
	return "unknown"
}

// SafeFormat implements redact.SafeFormatter.
func (t FileType) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

// MakeFilename builds a filename from components, without a directory prefix.
func MakeFilename(fileType FileType, fileNum FileNum) string {
	switch fileType {
	case FileTypeLog:
		return fmt.Sprintf("%06d.log", uint64(fileNum))
	case FileTypeLock:
		return "LOCK"
	case FileTypeTable:
		return fmt.Sprintf("%06d.ldb", uint64(fileNum))
	case FileTypeOldTable:
		return fmt.Sprintf("%06d.sst", uint64(fileNum))
	case FileTypeManifest:
		return fmt.Sprintf("MANIFEST-%06d", uint64(fileNum))
	case FileTypeCurrent:
		return "CURRENT"
	case FileTypeTemp:
		return fmt.Sprintf("%06d.dbtmp", uint64(fileNum))
	case FileTypeInfoLog:
		return "LOG"
	}
	panic("unreachable")
}

// ParseFilename parses the components from a filename. The filename must not
// contain a directory prefix.
func ParseFilename(filename string) (fileType FileType, fileNum FileNum, ok bool) {
	switch {
	case filename == "CURRENT":
		return FileTypeCurrent, 0, true
	case filename == "LOCK":
		return FileTypeLock, 0, true
	case filename == "LOG", filename == "LOG.old":
		return FileTypeInfoLog, 0, true
	case strings.HasPrefix(filename, "MANIFEST-"):
		u, err := strconv.ParseUint(filename[len("MANIFEST-"):], 10, 64)
		if err != nil {
			break
		}
		return FileTypeManifest, FileNum(u), true
	default:
		i := strings.IndexByte(filename, '.')
		if i < 0 {
			break
		}
		u, err := strconv.ParseUint(filename[:i], 10, 64)
		if err != nil {
			break
		}
		switch filename[i+1:] {
		case "log":
			return FileTypeLog, FileNum(u), true
		case "ldb":
			return FileTypeTable, FileNum(u), true
		case "sst":
			return FileTypeOldTable, FileNum(u), true
		case "dbtmp":
			return FileTypeTemp, FileNum(u), true
		}
	}
	return 0, 0, false
}
