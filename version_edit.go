// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package cobble

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/cobbledb/cobble/internal/base"
)

// The manifest file is a WAL-format file whose records are versionEdits: the
// mutations applied, in order, to an empty version to arrive at the current
// level catalog. Each edit is a sequence of tagged fields; unknown tags are
// a corruption, matching the C++ code.

// Tags for the versionEdit disk format. Tag 8 is no longer used.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

type byteReader interface {
	io.ByteReader
	io.Reader
}

type compactPointerEntry struct {
	level int
	// key is the encoded internal key.
	key []byte
}

type deletedFileEntry struct {
	level   int
	fileNum base.FileNum
}

type newFileEntry struct {
	level int
	meta  *fileMetadata
}

type versionEdit struct {
	comparatorName  string
	logNumber       base.FileNum
	prevLogNumber   base.FileNum
	nextFileNumber  base.FileNum
	lastSequence    base.SeqNum
	compactPointers []compactPointerEntry
	deletedFiles    map[deletedFileEntry]bool
	newFiles        []newFileEntry
}

func (v *versionEdit) decode(r io.Reader) error {
	br, ok := r.(byteReader)
	if !ok {
		br = bufio.NewReader(r)
	}
	d := versionEditDecoder{br}
	for {
		tag, err := binary.ReadUvarint(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		switch tag {

		case tagComparator:
			s, err := d.readBytes()
			if err != nil {
				return err
			}
			// The comparator name bytes are preserved verbatim; they are
			// never validated as UTF-8.
			v.comparatorName = string(s)

		case tagLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.logNumber = base.FileNum(n)

		case tagNextFileNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.nextFileNumber = base.FileNum(n)

		case tagLastSequence:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.lastSequence = base.SeqNum(n)

		case tagCompactPointer:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			key, err := d.readBytes()
			if err != nil {
				return err
			}
			v.compactPointers = append(v.compactPointers, compactPointerEntry{level, key})

		case tagDeletedFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			if v.deletedFiles == nil {
				v.deletedFiles = make(map[deletedFileEntry]bool)
			}
			v.deletedFiles[deletedFileEntry{level, base.FileNum(fileNum)}] = true

		case tagNewFile:
			level, err := d.readLevel()
			if err != nil {
				return err
			}
			fileNum, err := d.readUvarint()
			if err != nil {
				return err
			}
			size, err := d.readUvarint()
			if err != nil {
				return err
			}
			smallest, err := d.readBytes()
			if err != nil {
				return err
			}
			largest, err := d.readBytes()
			if err != nil {
				return err
			}
			meta := &fileMetadata{
				fileNum:  base.FileNum(fileNum),
				size:     size,
				smallest: base.DecodeInternalKey(smallest).Clone(),
				largest:  base.DecodeInternalKey(largest).Clone(),
			}
			meta.initAllowedSeeks()
			v.newFiles = append(v.newFiles, newFileEntry{
				level: level,
				meta:  meta,
			})

		case tagPrevLogNumber:
			n, err := d.readUvarint()
			if err != nil {
				return err
			}
			v.prevLogNumber = base.FileNum(n)

		default:
			return errCorruptManifest()
		}
	}
	return nil
}

func (v *versionEdit) encode(w io.Writer) error {
	e := versionEditEncoder{new(bytes.Buffer)}
	if v.comparatorName != "" {
		e.writeUvarint(tagComparator)
		e.writeString(v.comparatorName)
	}
	if v.logNumber != 0 {
		e.writeUvarint(tagLogNumber)
		e.writeUvarint(uint64(v.logNumber))
	}
	if v.prevLogNumber != 0 {
		e.writeUvarint(tagPrevLogNumber)
		e.writeUvarint(uint64(v.prevLogNumber))
	}
	if v.nextFileNumber != 0 {
		e.writeUvarint(tagNextFileNumber)
		e.writeUvarint(uint64(v.nextFileNumber))
	}
	if v.lastSequence != 0 {
		e.writeUvarint(tagLastSequence)
		e.writeUvarint(uint64(v.lastSequence))
	}
	for _, x := range v.compactPointers {
		e.writeUvarint(tagCompactPointer)
		e.writeUvarint(uint64(x.level))
		e.writeBytes(x.key)
	}
	for x := range v.deletedFiles {
		e.writeUvarint(tagDeletedFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(uint64(x.fileNum))
	}
	for _, x := range v.newFiles {
		e.writeUvarint(tagNewFile)
		e.writeUvarint(uint64(x.level))
		e.writeUvarint(uint64(x.meta.fileNum))
		e.writeUvarint(x.meta.size)
		e.writeKey(x.meta.smallest)
		e.writeKey(x.meta.largest)
	}
	_, err := w.Write(e.Bytes())
	return err
}

func errCorruptManifest() error {
	return base.CorruptionErrorf("cobble: corrupt manifest")
}

type versionEditDecoder struct {
	byteReader
}

func (d versionEditDecoder) readBytes() ([]byte, error) {
	n, err := d.readUvarint()
	if err != nil {
		return nil, err
	}
	s := make([]byte, n)
	_, err = io.ReadFull(d, s)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errCorruptManifest()
		}
		return nil, err
	}
	return s, nil
}

func (d versionEditDecoder) readLevel() (int, error) {
	u, err := d.readUvarint()
	if err != nil {
		return 0, err
	}
	if u >= numLevels {
		return 0, errCorruptManifest()
	}
	return int(u), nil
}

func (d versionEditDecoder) readUvarint() (uint64, error) {
	u, err := binary.ReadUvarint(d)
	if err != nil {
		if err == io.EOF {
			return 0, errCorruptManifest()
		}
		return 0, err
	}
	return u, nil
}

type versionEditEncoder struct {
	*bytes.Buffer
}

func (e versionEditEncoder) writeBytes(p []byte) {
	e.writeUvarint(uint64(len(p)))
	e.Write(p)
}

func (e versionEditEncoder) writeKey(k base.InternalKey) {
	e.writeUvarint(uint64(k.Size()))
	e.Write(k.UserKey)
	buf := k.EncodeTrailer()
	e.Write(buf[:])
}

func (e versionEditEncoder) writeString(s string) {
	e.writeUvarint(uint64(len(s)))
	e.WriteString(s)
}

func (e versionEditEncoder) writeUvarint(u uint64) {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], u)
	e.Write(buf[:n])
}

// versionEditBuilder accumulates a series of edits and applies them to a
// base version, producing a new version.
type versionEditBuilder struct {
	deleted [numLevels]map[base.FileNum]bool
	added   [numLevels][]*fileMetadata
}

// apply accumulates the file additions and deletions of an edit. A file
// added by an earlier edit and deleted by a later one cancels out.
func (b *versionEditBuilder) apply(ve *versionEdit) {
	for df := range ve.deletedFiles {
		added := b.added[df.level]
		cancelled := false
		for i, f := range added {
			if f.fileNum == df.fileNum {
				b.added[df.level] = append(added[:i], added[i+1:]...)
				cancelled = true
				break
			}
		}
		if cancelled {
			continue
		}
		if b.deleted[df.level] == nil {
			b.deleted[df.level] = make(map[base.FileNum]bool)
		}
		b.deleted[df.level][df.fileNum] = true
	}
	for _, nf := range ve.newFiles {
		if b.deleted[nf.level] != nil {
			delete(b.deleted[nf.level], nf.meta.fileNum)
		}
		b.added[nf.level] = append(b.added[nf.level], nf.meta)
	}
}

// saveTo constructs a new version from the accumulated edits applied to the
// supplied base version. Level 0 is sorted by file number; all other levels
// are sorted by smallest key, and the non-overlap invariant is checked.
func (b *versionEditBuilder) saveTo(
	v *version, icmp func(a, b base.InternalKey) int, ucmp base.Compare,
) (*version, error) {
	n := &version{}
	for level := range v.files {
		nf := make([]*fileMetadata, 0, len(v.files[level])+len(b.added[level]))
		for _, f := range v.files[level] {
			if b.deleted[level] != nil && b.deleted[level][f.fileNum] {
				continue
			}
			nf = append(nf, f)
		}
		nf = append(nf, b.added[level]...)
		if level == 0 {
			sort.Sort(byFileNum(nf))
		} else {
			sort.Sort(bySmallest{nf, icmp})
		}
		n.files[level] = nf
	}
	if err := n.checkOrdering(icmp, ucmp); err != nil {
		return nil, err
	}
	n.updateCompactionScore()
	return n, nil
}
