// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package romfstest builds RomFS images in memory for tests.
//
// [Build] produces a bare Level 3 partition from a declarative tree;
// [BuildIVFC] wraps the same partition in an IVFC container with a
// 4096-byte Level 3 block size. Metadata tables and sibling chains
// are laid out exactly as the format requires. Hash tables have valid
// geometry but empty buckets, and the IVFC hash levels hold zeroed
// hash data: readers in this module resolve through the metadata
// chains and never verify hashes, matching the tool's scope.
package romfstest

import (
	"encoding/binary"
	"unicode/utf16"
)

// Dir declares a directory and its children. Children are emitted in
// declaration order, which becomes the archive's chain order.
type Dir struct {
	Name  string
	Dirs  []Dir
	Files []File
}

// File declares a file and its contents.
type File struct {
	Name string
	Data []byte
}

const (
	lv3HeaderSize     = 0x28
	dirMetaFixedSize  = 0x18
	fileMetaFixedSize = 0x20
	none              = 0xFFFFFFFF

	ivfcBlockSize     = 4096
	ivfcBlockSizeLog2 = 12
	masterHashSize    = 0x20
)

// Build returns a bare Level 3 partition holding the declared tree.
// The root Dir's Name is ignored (the root entry is nameless).
func Build(root Dir) []byte {
	return newLayout(&root).emit()
}

// BuildIVFC returns the declared tree wrapped in an IVFC container:
// descriptor, zeroed master hash region, and the Level 3 partition
// aligned to the Level 3 block size.
func BuildIVFC(root Dir) []byte {
	lv3 := Build(root)
	lv3Offset := ivfcBlockSize // roundUp(0x60 + masterHashSize, blockSize)

	buf := make([]byte, lv3Offset+len(lv3))
	le := binary.LittleEndian
	copy(buf, "IVFC")
	le.PutUint32(buf[0x04:], 0x10000)
	le.PutUint32(buf[0x08:], masterHashSize)

	// Level descriptors with sizes derived from the partition, enough
	// for geometry-reading consumers.
	lv3Size := uint64(len(lv3))
	lv1Size := hashDataSize(lv3Size)
	lv2Size := hashDataSize(lv1Size)
	levels := []struct {
		logicalOffset uint64
		size          uint64
	}{
		{0, lv1Size},
		{alignBlock(lv1Size), lv2Size},
		{alignBlock(lv1Size) + alignBlock(lv2Size), lv3Size},
	}
	for i, level := range levels {
		base := 0x0C + i*0x18
		le.PutUint64(buf[base:], level.logicalOffset)
		le.PutUint64(buf[base+0x08:], level.size)
		le.PutUint32(buf[base+0x10:], ivfcBlockSizeLog2)
	}

	copy(buf[lv3Offset:], lv3)
	return buf
}

// hashDataSize is the hash region length covering size bytes: one
// 32-byte hash per block.
func hashDataSize(size uint64) uint64 {
	blocks := (size + ivfcBlockSize - 1) / ivfcBlockSize
	return blocks * 0x20
}

func alignBlock(v uint64) uint64 {
	return (v + ivfcBlockSize - 1) &^ uint64(ivfcBlockSize-1)
}

// dirPlan is one directory metadata entry with its assigned table
// offset and chain links.
type dirPlan struct {
	src           *Dir
	offset        uint32
	parent        uint32
	sibling       uint32
	firstChildDir uint32
	firstFile     uint32
	name          []byte
}

// filePlan is one file metadata entry plus its data placement.
type filePlan struct {
	offset     uint32
	parent     uint32
	sibling    uint32
	dataOffset uint64
	data       []byte
	name       []byte
}

// layout accumulates table offsets while walking the declared tree.
// Directory children of one parent receive consecutive entries before
// descent, so sibling chains read forward through the table.
type layout struct {
	dirs         []*dirPlan
	files        []*filePlan
	dirMetaSize  uint32
	fileMetaSize uint32
	dataSize     uint64
}

func newLayout(root *Dir) *layout {
	l := &layout{}
	rootPlan := &dirPlan{
		src:           root,
		sibling:       none,
		firstChildDir: none,
		firstFile:     none,
	}
	l.dirs = append(l.dirs, rootPlan)
	l.dirMetaSize = dirMetaFixedSize
	l.planChildren(rootPlan)
	return l
}

func (l *layout) planChildren(parent *dirPlan) {
	children := make([]*dirPlan, 0, len(parent.src.Dirs))
	var previous *dirPlan
	for i := range parent.src.Dirs {
		src := &parent.src.Dirs[i]
		name := encodeUTF16(src.Name)
		child := &dirPlan{
			src:           src,
			offset:        l.dirMetaSize,
			parent:        parent.offset,
			sibling:       none,
			firstChildDir: none,
			firstFile:     none,
			name:          name,
		}
		l.dirMetaSize += dirMetaFixedSize + pad4(uint32(len(name)))
		l.dirs = append(l.dirs, child)
		if previous == nil {
			parent.firstChildDir = child.offset
		} else {
			previous.sibling = child.offset
		}
		previous = child
		children = append(children, child)
	}

	var previousFile *filePlan
	for i := range parent.src.Files {
		src := &parent.src.Files[i]
		name := encodeUTF16(src.Name)
		l.dataSize = align16(l.dataSize)
		file := &filePlan{
			offset:     l.fileMetaSize,
			parent:     parent.offset,
			sibling:    none,
			dataOffset: l.dataSize,
			data:       src.Data,
			name:       name,
		}
		l.fileMetaSize += fileMetaFixedSize + pad4(uint32(len(name)))
		l.dataSize += uint64(len(src.Data))
		l.files = append(l.files, file)
		if previousFile == nil {
			parent.firstFile = file.offset
		} else {
			previousFile.sibling = file.offset
		}
		previousFile = file
	}

	for _, child := range children {
		l.planChildren(child)
	}
}

func (l *layout) emit() []byte {
	le := binary.LittleEndian

	dirHashLength := uint32(4 * len(l.dirs))
	fileHashLength := uint32(4 * len(l.files))
	dirHashOffset := uint32(lv3HeaderSize)
	dirMetaOffset := dirHashOffset + dirHashLength
	fileHashOffset := dirMetaOffset + l.dirMetaSize
	fileMetaOffset := fileHashOffset + fileHashLength
	dataOffset := uint32(align16(uint64(fileMetaOffset + l.fileMetaSize)))

	buf := make([]byte, uint64(dataOffset)+l.dataSize)

	le.PutUint32(buf[0x00:], lv3HeaderSize)
	le.PutUint32(buf[0x04:], dirHashOffset)
	le.PutUint32(buf[0x08:], dirHashLength)
	le.PutUint32(buf[0x0C:], dirMetaOffset)
	le.PutUint32(buf[0x10:], l.dirMetaSize)
	le.PutUint32(buf[0x14:], fileHashOffset)
	le.PutUint32(buf[0x18:], fileHashLength)
	le.PutUint32(buf[0x1C:], fileMetaOffset)
	le.PutUint32(buf[0x20:], l.fileMetaSize)
	le.PutUint32(buf[0x24:], dataOffset)

	for i := dirHashOffset; i < dirHashOffset+dirHashLength; i++ {
		buf[i] = 0xFF
	}
	for i := fileHashOffset; i < fileHashOffset+fileHashLength; i++ {
		buf[i] = 0xFF
	}

	for _, d := range l.dirs {
		o := dirMetaOffset + d.offset
		le.PutUint32(buf[o:], d.parent)
		le.PutUint32(buf[o+0x04:], d.sibling)
		le.PutUint32(buf[o+0x08:], d.firstChildDir)
		le.PutUint32(buf[o+0x0C:], d.firstFile)
		le.PutUint32(buf[o+0x10:], none)
		le.PutUint32(buf[o+0x14:], uint32(len(d.name)))
		copy(buf[o+0x18:], d.name)
	}

	for _, f := range l.files {
		o := fileMetaOffset + f.offset
		le.PutUint32(buf[o:], f.parent)
		le.PutUint32(buf[o+0x04:], f.sibling)
		le.PutUint64(buf[o+0x08:], f.dataOffset)
		le.PutUint64(buf[o+0x10:], uint64(len(f.data)))
		le.PutUint32(buf[o+0x18:], none)
		le.PutUint32(buf[o+0x1C:], uint32(len(f.name)))
		copy(buf[o+0x20:], f.name)
		copy(buf[uint64(dataOffset)+f.dataOffset:], f.data)
	}

	return buf
}

func encodeUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func pad4(n uint32) uint32 {
	return (n + 3) &^ 3
}

func align16(v uint64) uint64 {
	return (v + 15) &^ 15
}
