// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package romfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf16"
)

// Level 3 partition format constants. All header and metadata fields
// are little-endian. Table offsets in the header are relative to the
// start of the Level 3 partition; chain offsets inside a metadata
// table are relative to that table's start.
const (
	// lv3HeaderSize is the fixed Level 3 header: its own length field
	// followed by offset/length pairs for the directory hash table,
	// directory metadata table, file hash table, and file metadata
	// table, then the file data region offset. Ten uint32 fields.
	lv3HeaderSize = 0x28

	// dirMetaFixedSize is the fixed portion of a directory metadata
	// entry: parent, next sibling, first child directory, first file,
	// hash bucket chain, and name length. The UTF-16LE name follows,
	// padded to a 4-byte boundary.
	dirMetaFixedSize = 0x18

	// fileMetaFixedSize is the fixed portion of a file metadata entry:
	// parent, next sibling, 64-bit data offset, 64-bit data size, hash
	// bucket chain, and name length. The UTF-16LE name follows, padded
	// to a 4-byte boundary.
	fileMetaFixedSize = 0x20

	// metaNone marks the end of a sibling or hash bucket chain.
	metaNone = 0xFFFFFFFF
)

// Sentinel errors. Parse failures wrap [ErrInvalidImage] with detail;
// lookup misses wrap [ErrNotFound]. Both are stable targets for
// [errors.Is].
var (
	ErrNotFound     = errors.New("romfs: entry not found")
	ErrInvalidImage = errors.New("romfs: invalid image")
)

// Options configures how an image is opened.
type Options struct {
	// CaseInsensitive makes path lookup ignore case when matching
	// entry names. Entry names returned by lookups keep the case
	// stored in the archive.
	CaseInsensitive bool
}

// EntryType distinguishes the two kinds of archive entries.
type EntryType uint8

const (
	EntryTypeDirectory EntryType = iota
	EntryTypeFile
)

// String returns "directory" or "file".
func (t EntryType) String() string {
	switch t {
	case EntryTypeDirectory:
		return "directory"
	case EntryTypeFile:
		return "file"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// Entry is a resolved lookup result: one directory or file within the
// archive. Entries are value snapshots taken at lookup time; they stay
// valid independently of the Reader and are never mutated by it.
type Entry struct {
	// Name is the entry's own name with its stored case. The root
	// directory's name is empty.
	Name string

	// Type is [EntryTypeDirectory] or [EntryTypeFile].
	Type EntryType

	// Size is the file data length in bytes. Zero for directories.
	Size int64

	// Offset is the absolute byte position of the file's data within
	// the image. Zero for directories.
	Offset int64

	// Contents lists a directory's immediate child names in archive
	// order: subdirectories first, then files, each in metadata chain
	// order. Nil for files.
	Contents []string
}

// node is the in-memory tree form of a metadata entry. Children are
// keyed by match name (lowercased when case-insensitive) with the
// archive order kept separately, since lookup and listing need
// different views.
type node struct {
	name     string
	dir      bool
	offset   int64 // absolute data position, files only
	size     int64 // files only
	children map[string]*node
	order    []*node
}

// Reader is an open RomFS image. It holds the parsed metadata tree in
// memory and reads file data on demand from the backing source. All
// methods are safe for concurrent use: the tree is immutable after
// [NewReader] returns and data reads are positioned ([io.ReaderAt]),
// sharing no cursor.
type Reader struct {
	source          io.ReaderAt
	size            int64
	closer          io.Closer
	caseInsensitive bool

	root      *node
	lv3Offset int64
	header    lv3Header
	ivfc      *IVFCInfo
	totalSize int64
	dirCount  int
	fileCount int
}

// lv3Header is the parsed Level 3 partition header. Offsets are
// relative to the partition start.
type lv3Header struct {
	length         uint32
	dirHashOffset  uint32
	dirHashLength  uint32
	dirMetaOffset  uint32
	dirMetaLength  uint32
	fileHashOffset uint32
	fileHashLength uint32
	fileMetaOffset uint32
	fileMetaLength uint32
	fileDataOffset uint32
}

// NewReader parses the RomFS image read from source, whose total
// length is size bytes. The image may be a bare Level 3 partition or
// an IVFC-wrapped container; the wrapper is detected by magic. The
// entire metadata tree is parsed eagerly, so a successful return
// means the structure is sound. The source must remain open for the
// Reader's lifetime; closing it is the caller's concern (use
// [OpenFile] to have the Reader own a file).
func NewReader(source io.ReaderAt, size int64, options Options) (*Reader, error) {
	r := &Reader{
		source:          source,
		size:            size,
		caseInsensitive: options.CaseInsensitive,
	}

	magic := make([]byte, 4)
	if _, err := source.ReadAt(magic, 0); err != nil {
		return nil, fmt.Errorf("reading image magic: %w", err)
	}
	if string(magic) == ivfcMagic {
		info, lv3Offset, err := parseIVFC(source)
		if err != nil {
			return nil, err
		}
		r.ivfc = info
		r.lv3Offset = lv3Offset
	}

	if err := r.parseLv3Header(); err != nil {
		return nil, err
	}
	if err := r.buildTree(); err != nil {
		return nil, err
	}
	return r, nil
}

// OpenFile opens the RomFS image at path. The returned Reader owns
// the file handle and closes it on [Reader.Close].
func OpenFile(path string, options Options) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("measuring image: %w", err)
	}
	r, err := NewReader(f, info.Size(), options)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// parseLv3Header reads and validates the Level 3 header at the
// partition offset established by IVFC detection (zero for a bare
// image).
func (r *Reader) parseLv3Header() error {
	if r.lv3Offset+lv3HeaderSize > r.size {
		return fmt.Errorf("level 3 header at offset %d extends past end of image (%d bytes): %w",
			r.lv3Offset, r.size, ErrInvalidImage)
	}

	raw := make([]byte, lv3HeaderSize)
	if _, err := r.source.ReadAt(raw, r.lv3Offset); err != nil {
		return fmt.Errorf("reading level 3 header: %w", err)
	}

	h := lv3Header{
		length:         binary.LittleEndian.Uint32(raw[0x00:]),
		dirHashOffset:  binary.LittleEndian.Uint32(raw[0x04:]),
		dirHashLength:  binary.LittleEndian.Uint32(raw[0x08:]),
		dirMetaOffset:  binary.LittleEndian.Uint32(raw[0x0C:]),
		dirMetaLength:  binary.LittleEndian.Uint32(raw[0x10:]),
		fileHashOffset: binary.LittleEndian.Uint32(raw[0x14:]),
		fileHashLength: binary.LittleEndian.Uint32(raw[0x18:]),
		fileMetaOffset: binary.LittleEndian.Uint32(raw[0x1C:]),
		fileMetaLength: binary.LittleEndian.Uint32(raw[0x20:]),
		fileDataOffset: binary.LittleEndian.Uint32(raw[0x24:]),
	}

	if h.length != lv3HeaderSize {
		return fmt.Errorf("level 3 header length %#x (expected %#x): %w",
			h.length, lv3HeaderSize, ErrInvalidImage)
	}

	// The four tables and the data region must be ordered and
	// non-overlapping. Real images lay them out back to back; padding
	// between regions is tolerated, overlap is not.
	regions := []struct {
		name    string
		offset  uint32
		length  uint32
		minimum uint32
	}{
		{"directory hash table", h.dirHashOffset, h.dirHashLength, h.length},
		{"directory metadata table", h.dirMetaOffset, h.dirMetaLength, h.dirHashOffset + h.dirHashLength},
		{"file hash table", h.fileHashOffset, h.fileHashLength, h.dirMetaOffset + h.dirMetaLength},
		{"file metadata table", h.fileMetaOffset, h.fileMetaLength, h.fileHashOffset + h.fileHashLength},
		{"file data region", h.fileDataOffset, 0, h.fileMetaOffset + h.fileMetaLength},
	}
	for _, region := range regions {
		if region.offset < region.minimum {
			return fmt.Errorf("%s offset %#x overlaps preceding region ending at %#x: %w",
				region.name, region.offset, region.minimum, ErrInvalidImage)
		}
		end := r.lv3Offset + int64(region.offset) + int64(region.length)
		if end > r.size {
			return fmt.Errorf("%s extends past end of image (%d > %d): %w",
				region.name, end, r.size, ErrInvalidImage)
		}
	}

	r.header = h
	return nil
}

// buildTree reads both metadata tables and walks the sibling chains
// into the in-memory tree, accumulating the payload size and entry
// counts along the way.
func (r *Reader) buildTree() error {
	dirMeta := make([]byte, r.header.dirMetaLength)
	if _, err := r.source.ReadAt(dirMeta, r.lv3Offset+int64(r.header.dirMetaOffset)); err != nil {
		return fmt.Errorf("reading directory metadata table: %w", err)
	}
	fileMeta := make([]byte, r.header.fileMetaLength)
	if _, err := r.source.ReadAt(fileMeta, r.lv3Offset+int64(r.header.fileMetaOffset)); err != nil {
		return fmt.Errorf("reading file metadata table: %w", err)
	}

	p := &treeParser{
		dirMeta:         dirMeta,
		fileMeta:        fileMeta,
		dataBase:        r.lv3Offset + int64(r.header.fileDataOffset),
		caseInsensitive: r.caseInsensitive,
		// A chain that visits more entries than the table could hold
		// is cyclic. The bounds are generous (entries carry names on
		// top of the fixed part) but finite, which is what matters.
		maxDirs:  len(dirMeta)/dirMetaFixedSize + 1,
		maxFiles: len(fileMeta)/fileMetaFixedSize + 1,
	}

	root := &node{dir: true, children: make(map[string]*node)}
	if err := p.walkDirectory(root, 0); err != nil {
		return err
	}

	r.root = root
	r.totalSize = p.totalSize
	r.dirCount = p.dirsSeen
	r.fileCount = p.filesSeen
	return nil
}

// treeParser carries the table slices and accounting for one tree
// build.
type treeParser struct {
	dirMeta         []byte
	fileMeta        []byte
	dataBase        int64
	caseInsensitive bool
	maxDirs         int
	maxFiles        int
	dirsSeen        int
	filesSeen       int
	totalSize       int64
}

// walkDirectory fills parent with the children of the directory
// metadata entry at offset, recursing into subdirectories. The
// directory's own name is the caller's concern; this reads only the
// child chain heads.
func (p *treeParser) walkDirectory(parent *node, offset uint32) error {
	p.dirsSeen++
	if p.dirsSeen > p.maxDirs {
		return fmt.Errorf("directory metadata chain exceeds table capacity %d: %w",
			p.maxDirs, ErrInvalidImage)
	}

	entry, err := p.dirEntry(offset)
	if err != nil {
		return err
	}

	for childOffset := entry.firstChildDir; childOffset != metaNone; {
		child, err := p.dirEntry(childOffset)
		if err != nil {
			return err
		}
		childNode := &node{
			name:     child.name,
			dir:      true,
			children: make(map[string]*node),
		}
		p.attach(parent, childNode)
		if err := p.walkDirectory(childNode, childOffset); err != nil {
			return err
		}
		childOffset = child.sibling
	}

	for childOffset := entry.firstFile; childOffset != metaNone; {
		p.filesSeen++
		if p.filesSeen > p.maxFiles {
			return fmt.Errorf("file metadata chain exceeds table capacity %d: %w",
				p.maxFiles, ErrInvalidImage)
		}
		child, err := p.fileEntry(childOffset)
		if err != nil {
			return err
		}
		p.attach(parent, &node{
			name:   child.name,
			offset: p.dataBase + child.dataOffset,
			size:   child.dataSize,
		})
		p.totalSize += child.dataSize
		childOffset = child.sibling
	}

	return nil
}

// attach adds child under parent using the match-name key. A name
// that folds onto an existing key replaces that entry in place,
// keeping the first occurrence's position in the archive order.
func (p *treeParser) attach(parent *node, child *node) {
	key := child.name
	if p.caseInsensitive {
		key = strings.ToLower(key)
	}
	if existing, ok := parent.children[key]; ok {
		for i, n := range parent.order {
			if n == existing {
				parent.order[i] = child
				break
			}
		}
		parent.children[key] = child
		return
	}
	parent.children[key] = child
	parent.order = append(parent.order, child)
}

// dirMetaEntry is one decoded directory metadata record.
type dirMetaEntry struct {
	sibling       uint32
	firstChildDir uint32
	firstFile     uint32
	name          string
}

func (p *treeParser) dirEntry(offset uint32) (dirMetaEntry, error) {
	fixed, err := metaField(p.dirMeta, offset, dirMetaFixedSize, "directory")
	if err != nil {
		return dirMetaEntry{}, err
	}
	nameLength := binary.LittleEndian.Uint32(fixed[0x14:])
	name, err := metaName(p.dirMeta, offset, dirMetaFixedSize, nameLength, "directory")
	if err != nil {
		return dirMetaEntry{}, err
	}
	return dirMetaEntry{
		sibling:       binary.LittleEndian.Uint32(fixed[0x04:]),
		firstChildDir: binary.LittleEndian.Uint32(fixed[0x08:]),
		firstFile:     binary.LittleEndian.Uint32(fixed[0x0C:]),
		name:          name,
	}, nil
}

// fileMetaEntry is one decoded file metadata record.
type fileMetaEntry struct {
	sibling    uint32
	dataOffset int64
	dataSize   int64
	name       string
}

func (p *treeParser) fileEntry(offset uint32) (fileMetaEntry, error) {
	fixed, err := metaField(p.fileMeta, offset, fileMetaFixedSize, "file")
	if err != nil {
		return fileMetaEntry{}, err
	}
	nameLength := binary.LittleEndian.Uint32(fixed[0x1C:])
	name, err := metaName(p.fileMeta, offset, fileMetaFixedSize, nameLength, "file")
	if err != nil {
		return fileMetaEntry{}, err
	}
	return fileMetaEntry{
		sibling:    binary.LittleEndian.Uint32(fixed[0x04:]),
		dataOffset: int64(binary.LittleEndian.Uint64(fixed[0x08:])),
		dataSize:   int64(binary.LittleEndian.Uint64(fixed[0x10:])),
		name:       name,
	}, nil
}

// metaField slices the fixed portion of a metadata entry, validating
// table bounds.
func metaField(table []byte, offset uint32, fixedSize int, kind string) ([]byte, error) {
	end := int64(offset) + int64(fixedSize)
	if end > int64(len(table)) {
		return nil, fmt.Errorf("%s metadata entry at %#x extends past table end (%d bytes): %w",
			kind, offset, len(table), ErrInvalidImage)
	}
	return table[offset:end], nil
}

// metaName decodes the UTF-16LE name that follows a metadata entry's
// fixed portion.
func metaName(table []byte, offset uint32, fixedSize int, nameLength uint32, kind string) (string, error) {
	if nameLength == 0 {
		return "", nil
	}
	if nameLength%2 != 0 {
		return "", fmt.Errorf("%s metadata entry at %#x has odd name length %d: %w",
			kind, offset, nameLength, ErrInvalidImage)
	}
	start := int64(offset) + int64(fixedSize)
	end := start + int64(nameLength)
	if end > int64(len(table)) {
		return "", fmt.Errorf("%s name at %#x extends past table end (%d bytes): %w",
			kind, offset, len(table), ErrInvalidImage)
	}
	raw := table[start:end]
	units := make([]uint16, len(raw)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return string(utf16.Decode(units)), nil
}

// Lookup resolves a slash-separated path to its Entry. Both "/" and
// "\" separate components; a leading separator is optional; an empty
// component ends the walk, so trailing separators are tolerated. With
// case-insensitive matching the whole path is folded before the walk.
// Returns an error wrapping [ErrNotFound] when any component is
// absent or a non-final component is a file.
func (r *Reader) Lookup(path string) (*Entry, error) {
	n, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return snapshot(n), nil
}

func (r *Reader) resolve(path string) (*node, error) {
	cleaned := strings.ReplaceAll(path, `\`, "/")
	if r.caseInsensitive {
		cleaned = strings.ToLower(cleaned)
	}
	cleaned = strings.TrimPrefix(cleaned, "/")

	current := r.root
	if cleaned == "" {
		return current, nil
	}
	for _, component := range strings.Split(cleaned, "/") {
		if component == "" {
			break
		}
		child, ok := current.children[component]
		if !ok {
			return nil, fmt.Errorf("lookup %q: %w", path, ErrNotFound)
		}
		current = child
	}
	return current, nil
}

// snapshot converts a tree node into a public Entry value.
func snapshot(n *node) *Entry {
	e := &Entry{Name: n.name}
	if n.dir {
		e.Type = EntryTypeDirectory
		e.Contents = make([]string, len(n.order))
		for i, child := range n.order {
			e.Contents[i] = child.name
		}
		return e
	}
	e.Type = EntryTypeFile
	e.Size = n.size
	e.Offset = n.offset
	return e
}

// ReadDataAt reads len(p) bytes of e's file data starting at off
// within the file. The caller is expected to keep the range inside
// the entry (off + len(p) ≤ e.Size); out-of-range requests and
// directory entries are rejected rather than truncated.
func (r *Reader) ReadDataAt(e *Entry, p []byte, off int64) (int, error) {
	if e.Type != EntryTypeFile {
		return 0, fmt.Errorf("read %q: entry is a %s, not a file", e.Name, e.Type)
	}
	if off < 0 || off+int64(len(p)) > e.Size {
		return 0, fmt.Errorf("read %q: range [%d, %d) outside file size %d",
			e.Name, off, off+int64(len(p)), e.Size)
	}
	if len(p) == 0 {
		return 0, nil
	}
	n, err := r.source.ReadAt(p, e.Offset+off)
	if err != nil {
		return n, fmt.Errorf("reading %q at offset %d: %w", e.Name, off, err)
	}
	return n, nil
}

// TotalSize returns the logical payload size: the sum of all file
// data sizes in the archive.
func (r *Reader) TotalSize() int64 {
	return r.totalSize
}

// ImageSize returns the total byte length of the backing image,
// including any IVFC wrapper.
func (r *Reader) ImageSize() int64 {
	return r.size
}

// Lv3Offset returns the byte position of the Level 3 partition within
// the image: zero for a bare partition, the computed partition start
// for an IVFC-wrapped one.
func (r *Reader) Lv3Offset() int64 {
	return r.lv3Offset
}

// IVFC returns the parsed IVFC descriptor, or nil when the image is a
// bare Level 3 partition.
func (r *Reader) IVFC() *IVFCInfo {
	return r.ivfc
}

// NumDirectories returns the number of directories in the archive,
// counting the root.
func (r *Reader) NumDirectories() int {
	return r.dirCount
}

// NumFiles returns the number of files in the archive.
func (r *Reader) NumFiles() int {
	return r.fileCount
}

// Close releases the backing file when the Reader owns one (see
// [OpenFile]). Safe to call more than once.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	closer := r.closer
	r.closer = nil
	if err := closer.Close(); err != nil {
		return fmt.Errorf("closing backing image: %w", err)
	}
	return nil
}
