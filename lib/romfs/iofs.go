// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package romfs

import (
	"errors"
	"io"
	"io/fs"
	"sort"
	"time"
)

// The Reader doubles as a read-only [fs.FS] so stdlib traversal and
// testing tools work on an open image. Paths follow io/fs rules
// (relative, slash-separated, "." for the root); lookups still honor
// the Reader's case sensitivity setting.
var (
	_ fs.FS        = (*Reader)(nil)
	_ fs.ReadDirFS = (*Reader)(nil)
	_ fs.StatFS    = (*Reader)(nil)
)

// Open opens the named entry for reading. Files support [io.Reader],
// [io.ReaderAt], and [io.Seeker]; directories support ReadDir.
func (r *Reader) Open(name string) (fs.File, error) {
	n, err := r.fsResolve("open", name)
	if err != nil {
		return nil, err
	}
	if n.dir {
		return &dirFile{node: n}, nil
	}
	return &entryFile{
		node:          n,
		SectionReader: io.NewSectionReader(r.source, n.offset, n.size),
	}, nil
}

// ReadDir lists the named directory, sorted by filename as the
// [fs.ReadDirFS] contract requires. Archive order is available
// through [Reader.Lookup] via [Entry.Contents].
func (r *Reader) ReadDir(name string) ([]fs.DirEntry, error) {
	n, err := r.fsResolve("readdir", name)
	if err != nil {
		return nil, err
	}
	if !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	return sortedDirEntries(n), nil
}

// Stat returns metadata for the named entry.
func (r *Reader) Stat(name string) (fs.FileInfo, error) {
	n, err := r.fsResolve("stat", name)
	if err != nil {
		return nil, err
	}
	return fileInfo{n}, nil
}

// fsResolve maps an io/fs name onto the internal tree, translating
// failures into [fs.PathError] values with io/fs sentinel causes.
func (r *Reader) fsResolve(op, name string) (*node, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrInvalid}
	}
	path := name
	if name == "." {
		path = ""
	}
	n, err := r.resolve(path)
	if err != nil {
		return nil, &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	return n, nil
}

func sortedDirEntries(n *node) []fs.DirEntry {
	entries := make([]fs.DirEntry, len(n.order))
	for i, child := range n.order {
		entries[i] = dirEntry{fileInfo{child}}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries
}

// entryFile is an open archive file. The embedded SectionReader spans
// exactly the file's data, giving Read, ReadAt, and Seek over the
// shared backing source without a shared cursor.
type entryFile struct {
	node *node
	*io.SectionReader
}

func (f *entryFile) Stat() (fs.FileInfo, error) { return fileInfo{f.node}, nil }

func (f *entryFile) Close() error { return nil }

// dirFile is an open archive directory implementing
// [fs.ReadDirFile].
type dirFile struct {
	node    *node
	entries []fs.DirEntry
	served  int
}

func (d *dirFile) Stat() (fs.FileInfo, error) { return fileInfo{d.node}, nil }

func (d *dirFile) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: fileInfo{d.node}.Name(), Err: fs.ErrInvalid}
}

func (d *dirFile) Close() error { return nil }

// ReadDir returns up to count entries, continuing where the previous
// call left off; count <= 0 returns the remainder in one slice.
func (d *dirFile) ReadDir(count int) ([]fs.DirEntry, error) {
	if d.entries == nil {
		d.entries = sortedDirEntries(d.node)
	}
	remaining := d.entries[d.served:]
	if count <= 0 {
		d.served = len(d.entries)
		return remaining, nil
	}
	if len(remaining) == 0 {
		return nil, io.EOF
	}
	if count > len(remaining) {
		count = len(remaining)
	}
	d.served += count
	return remaining[:count], nil
}

// fileInfo adapts a tree node to [fs.FileInfo]. The archive format
// carries no timestamps, so ModTime is the zero time; mounts layer
// their own snapshot on top.
type fileInfo struct {
	n *node
}

func (i fileInfo) Name() string {
	if i.n.name == "" {
		return "."
	}
	return i.n.name
}

func (i fileInfo) Size() int64 { return i.n.size }

func (i fileInfo) Mode() fs.FileMode {
	if i.n.dir {
		return fs.ModeDir | 0o555
	}
	return 0o444
}

func (i fileInfo) ModTime() time.Time { return time.Time{} }

func (i fileInfo) IsDir() bool { return i.n.dir }

func (i fileInfo) Sys() any { return nil }

// dirEntry adapts fileInfo to [fs.DirEntry].
type dirEntry struct {
	info fileInfo
}

func (e dirEntry) Name() string               { return e.info.Name() }
func (e dirEntry) IsDir() bool                { return e.info.IsDir() }
func (e dirEntry) Type() fs.FileMode          { return e.info.Mode().Type() }
func (e dirEntry) Info() (fs.FileInfo, error) { return e.info, nil }
