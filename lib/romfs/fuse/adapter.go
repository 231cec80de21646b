// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sgnls/ninfs/lib/romfs"
)

// statBlockSize is the logical block size reported by Statfs.
const statBlockSize = 4096

// Times is the timestamp snapshot applied to every entry the mount
// synthesizes. RomFS carries no per-entry timestamps, so the whole
// tree reports the backing image file's own times, captured once at
// mount.
type Times struct {
	Ctime time.Time
	Mtime time.Time
	Atime time.Time
}

// adapterState tracks the adapter lifecycle. The only transitions are
// uninitialized -> active (initialize) and any state -> closed
// (teardown).
type adapterState uint8

const (
	stateUninitialized adapterState = iota
	stateActive
	stateClosed
)

// adapter translates FUSE operation semantics into calls against a
// romfs.Reader. It holds no per-path state: every operation resolves
// its path from scratch, and open handles are bare counters with no
// bookkeeping behind them. All data-facing methods are only valid
// between initialize and teardown.
type adapter struct {
	imagePath       string
	caseInsensitive bool
	times           Times
	logger          *slog.Logger

	// handle issues open-file identifiers. They are strictly
	// increasing and never reused; reads do not consult them.
	handle atomic.Uint64

	// mu guards the lifecycle transitions. The reader itself needs no
	// locking: its tree is immutable after initialize and data reads
	// are positioned.
	mu     sync.Mutex
	state  adapterState
	reader *romfs.Reader
}

func newAdapter(imagePath string, caseInsensitive bool, times Times, logger *slog.Logger) *adapter {
	return &adapter{
		imagePath:       imagePath,
		caseInsensitive: caseInsensitive,
		times:           times,
		logger:          logger,
	}
}

// initialize opens the archive reader over the backing image. It may
// run at most once; failure leaves the adapter uninitialized and is
// fatal to the mount.
func (a *adapter) initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.state {
	case stateActive:
		return errors.New("adapter already initialized")
	case stateClosed:
		return errors.New("adapter already closed")
	}

	reader, err := romfs.OpenFile(a.imagePath, romfs.Options{
		CaseInsensitive: a.caseInsensitive,
	})
	if err != nil {
		return err
	}
	a.reader = reader
	a.state = stateActive
	return nil
}

// teardown closes the reader and with it the backing image. Safe to
// call repeatedly and safe before initialize completed; a mount that
// never became active has nothing to release.
func (a *adapter) teardown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	reader := a.reader
	a.reader = nil
	a.state = stateClosed
	if reader == nil {
		return nil
	}
	return reader.Close()
}

// resolve is the single chokepoint for path lookup. Every missing or
// unreachable path reports ENOENT from here; reader-level I/O trouble
// reports EIO.
func (a *adapter) resolve(path string) (*romfs.Entry, syscall.Errno) {
	reader := a.activeReader()
	if reader == nil {
		return nil, syscall.EIO
	}
	entry, err := reader.Lookup(path)
	if err != nil {
		if errors.Is(err, romfs.ErrNotFound) {
			return nil, syscall.ENOENT
		}
		a.logger.Error("lookup failed", "path", path, "error", err)
		return nil, syscall.EIO
	}
	return entry, 0
}

// getattr fills out with synthesized attributes for path. Modes are
// fixed (read-only file, read/traverse directory), timestamps come
// from the mount snapshot, and ownership reflects the calling
// process, passed in explicitly by the node layer.
func (a *adapter) getattr(path string, caller fuse.Owner, out *fuse.Attr) syscall.Errno {
	entry, errno := a.resolve(path)
	if errno != 0 {
		return errno
	}
	return a.fillAttr(entry, caller, out)
}

// fillAttr populates out from an already-resolved entry. An entry
// that is neither a directory nor a file cannot come from a
// well-formed archive; it reports ENOENT rather than surfacing an
// internal fault to a live filesystem call.
func (a *adapter) fillAttr(entry *romfs.Entry, caller fuse.Owner, out *fuse.Attr) syscall.Errno {
	switch entry.Type {
	case romfs.EntryTypeDirectory:
		out.Mode = syscall.S_IFDIR | 0o555
		out.Nlink = 2
	case romfs.EntryTypeFile:
		out.Mode = syscall.S_IFREG | 0o444
		out.Nlink = 1
		out.Size = uint64(entry.Size)
	default:
		return syscall.ENOENT
	}
	atime, mtime, ctime := a.times.Atime, a.times.Mtime, a.times.Ctime
	out.SetTimes(&atime, &mtime, &ctime)
	out.Owner = caller
	out.Blksize = statBlockSize
	out.Blocks = (out.Size + 511) / 512
	return 0
}

// open validates that the request is read-only and issues the next
// handle. The mount never advertises write support, so write flags
// arriving here are a caller error, not a mount bug. No per-path
// state is created; reads re-resolve their path on every call.
func (a *adapter) open(flags uint32) (uint64, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return 0, syscall.EROFS
	}
	return a.handle.Add(1), 0
}

// readdir lists path's children in archive order, preceded by the "."
// and ".." entries. A path that resolves to a file reports ENOENT,
// the same as one that does not resolve at all.
func (a *adapter) readdir(path string) ([]fuse.DirEntry, syscall.Errno) {
	entry, errno := a.resolve(path)
	if errno != 0 {
		return nil, errno
	}
	if entry.Type != romfs.EntryTypeDirectory {
		return nil, syscall.ENOENT
	}

	entries := make([]fuse.DirEntry, 0, len(entry.Contents)+2)
	entries = append(entries,
		fuse.DirEntry{Name: ".", Mode: syscall.S_IFDIR},
		fuse.DirEntry{Name: "..", Mode: syscall.S_IFDIR},
	)
	for _, name := range entry.Contents {
		mode := uint32(syscall.S_IFREG)
		if child, childErrno := a.resolve(path + "/" + name); childErrno == 0 && child.Type == romfs.EntryTypeDirectory {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
	}
	return entries, 0
}

// read returns up to len(dest) bytes of path's data starting at off.
// The request is clamped to the entry's declared size before it
// reaches the reader: a request at or past the end returns empty, and
// one crossing the end shrinks to the remainder. Clamping first is
// what keeps a read from ever touching bytes of the adjacent archive
// regions.
func (a *adapter) read(path string, dest []byte, off int64) ([]byte, syscall.Errno) {
	entry, errno := a.resolve(path)
	if errno != 0 {
		return nil, errno
	}
	if entry.Type != romfs.EntryTypeFile {
		return nil, syscall.ENOENT
	}

	if off < 0 || off >= entry.Size {
		return nil, 0
	}
	if off+int64(len(dest)) > entry.Size {
		dest = dest[:entry.Size-off]
	}

	reader := a.activeReader()
	if reader == nil {
		return nil, syscall.EIO
	}
	n, err := reader.ReadDataAt(entry, dest, off)
	if err != nil {
		a.logger.Error("read failed", "path", path, "offset", off, "error", err)
		return nil, syscall.EIO
	}
	return dest[:n], 0
}

// statfs reports fixed volume geometry for the read-only archive:
// nothing is ever free, and the file count is the resolved entry's
// own child count rather than a whole-image total.
func (a *adapter) statfs(path string, out *fuse.StatfsOut) syscall.Errno {
	entry, errno := a.resolve(path)
	if errno != 0 {
		return errno
	}
	reader := a.activeReader()
	if reader == nil {
		return syscall.EIO
	}
	out.Bsize = statBlockSize
	out.Frsize = statBlockSize
	out.Blocks = uint64(reader.TotalSize() / statBlockSize)
	out.Bfree = 0
	out.Bavail = 0
	out.Files = uint64(len(entry.Contents))
	out.NameLen = 255
	return 0
}

func (a *adapter) activeReader() *romfs.Reader {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reader
}
