// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse mounts a RomFS image as a read-only FUSE filesystem.
//
// [Mount] opens the image, builds the archive reader, and attaches a
// go-fuse server at the mountpoint. Every entry reports a fixed
// timestamp snapshot taken from the image file itself, since the
// archive format stores none.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"
)

// Options configures the FUSE mount.
type Options struct {
	// ImagePath is the RomFS image file to expose.
	ImagePath string

	// Mountpoint is the directory where the filesystem is mounted.
	// It is created if it does not exist.
	Mountpoint string

	// CaseSensitive disables the default case-insensitive path
	// matching. The console's own filesystem ignores case, so mounts
	// do too unless asked otherwise.
	CaseSensitive bool

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// SingleThreaded serializes FUSE request dispatch. The adapter is
	// safe either way; this exists for debugging and for matching the
	// archive tool's traditional single-threaded behavior.
	SingleThreaded bool

	// Debug enables go-fuse request tracing to stderr.
	Debug bool

	// VolumeName overrides the filesystem source name shown by mount
	// listings. Empty derives it from the resolved image path.
	VolumeName string

	// Times overrides the timestamp snapshot applied to every entry.
	// Nil captures the snapshot from the image file itself.
	Times *Times

	// Logger receives diagnostic messages. If nil, an error-level
	// text handler on stderr is used.
	Logger *slog.Logger
}

// Server is a live mount. Exactly one adapter and one open image
// belong to it; Close tears both down.
type Server struct {
	fuseServer *fuse.Server
	adapter    *adapter
	logger     *slog.Logger
	mountpoint string

	// exited records that the serve loop has returned, meaning the
	// filesystem was already detached (externally or by Unmount) and
	// Close must not try to unmount again.
	exited atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Mount opens the image and mounts it at the configured mountpoint.
// A structurally invalid image fails here, before anything is
// mounted. The caller must call Close (or Unmount followed by Wait)
// on the returned Server when done.
func Mount(options Options) (*Server, error) {
	if options.ImagePath == "" {
		return nil, fmt.Errorf("image path is required")
	}
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	imagePath, err := filepath.Abs(options.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("resolving image path: %w", err)
	}

	times := Times{}
	if options.Times != nil {
		times = *options.Times
	} else {
		times, err = FileTimes(imagePath)
		if err != nil {
			return nil, err
		}
	}

	adapter := newAdapter(imagePath, !options.CaseSensitive, times, options.Logger)

	// Two-phase lifecycle: the adapter is constructed inert and opens
	// the archive here, so a malformed image surfaces as a mount
	// error rather than a half-alive filesystem.
	if err := adapter.initialize(); err != nil {
		return nil, fmt.Errorf("opening RomFS image %s: %w", imagePath, err)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		adapter.teardown()
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	fsName := options.VolumeName
	if fsName == "" {
		// Commas separate mount options in /etc/mtab; they cannot
		// appear in the source name.
		fsName = strings.ReplaceAll(imagePath, ",", "_")
	}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	fuseServer, err := gofuse.Mount(options.Mountpoint, &pathNode{adapter: adapter}, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:         fsName,
			Name:           "romfs",
			AllowOther:     options.AllowOther,
			SingleThreaded: options.SingleThreaded,
			Debug:          options.Debug,
		},
	})
	if err != nil {
		adapter.teardown()
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("RomFS image mounted",
		"image", imagePath,
		"mountpoint", options.Mountpoint,
	)
	return &Server{
		fuseServer: fuseServer,
		adapter:    adapter,
		logger:     options.Logger,
		mountpoint: options.Mountpoint,
	}, nil
}

// Wait blocks until the filesystem is unmounted, whether by Unmount
// or externally (fusermount -u, shutdown).
func (s *Server) Wait() {
	s.fuseServer.Wait()
	s.exited.Store(true)
}

// Unmount detaches the filesystem. The mount stays unusable but the
// image remains open until Close.
func (s *Server) Unmount() error {
	return s.fuseServer.Unmount()
}

// Close unmounts if still mounted and releases the archive reader and
// backing image. Safe to call more than once; later calls return the
// first result.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var unmountErr error
		if !s.exited.Load() {
			unmountErr = s.fuseServer.Unmount()
			if unmountErr == nil {
				s.Wait()
			}
		}
		s.closeErr = errors.Join(unmountErr, s.adapter.teardown())
	})
	return s.closeErr
}

// FileTimes reads the change, modification, and access times of the
// file at path. os.FileInfo only surfaces mtime, so this goes through
// the raw stat structure.
func FileTimes(path string) (Times, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Times{}, fmt.Errorf("reading times of %s: %w", path, err)
	}
	return Times{
		Ctime: time.Unix(st.Ctim.Unix()),
		Mtime: time.Unix(st.Mtim.Unix()),
		Atime: time.Unix(st.Atim.Unix()),
	}, nil
}

// pathNode is one mounted path. It keeps only the slash-joined path
// below the root (empty for the root itself); every operation hands
// that path to the adapter, which re-resolves it against the archive.
type pathNode struct {
	gofuse.Inode
	adapter *adapter
	path    string
}

var _ gofuse.InodeEmbedder = (*pathNode)(nil)
var _ gofuse.NodeLookuper = (*pathNode)(nil)
var _ gofuse.NodeGetattrer = (*pathNode)(nil)
var _ gofuse.NodeOpener = (*pathNode)(nil)
var _ gofuse.NodeReader = (*pathNode)(nil)
var _ gofuse.NodeReaddirer = (*pathNode)(nil)
var _ gofuse.NodeStatfser = (*pathNode)(nil)

// childPath joins a child name below this node.
func (n *pathNode) childPath(name string) string {
	if n.path == "" {
		return name
	}
	return n.path + "/" + name
}

func (n *pathNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := n.childPath(name)
	entry, errno := n.adapter.resolve(path)
	if errno != 0 {
		return nil, errno
	}
	if errno := n.adapter.fillAttr(entry, callerOwner(ctx), &out.Attr); errno != 0 {
		return nil, errno
	}
	child := n.NewInode(ctx, &pathNode{adapter: n.adapter, path: path}, gofuse.StableAttr{
		Mode: out.Attr.Mode,
	})
	return child, 0
}

func (n *pathNode) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return n.adapter.getattr(n.path, callerOwner(ctx), &out.Attr)
}

// archiveHandle is an issued open handle. It exists only so the
// identifier appears in debug traces; reads never consult it.
type archiveHandle struct {
	id uint64
}

func (n *pathNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	handle, errno := n.adapter.open(flags)
	if errno != 0 {
		return nil, 0, errno
	}
	// The archive is immutable, so the kernel page cache never goes
	// stale.
	return &archiveHandle{id: handle}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *pathNode) Read(ctx context.Context, _ gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, errno := n.adapter.read(n.path, dest, off)
	if errno != 0 {
		return nil, errno
	}
	return fuse.ReadResultData(data), 0
}

func (n *pathNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	entries, errno := n.adapter.readdir(n.path)
	if errno != 0 {
		return nil, errno
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *pathNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	return n.adapter.statfs(n.path, out)
}

// callerOwner extracts the calling process's uid/gid from the request
// context. Synthesized attributes report the caller as owner, since
// the archive records no ownership of its own.
func callerOwner(ctx context.Context) fuse.Owner {
	if caller, ok := fuse.FromContext(ctx); ok {
		return caller.Owner
	}
	return fuse.Owner{}
}

// sliceDirStream serves a directory listing materialized once per
// Readdir call.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
