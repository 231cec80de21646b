// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/sgnls/ninfs/lib/romfs/romfstest"
)

var testTimes = Times{
	Ctime: time.Unix(1700000000, 0),
	Mtime: time.Unix(1700000100, 0),
	Atime: time.Unix(1700000200, 0),
}

var testCaller = fuse.Owner{Uid: 1000, Gid: 1000}

// testTree holds a root with a 10-byte file of counting bytes for the
// clamping tests, plus a subdirectory and a second file for listing
// order.
func testTree() romfstest.Dir {
	return romfstest.Dir{
		Dirs: []romfstest.Dir{
			{Name: "sub", Files: []romfstest.File{{Name: "inner", Data: []byte("inner")}}},
			{Name: "hollow"},
		},
		Files: []romfstest.File{
			{Name: "A.TXT", Data: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
			{Name: "f.bin", Data: []byte("payload")},
		},
	}
}

// newTestAdapter writes an image to disk and returns an initialized
// adapter over it. Teardown runs automatically at test end.
func newTestAdapter(t *testing.T, root romfstest.Dir) *adapter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.romfs")
	if err := os.WriteFile(path, romfstest.Build(root), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	a := newAdapter(path, true, testTimes, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := a.initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	t.Cleanup(func() {
		if err := a.teardown(); err != nil {
			t.Errorf("teardown failed: %v", err)
		}
	})
	return a
}

func TestGetattrFile(t *testing.T) {
	a := newTestAdapter(t, testTree())

	var attr fuse.Attr
	if errno := a.getattr("A.TXT", testCaller, &attr); errno != 0 {
		t.Fatalf("getattr(A.TXT) errno = %v", errno)
	}
	if attr.Mode != syscall.S_IFREG|0o444 {
		t.Errorf("mode = %#o, want %#o", attr.Mode, syscall.S_IFREG|0o444)
	}
	if attr.Size != 10 {
		t.Errorf("size = %d, want 10", attr.Size)
	}
	if attr.Nlink != 1 {
		t.Errorf("nlink = %d, want 1", attr.Nlink)
	}
	if attr.Owner != testCaller {
		t.Errorf("owner = %+v, want %+v", attr.Owner, testCaller)
	}
	if attr.Mtime != uint64(testTimes.Mtime.Unix()) {
		t.Errorf("mtime = %d, want %d", attr.Mtime, testTimes.Mtime.Unix())
	}
	if attr.Ctime != uint64(testTimes.Ctime.Unix()) {
		t.Errorf("ctime = %d, want %d", attr.Ctime, testTimes.Ctime.Unix())
	}
	if attr.Atime != uint64(testTimes.Atime.Unix()) {
		t.Errorf("atime = %d, want %d", attr.Atime, testTimes.Atime.Unix())
	}
}

func TestGetattrDirectory(t *testing.T) {
	a := newTestAdapter(t, testTree())

	for _, path := range []string{"", "sub", "SUB"} {
		var attr fuse.Attr
		if errno := a.getattr(path, testCaller, &attr); errno != 0 {
			t.Fatalf("getattr(%q) errno = %v", path, errno)
		}
		if attr.Mode != syscall.S_IFDIR|0o555 {
			t.Errorf("getattr(%q) mode = %#o, want %#o", path, attr.Mode, syscall.S_IFDIR|0o555)
		}
		if attr.Nlink != 2 {
			t.Errorf("getattr(%q) nlink = %d, want 2", path, attr.Nlink)
		}
	}
}

func TestGetattrNotFound(t *testing.T) {
	a := newTestAdapter(t, testTree())

	var attr fuse.Attr
	if errno := a.getattr("missing", testCaller, &attr); errno != syscall.ENOENT {
		t.Errorf("getattr(missing) errno = %v, want ENOENT", errno)
	}
	if errno := a.getattr("sub/missing/deeper", testCaller, &attr); errno != syscall.ENOENT {
		t.Errorf("getattr(sub/missing/deeper) errno = %v, want ENOENT", errno)
	}
}

func TestOpenHandlesStrictlyIncrease(t *testing.T) {
	a := newTestAdapter(t, testTree())

	var previous uint64
	for i := 0; i < 100; i++ {
		handle, errno := a.open(uint32(os.O_RDONLY))
		if errno != 0 {
			t.Fatalf("open errno = %v", errno)
		}
		if handle <= previous {
			t.Fatalf("handle %d issued after %d; handles must strictly increase", handle, previous)
		}
		previous = handle
	}
}

func TestOpenRejectsWriteFlags(t *testing.T) {
	a := newTestAdapter(t, testTree())

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR} {
		if _, errno := a.open(flags); errno != syscall.EROFS {
			t.Errorf("open(%#x) errno = %v, want EROFS", flags, errno)
		}
	}
}

func TestReaddirOrderAndDots(t *testing.T) {
	a := newTestAdapter(t, testTree())

	entries, errno := a.readdir("")
	if errno != 0 {
		t.Fatalf("readdir errno = %v", errno)
	}
	want := []string{".", "..", "sub", "hollow", "A.TXT", "f.bin"}
	if len(entries) != len(want) {
		t.Fatalf("readdir returned %d entries, want %d", len(entries), len(want))
	}
	for i, name := range want {
		if entries[i].Name != name {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Name, name)
		}
	}
	if entries[2].Mode != syscall.S_IFDIR {
		t.Errorf("sub mode = %#o, want directory", entries[2].Mode)
	}
	if entries[4].Mode != syscall.S_IFREG {
		t.Errorf("A.TXT mode = %#o, want regular file", entries[4].Mode)
	}
}

func TestReaddirEmptyDirectory(t *testing.T) {
	a := newTestAdapter(t, testTree())

	entries, errno := a.readdir("hollow")
	if errno != 0 {
		t.Fatalf("readdir errno = %v", errno)
	}
	if len(entries) != 2 || entries[0].Name != "." || entries[1].Name != ".." {
		t.Errorf("empty directory listing = %v, want [. ..]", entries)
	}
}

func TestReaddirNonDirectory(t *testing.T) {
	a := newTestAdapter(t, testTree())

	if _, errno := a.readdir("A.TXT"); errno != syscall.ENOENT {
		t.Errorf("readdir(A.TXT) errno = %v, want ENOENT", errno)
	}
	if _, errno := a.readdir("missing"); errno != syscall.ENOENT {
		t.Errorf("readdir(missing) errno = %v, want ENOENT", errno)
	}
}

func TestReadClamping(t *testing.T) {
	a := newTestAdapter(t, testTree())

	tests := []struct {
		name   string
		size   int
		offset int64
		want   []byte
	}{
		{"oversized request", 100, 5, []byte{5, 6, 7, 8, 9}},
		{"offset at size", 5, 10, nil},
		{"offset past size", 5, 11, nil},
		{"crossing the end", 3, 8, []byte{8, 9}},
		{"inside the file", 4, 2, []byte{2, 3, 4, 5}},
		{"whole file", 10, 0, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
		{"zero length", 0, 0, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			data, errno := a.read("A.TXT", make([]byte, test.size), test.offset)
			if errno != 0 {
				t.Fatalf("read errno = %v", errno)
			}
			if !bytes.Equal(data, test.want) {
				t.Errorf("read(size=%d, off=%d) = %v, want %v", test.size, test.offset, data, test.want)
			}
		})
	}
}

func TestReadNotFound(t *testing.T) {
	a := newTestAdapter(t, testTree())

	if _, errno := a.read("missing", make([]byte, 4), 0); errno != syscall.ENOENT {
		t.Errorf("read(missing) errno = %v, want ENOENT", errno)
	}
	if _, errno := a.read("sub", make([]byte, 4), 0); errno != syscall.ENOENT {
		t.Errorf("read(sub) errno = %v, want ENOENT", errno)
	}
}

func TestStatfs(t *testing.T) {
	a := newTestAdapter(t, testTree())

	var out fuse.StatfsOut
	if errno := a.statfs("", &out); errno != 0 {
		t.Fatalf("statfs errno = %v", errno)
	}
	if out.Bsize != statBlockSize {
		t.Errorf("bsize = %d, want %d", out.Bsize, statBlockSize)
	}
	// Payload is 22 bytes, well under one block.
	if out.Blocks != 0 {
		t.Errorf("blocks = %d, want 0", out.Blocks)
	}
	if out.Bfree != 0 || out.Bavail != 0 {
		t.Errorf("free/avail = %d/%d, want 0/0", out.Bfree, out.Bavail)
	}
	// File count is the resolved directory's own child count.
	if out.Files != 4 {
		t.Errorf("files = %d, want 4", out.Files)
	}

	if errno := a.statfs("sub", &out); errno != 0 {
		t.Fatalf("statfs(sub) errno = %v", errno)
	}
	if out.Files != 1 {
		t.Errorf("statfs(sub) files = %d, want 1", out.Files)
	}

	if errno := a.statfs("A.TXT", &out); errno != 0 {
		t.Fatalf("statfs(A.TXT) errno = %v", errno)
	}
	if out.Files != 0 {
		t.Errorf("statfs(A.TXT) files = %d, want 0", out.Files)
	}

	if errno := a.statfs("missing", &out); errno != syscall.ENOENT {
		t.Errorf("statfs(missing) errno = %v, want ENOENT", errno)
	}
}

func TestStatfsBlockCount(t *testing.T) {
	// 10000 bytes of payload: 10000 / 4096 = 2 by integer division.
	a := newTestAdapter(t, romfstest.Dir{
		Files: []romfstest.File{{Name: "big", Data: make([]byte, 10000)}},
	})

	var out fuse.StatfsOut
	if errno := a.statfs("", &out); errno != 0 {
		t.Fatalf("statfs errno = %v", errno)
	}
	if out.Blocks != 2 {
		t.Errorf("blocks = %d, want 2", out.Blocks)
	}
}

func TestCaseInsensitiveResolution(t *testing.T) {
	a := newTestAdapter(t, romfstest.Dir{
		Files: []romfstest.File{{Name: "Data", Data: []byte("abc")}},
	})

	for _, path := range []string{"Data", "data", "DATA"} {
		entry, errno := a.resolve(path)
		if errno != 0 {
			t.Fatalf("resolve(%q) errno = %v", path, errno)
		}
		if entry.Name != "Data" {
			t.Errorf("resolve(%q) name = %q, want the stored form %q", path, entry.Name, "Data")
		}
		if entry.Size != 3 {
			t.Errorf("resolve(%q) size = %d, want 3", path, entry.Size)
		}
	}
}

func TestTeardownIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.romfs")
	if err := os.WriteFile(path, romfstest.Build(testTree()), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	a := newAdapter(path, true, testTimes, logger)
	if err := a.initialize(); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := a.teardown(); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if err := a.teardown(); err != nil {
		t.Fatalf("second teardown failed: %v", err)
	}

	// Teardown before initialize is not a failure either.
	fresh := newAdapter(path, true, testTimes, logger)
	if err := fresh.teardown(); err != nil {
		t.Fatalf("teardown of uninitialized adapter failed: %v", err)
	}
	// A closed adapter can never become active.
	if err := fresh.initialize(); err == nil {
		t.Error("initialize after teardown succeeded, want error")
	}
}

func TestInitializeExactlyOnce(t *testing.T) {
	a := newTestAdapter(t, testTree())
	if err := a.initialize(); err == nil {
		t.Error("second initialize succeeded, want error")
	}
}

func TestInitializeMalformedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.romfs")
	if err := os.WriteFile(path, []byte("not a romfs image"), 0o644); err != nil {
		t.Fatalf("writing image: %v", err)
	}

	a := newAdapter(path, true, testTimes, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err := a.initialize(); err == nil {
		t.Fatal("initialize accepted a malformed image")
	}
	// The failed mount still tears down cleanly.
	if err := a.teardown(); err != nil {
		t.Errorf("teardown after failed initialize: %v", err)
	}
}

func TestAttributeSizeMatchesEntry(t *testing.T) {
	a := newTestAdapter(t, testTree())

	for _, path := range []string{"A.TXT", "f.bin", "sub/inner"} {
		entry, errno := a.resolve(path)
		if errno != 0 {
			t.Fatalf("resolve(%q) errno = %v", path, errno)
		}
		var attr fuse.Attr
		if errno := a.getattr(path, testCaller, &attr); errno != 0 {
			t.Fatalf("getattr(%q) errno = %v", path, errno)
		}
		if attr.Size != uint64(entry.Size) {
			t.Errorf("getattr(%q) size = %d, entry size = %d", path, attr.Size, entry.Size)
		}
	}
}
