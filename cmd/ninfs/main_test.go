// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/sgnls/ninfs/lib/romfs"
	"github.com/sgnls/ninfs/lib/romfs/romfstest"
)

// testReader opens an in-memory archive with a small mixed tree.
func testReader(t *testing.T) *romfs.Reader {
	t.Helper()
	image := romfstest.Build(romfstest.Dir{
		Dirs: []romfstest.Dir{
			{
				Name:  "data",
				Files: []romfstest.File{{Name: "model.bin", Data: bytes.Repeat([]byte{0xAB}, 300)}},
			},
			{Name: "empty"},
		},
		Files: []romfstest.File{
			{Name: "banner.bin", Data: []byte("banner contents")},
		},
	})
	reader, err := romfs.NewReader(bytes.NewReader(image), int64(len(image)), romfs.Options{})
	if err != nil {
		t.Fatalf("opening test image: %v", err)
	}
	t.Cleanup(func() { reader.Close() })
	return reader
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestListTree(t *testing.T) {
	var out bytes.Buffer
	if err := listTree(&out, testReader(t), ".", false); err != nil {
		t.Fatalf("listTree failed: %v", err)
	}

	got := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{".", "banner.bin", "data", "data/model.bin", "empty"}
	if !slices.Equal(got, want) {
		t.Errorf("listing = %v, want %v", got, want)
	}
}

func TestListTreeLong(t *testing.T) {
	var out bytes.Buffer
	if err := listTree(&out, testReader(t), "data", true); err != nil {
		t.Fatalf("listTree failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
	if !strings.HasPrefix(lines[0], "d") || !strings.HasSuffix(lines[0], "data") {
		t.Errorf("directory line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "f") || !strings.Contains(lines[1], "300") {
		t.Errorf("file line = %q, want type f and size 300", lines[1])
	}
}

func TestListTreeMissingRoot(t *testing.T) {
	if err := listTree(io.Discard, testReader(t), "nope", false); err == nil {
		t.Fatal("listTree succeeded on a missing subtree")
	}
}

func TestArchiveName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "."},
		{"", "."},
		{"/data/models", "data/models"},
		{"data/models/", "data/models"},
		{"data", "data"},
	}
	for _, tt := range tests {
		if got := archiveName(tt.in); got != tt.want {
			t.Errorf("archiveName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractTree(t *testing.T) {
	dest := t.TempDir()
	if err := extractTree(testReader(t), dest, 2, discardLogger()); err != nil {
		t.Fatalf("extractTree failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dest, "banner.bin"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(data) != "banner contents" {
		t.Errorf("banner.bin = %q", data)
	}

	model, err := os.ReadFile(filepath.Join(dest, "data", "model.bin"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if len(model) != 300 {
		t.Errorf("model.bin length = %d, want 300", len(model))
	}

	info, err := os.Stat(filepath.Join(dest, "empty"))
	if err != nil || !info.IsDir() {
		t.Errorf("empty directory not recreated: %v", err)
	}
}

func TestVerifyImageClean(t *testing.T) {
	checked, failed, err := verifyImage(testReader(t), 2, discardLogger())
	if err != nil {
		t.Fatalf("verifyImage failed: %v", err)
	}
	if checked != 2 {
		t.Errorf("checked = %d, want 2", checked)
	}
	if failed != 0 {
		t.Errorf("failed = %d, want 0", failed)
	}
}

func TestVerifyImageTruncated(t *testing.T) {
	image := romfstest.Build(romfstest.Dir{
		Files: []romfstest.File{
			{Name: "big.bin", Data: bytes.Repeat([]byte{1}, 4096)},
		},
	})
	// Cut into the file data region. Metadata stays intact, so the
	// walk succeeds but the full read comes up short.
	truncated := image[:len(image)-1024]
	reader, err := romfs.NewReader(bytes.NewReader(truncated), int64(len(truncated)), romfs.Options{})
	if err != nil {
		t.Fatalf("opening truncated image: %v", err)
	}
	defer reader.Close()

	checked, failed, err := verifyImage(reader, 1, discardLogger())
	if err != nil {
		t.Fatalf("verifyImage failed: %v", err)
	}
	if checked != 1 || failed != 1 {
		t.Errorf("checked = %d, failed = %d, want 1 and 1", checked, failed)
	}
}

func TestRootCommandTree(t *testing.T) {
	cmd := root()
	want := []string{"mount", "list", "extract", "info", "verify", "version"}
	var got []string
	for _, sub := range cmd.Subcommands {
		got = append(got, sub.Name)
	}
	if !slices.Equal(got, want) {
		t.Errorf("subcommands = %v, want %v", got, want)
	}
}

func TestPrintInfo(t *testing.T) {
	var out bytes.Buffer
	printInfo(&out, "test.romfs", testReader(t))

	text := out.String()
	for _, want := range []string{"Directories:", "Files:", "Payload size:", "bare Level 3"} {
		if !strings.Contains(text, want) {
			t.Errorf("info output missing %q:\n%s", want, text)
		}
	}
}

func TestPrintInfoIVFC(t *testing.T) {
	image := romfstest.BuildIVFC(romfstest.Dir{
		Files: []romfstest.File{{Name: "a", Data: []byte("x")}},
	})
	reader, err := romfs.NewReader(bytes.NewReader(image), int64(len(image)), romfs.Options{})
	if err != nil {
		t.Fatalf("opening IVFC image: %v", err)
	}
	defer reader.Close()

	var out bytes.Buffer
	printInfo(&out, "test.romfs", reader)
	if !strings.Contains(out.String(), "IVFC") {
		t.Errorf("info output missing IVFC container line:\n%s", out.String())
	}
}
