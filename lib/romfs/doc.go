// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package romfs reads the Nintendo 3DS RomFS archive format.
//
// A RomFS image is an immutable packed directory tree: a Level 3
// partition holding directory and file metadata tables plus a flat
// file data region, optionally wrapped in an IVFC hash-tree container.
// [NewReader] accepts either form, parses the metadata tables once,
// and answers path lookups and positioned data reads from the
// in-memory tree. The backing source is never written to.
//
// # Opening an image
//
// [NewReader] reads from any [io.ReaderAt] with a known size.
// [OpenFile] is a convenience for images on disk; the returned
// [Reader] owns the file and releases it on [Reader.Close]. A RomFS
// section embedded in a larger container (an NCCH partition, for
// example) is read by wrapping the source in [io.NewSectionReader]
// spanning just the RomFS bytes.
//
// # Lookups
//
// [Reader.Lookup] resolves a slash-separated path to an [Entry]
// describing one directory or file. With [Options.CaseInsensitive]
// set, component matching ignores case while entry names keep their
// stored form. Entries are plain value snapshots: they remain valid
// after further lookups and hold no reference to the Reader.
//
// The Reader also implements [io/fs.FS], [io/fs.ReadDirFS], and
// [io/fs.StatFS], so stdlib traversal ([io/fs.WalkDir], matching,
// test harnesses) works directly on an open image. Note the ordering
// difference: [Reader.ReadDir] sorts names as the io/fs contract
// requires, while [Entry.Contents] preserves archive order.
package romfs
