// Copyright 2026 The ninfs Authors
// SPDX-License-Identifier: Apache-2.0

package romfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// IVFC container constants. The IVFC descriptor fronts a RomFS image
// produced for the 3DS: a fixed header, a master hash region, then
// the three hash-tree levels, of which Level 3 holds the actual
// filesystem. Only the descriptor geometry matters for reading; hash
// verification is not performed.
const (
	ivfcMagic       = "IVFC"
	ivfcMagicNumber = 0x10000
	ivfcHeaderSize  = 0x5C

	// ivfcMasterHashOffset is where the master hash region begins,
	// immediately after the padded descriptor.
	ivfcMasterHashOffset = 0x60
)

// IVFCLevel describes one level of the IVFC hash tree as declared in
// the descriptor.
type IVFCLevel struct {
	// LogicalOffset is the level's position in the IVFC logical
	// address space, not a physical file offset.
	LogicalOffset uint64

	// Size is the level's hash-data length in bytes.
	Size uint64

	// BlockSize is the hash block size in bytes, decoded from the
	// stored log2 field.
	BlockSize uint32
}

// IVFCInfo is the parsed IVFC descriptor of a wrapped RomFS image.
type IVFCInfo struct {
	// MasterHashSize is the byte length of the master hash region.
	MasterHashSize uint32

	// Levels holds the three hash-tree levels in order. Levels[2] is
	// Level 3, the filesystem partition; its block size determines
	// the partition's alignment within the image.
	Levels [3]IVFCLevel
}

// parseIVFC reads the IVFC descriptor from the start of source and
// returns it together with the Level 3 partition offset: the master
// hash region's end rounded up to the Level 3 block size.
func parseIVFC(source io.ReaderAt) (*IVFCInfo, int64, error) {
	raw := make([]byte, ivfcHeaderSize)
	if _, err := source.ReadAt(raw, 0); err != nil {
		return nil, 0, fmt.Errorf("reading IVFC descriptor: %w", err)
	}

	magicNumber := binary.LittleEndian.Uint32(raw[0x04:])
	if magicNumber != ivfcMagicNumber {
		return nil, 0, fmt.Errorf("IVFC magic number %#x (expected %#x): %w",
			magicNumber, ivfcMagicNumber, ErrInvalidImage)
	}

	info := &IVFCInfo{
		MasterHashSize: binary.LittleEndian.Uint32(raw[0x08:]),
	}
	// Level descriptors: logical offset u64, size u64, block size log2
	// u32, reserved u32, repeated for levels 1 through 3.
	for i := range info.Levels {
		base := 0x0C + i*0x18
		logTwo := binary.LittleEndian.Uint32(raw[base+0x10:])
		if logTwo >= 32 {
			return nil, 0, fmt.Errorf("IVFC level %d block size log2 %d is out of range: %w",
				i+1, logTwo, ErrInvalidImage)
		}
		info.Levels[i] = IVFCLevel{
			LogicalOffset: binary.LittleEndian.Uint64(raw[base:]),
			Size:          binary.LittleEndian.Uint64(raw[base+0x08:]),
			BlockSize:     1 << logTwo,
		}
	}

	lv3Offset := roundUp(int64(ivfcMasterHashOffset)+int64(info.MasterHashSize),
		int64(info.Levels[2].BlockSize))
	return info, lv3Offset, nil
}

// roundUp rounds value up to the next multiple of alignment.
// Alignment must be positive.
func roundUp(value, alignment int64) int64 {
	remainder := value % alignment
	if remainder == 0 {
		return value
	}
	return value + alignment - remainder
}
