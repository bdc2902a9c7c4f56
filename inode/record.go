package inode

import (
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
)

// Magic identifies a valid on-disk inode record.
const Magic uint64 = 0x494e4f44

const (
	// NDirect is chosen so the record fills its sector exactly:
	// 3 header words + NDirect + 2 pointer words = 64 words = 512 bytes.
	NDirect = 59

	// PtrsPerSector is the fan-out of an indirect table sector.
	PtrsPerSector = disk.SectorSize / 8

	// MaxSectors is the largest block map an inode can address:
	// direct, plus one indirect table, plus one doubly-indirect
	// table of indirect tables.
	MaxSectors = NDirect + PtrsPerSector + PtrsPerSector*PtrsPerSector

	// MaxFileSize is the largest logical length, in bytes.
	MaxFileSize = MaxSectors * disk.SectorSize
)

// flags word bits
const (
	flagDir     uint64 = 1 << 0
	flagSymlink uint64 = 1 << 1
)

// ErrBadMagic reports an inode record that fails its format check.
// It is treated as filesystem corruption: the operation aborts and
// nothing further is written.
var ErrBadMagic = errors.New("inode: bad magic")

// ErrTooLarge reports an offset past the block map's reach.
var ErrTooLarge = errors.New("inode: offset exceeds maximum file size")

// record is the on-disk inode: exactly one sector, fixed layout.
//
//	magic    8 bytes
//	length   8 bytes (logical size in bytes)
//	flags    8 bytes (bit 0 directory, bit 1 symlink)
//	direct   59 sector pointers
//	indirect 1 sector pointer (table of 64 pointers)
//	dindirect 1 sector pointer (table of 64 indirect tables)
//
// A zero pointer at any level is a hole.
type record struct {
	length    uint64
	isDir     bool
	isSymlink bool
	direct    [NDirect]common.Snum
	indirect  common.Snum
	dindirect common.Snum
}

func (r *record) encode() disk.Sector {
	enc := marshal.NewEnc(disk.SectorSize)
	enc.PutInt(Magic)
	enc.PutInt(r.length)
	var flags uint64
	if r.isDir {
		flags |= flagDir
	}
	if r.isSymlink {
		flags |= flagSymlink
	}
	enc.PutInt(flags)
	enc.PutInts(r.direct[:])
	enc.PutInt(r.indirect)
	enc.PutInt(r.dindirect)
	return enc.Finish()
}

func decodeRecord(buf disk.Sector) (*record, error) {
	dec := marshal.NewDec(buf)
	if m := dec.GetInt(); m != Magic {
		return nil, fmt.Errorf("%w: 0x%x", ErrBadMagic, m)
	}
	r := &record{}
	r.length = dec.GetInt()
	flags := dec.GetInt()
	r.isDir = flags&flagDir != 0
	r.isSymlink = flags&flagSymlink != 0
	copy(r.direct[:], dec.GetInts(NDirect))
	r.indirect = dec.GetInt()
	r.dindirect = dec.GetInt()
	if r.length > MaxFileSize {
		return nil, fmt.Errorf("%w: length %d beyond block map", ErrBadMagic, r.length)
	}
	return r, nil
}

func encodeTable(ptrs []common.Snum) disk.Sector {
	enc := marshal.NewEnc(disk.SectorSize)
	enc.PutInts(ptrs)
	return enc.Finish()
}

func decodeTable(buf disk.Sector) []common.Snum {
	dec := marshal.NewDec(buf)
	return dec.GetInts(PtrsPerSector)
}
