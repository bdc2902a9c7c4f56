package inode

import (
	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/util"
)

var zeroSector = make(disk.Sector, disk.SectorSize)

// lookup resolves a logical sector index to a device sector through
// the block map, reading up to two table sectors along the way. A
// null result is a hole.
//
// Called with the per-inode lock held.
func (ip *Inode) lookup(idx uint64) (common.Snum, error) {
	if idx < NDirect {
		return ip.data.direct[idx], nil
	}
	idx -= NDirect
	if idx < PtrsPerSector {
		if ip.data.indirect == common.NullSnum {
			return common.NullSnum, nil
		}
		buf, err := ip.tbl.d.Read(ip.data.indirect)
		if err != nil {
			return common.NullSnum, err
		}
		return decodeTable(buf)[idx], nil
	}
	idx -= PtrsPerSector
	if idx >= PtrsPerSector*PtrsPerSector {
		return common.NullSnum, ErrTooLarge
	}
	if ip.data.dindirect == common.NullSnum {
		return common.NullSnum, nil
	}
	outer := idx / PtrsPerSector
	inner := idx % PtrsPerSector
	buf, err := ip.tbl.d.Read(ip.data.dindirect)
	if err != nil {
		return common.NullSnum, err
	}
	table := decodeTable(buf)[outer]
	if table == common.NullSnum {
		return common.NullSnum, nil
	}
	buf, err = ip.tbl.d.Read(table)
	if err != nil {
		return common.NullSnum, err
	}
	return decodeTable(buf)[inner], nil
}

// ReadAt reads up to len(buf) bytes starting at byte offset off,
// stopping at the logical length. Holes read as zeros without
// touching the device.
func (ip *Inode) ReadAt(buf []byte, off uint64) (uint64, error) {
	ip.tbl.locks.Acquire(ip.sector)
	defer ip.tbl.locks.Release(ip.sector)

	size := uint64(len(buf))
	var n uint64
	for n < size && off < ip.data.length {
		idx := off / disk.SectorSize
		sectorOfs := off % disk.SectorSize
		left := ip.data.length - off
		chunk := util.Min(size-n, util.Min(left, disk.SectorSize-sectorOfs))

		sec, err := ip.lookup(idx)
		if err != nil {
			return n, err
		}
		switch {
		case sec == common.NullSnum:
			copy(buf[n:n+chunk], zeroSector)
		case sectorOfs == 0 && chunk == disk.SectorSize:
			if err := ip.tbl.d.ReadTo(sec, buf[n:n+chunk]); err != nil {
				return n, err
			}
		default:
			s, err := ip.tbl.d.Read(sec)
			if err != nil {
				return n, err
			}
			copy(buf[n:n+chunk], s[sectorOfs:sectorOfs+chunk])
		}

		n += chunk
		off += chunk
	}
	return n, nil
}

// WriteAt writes len(buf) bytes at byte offset off, allocating any
// holes it touches and growing the logical length when the write ends
// past it. The growth is all-or-nothing: if the allocator runs out,
// every sector acquired within this call is released and the inode's
// previous length and data stand.
//
// A write while some opener holds deny-write returns 0 bytes written
// and no error.
func (ip *Inode) WriteAt(buf []byte, off uint64) (uint64, error) {
	size := uint64(len(buf))
	if size == 0 {
		return 0, nil
	}
	if ip.writeDenied() {
		return 0, nil
	}
	if util.SumOverflows(off, size) || off+size > MaxFileSize {
		return 0, ErrTooLarge
	}

	ip.tbl.locks.Acquire(ip.sector)
	defer ip.tbl.locks.Release(ip.sector)

	rec := ip.data // private copy until the reservation commits
	res := newReservation(ip.tbl, &rec)
	if err := res.reserveRange(off, size); err != nil {
		res.rollback()
		return 0, err
	}
	if off+size > rec.length {
		rec.length = off + size
	}
	if res.changed() || rec.length != ip.data.length {
		if err := res.commit(ip.sector); err != nil {
			return 0, err
		}
		ip.data = rec
	}

	var n uint64
	for n < size {
		idx := off / disk.SectorSize
		sectorOfs := off % disk.SectorSize
		chunk := util.Min(size-n, disk.SectorSize-sectorOfs)

		sec, err := ip.lookup(idx)
		if err != nil {
			return n, err
		}
		if sec == common.NullSnum {
			panic("inode: write into unreserved hole")
		}
		if sectorOfs == 0 && chunk == disk.SectorSize {
			err = ip.tbl.d.Write(sec, buf[n:n+chunk])
		} else {
			var s disk.Sector
			s, err = ip.tbl.d.Read(sec)
			if err == nil {
				copy(s[sectorOfs:], buf[n:n+chunk])
				err = ip.tbl.d.Write(sec, s)
			}
		}
		if err != nil {
			return n, err
		}

		n += chunk
		off += chunk
	}
	return size, nil
}
