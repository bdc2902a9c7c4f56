package inode

import (
	"fmt"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/util"
)

// reservation accumulates the sectors a single create or write needs
// before anything is written: new data leaves, new or updated pointer
// tables, and the updated record. Allocation happens up front, in
// memory; commit flushes bottom-up (leaves, tables, record) only once
// the whole reservation has succeeded, so a failed growth never leaves
// a partially-extended inode on disk.
type reservation struct {
	tbl *Table
	rec *record

	fresh     []common.Snum                 // every sector allocated in this op
	newLeaves []common.Snum                 // data sectors to zero at commit
	loaded    map[common.Snum][]common.Snum // table contents by table sector
	dirty     map[common.Snum]bool          // tables that must be flushed
	isNew     map[common.Snum]bool          // tables allocated in this op
	orig      map[common.Snum][]common.Snum // pristine content of dirtied old tables
}

func newReservation(tbl *Table, rec *record) *reservation {
	return &reservation{
		tbl:    tbl,
		rec:    rec,
		loaded: make(map[common.Snum][]common.Snum),
		dirty:  make(map[common.Snum]bool),
		isNew:  make(map[common.Snum]bool),
		orig:   make(map[common.Snum][]common.Snum),
	}
}

func (res *reservation) changed() bool {
	return len(res.fresh) > 0
}

// reserveRange ensures every sector index addressed by the byte range
// [off, off+size) has an allocated leaf, building indirect tables
// along the way.
func (res *reservation) reserveRange(off uint64, size uint64) error {
	first := off / disk.SectorSize
	last := (off + size - 1) / disk.SectorSize
	for idx := first; idx <= last; idx++ {
		if err := res.reserveIndex(idx); err != nil {
			return err
		}
	}
	return nil
}

func (res *reservation) reserveIndex(idx uint64) error {
	rec := res.rec
	if idx < NDirect {
		if rec.direct[idx] == common.NullSnum {
			s, err := res.alloc1()
			if err != nil {
				return err
			}
			rec.direct[idx] = s
			res.newLeaves = append(res.newLeaves, s)
		}
		return nil
	}
	idx -= NDirect
	if idx < PtrsPerSector {
		tno, t, err := res.ensureTable(&rec.indirect)
		if err != nil {
			return err
		}
		return res.ensureLeaf(tno, t, idx)
	}
	idx -= PtrsPerSector
	if idx >= PtrsPerSector*PtrsPerSector {
		return ErrTooLarge
	}
	outer := idx / PtrsPerSector
	inner := idx % PtrsPerSector
	dno, dt, err := res.ensureTable(&rec.dindirect)
	if err != nil {
		return err
	}
	if dt[outer] == common.NullSnum {
		s, err := res.allocTable()
		if err != nil {
			return err
		}
		res.markDirty(dno)
		dt[outer] = s
	}
	tno := dt[outer]
	t, err := res.loadTable(tno)
	if err != nil {
		return err
	}
	return res.ensureLeaf(tno, t, inner)
}

// ensureLeaf allocates a data sector for slot i of table tno if it is
// a hole.
func (res *reservation) ensureLeaf(tno common.Snum, t []common.Snum, i uint64) error {
	if t[i] != common.NullSnum {
		return nil
	}
	s, err := res.alloc1()
	if err != nil {
		return err
	}
	res.markDirty(tno)
	t[i] = s
	res.newLeaves = append(res.newLeaves, s)
	return nil
}

// ensureTable allocates a zeroed pointer table for *ptr if it is a
// hole, and returns the table's sector and mutable content.
func (res *reservation) ensureTable(ptr *common.Snum) (common.Snum, []common.Snum, error) {
	if *ptr == common.NullSnum {
		s, err := res.allocTable()
		if err != nil {
			return common.NullSnum, nil, err
		}
		*ptr = s
	}
	t, err := res.loadTable(*ptr)
	return *ptr, t, err
}

func (res *reservation) allocTable() (common.Snum, error) {
	s, err := res.alloc1()
	if err != nil {
		return common.NullSnum, err
	}
	res.loaded[s] = make([]common.Snum, PtrsPerSector)
	res.dirty[s] = true
	res.isNew[s] = true
	return s, nil
}

func (res *reservation) alloc1() (common.Snum, error) {
	s, err := res.tbl.alloc.Allocate(1)
	if err != nil {
		return common.NullSnum, err
	}
	res.fresh = append(res.fresh, s)
	return s, nil
}

func (res *reservation) loadTable(tno common.Snum) ([]common.Snum, error) {
	if t, ok := res.loaded[tno]; ok {
		return t, nil
	}
	buf, err := res.tbl.d.Read(tno)
	if err != nil {
		return nil, fmt.Errorf("inode: read table %d: %w", tno, err)
	}
	t := decodeTable(buf)
	res.loaded[tno] = t
	return t, nil
}

// markDirty flags a table for flushing, capturing the pristine content
// of pre-existing tables so a failed commit can put them back.
func (res *reservation) markDirty(tno common.Snum) {
	if res.dirty[tno] {
		return
	}
	if !res.isNew[tno] {
		res.orig[tno] = append([]common.Snum(nil), res.loaded[tno]...)
	}
	res.dirty[tno] = true
}

// rollback hands every sector allocated in this op back. Nothing has
// been written yet when it runs.
func (res *reservation) rollback() {
	for i := len(res.fresh) - 1; i >= 0; i-- {
		res.tbl.alloc.Release(res.fresh[i], 1)
	}
	util.DPrintf(1, "inode: rolled back %d sectors", len(res.fresh))
}

// commit flushes the reservation bottom-up: zero the new data leaves,
// write the pointer tables, then the inode record at sector. On a
// device error it restores any already-flushed old tables and releases
// the fresh sectors, leaving the previous inode state intact.
func (res *reservation) commit(sector common.Snum) error {
	var flushed []common.Snum
	undo := func() {
		for _, tno := range flushed {
			if orig, ok := res.orig[tno]; ok {
				if err := res.tbl.d.Write(tno, encodeTable(orig)); err != nil {
					util.Logger().WithError(err).Errorf("inode: restore table %d", tno)
				}
			}
		}
		for i := len(res.fresh) - 1; i >= 0; i-- {
			res.tbl.alloc.Release(res.fresh[i], 1)
		}
	}

	for _, s := range res.newLeaves {
		if err := res.tbl.d.Write(s, zeroSector); err != nil {
			undo()
			return fmt.Errorf("inode: zero leaf %d: %w", s, err)
		}
	}
	for tno := range res.dirty {
		if err := res.tbl.d.Write(tno, encodeTable(res.loaded[tno])); err != nil {
			undo()
			return fmt.Errorf("inode: flush table %d: %w", tno, err)
		}
		flushed = append(flushed, tno)
	}
	if err := res.tbl.d.Write(sector, res.rec.encode()); err != nil {
		undo()
		return fmt.Errorf("inode: flush record %d: %w", sector, err)
	}
	return nil
}
