// inode implements the filesystem's metadata layer: fixed-size on-disk
// inode records with direct, indirect, and doubly-indirect block maps,
// plus the in-memory table that shares one handle among all concurrent
// openers of the same inode.
package inode

import (
	"fmt"
	"sync"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/lockmap"
	"github.com/kamrin/sectorfs/util"
)

// Allocator hands out device sectors. It is satisfied by
// *freemap.FreeMap; the indirection keeps this package ignorant of
// bitmap policy and lets tests inject failing allocators.
type Allocator interface {
	Allocate(cnt uint64) (common.Snum, error)
	Release(first common.Snum, cnt uint64)
}

// Table is the open-inode table for one mounted volume. It maps sector
// numbers to in-memory inodes so that opening the same inode twice
// yields the same handle, and owns the per-inode locks that serialize
// block-map work.
type Table struct {
	d     disk.Disk
	alloc Allocator
	locks *lockmap.LockMap

	mu   sync.Mutex // protects open and every Inode's ref/removed/deny
	open map[common.Snum]*Inode
}

func NewTable(d disk.Disk, alloc Allocator) *Table {
	return &Table{
		d:     d,
		alloc: alloc,
		locks: lockmap.New(),
		open:  make(map[common.Snum]*Inode),
	}
}

// Inode is the in-memory image of one on-disk inode. At most one Inode
// exists per sector number at any time; openers share it and the table
// reference-counts them.
type Inode struct {
	tbl    *Table
	sector common.Snum

	// guarded by tbl.mu
	ref     uint64
	removed bool
	denyCnt uint64

	// guarded by the per-inode lock (tbl.locks, keyed by sector)
	data record
}

// Create writes a fresh inode record to sector, reserving and zeroing
// data sectors for length bytes. On allocation failure every sector
// acquired within the call is released and the sector left untouched.
func (tbl *Table) Create(sector common.Snum, length uint64, isDir bool) error {
	if length > MaxFileSize {
		return ErrTooLarge
	}
	rec := record{length: length, isDir: isDir}
	res := newReservation(tbl, &rec)
	if length > 0 {
		if err := res.reserveRange(0, length); err != nil {
			res.rollback()
			return err
		}
	}
	if err := res.commit(sector); err != nil {
		return err
	}
	util.DPrintf(1, "inode: create sector %d length %d dir %v", sector, length, isDir)
	return nil
}

// Open returns the shared in-memory inode for sector, reading and
// validating the record on first open. The lookup and the reference
// bump are atomic: two concurrent opens observe one handle.
func (tbl *Table) Open(sector common.Snum) (*Inode, error) {
	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	if ip, ok := tbl.open[sector]; ok {
		ip.ref++
		return ip, nil
	}
	buf, err := tbl.d.Read(sector)
	if err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}
	rec, err := decodeRecord(buf)
	if err != nil {
		return nil, fmt.Errorf("inode: open sector %d: %w", sector, err)
	}
	ip := &Inode{tbl: tbl, sector: sector, ref: 1, data: *rec}
	tbl.open[sector] = ip
	return ip, nil
}

// Reopen takes another reference on an already-open inode.
func (ip *Inode) Reopen() *Inode {
	ip.tbl.mu.Lock()
	ip.ref++
	ip.tbl.mu.Unlock()
	return ip
}

// Close drops one reference. On the last close of a removed inode, all
// of its data and table sectors plus the record's own sector go back
// to the allocator; otherwise the disk image is left intact.
func (ip *Inode) Close() {
	tbl := ip.tbl
	tbl.mu.Lock()
	if ip.ref == 0 {
		panic("inode: close of unopened inode")
	}
	ip.ref--
	last := ip.ref == 0
	doFree := last && ip.removed
	if last {
		delete(tbl.open, ip.sector)
	}
	tbl.mu.Unlock()
	if doFree {
		ip.freeSectors()
	}
}

// Remove marks the inode for deletion at last close. Other openers
// keep operating on the logically deleted inode until then.
func (ip *Inode) Remove() {
	ip.tbl.mu.Lock()
	ip.removed = true
	ip.tbl.mu.Unlock()
}

func (ip *Inode) Removed() bool {
	ip.tbl.mu.Lock()
	defer ip.tbl.mu.Unlock()
	return ip.removed
}

// Ref reports the current open count.
func (ip *Inode) Ref() uint64 {
	ip.tbl.mu.Lock()
	defer ip.tbl.mu.Unlock()
	return ip.ref
}

// Sector is the inode's identity: the sector its record lives in.
func (ip *Inode) Sector() common.Snum { return ip.sector }

func (ip *Inode) IsDir() bool { return ip.data.isDir }

func (ip *Inode) IsSymlink() bool { return ip.data.isSymlink }

// SetSymlink flags the inode as a symbolic link and persists the
// record immediately.
func (ip *Inode) SetSymlink() error {
	ip.tbl.locks.Acquire(ip.sector)
	defer ip.tbl.locks.Release(ip.sector)
	ip.data.isSymlink = true
	if err := ip.tbl.d.Write(ip.sector, ip.data.encode()); err != nil {
		return fmt.Errorf("inode: persist symlink flag: %w", err)
	}
	return nil
}

// Length is the logical size in bytes.
func (ip *Inode) Length() uint64 {
	ip.tbl.locks.Acquire(ip.sector)
	defer ip.tbl.locks.Release(ip.sector)
	return ip.data.length
}

// DenyWrite blocks writes to the inode until a matching AllowWrite.
// Each opener may deny at most once, so the count never exceeds the
// open count.
func (ip *Inode) DenyWrite() {
	ip.tbl.mu.Lock()
	defer ip.tbl.mu.Unlock()
	ip.denyCnt++
	if ip.denyCnt > ip.ref {
		panic("inode: deny-write count exceeds open count")
	}
}

// AllowWrite undoes one DenyWrite.
func (ip *Inode) AllowWrite() {
	ip.tbl.mu.Lock()
	defer ip.tbl.mu.Unlock()
	if ip.denyCnt == 0 {
		panic("inode: allow-write without deny-write")
	}
	ip.denyCnt--
}

func (ip *Inode) writeDenied() bool {
	ip.tbl.mu.Lock()
	defer ip.tbl.mu.Unlock()
	return ip.denyCnt > 0
}

// freeSectors returns every sector the inode owns to the allocator:
// data leaves, indirect tables, and finally the record's own sector.
func (ip *Inode) freeSectors() {
	tbl := ip.tbl
	tbl.locks.Acquire(ip.sector)
	defer tbl.locks.Release(ip.sector)

	release := func(s common.Snum) {
		if s != common.NullSnum {
			tbl.alloc.Release(s, 1)
		}
	}
	for _, s := range ip.data.direct {
		release(s)
	}
	ip.freeTable(ip.data.indirect, 1)
	ip.freeTable(ip.data.dindirect, 2)
	tbl.alloc.Release(ip.sector, 1)
	util.DPrintf(1, "inode: freed sector %d", ip.sector)
}

// freeTable releases a pointer-table sector and everything below it.
// level 1 tables point at data, level 2 tables at level 1 tables.
func (ip *Inode) freeTable(table common.Snum, level int) {
	if table == common.NullSnum {
		return
	}
	buf, err := ip.tbl.d.Read(table)
	if err != nil {
		// the table sector itself is still reclaimed below; its
		// children leak, which is the best we can do here
		util.Logger().WithError(err).Errorf("inode: free: read table %d", table)
	} else {
		for _, s := range decodeTable(buf) {
			if s == common.NullSnum {
				continue
			}
			if level > 1 {
				ip.freeTable(s, level-1)
			} else {
				ip.tbl.alloc.Release(s, 1)
			}
		}
	}
	ip.tbl.alloc.Release(table, 1)
}

// Sectors counts the data sectors currently allocated to the inode.
func (ip *Inode) Sectors() uint64 {
	ip.tbl.locks.Acquire(ip.sector)
	defer ip.tbl.locks.Release(ip.sector)
	var n uint64
	for _, s := range ip.data.direct {
		if s != common.NullSnum {
			n++
		}
	}
	n += ip.countTable(ip.data.indirect, 1)
	n += ip.countTable(ip.data.dindirect, 2)
	return n
}

func (ip *Inode) countTable(table common.Snum, level int) uint64 {
	if table == common.NullSnum {
		return 0
	}
	buf, err := ip.tbl.d.Read(table)
	if err != nil {
		return 0
	}
	var n uint64
	for _, s := range decodeTable(buf) {
		if s == common.NullSnum {
			continue
		}
		if level > 1 {
			n += ip.countTable(s, level-1)
		} else {
			n++
		}
	}
	return n
}
