// dir implements directories as ordinary files holding an array of
// fixed-size entries mapping names to inode sectors. Entry order
// carries no meaning; removal frees a slot for a later insert to
// reuse.
package dir

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/tchajed/marshal"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/file"
	"github.com/kamrin/sectorfs/inode"
	"github.com/kamrin/sectorfs/util"
)

const (
	// NameMax bounds an entry name, in bytes.
	NameMax = 30

	// EntrySize is the fixed on-disk entry: sector 8B, in-use 1B,
	// directory flag 1B, NUL-padded name.
	EntrySize uint64 = 8 + 1 + 1 + NameMax
)

var (
	ErrNotFound = errors.New("dir: no such name")
	ErrExists   = errors.New("dir: name already exists")
	ErrNotDir   = errors.New("dir: not a directory")
	ErrNotEmpty = errors.New("dir: directory not empty")
	ErrBadName  = errors.New("dir: bad name")
)

// Entry is one listing row, as returned by Entries.
type Entry struct {
	Name   string
	Sector common.Snum
	IsDir  bool
}

// entry is the on-disk slot layout.
type entry struct {
	sector common.Snum
	inUse  bool
	isDir  bool
	name   string
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

func encodeEntry(e *entry) []byte {
	enc := marshal.NewEnc(EntrySize)
	enc.PutInt(e.sector)
	enc.PutBytes(boolByte(e.inUse))
	enc.PutBytes(boolByte(e.isDir))
	name := make([]byte, NameMax)
	copy(name, e.name)
	enc.PutBytes(name)
	return enc.Finish()
}

func decodeEntry(buf []byte) entry {
	dec := marshal.NewDec(buf)
	var e entry
	e.sector = dec.GetInt()
	e.inUse = dec.GetBytes(1)[0] != 0
	e.isDir = dec.GetBytes(1)[0] != 0
	name := dec.GetBytes(NameMax)
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	e.name = string(name)
	return e
}

func validName(name string) bool {
	return name != "" && len(name) <= NameMax && !bytes.ContainsRune([]byte(name), '/')
}

// Dir is an open directory.
type Dir struct {
	tbl *inode.Table
	f   *file.File
}

// Open wraps an open inode as a directory, taking ownership of the
// reference. The inode must be flagged as a directory.
func Open(tbl *inode.Table, ino *inode.Inode) (*Dir, error) {
	if !ino.IsDir() {
		ino.Close()
		return nil, ErrNotDir
	}
	return &Dir{tbl: tbl, f: file.Open(ino)}, nil
}

// OpenRoot opens the root directory.
func OpenRoot(tbl *inode.Table) (*Dir, error) {
	ino, err := tbl.Open(common.RootDirSector)
	if err != nil {
		return nil, err
	}
	return Open(tbl, ino)
}

// Reopen returns an independent handle on the same directory.
func (d *Dir) Reopen() *Dir {
	return &Dir{tbl: d.tbl, f: d.f.Reopen()}
}

func (d *Dir) Close() {
	if d != nil {
		d.f.Close()
	}
}

func (d *Dir) Inode() *inode.Inode { return d.f.Inode() }

// readSlot reads the entry in slot i; ok is false past the end.
func (d *Dir) readSlot(i uint64) (entry, bool, error) {
	buf := make([]byte, EntrySize)
	n, err := d.f.ReadAt(buf, i*EntrySize)
	if err != nil {
		return entry{}, false, err
	}
	if n < EntrySize {
		return entry{}, false, nil
	}
	return decodeEntry(buf), true, nil
}

func (d *Dir) writeSlot(i uint64, e *entry) error {
	// directories bypass the file layer's write guard; slot updates
	// are the one legitimate way directory bytes change
	n, err := d.f.Inode().WriteAt(encodeEntry(e), i*EntrySize)
	if err != nil {
		return err
	}
	if n != EntrySize {
		return fmt.Errorf("dir: short entry write: %d bytes", n)
	}
	return nil
}

// find scans for an in-use entry named name, returning its slot.
func (d *Dir) find(name string) (entry, uint64, error) {
	for i := uint64(0); ; i++ {
		e, ok, err := d.readSlot(i)
		if err != nil {
			return entry{}, 0, err
		}
		if !ok {
			return entry{}, 0, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		if e.inUse && e.name == name {
			return e, i, nil
		}
	}
}

// Lookup resolves name to its inode sector. Names match exactly,
// byte for byte.
func (d *Dir) Lookup(name string) (common.Snum, bool, error) {
	e, _, err := d.find(name)
	if err != nil {
		return common.NullSnum, false, err
	}
	return e.sector, e.isDir, nil
}

// Add inserts a name mapping to sector, reusing a free slot when one
// exists and extending the directory file otherwise. Fails with
// ErrExists if the name is present.
func (d *Dir) Add(name string, sector common.Snum, isDir bool) error {
	if !validName(name) {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	slot := uint64(0)
	haveFree := false
	var free uint64
	for ; ; slot++ {
		e, ok, err := d.readSlot(slot)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if e.inUse {
			if e.name == name {
				return fmt.Errorf("%w: %q", ErrExists, name)
			}
		} else if !haveFree {
			haveFree = true
			free = slot
		}
	}
	if haveFree {
		slot = free
	}
	util.DPrintf(2, "dir %d: add %q -> %d (slot %d)", d.Inode().Sector(), name, sector, slot)
	return d.writeSlot(slot, &entry{sector: sector, inUse: true, isDir: isDir, name: name})
}

// Remove marks name's slot free and marks its inode removed, so the
// target's sectors are reclaimed when its last opener closes. A
// directory must be empty to be removed, and the root never is.
func (d *Dir) Remove(name string) error {
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	e, slot, err := d.find(name)
	if err != nil {
		return err
	}
	if e.sector == common.RootDirSector {
		return fmt.Errorf("%w: cannot remove the root directory", ErrBadName)
	}
	ip, err := d.tbl.Open(e.sector)
	if err != nil {
		return err
	}
	if ip.IsDir() {
		sub, err := Open(d.tbl, ip.Reopen())
		if err != nil {
			ip.Close()
			return err
		}
		empty, err := sub.IsEmpty()
		sub.Close()
		if err != nil {
			ip.Close()
			return err
		}
		if !empty {
			ip.Close()
			return fmt.Errorf("%w: %q", ErrNotEmpty, name)
		}
	}
	if err := d.writeSlot(slot, &entry{}); err != nil {
		ip.Close()
		return err
	}
	ip.Remove()
	ip.Close()
	util.DPrintf(2, "dir %d: remove %q", d.Inode().Sector(), name)
	return nil
}

// Entries lists the in-use entries, skipping "." and "..".
func (d *Dir) Entries() ([]Entry, error) {
	var out []Entry
	for i := uint64(0); ; i++ {
		e, ok, err := d.readSlot(i)
		if err != nil {
			return nil, err
		}
		if !ok {
			return out, nil
		}
		if !e.inUse || e.name == "." || e.name == ".." {
			continue
		}
		out = append(out, Entry{Name: e.name, Sector: e.sector, IsDir: e.isDir})
	}
}

// IsEmpty reports whether the directory holds nothing besides "." and
// "..".
func (d *Dir) IsEmpty() (bool, error) {
	es, err := d.Entries()
	if err != nil {
		return false, err
	}
	return len(es) == 0, nil
}
