// freemap tracks which sectors of the device are free, one bit per
// sector, and persists the bitmap through its backing file on every
// mutation.
//
// The allocator is policy-free: it hands out contiguous runs of
// sectors and takes them back. How sectors are used (data, indirect
// tables, inode records) is the inode layer's business.
package freemap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/tchajed/marshal"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/util"
)

// ErrNoSpace reports that no run of free sectors was large enough to
// satisfy an allocation.
var ErrNoSpace = errors.New("freemap: no free sectors")

// Backing is where the bitmap image is persisted. It is satisfied by
// *file.File; the filesystem wires the free-map file in after mount.
// While it is nil (during format, before the free-map file exists)
// mutations are in-memory only.
type Backing interface {
	ReadAt(p []byte, off uint64) (uint64, error)
	WriteAt(p []byte, off uint64) (uint64, error)
}

// FreeMap is the free-space bitmap for one mounted volume. A single
// mutex serializes allocate, release, and persist so the on-disk image
// never tears.
type FreeMap struct {
	mu       sync.Mutex
	bits     *bitset.BitSet
	nsectors uint64
	backing  Backing
}

// New returns a bitmap for a device of nsectors sectors with every
// sector free except the filesystem's own metadata sectors.
func New(nsectors uint64) *FreeMap {
	fm := &FreeMap{
		bits:     bitset.New(uint(nsectors)),
		nsectors: nsectors,
	}
	fm.bits.Set(uint(common.FreeMapSector))
	fm.bits.Set(uint(common.RootDirSector))
	return fm
}

// ImageBytes is the size of the persisted bitmap image.
func (fm *FreeMap) ImageBytes() uint64 {
	return uint64(len(fm.bits.Bytes())) * 8
}

// SetBacking attaches the file the bitmap image is persisted to.
func (fm *FreeMap) SetBacking(b Backing) {
	fm.mu.Lock()
	fm.backing = b
	fm.mu.Unlock()
}

// Load replaces the in-memory bitmap with the image read from b and
// keeps b as the backing for future mutations.
func (fm *FreeMap) Load(b Backing) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	nwords := len(fm.bits.Bytes())
	buf := make([]byte, nwords*8)
	n, err := b.ReadAt(buf, 0)
	if err != nil {
		return fmt.Errorf("freemap: read image: %w", err)
	}
	if n != uint64(len(buf)) {
		return fmt.Errorf("freemap: short image: %d of %d bytes", n, len(buf))
	}
	dec := marshal.NewDec(buf)
	fm.bits = bitset.From(dec.GetInts(uint64(nwords)))
	fm.backing = b
	return nil
}

// Allocate finds the first run of cnt contiguous free sectors, marks
// it busy, and persists the bitmap. If persisting fails the run is
// handed back and the error returned: an allocation never succeeds in
// memory while failing on disk.
func (fm *FreeMap) Allocate(cnt uint64) (common.Snum, error) {
	if cnt == 0 {
		panic("freemap: zero-length allocation")
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	start, ok := fm.scan(cnt)
	if !ok {
		return common.NullSnum, ErrNoSpace
	}
	for i := uint64(0); i < cnt; i++ {
		fm.bits.Set(uint(start + i))
	}
	if err := fm.persist(); err != nil {
		for i := uint64(0); i < cnt; i++ {
			fm.bits.Clear(uint(start + i))
		}
		return common.NullSnum, fmt.Errorf("freemap: persist: %w", err)
	}
	util.DPrintf(2, "freemap: allocate %d at %d", cnt, start)
	return start, nil
}

// Release makes cnt sectors starting at first available again. Every
// released sector must currently be busy; releasing a free sector is a
// caller bug and panics.
func (fm *FreeMap) Release(first common.Snum, cnt uint64) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	for i := uint64(0); i < cnt; i++ {
		if !fm.bits.Test(uint(first + i)) {
			panic(fmt.Errorf("freemap: release of free sector %d", first+i))
		}
		fm.bits.Clear(uint(first + i))
	}
	if err := fm.persist(); err != nil {
		// the sectors are free in memory either way; the stale image
		// only over-reports busy sectors, which is safe
		util.Logger().WithError(err).Warn("freemap: persist after release failed")
	}
	util.DPrintf(2, "freemap: release %d at %d", cnt, first)
}

// NumFree reports how many sectors are currently free.
func (fm *FreeMap) NumFree() uint64 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.nsectors - uint64(fm.bits.Count())
}

// scan is a first-fit search for cnt contiguous clear bits.
// Called with mu held.
func (fm *FreeMap) scan(cnt uint64) (common.Snum, bool) {
	var from uint
	for uint64(from) < fm.nsectors {
		start, ok := fm.bits.NextClear(from)
		if !ok || uint64(start)+cnt > fm.nsectors {
			return common.NullSnum, false
		}
		run := uint64(1)
		j := start + 1
		for run < cnt && !fm.bits.Test(j) {
			run++
			j++
		}
		if run == cnt {
			return uint64(start), true
		}
		from = j + 1
	}
	return common.NullSnum, false
}

// persist writes the bitmap image through the backing file.
// Called with mu held.
func (fm *FreeMap) persist() error {
	if fm.backing == nil {
		return nil
	}
	words := fm.bits.Bytes()
	enc := marshal.NewEnc(uint64(len(words)) * 8)
	enc.PutInts(words)
	img := enc.Finish()
	n, err := fm.backing.WriteAt(img, 0)
	if err != nil {
		return err
	}
	if n != uint64(len(img)) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(img))
	}
	return nil
}

// Persist forces the current bitmap image to disk.
func (fm *FreeMap) Persist() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.persist()
}
