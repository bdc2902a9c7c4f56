package inode

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/freemap"
)

func mkTable(t *testing.T, nsectors uint64) (*Table, *freemap.FreeMap) {
	t.Helper()
	d := disk.NewMemDisk(nsectors)
	fm := freemap.New(nsectors)
	return NewTable(d, fm), fm
}

func mkInode(t *testing.T, tbl *Table, fm *freemap.FreeMap, length uint64) common.Snum {
	t.Helper()
	sector, err := fm.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, tbl.Create(sector, length, false))
	return sector
}

func data(sz int) []byte {
	d := make([]byte, sz)
	rand.Read(d)
	return d
}

func TestRecordFillsSector(t *testing.T) {
	r := record{length: 123, isDir: true}
	r.direct[0] = 7
	r.indirect = 9
	buf := r.encode()
	require.Equal(t, disk.SectorSize, uint64(len(buf)))

	got, err := decodeRecord(buf)
	require.NoError(t, err)
	assert.Equal(t, r, *got)
}

func TestOpenBadMagic(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector, err := fm.Allocate(1)
	require.NoError(t, err)
	// never created: sector content is not a valid record
	_, err = tbl.Open(sector)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestRoundTrip(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	want := data(3 * int(disk.SectorSize) / 2)
	n, err := ip.WriteAt(want, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(want)), n)
	assert.Equal(t, 100+uint64(len(want)), ip.Length())

	got := make([]byte, len(want))
	n, err = ip.ReadAt(got, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(want)), n)
	assert.Equal(t, want, got)

	// the gap before the write reads as zeros
	head := make([]byte, 100)
	n, err = ip.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), n)
	assert.Equal(t, make([]byte, 100), head)
}

func TestRoundTripAcrossBlockMapLevels(t *testing.T) {
	tbl, fm := mkTable(t, 512)
	sector := mkInode(t, tbl, fm, 0)

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	// spans direct (59 sectors), the whole indirect table (64), and
	// part of the doubly-indirect range
	want := data(140 * int(disk.SectorSize))
	n, err := ip.WriteAt(want, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), n)

	got := make([]byte, len(want))
	n, err = ip.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(len(want)), n)
	assert.True(t, bytes.Equal(want, got))
	assert.Equal(t, uint64(140), ip.Sectors())
}

func TestSparseHole(t *testing.T) {
	tbl, fm := mkTable(t, 128)
	sector := mkInode(t, tbl, fm, 0)
	free0 := fm.NumFree()

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	n, err := ip.WriteAt([]byte("abcd"), 1000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, uint64(1000004), ip.Length())

	head := make([]byte, 4)
	n, err = ip.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, []byte{0, 0, 0, 0}, head)

	tail := make([]byte, 4)
	n, err = ip.ReadAt(tail, 1000000)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
	assert.Equal(t, []byte("abcd"), tail)

	// one data sector plus the doubly-indirect table and one inner table
	assert.Equal(t, free0-3, fm.NumFree())
	assert.Equal(t, uint64(1), ip.Sectors())
}

func TestReadPastLength(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	_, err = ip.WriteAt([]byte("xyz"), 0)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := ip.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n, "reads stop at the logical length")

	n, err = ip.ReadAt(buf, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestGrowthFailureRollsBack(t *testing.T) {
	tbl, fm := mkTable(t, 16)
	sector := mkInode(t, tbl, fm, 0)

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	_, err = ip.WriteAt([]byte("keep"), 0)
	require.NoError(t, err)
	free0 := fm.NumFree()

	// 16-sector device cannot hold a 30-sector file
	big := data(30 * int(disk.SectorSize))
	n, err := ip.WriteAt(big, 0)
	assert.ErrorIs(t, err, freemap.ErrNoSpace)
	assert.Equal(t, uint64(0), n)

	assert.Equal(t, free0, fm.NumFree(), "partial allocation must be released")
	assert.Equal(t, uint64(4), ip.Length(), "length must not move on failed growth")

	got := make([]byte, 4)
	_, err = ip.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got, "existing data must survive failed growth")
}

func TestOpenSharing(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	b, err := tbl.Open(sector)
	require.NoError(t, err)
	assert.Same(t, a, b, "concurrent opens share one handle")
	assert.Equal(t, uint64(2), a.Ref())

	_, err = a.WriteAt([]byte("shared"), 0)
	require.NoError(t, err)
	got := make([]byte, 6)
	_, err = b.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("shared"), got, "writes visible through the other handle")

	c := b.Reopen()
	assert.Equal(t, uint64(3), c.Ref())
	c.Close()
	b.Close()
	a.Close()

	// handle discarded but disk image untouched
	again, err := tbl.Open(sector)
	require.NoError(t, err)
	assert.NotSame(t, a, again)
	assert.Equal(t, uint64(6), again.Length())
	again.Close()
}

func TestRemoveFreesOnLastClose(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	free0 := fm.NumFree()
	sector := mkInode(t, tbl, fm, 0)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	b, err := tbl.Open(sector)
	require.NoError(t, err)

	_, err = a.WriteAt(data(2*int(disk.SectorSize)), 0)
	require.NoError(t, err)
	a.Remove()
	a.Close()

	// still open elsewhere: logically deleted, physically intact
	got := make([]byte, 8)
	n, err := b.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), n)
	assert.True(t, b.Removed())

	b.Close()
	assert.Equal(t, free0, fm.NumFree(), "data and record sectors all released")
}

func TestDenyWrite(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	b, err := tbl.Open(sector)
	require.NoError(t, err)
	defer a.Close()
	defer b.Close()

	a.DenyWrite()
	n, err := b.WriteAt([]byte("nope"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "denied writes report zero bytes, not an error")
	n, err = a.WriteAt([]byte("nope"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "the denier is denied too")

	a.AllowWrite()
	n, err = b.WriteAt([]byte("yes"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestDenyWriteCappedByOpenCount(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	a, err := tbl.Open(sector)
	require.NoError(t, err)
	defer a.Close()

	a.DenyWrite()
	assert.Panics(t, func() { a.DenyWrite() })
}

func TestCreateRollsBackOnFullDisk(t *testing.T) {
	tbl, fm := mkTable(t, 16)
	sector, err := fm.Allocate(1)
	require.NoError(t, err)
	free0 := fm.NumFree()

	err = tbl.Create(sector, 64*disk.SectorSize, false)
	assert.ErrorIs(t, err, freemap.ErrNoSpace)
	assert.Equal(t, free0, fm.NumFree())
}

func TestWriteBeyondMaxSize(t *testing.T) {
	tbl, fm := mkTable(t, 64)
	sector := mkInode(t, tbl, fm, 0)

	ip, err := tbl.Open(sector)
	require.NoError(t, err)
	defer ip.Close()

	_, err = ip.WriteAt([]byte("x"), MaxFileSize)
	assert.ErrorIs(t, err, ErrTooLarge)
}
