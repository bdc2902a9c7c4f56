package dir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/freemap"
	"github.com/kamrin/sectorfs/inode"
)

type fixture struct {
	tbl *inode.Table
	fm  *freemap.FreeMap
}

func mkFixture(t *testing.T) *fixture {
	t.Helper()
	d := disk.NewMemDisk(128)
	fm := freemap.New(128)
	tbl := inode.NewTable(d, fm)
	require.NoError(t, tbl.Create(common.RootDirSector, 0, true))
	return &fixture{tbl: tbl, fm: fm}
}

func (fx *fixture) mkInode(t *testing.T, isDir bool) common.Snum {
	t.Helper()
	sector, err := fx.fm.Allocate(1)
	require.NoError(t, err)
	require.NoError(t, fx.tbl.Create(sector, 0, isDir))
	return sector
}

func TestAddLookup(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	fsec := fx.mkInode(t, false)
	require.NoError(t, d.Add("data.txt", fsec, false))

	got, isDir, err := d.Lookup("data.txt")
	require.NoError(t, err)
	assert.Equal(t, fsec, got)
	assert.False(t, isDir)

	_, _, err = d.Lookup("DATA.TXT")
	assert.ErrorIs(t, err, ErrNotFound, "matching is case-sensitive")
}

func TestAddDuplicate(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	a := fx.mkInode(t, false)
	b := fx.mkInode(t, false)
	require.NoError(t, d.Add("x", a, false))
	assert.ErrorIs(t, d.Add("x", b, false), ErrExists)

	require.NoError(t, d.Remove("x"))
	assert.NoError(t, d.Add("x", b, false), "name reusable after remove")
}

func TestSlotReuse(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, d.Add(name, fx.mkInode(t, false), false))
	}
	lenBefore := d.f.Length()

	require.NoError(t, d.Remove("b"))
	require.NoError(t, d.Add("d", fx.mkInode(t, false), false))
	assert.Equal(t, lenBefore, d.f.Length(), "insert reuses the freed slot")

	require.NoError(t, d.Add("e", fx.mkInode(t, false), false))
	assert.Equal(t, lenBefore+EntrySize, d.f.Length(), "no free slot left, so append")
}

func TestRemoveFreesInode(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	// grow the directory file first so the victim's bookkeeping is
	// the only allocation left to account for
	require.NoError(t, d.Add("pad", fx.mkInode(t, false), false))

	free0 := fx.fm.NumFree()
	fsec := fx.mkInode(t, false)
	require.NoError(t, d.Add("victim", fsec, false))
	require.NoError(t, d.Remove("victim"))

	assert.Equal(t, free0, fx.fm.NumFree(), "unopened target is freed at once")
	_, _, err = d.Lookup("victim")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveDeferredWhileOpen(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	fsec := fx.mkInode(t, false)
	require.NoError(t, d.Add("busy", fsec, false))

	ip, err := fx.tbl.Open(fsec)
	require.NoError(t, err)
	_, err = ip.WriteAt([]byte("still here"), 0)
	require.NoError(t, err)

	free0 := fx.fm.NumFree()
	require.NoError(t, d.Remove("busy"))
	assert.Equal(t, free0, fx.fm.NumFree(), "open target survives until last close")

	got := make([]byte, 10)
	n, err := ip.ReadAt(got, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n)
	assert.Equal(t, []byte("still here"), got)

	ip.Close()
	assert.Greater(t, fx.fm.NumFree(), free0, "sectors reclaimed at last close")
}

func TestRemoveNonEmptyDir(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	subSec := fx.mkInode(t, true)
	require.NoError(t, d.Add("sub", subSec, true))

	subIno, err := fx.tbl.Open(subSec)
	require.NoError(t, err)
	sub, err := Open(fx.tbl, subIno)
	require.NoError(t, err)
	require.NoError(t, sub.Add(".", subSec, true))
	require.NoError(t, sub.Add("..", common.RootDirSector, true))
	require.NoError(t, sub.Add("child", fx.mkInode(t, false), false))
	sub.Close()

	assert.ErrorIs(t, d.Remove("sub"), ErrNotEmpty)

	// empty it out, then removal succeeds
	subIno, err = fx.tbl.Open(subSec)
	require.NoError(t, err)
	sub, err = Open(fx.tbl, subIno)
	require.NoError(t, err)
	require.NoError(t, sub.Remove("child"))
	sub.Close()
	assert.NoError(t, d.Remove("sub"))
}

func TestEntriesSkipsDotDirs(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Add(".", common.RootDirSector, true))
	require.NoError(t, d.Add("..", common.RootDirSector, true))
	require.NoError(t, d.Add("one", fx.mkInode(t, false), false))
	require.NoError(t, d.Add("two", fx.mkInode(t, true), true))

	es, err := d.Entries()
	require.NoError(t, err)
	require.Len(t, es, 2)
	assert.Equal(t, "one", es[0].Name)
	assert.Equal(t, "two", es[1].Name)
	assert.True(t, es[1].IsDir)

	empty, err := d.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)
}

func TestBadNames(t *testing.T) {
	fx := mkFixture(t)
	d, err := OpenRoot(fx.tbl)
	require.NoError(t, err)
	defer d.Close()

	sec := fx.mkInode(t, false)
	assert.ErrorIs(t, d.Add("", sec, false), ErrBadName)
	assert.ErrorIs(t, d.Add("a/b", sec, false), ErrBadName)
	assert.ErrorIs(t, d.Add("this-name-is-way-too-long-for-an-entry", sec, false), ErrBadName)
	assert.ErrorIs(t, d.Remove("."), ErrBadName)
}

func TestOpenNonDirFails(t *testing.T) {
	fx := mkFixture(t)
	fsec := fx.mkInode(t, false)
	ip, err := fx.tbl.Open(fsec)
	require.NoError(t, err)
	_, err = Open(fx.tbl, ip)
	assert.ErrorIs(t, err, ErrNotDir)
}
