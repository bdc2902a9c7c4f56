// fs assembles the storage engine: it mounts a volume (free-space
// bitmap, open-inode table, root directory) on a block device and
// exposes the path-based operations a syscall layer consumes.
//
// On-disk layout: sector 0 holds the inode of the free-map file,
// sector 1 the inode of the root directory. The free map is itself an
// ordinary file, so persisting it exercises the same read/write path
// as user data.
package fs

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/dir"
	"github.com/kamrin/sectorfs/disk"
	"github.com/kamrin/sectorfs/file"
	"github.com/kamrin/sectorfs/freemap"
	"github.com/kamrin/sectorfs/inode"
	"github.com/kamrin/sectorfs/util"
)

// Path-resolution error kinds. Lookup failures propagate as typed
// errors, never as partial results.
var (
	ErrNotFound  = dir.ErrNotFound
	ErrNotDir    = dir.ErrNotDir
	ErrExists    = dir.ErrExists
	ErrIsDir     = file.ErrIsDir
	ErrLinkDepth = errors.New("fs: too many levels of symbolic links")
)

const (
	// MaxLinkDepth bounds symlink resolution; a cycle fails instead
	// of recursing forever.
	MaxLinkDepth = 8

	// TargetMax bounds a symlink's stored target path so it fits in
	// the link inode's first sector with its terminator.
	TargetMax = 255
)

// FS is one mounted volume.
type FS struct {
	d      disk.Disk
	fm     *freemap.FreeMap
	tbl    *inode.Table
	fmFile *file.File
	root   *dir.Dir
	log    *logrus.Entry
}

// New mounts the filesystem on d, formatting it first when format is
// set. The caller keeps ownership of d.
func New(d disk.Disk, format bool) (*FS, error) {
	fs := &FS{
		d:   d,
		fm:  freemap.New(d.Size()),
		log: util.Logger().WithField("vol", uuid.NewString()),
	}
	fs.tbl = inode.NewTable(d, fs.fm)
	var err error
	if format {
		err = fs.format()
	} else {
		err = fs.mount()
	}
	if err != nil {
		return nil, err
	}
	fs.log.WithFields(logrus.Fields{
		"sectors":   d.Size(),
		"free":      fs.fm.NumFree(),
		"formatted": format,
	}).Info("fs: mounted")
	return fs, nil
}

// format lays down a fresh filesystem: the free-map file at sector 0,
// then the root directory at sector 1.
func (fs *FS) format() error {
	if err := fs.tbl.Create(common.FreeMapSector, fs.fm.ImageBytes(), false); err != nil {
		return fmt.Errorf("fs: create free-map file: %w", err)
	}
	if err := fs.openFreeMapFile(); err != nil {
		return err
	}
	if err := fs.fm.Persist(); err != nil {
		return fmt.Errorf("fs: write free map: %w", err)
	}

	if err := fs.tbl.Create(common.RootDirSector, 0, true); err != nil {
		return fmt.Errorf("fs: create root directory: %w", err)
	}
	root, err := dir.OpenRoot(fs.tbl)
	if err != nil {
		return err
	}
	if err := root.Add(".", common.RootDirSector, true); err != nil {
		root.Close()
		return err
	}
	if err := root.Add("..", common.RootDirSector, true); err != nil {
		root.Close()
		return err
	}
	fs.root = root
	return nil
}

// mount reads the persisted free map back and opens the root.
func (fs *FS) mount() error {
	if err := fs.openFreeMapFile(); err != nil {
		return err
	}
	if err := fs.fm.Load(fs.fmFile); err != nil {
		return fmt.Errorf("fs: read free map: %w", err)
	}
	root, err := dir.OpenRoot(fs.tbl)
	if err != nil {
		return err
	}
	fs.root = root
	return nil
}

func (fs *FS) openFreeMapFile() error {
	ino, err := fs.tbl.Open(common.FreeMapSector)
	if err != nil {
		return fmt.Errorf("fs: open free-map file: %w", err)
	}
	fs.fmFile = file.Open(ino)
	fs.fm.SetBacking(fs.fmFile)
	return nil
}

// Close unmounts: the bitmap image is persisted and the metadata
// handles released. The device itself stays open for the caller.
func (fs *FS) Close() error {
	fs.root.Close()
	err := fs.fm.Persist()
	fs.fm.SetBacking(nil)
	fs.fmFile.Close()
	if berr := fs.d.Barrier(); err == nil {
		err = berr
	}
	fs.log.Info("fs: unmounted")
	return err
}

// NumFree reports the allocator's free sector count.
func (fs *FS) NumFree() uint64 {
	return fs.fm.NumFree()
}

// destroyInode reclaims a freshly created inode after a later step of
// the same operation failed.
func (fs *FS) destroyInode(sector common.Snum) {
	ip, err := fs.tbl.Open(sector)
	if err != nil {
		// record never became readable; give back the bare sector
		fs.fm.Release(sector, 1)
		return
	}
	ip.Remove()
	ip.Close()
}
