package fs

import (
	"bytes"
	"fmt"

	"github.com/kamrin/sectorfs/common"
	"github.com/kamrin/sectorfs/dir"
	"github.com/kamrin/sectorfs/file"
	"github.com/kamrin/sectorfs/inode"
)

// Proc is one process's view of the filesystem: it carries the
// current working directory that relative paths resolve against.
type Proc struct {
	fs  *FS
	cwd *dir.Dir
}

// NewProc returns a process view rooted at "/".
func (fs *FS) NewProc() *Proc {
	return &Proc{fs: fs, cwd: fs.root.Reopen()}
}

// Close releases the working-directory handle.
func (p *Proc) Close() {
	p.cwd.Close()
}

// Chdir changes the working directory.
func (p *Proc) Chdir(path string) error {
	nd, err := p.openDirPath(path)
	if err != nil {
		return err
	}
	p.cwd.Close()
	p.cwd = nd
	p.fs.log.WithField("path", path).Debug("fs: chdir")
	return nil
}

// Create makes a new file of the given initial size. The parent
// directory must exist; the name must not.
func (p *Proc) Create(path string, size uint64) error {
	return p.create(path, size, false)
}

// Mkdir makes a new directory containing "." and "..".
func (p *Proc) Mkdir(path string) error {
	return p.create(path, 0, true)
}

func (p *Proc) create(path string, size uint64, isDir bool) error {
	parent, base, err := p.resolveParent(path)
	if err != nil {
		return err
	}
	defer parent.Close()
	if base == "" {
		return fmt.Errorf("%w: %q", dir.ErrBadName, path)
	}

	sector, err := p.fs.fm.Allocate(1)
	if err != nil {
		return fmt.Errorf("fs: create %q: %w", path, err)
	}
	if err := p.fs.tbl.Create(sector, size, isDir); err != nil {
		p.fs.fm.Release(sector, 1)
		return fmt.Errorf("fs: create %q: %w", path, err)
	}
	if isDir {
		if err := p.initDir(sector, parent.Inode().Sector()); err != nil {
			p.fs.destroyInode(sector)
			return fmt.Errorf("fs: create %q: %w", path, err)
		}
	}
	if err := parent.Add(base, sector, isDir); err != nil {
		p.fs.destroyInode(sector)
		return err
	}
	p.fs.log.WithField("path", path).WithField("sector", sector).Debug("fs: create")
	return nil
}

// initDir seeds a fresh directory with its "." and ".." entries.
func (p *Proc) initDir(sector, parent common.Snum) error {
	ino, err := p.fs.tbl.Open(sector)
	if err != nil {
		return err
	}
	d, err := dir.Open(p.fs.tbl, ino)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Add(".", sector, true); err != nil {
		return err
	}
	return d.Add("..", parent, true)
}

// Open returns a handle on the file or directory at path, following
// symbolic links (including chains) up to MaxLinkDepth hops.
func (p *Proc) Open(path string) (*file.File, error) {
	return p.open(path, 0)
}

func (p *Proc) open(path string, depth int) (*file.File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrNotFound)
	}
	ino, err := p.openInode(path)
	if err != nil {
		return nil, err
	}
	if ino.IsSymlink() {
		target, err := readLinkTarget(ino)
		ino.Close()
		if err != nil {
			return nil, err
		}
		if depth >= MaxLinkDepth {
			return nil, fmt.Errorf("%w: %q", ErrLinkDepth, path)
		}
		return p.open(target, depth+1)
	}
	return file.Open(ino), nil
}

// openInode resolves path to an open inode without following a final
// symlink. An empty final component ("/", "a/b/") yields the
// directory itself.
func (p *Proc) openInode(path string) (*inode.Inode, error) {
	parent, base, err := p.resolveParent(path)
	if err != nil {
		return nil, err
	}
	defer parent.Close()

	var ino *inode.Inode
	if base == "" {
		ino = parent.Inode().Reopen()
	} else {
		sector, _, err := parent.Lookup(base)
		if err != nil {
			return nil, err
		}
		ino, err = p.fs.tbl.Open(sector)
		if err != nil {
			return nil, err
		}
	}
	if ino.Removed() {
		ino.Close()
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	return ino, nil
}

// OpenDir opens path as a directory. Every component, including the
// final one, must be a directory.
func (p *Proc) OpenDir(path string) (*dir.Dir, error) {
	return p.openDirPath(path)
}

// ReadDir lists the entries of the directory at path, excluding "."
// and "..".
func (p *Proc) ReadDir(path string) ([]dir.Entry, error) {
	d, err := p.openDirPath(path)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return d.Entries()
}

// Remove deletes the entry at path. The target inode is reclaimed
// once its last opener closes; a directory must be empty.
func (p *Proc) Remove(path string) error {
	parent, base, err := p.resolveParent(path)
	if err != nil {
		return err
	}
	defer parent.Close()
	if base == "" {
		return fmt.Errorf("%w: %q", dir.ErrBadName, path)
	}
	if err := parent.Remove(base); err != nil {
		return err
	}
	p.fs.log.WithField("path", path).Debug("fs: remove")
	return nil
}

// Symlink creates a symbolic link at linkpath whose stored target is
// target. The target need not exist; it is resolved at open time.
func (p *Proc) Symlink(target string, linkpath string) error {
	if target == "" || len(target) > TargetMax {
		return fmt.Errorf("%w: symlink target %q", dir.ErrBadName, target)
	}
	if err := p.create(linkpath, uint64(len(target))+1, false); err != nil {
		return err
	}
	// the link flag is not set yet, so this open cannot recurse
	f, err := p.Open(linkpath)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteAt(append([]byte(target), 0), 0); err != nil {
		return fmt.Errorf("fs: write symlink target: %w", err)
	}
	if err := f.Inode().SetSymlink(); err != nil {
		return err
	}
	p.fs.log.WithField("link", linkpath).WithField("target", target).Debug("fs: symlink")
	return nil
}

// readLinkTarget reads the NUL-terminated target path stored in a
// symlink inode's data.
func readLinkTarget(ino *inode.Inode) (string, error) {
	buf := make([]byte, TargetMax+1)
	n, err := ino.ReadAt(buf, 0)
	if err != nil {
		return "", fmt.Errorf("fs: read symlink target: %w", err)
	}
	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}
	return string(buf), nil
}

// Stat describes the file or directory at a path.
type Stat struct {
	Sector  common.Snum // inode number
	Length  uint64      // logical size in bytes
	Sectors uint64      // allocated data sectors
	IsDir   bool
}

// Stat reports metadata for path, following symlinks.
func (p *Proc) Stat(path string) (Stat, error) {
	f, err := p.Open(path)
	if err != nil {
		return Stat{}, err
	}
	defer f.Close()
	ino := f.Inode()
	return Stat{
		Sector:  ino.Sector(),
		Length:  f.Length(),
		Sectors: ino.Sectors(),
		IsDir:   ino.IsDir(),
	}, nil
}
