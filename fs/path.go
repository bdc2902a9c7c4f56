package fs

import (
	"fmt"
	"strings"

	"github.com/kamrin/sectorfs/dir"
)

// splitPath divides a path into its directory part and final
// component. "a/b/c" gives ("a/b/", "c"); a trailing slash or bare "/"
// gives an empty final component.
func splitPath(path string) (string, string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i+1], path[i+1:]
}

// openDirPath walks every component of path as a directory, anchored
// at the root for absolute paths and at the proc's working directory
// otherwise. Empty components ("//", trailing "/") are skipped. The
// caller closes the returned handle.
func (p *Proc) openDirPath(path string) (*dir.Dir, error) {
	var cur *dir.Dir
	if strings.HasPrefix(path, "/") {
		cur = p.fs.root.Reopen()
	} else {
		cur = p.cwd.Reopen()
	}
	// a removed working directory has no resolvable content
	if cur.Inode().Removed() {
		cur.Close()
		return nil, fmt.Errorf("%w: working directory was removed", ErrNotFound)
	}
	for _, comp := range strings.Split(path, "/") {
		if comp == "" {
			continue
		}
		sector, isDir, err := cur.Lookup(comp)
		if err != nil {
			cur.Close()
			return nil, err
		}
		if !isDir {
			cur.Close()
			return nil, fmt.Errorf("%w: %q", ErrNotDir, comp)
		}
		ino, err := p.fs.tbl.Open(sector)
		if err != nil {
			cur.Close()
			return nil, err
		}
		next, err := dir.Open(p.fs.tbl, ino)
		cur.Close()
		if err != nil {
			return nil, err
		}
		if next.Inode().Removed() {
			next.Close()
			return nil, fmt.Errorf("%w: %q", ErrNotFound, comp)
		}
		cur = next
	}
	return cur, nil
}

// resolveParent opens the directory that should contain path's final
// component and returns it with that component.
func (p *Proc) resolveParent(path string) (*dir.Dir, string, error) {
	dirPart, base := splitPath(path)
	parent, err := p.openDirPath(dirPart)
	if err != nil {
		return nil, "", err
	}
	return parent, base, nil
}
