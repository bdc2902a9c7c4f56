// file wraps an open inode with a byte cursor and a per-handle
// deny-write latch. Many handles may share one inode; each has its own
// position.
package file

import (
	"errors"

	"github.com/kamrin/sectorfs/inode"
)

// ErrIsDir reports a byte write aimed at a directory. Directory
// contents change only through the directory layer's own operations.
var ErrIsDir = errors.New("file: is a directory")

// File is one opener's view of an inode.
type File struct {
	ino       *inode.Inode
	pos       uint64
	denyWrite bool
}

// Open wraps an open inode handle, taking ownership of its reference.
func Open(ino *inode.Inode) *File {
	return &File{ino: ino}
}

// Reopen returns an independent handle (fresh cursor, fresh latch) on
// the same inode.
func (f *File) Reopen() *File {
	return Open(f.ino.Reopen())
}

// Close releases this handle's deny-write latch, if held, and drops
// its inode reference.
func (f *File) Close() {
	if f == nil {
		return
	}
	f.AllowWrite()
	f.ino.Close()
}

// Inode exposes the underlying inode for layers (directories, the
// free map) that operate on it directly.
func (f *File) Inode() *inode.Inode { return f.ino }

// Read reads up to len(buf) bytes at the cursor and advances it by the
// amount read.
func (f *File) Read(buf []byte) (uint64, error) {
	n, err := f.ino.ReadAt(buf, f.pos)
	f.pos += n
	return n, err
}

// ReadAt reads at an explicit offset; the cursor is unaffected.
func (f *File) ReadAt(buf []byte, off uint64) (uint64, error) {
	return f.ino.ReadAt(buf, off)
}

// Write writes len(buf) bytes at the cursor and advances it by the
// amount written.
func (f *File) Write(buf []byte) (uint64, error) {
	if f.ino.IsDir() {
		return 0, ErrIsDir
	}
	n, err := f.ino.WriteAt(buf, f.pos)
	f.pos += n
	return n, err
}

// WriteAt writes at an explicit offset; the cursor is unaffected.
func (f *File) WriteAt(buf []byte, off uint64) (uint64, error) {
	if f.ino.IsDir() {
		return 0, ErrIsDir
	}
	return f.ino.WriteAt(buf, off)
}

// Seek moves the cursor. Any position is legal, including past the
// end: a later write grows the file and the skipped range reads as
// zeros, a later read returns 0 bytes.
func (f *File) Seek(pos uint64) {
	f.pos = pos
}

// Tell reports the cursor position.
func (f *File) Tell() uint64 {
	return f.pos
}

// Length reports the file's logical size in bytes.
func (f *File) Length() uint64 {
	return f.ino.Length()
}

// DenyWrite blocks writes to the underlying inode, from any handle,
// until this handle allows them again or closes. Calling it twice on
// one handle is a no-op.
func (f *File) DenyWrite() {
	if !f.denyWrite {
		f.denyWrite = true
		f.ino.DenyWrite()
	}
}

// AllowWrite releases this handle's latch. Writes may still be denied
// by other handles on the same inode.
func (f *File) AllowWrite() {
	if f.denyWrite {
		f.denyWrite = false
		f.ino.AllowWrite()
	}
}
