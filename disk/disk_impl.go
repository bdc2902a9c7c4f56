package disk

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kamrin/sectorfs/common"
)

var _ Disk = (*fileDisk)(nil)

// fileDisk stores sectors in a host file (or raw device) using
// positioned reads and writes.
type fileDisk struct {
	fd       int
	nsectors uint64
}

func NewFileDisk(path string, nsectors uint64) (Disk, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT, 0666)
	if err != nil {
		return nil, err
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if (stat.Mode&unix.S_IFREG) != 0 && uint64(stat.Size) != nsectors*SectorSize {
		if err := unix.Ftruncate(fd, int64(nsectors*SectorSize)); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	return &fileDisk{fd: fd, nsectors: nsectors}, nil
}

func (d *fileDisk) ReadTo(n common.Snum, buf Sector) error {
	if uint64(len(buf)) != SectorSize {
		panic("buffer is not sector-sized")
	}
	if n >= d.nsectors {
		panic(fmt.Errorf("out-of-bounds read at %v", n))
	}
	_, err := unix.Pread(d.fd, buf, int64(n*SectorSize))
	if err != nil {
		return fmt.Errorf("read sector %d: %w", n, err)
	}
	return nil
}

func (d *fileDisk) Read(n common.Snum) (Sector, error) {
	buf := make(Sector, SectorSize)
	err := d.ReadTo(n, buf)
	return buf, err
}

func (d *fileDisk) Write(n common.Snum, buf Sector) error {
	if uint64(len(buf)) != SectorSize {
		panic(fmt.Errorf("buf is not sector-sized (%d bytes)", len(buf)))
	}
	if n >= d.nsectors {
		panic(fmt.Errorf("out-of-bounds write at %v", n))
	}
	_, err := unix.Pwrite(d.fd, buf, int64(n*SectorSize))
	if err != nil {
		return fmt.Errorf("write sector %d: %w", n, err)
	}
	return nil
}

func (d *fileDisk) Size() common.Snum {
	return d.nsectors
}

func (d *fileDisk) Barrier() error {
	// NOTE: on macOS fsync flushes to the drive without a true disk
	// barrier; F_FULLFSYNC would be needed for that.
	if err := unix.Fsync(d.fd); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

func (d *fileDisk) Close() error {
	return unix.Close(d.fd)
}

var _ Disk = (*memDisk)(nil)

// memDisk keeps the whole device in memory. It is the fixture every
// test mounts on.
type memDisk struct {
	l       *sync.RWMutex
	sectors [][SectorSize]byte
}

func NewMemDisk(nsectors uint64) Disk {
	sectors := make([][SectorSize]byte, nsectors)
	return &memDisk{l: new(sync.RWMutex), sectors: sectors}
}

func (d *memDisk) ReadTo(n common.Snum, buf Sector) error {
	if uint64(len(buf)) != SectorSize {
		panic("buffer is not sector-sized")
	}
	d.l.RLock()
	defer d.l.RUnlock()
	if n >= uint64(len(d.sectors)) {
		panic(fmt.Errorf("out-of-bounds read at %v", n))
	}
	copy(buf, d.sectors[n][:])
	return nil
}

func (d *memDisk) Read(n common.Snum) (Sector, error) {
	buf := make(Sector, SectorSize)
	err := d.ReadTo(n, buf)
	return buf, err
}

func (d *memDisk) Write(n common.Snum, buf Sector) error {
	if uint64(len(buf)) != SectorSize {
		panic(fmt.Errorf("buf is not sector-sized (%d bytes)", len(buf)))
	}
	d.l.Lock()
	defer d.l.Unlock()
	if n >= uint64(len(d.sectors)) {
		panic(fmt.Errorf("out-of-bounds write at %v", n))
	}
	copy(d.sectors[n][:], buf)
	return nil
}

func (d *memDisk) Size() common.Snum {
	// capacity never changes, safe to read lock-free
	return uint64(len(d.sectors))
}

func (d *memDisk) Barrier() error { return nil }

func (d *memDisk) Close() error { return nil }
