// common holds the sector-number type and the fixed on-disk layout
// constants shared by every layer of the filesystem.
package common

// Snum is a sector number on the filesystem device.
type Snum = uint64

const (
	// NullSnum marks an unallocated pointer in a block map. Reads
	// through a null pointer see zeros; writes allocate first.
	NullSnum Snum = 0

	// FreeMapSector holds the inode of the free-space bitmap file.
	FreeMapSector Snum = 0

	// RootDirSector holds the inode of the root directory.
	RootDirSector Snum = 1
)
