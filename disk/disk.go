// disk provides synchronous, whole-sector access to a block device.
package disk

import "github.com/kamrin/sectorfs/common"

// Sector is a SectorSize-byte buffer.
type Sector = []byte

// SectorSize is the unit of device I/O, in bytes.
const SectorSize uint64 = 512

// Disk is a flat array of fixed-size sectors. Reads and writes are
// synchronous and atomic with respect to a single sector.
type Disk interface {
	// Read reads the sector at n.
	//
	// Expects n < Size().
	Read(n common.Snum) (Sector, error)

	// ReadTo reads the sector at n into buf, which must be
	// SectorSize bytes long.
	ReadTo(n common.Snum, buf Sector) error

	// Write replaces the sector at n with buf.
	//
	// Expects n < Size().
	Write(n common.Snum, buf Sector) error

	// Size reports the device capacity in sectors.
	Size() common.Snum

	// Barrier ensures all completed writes are durable before it
	// returns.
	Barrier() error

	// Close releases the device and makes it unusable.
	Close() error
}
