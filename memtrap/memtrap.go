// Package memtrap models guest memory access traps.
//
// A trap covers a set of guest regions. While armed for reads and writes,
// any guest access to the regions runs the trap's callbacks first; while
// armed for writes only, reads proceed untouched. A callback returning false
// means the access cannot proceed yet: the Lock callback is run outside the
// trap manager's lock to wait for the owner, then the access is retried.
package memtrap

import "errors"

// ErrUnmapped is returned for accesses outside every mapped range.
var ErrUnmapped = errors.New("memtrap: address not mapped")

// Region is a span of guest memory. Data aliases the guest backing store.
type Region struct {
	Addr uint64
	Data []byte
}

// End returns the first address after r.
func (r Region) End() uint64 { return r.Addr + uint64(len(r.Data)) }

// Overlaps reports whether r and o share at least one byte.
func (r Region) Overlaps(o Region) bool {
	return r.Addr < o.End() && o.Addr < r.End()
}

// Callbacks run when a trapped access happens.
type Callbacks struct {
	// Lock blocks until the trap owner can service Read or Write.
	Lock func()
	// Read runs before a guest read; false means retry after Lock.
	Read func() bool
	// Write runs before a guest write; false means retry after Lock.
	Write func() bool
}

// Handle identifies a trap.
type Handle uint64

// Manager arms and disarms traps over guest memory.
type Manager interface {
	CreateTrap(regions []Region, cb Callbacks) Handle
	// TrapRegions arms h. With writeOnly, reads are not trapped.
	TrapRegions(h Handle, writeOnly bool)
	// RemoveTrap disarms h without deleting it.
	RemoveTrap(h Handle)
	DeleteTrap(h Handle)
}

// Protection is the arming state of a trap.
type Protection uint8

const (
	Unprotected Protection = iota
	WriteProtected
	ReadWriteProtected
)

func (p Protection) String() string {
	switch p {
	case Unprotected:
		return "unprotected"
	case WriteProtected:
		return "write-protected"
	case ReadWriteProtected:
		return "read-write-protected"
	}
	return "invalid"
}
