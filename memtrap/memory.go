package memtrap

import (
	"fmt"
	"sort"
	"sync"
)

type trap struct {
	regions    []Region
	cb         Callbacks
	protection Protection
	// armed counts TrapRegions calls.
	armed uint64
}

// Memory is an in-process guest address space implementing Manager.
// Read and Write are the guest CPU accesses: they fire the callbacks of every
// armed trap overlapping the accessed range before touching memory.
type Memory struct {
	mu     sync.Mutex
	ranges []Region // sorted by Addr, non-overlapping
	traps  map[Handle]*trap
	next   Handle
}

// NewMemory returns an empty address space.
func NewMemory() *Memory {
	return &Memory{traps: make(map[Handle]*trap)}
}

// Map backs [addr, addr+size) with zeroed memory and returns it.
func (m *Memory) Map(addr, size uint64) (Region, error) {
	r := Region{Addr: addr, Data: make([]byte, size)}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.ranges {
		if e.Overlaps(r) {
			return Region{}, fmt.Errorf("memtrap: [%#x, %#x) overlaps mapping at %#x", addr, r.End(), e.Addr)
		}
	}
	m.ranges = append(m.ranges, r)
	sort.Slice(m.ranges, func(i, j int) bool { return m.ranges[i].Addr < m.ranges[j].Addr })
	return r, nil
}

// Region returns the backing store of [addr, addr+size), which must lie
// inside a single mapping. Accesses through the returned slice bypass traps.
func (m *Memory) Region(addr, size uint64) (Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regionLocked(addr, size)
}

func (m *Memory) regionLocked(addr, size uint64) (Region, error) {
	i := sort.Search(len(m.ranges), func(i int) bool { return m.ranges[i].End() > addr })
	if i == len(m.ranges) || m.ranges[i].Addr > addr || addr+size > m.ranges[i].End() {
		return Region{}, fmt.Errorf("%w: [%#x, %#x)", ErrUnmapped, addr, addr+size)
	}
	r := m.ranges[i]
	off := addr - r.Addr
	return Region{Addr: addr, Data: r.Data[off : off+size : off+size]}, nil
}

// CreateTrap implements Manager. The trap starts unarmed.
func (m *Memory) CreateTrap(regions []Region, cb Callbacks) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.traps[m.next] = &trap{regions: append([]Region(nil), regions...), cb: cb}
	return m.next
}

// TrapRegions implements Manager.
func (m *Memory) TrapRegions(h Handle, writeOnly bool) {
	p := ReadWriteProtected
	if writeOnly {
		p = WriteProtected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.traps[h]; ok {
		t.protection = p
		t.armed++
	}
}

// RemoveTrap implements Manager.
func (m *Memory) RemoveTrap(h Handle) { m.setProtection(h, Unprotected) }

// DeleteTrap implements Manager.
func (m *Memory) DeleteTrap(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.traps, h)
}

// Protection returns the arming state of h.
func (m *Memory) Protection(h Handle) Protection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.traps[h]; ok {
		return t.protection
	}
	return Unprotected
}

func (m *Memory) setProtection(h Handle, p Protection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.traps[h]; ok {
		t.protection = p
	}
}

// Read copies guest memory at addr into dst, servicing read traps first.
func (m *Memory) Read(addr uint64, dst []byte) error {
	if err := m.handle(addr, uint64(len(dst)), false); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.regionLocked(addr, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, r.Data)
	return nil
}

// Write copies src into guest memory at addr, servicing write traps first.
func (m *Memory) Write(addr uint64, src []byte) error {
	if err := m.handle(addr, uint64(len(src)), true); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.regionLocked(addr, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(r.Data, src)
	return nil
}

// handle runs the callbacks of every armed trap overlapping the access
// until none is left. Callbacks run without m.mu held; a trap re-armed
// while its callback ran is serviced again instead of being lowered.
func (m *Memory) handle(addr, size uint64, write bool) error {
	end := addr + size

	for {
		m.mu.Lock()
		var (
			h     Handle
			cb    Callbacks
			armed uint64
		)
		for id, t := range m.traps {
			if t.protection == Unprotected || (!write && t.protection == WriteProtected) {
				continue
			}
			if overlapsAny(t.regions, addr, end) {
				h, cb, armed = id, t.cb, t.armed
				break
			}
		}
		m.mu.Unlock()
		if h == 0 {
			return nil
		}

		fn := cb.Read
		if write {
			fn = cb.Write
		}
		if fn == nil || fn() {
			m.mu.Lock()
			if t, ok := m.traps[h]; ok && t.armed == armed && t.protection != Unprotected {
				if write {
					t.protection = Unprotected
				} else {
					t.protection = WriteProtected
				}
			}
			m.mu.Unlock()
			continue
		}
		if cb.Lock != nil {
			cb.Lock()
		}
	}
}

func overlapsAny(regions []Region, addr, end uint64) bool {
	for _, r := range regions {
		if r.Addr < end && addr < r.End() {
			return true
		}
	}
	return false
}
