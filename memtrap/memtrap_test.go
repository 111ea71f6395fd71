package memtrap

import (
	"errors"
	"testing"
)

func TestMapAndRegion(t *testing.T) {
	m := NewMemory()
	if _, err := m.Map(0x1000, 0x100); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x10F0, 0x100); err == nil {
		t.Fatal("overlapping Map succeeded")
	}
	r, err := m.Region(0x1010, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	r.Data[0] = 0xAB
	var b [1]byte
	if err := m.Read(0x1010, b[:]); err != nil || b[0] != 0xAB {
		t.Fatalf("Read = %#x, %v", b[0], err)
	}
	if _, err := m.Region(0x10F0, 0x20); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Region past end err = %v", err)
	}
	if err := m.Write(0x5000, []byte{1}); !errors.Is(err, ErrUnmapped) {
		t.Errorf("Write unmapped err = %v", err)
	}
}

func TestTrapProtectionTransitions(t *testing.T) {
	m := NewMemory()
	r, _ := m.Map(0x1000, 0x100)
	var reads, writes int
	h := m.CreateTrap([]Region{r}, Callbacks{
		Read:  func() bool { reads++; return true },
		Write: func() bool { writes++; return true },
	})

	var b [4]byte
	_ = m.Read(0x1000, b[:])
	if reads != 0 {
		t.Fatal("unarmed trap fired")
	}

	m.TrapRegions(h, false)
	_ = m.Read(0x1000, b[:])
	if reads != 1 || m.Protection(h) != WriteProtected {
		t.Fatalf("after read: reads=%d protection=%v", reads, m.Protection(h))
	}
	_ = m.Read(0x1000, b[:])
	if reads != 1 {
		t.Fatal("write-protected trap fired on read")
	}

	_ = m.Write(0x1002, []byte{7})
	if writes != 1 || m.Protection(h) != Unprotected {
		t.Fatalf("after write: writes=%d protection=%v", writes, m.Protection(h))
	}

	if _, err := m.Map(0x2000, 0x10); err != nil {
		t.Fatal(err)
	}
	m.TrapRegions(h, true)
	_ = m.Write(0x2000, []byte{1}) // outside the trap
	if writes != 1 {
		t.Fatal("trap fired for access outside its regions")
	}
	m.DeleteTrap(h)
	_ = m.Write(0x1000, []byte{1})
	if writes != 1 {
		t.Fatal("deleted trap fired")
	}
}

func TestTrapRetriesAfterLock(t *testing.T) {
	m := NewMemory()
	r, _ := m.Map(0, 0x40)
	ready := false
	var locks, reads int
	h := m.CreateTrap([]Region{r}, Callbacks{
		Lock: func() { locks++; ready = true },
		Read: func() bool { reads++; return ready },
	})
	m.TrapRegions(h, false)

	var b [1]byte
	if err := m.Read(0, b[:]); err != nil {
		t.Fatal(err)
	}
	if locks != 1 || reads != 2 {
		t.Errorf("locks=%d reads=%d, want 1 and 2", locks, reads)
	}
}

func TestTrapRearmedDuringCallbackFiresAgain(t *testing.T) {
	m := NewMemory()
	r, _ := m.Map(0, 0x40)
	var h Handle
	var writes int
	h = m.CreateTrap([]Region{r}, Callbacks{
		Write: func() bool {
			writes++
			if writes == 1 {
				// The texture went GPU dirty again before the access.
				m.TrapRegions(h, false)
			}
			return true
		},
	})
	m.TrapRegions(h, false)

	if err := m.Write(0, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if writes != 2 || m.Protection(h) != Unprotected {
		t.Errorf("writes=%d protection=%v, want 2 and unprotected", writes, m.Protection(h))
	}
}

func TestProtectionString(t *testing.T) {
	for p, want := range map[Protection]string{
		Unprotected:        "unprotected",
		WriteProtected:     "write-protected",
		ReadWriteProtected: "read-write-protected",
		Protection(9):      "invalid",
	} {
		if p.String() != want {
			t.Errorf("%d.String() = %q", p, p.String())
		}
	}
}
