package texture

import (
	"sync/atomic"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

type counters struct {
	created   atomic.Uint64
	merged    atomic.Uint64
	destroyed atomic.Uint64
	uploads   atomic.Uint64
	downloads atomic.Uint64
}

// MemoryStats is a snapshot of the manager's bookkeeping.
type MemoryStats struct {
	Live    int
	Pending int

	// HostBytes is the packed linear size of every live texture.
	HostBytes uint64

	Created   uint64
	Merged    uint64
	Destroyed uint64
	Uploads   uint64
	Downloads uint64
}

var statsPrinter = message.NewPrinter(language.English)

func (s MemoryStats) String() string {
	return statsPrinter.Sprintf("%d live textures (%d bytes), %d awaiting release, %d created, %d merged, %d destroyed, %d uploads, %d downloads",
		s.Live, s.HostBytes, s.Pending, s.Created, s.Merged, s.Destroyed, s.Uploads, s.Downloads)
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() MemoryStats {
	m.mu.Lock()
	var live []*Texture
	for _, e := range m.entries {
		if len(live) == 0 || live[len(live)-1] != e.texture {
			live = append(live, e.texture)
		}
	}
	pending := len(m.graveyard)
	m.mu.Unlock()

	s := MemoryStats{
		Pending:   pending,
		Created:   m.stats.created.Load(),
		Merged:    m.stats.merged.Load(),
		Destroyed: m.stats.destroyed.Load(),
		Uploads:   m.stats.uploads.Load(),
		Downloads: m.stats.downloads.Load(),
	}
	seen := make(map[*Texture]struct{}, len(live))
	for _, t := range live {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		s.Live++
		s.HostBytes += t.guest.LinearSize
	}
	return s
}
