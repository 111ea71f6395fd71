// Package ctxlock provides context tags and a mutex that recognizes them.
//
// A Tag identifies one logical operation, such as all resource accesses
// recorded between two executor submissions. Locking a Mutex a second time
// with the tag that already holds it is a no-op instead of a deadlock, so
// the same resource can be referenced many times while one batch of work is
// being built.
package ctxlock

import (
	"sync"
	"sync/atomic"
)

// Tag is a correlation token. The zero Tag never matches.
type Tag uint64

var nextTag atomic.Uint64

// NewTag returns a process-unique non-zero Tag.
func NewTag() Tag {
	return Tag(nextTag.Add(1))
}

// Mutex is a mutual exclusion lock that remembers the Tag of its holder.
//
// The zero value is an unlocked Mutex. A Mutex must not be copied after
// first use.
type Mutex struct {
	mu  sync.Mutex
	tag atomic.Uint64
}

// Lock acquires m without a tag.
func (m *Mutex) Lock() {
	m.mu.Lock()
}

// TryLock tries to acquire m without blocking.
func (m *Mutex) TryLock() bool {
	return m.mu.TryLock()
}

// LockWithTag acquires m and records tag as the holder.
//
// If tag is non-zero and already holds m, LockWithTag returns false
// immediately without locking; the caller must not call Unlock for it.
// Otherwise it blocks until m is acquired and returns true.
func (m *Mutex) LockWithTag(tag Tag) bool {
	if tag != 0 && Tag(m.tag.Load()) == tag {
		return false
	}
	m.mu.Lock()
	m.tag.Store(uint64(tag))
	return true
}

// Unlock clears the holder tag and releases m.
func (m *Mutex) Unlock() {
	m.tag.Store(0)
	m.mu.Unlock()
}

// Holder reports the tag currently holding m, or zero.
func (m *Mutex) Holder() Tag {
	return Tag(m.tag.Load())
}
