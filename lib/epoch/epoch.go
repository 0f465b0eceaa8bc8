// Package epoch implements lightweight epoch protection for the hazel store.
//
// A session that is "in" the current epoch protects every in-memory page it
// observed at entry from being reclaimed. Reclaimers bump the epoch and defer
// their action until all sessions have moved past the bumped value; sessions
// that block (disk I/O, flush waits) suspend their slot first so they never
// hold back reclamation.
package epoch

import (
	"sync"
	"sync/atomic"
)

const (
	// slotFree marks an unclaimed slot, slotIdle a claimed slot whose
	// session is currently outside the epoch.
	slotFree uint64 = 0
	slotIdle uint64 = ^uint64(0)
)

// slot is one per-session epoch cell, padded to its own cache line.
type slot struct {
	value atomic.Uint64
	_     [7]uint64
}

// deferredAction runs once every session has observed an epoch newer than
// the one it was issued in.
type deferredAction struct {
	epoch  uint64
	action func()
}

// Protector is the shared epoch table. All methods are safe for concurrent
// use unless noted otherwise.
type Protector struct {
	current atomic.Uint64
	slots   []slot

	mu      sync.Mutex
	pending []deferredAction
}

// NewProtector creates a protector with capacity for maxSessions concurrent
// sessions.
func NewProtector(maxSessions int) *Protector {
	p := &Protector{
		slots: make([]slot, maxSessions),
	}
	p.current.Store(1)
	return p
}

// Register claims a session slot. Returns -1 if all slots are taken.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (p *Protector) Register() int {
	for i := range p.slots {
		if p.slots[i].value.CompareAndSwap(slotFree, slotIdle) {
			return i
		}
	}
	return -1
}

// Unregister releases a slot claimed with Register.
func (p *Protector) Unregister(id int) {
	p.slots[id].value.Store(slotFree)
}

// Enter brings the session into the current epoch. While entered, pages at
// or above the HeadAddress observed by the session stay dereferenceable.
func (p *Protector) Enter(id int) {
	p.slots[id].value.Store(p.current.Load())
}

// Refresh re-reads the current epoch for an entered session and drains any
// deferred actions that became safe.
func (p *Protector) Refresh(id int) {
	p.slots[id].value.Store(p.current.Load())
	p.drain()
}

// Suspend takes the session out of the epoch. Required before any blocking
// wait (pending disk read, flush wait, sealed-record wait).
func (p *Protector) Suspend(id int) {
	p.slots[id].value.Store(slotIdle)
	p.drain()
}

// Entered reports whether the session currently holds epoch protection.
func (p *Protector) Entered(id int) bool {
	v := p.slots[id].value.Load()
	return v != slotFree && v != slotIdle
}

// BumpWithAction advances the epoch and schedules action to run once every
// session has observed the new value. Used to drain readers before bucket
// entries or ring pages are reclaimed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (p *Protector) BumpWithAction(action func()) {
	prior := p.current.Add(1) - 1
	p.mu.Lock()
	p.pending = append(p.pending, deferredAction{epoch: prior, action: action})
	p.mu.Unlock()
	p.drain()
}

// SafeEpoch returns the newest epoch that every entered session has moved
// past.
func (p *Protector) SafeEpoch() uint64 {
	safe := p.current.Load()
	for i := range p.slots {
		v := p.slots[i].value.Load()
		if v == slotFree || v == slotIdle {
			continue
		}
		if v-1 < safe {
			safe = v - 1
		}
	}
	return safe
}

// drain runs all deferred actions whose epoch is safe.
func (p *Protector) drain() {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	safe := p.SafeEpoch()
	var ready []func()
	kept := p.pending[:0]
	for _, d := range p.pending {
		if d.epoch <= safe {
			ready = append(ready, d.action)
		} else {
			kept = append(kept, d)
		}
	}
	p.pending = kept
	p.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}
