package locktable

import (
	"github.com/hazeldb/hazel/lib/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Lock modes and state
// --------------------------------------------------------------------------

// Mode selects between the single-writer and multi-reader lock.
type Mode int

const (
	// Exclusive is the single-writer lock.
	Exclusive Mode = iota
	// Shared is the multi-reader lock.
	Shared
)

func (m Mode) String() string {
	switch m {
	case Exclusive:
		return "Exclusive"
	case Shared:
		return "Shared"
	default:
		return "Unknown"
	}
}

// LockState is the lock bookkeeping for one key: at most one exclusive
// holder or any number of shared holders.
type LockState struct {
	Exclusive   bool
	SharedCount int

	// transferring seals the entry while its counts move into a record
	// header; lockers spin until the transfer settles.
	transferring bool
}

// empty reports whether the state carries no locks.
func (s LockState) empty() bool {
	return !s.Exclusive && s.SharedCount == 0
}

// --------------------------------------------------------------------------
// Lock table
// --------------------------------------------------------------------------

// LockTable maps keys to lock state. The per-key atomicity of the
// underlying map's Compute serves as the bucket latch: every state
// mutation happens inside one Compute call.
type LockTable struct {
	m *xsync.MapOf[string, LockState]
}

// New creates an empty lock table.
func New() *LockTable {
	return &LockTable{
		m: xsync.NewMapOf[string, LockState](),
	}
}

// TryLock makes one attempt to take the lock in the given mode. It fails
// on mode conflict and while the entry is mid-transfer.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (lt *LockTable) TryLock(key string, mode Mode) bool {
	ok := false
	lt.m.Compute(key, func(old LockState, loaded bool) (LockState, bool) {
		if loaded && (old.transferring || old.Exclusive || (mode == Exclusive && old.SharedCount > 0)) {
			return old, false
		}
		ok = true
		if mode == Exclusive {
			return LockState{Exclusive: true}, false
		}
		old.SharedCount++
		return old, false
	})
	return ok
}

// Lock spins with bounded backoff until the lock is acquired.
func (lt *LockTable) Lock(key string, mode Mode) {
	var b util.Backoff
	for !lt.TryLock(key, mode) {
		b.Spin()
	}
}

// Unlock releases one lock in the given mode. Returns false if no matching
// lock was held in the table.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (lt *LockTable) Unlock(key string, mode Mode) bool {
	ok := false
	lt.m.Compute(key, func(old LockState, loaded bool) (LockState, bool) {
		if !loaded || old.transferring {
			return old, !loaded
		}
		switch mode {
		case Exclusive:
			if !old.Exclusive {
				return old, false
			}
			old.Exclusive = false
		case Shared:
			if old.SharedCount == 0 {
				return old, false
			}
			old.SharedCount--
		}
		ok = true
		return old, old.empty()
	})
	return ok
}

// TryGet returns the lock state for a key, if any.
func (lt *LockTable) TryGet(key string) (LockState, bool) {
	return lt.m.Load(key)
}

// Count returns the number of keys with live lock state.
func (lt *LockTable) Count() int {
	return lt.m.Size()
}

// --------------------------------------------------------------------------
// Transfers (record header <-> lock table)
// --------------------------------------------------------------------------

// Capture merges lock counts evicted from a record header into the table
// (evict path: read cache record with lock bits leaves memory).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (lt *LockTable) Capture(key string, exclusive bool, sharedCount int) {
	if !exclusive && sharedCount == 0 {
		return
	}
	lt.m.Compute(key, func(old LockState, _ bool) (LockState, bool) {
		old.Exclusive = old.Exclusive || exclusive
		old.SharedCount += sharedCount
		return old, false
	})
}

// BeginTransfer seals the key's entry and returns its counts so they can
// be installed into a fresh record header before that record is published.
// While sealed, TryLock and Unlock on the key fail, so lockers keep
// spinning rather than observing a half-moved lock.
func (lt *LockTable) BeginTransfer(key string) (LockState, bool) {
	var state LockState
	found := false
	lt.m.Compute(key, func(old LockState, loaded bool) (LockState, bool) {
		if !loaded || old.transferring {
			return old, !loaded
		}
		found = true
		state = old
		old.transferring = true
		return old, false
	})
	return state, found
}

// CompleteTransfer removes the entry after its counts were published in a
// record header.
func (lt *LockTable) CompleteTransfer(key string) {
	lt.m.Delete(key)
}

// AbortTransfer unseals the entry, leaving its counts in the table (the
// publish CAS lost and the new record was abandoned).
func (lt *LockTable) AbortTransfer(key string) {
	lt.m.Compute(key, func(old LockState, loaded bool) (LockState, bool) {
		old.transferring = false
		return old, !loaded
	})
}
