package store

import (
	"sync/atomic"

	"github.com/hazeldb/hazel/lib/locktable"
	"github.com/hazeldb/hazel/lib/util"
)

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// Session is the per-thread execution context for store operations. A
// session binds to an epoch slot, carries the operation serial number and
// the pending-I/O completion queue, and injects the user's IFunctions.
//
// A session must not be shared between goroutines; create one session per
// worker instead.
type Session struct {
	id    uint64
	name  string
	store *Store
	fn    IFunctions

	epochID int
	version uint64

	serial    atomic.Uint64
	activeOps atomic.Int64
	lockable  atomic.Bool

	pending     atomic.Int64
	completions *util.MPSCQueue[AsyncIOContext]
}

// NewSession creates a session bound to this store. A nil fn installs the
// default BytesFunctions semantics.
func (s *Store) NewSession(name string, fn IFunctions) (*Session, error) {
	if fn == nil {
		fn = BytesFunctions{}
	}
	slot := s.prot.Register()
	if slot < 0 {
		return nil, NewError(RetCInvalidOperation, "session limit reached")
	}
	sess := &Session{
		id:          s.nextSessionID.Add(1),
		name:        name,
		store:       s,
		fn:          fn,
		epochID:     slot,
		version:     s.version.Load(),
		completions: util.NewMPSCQueue[AsyncIOContext](),
	}
	s.prot.Enter(slot)
	s.sessions.Store(sess.id, sess)
	return sess, nil
}

// ID returns the session's store-unique id.
func (sess *Session) ID() uint64 { return sess.id }

// Name returns the session name (used in checkpoint metadata).
func (sess *Session) Name() string { return sess.name }

// Serial returns the serial number of the latest issued operation.
func (sess *Session) Serial() uint64 { return sess.serial.Load() }

// Close drains outstanding I/O and releases the session's epoch slot.
func (sess *Session) Close() {
	sess.CompletePending(true)
	sess.completions.Close()
	sess.store.prot.Suspend(sess.epochID)
	sess.store.prot.Unregister(sess.epochID)
	sess.store.sessions.Delete(sess.id)
}

// --------------------------------------------------------------------------
// Operation bracketing
// --------------------------------------------------------------------------

// beginOp stamps the next serial, adopts a shifted checkpoint version
// (CPR shift handling) and refreshes the session's epoch.
func (sess *Session) beginOp() {
	sess.serial.Add(1)
	sess.activeOps.Add(1)
	if v := sess.store.version.Load(); v != sess.version {
		sess.version = v
	}
	sess.store.prot.Refresh(sess.epochID)
}

func (sess *Session) endOp() {
	sess.activeOps.Add(-1)
}

// refresh re-enters the current epoch (RETRY_LATER handling).
func (sess *Session) refresh() {
	sess.store.prot.Refresh(sess.epochID)
}

// waitForLogSpace parks the session until the hybrid log's flush/evict
// cycle made room, with the epoch suspended so reclamation can proceed.
func (sess *Session) waitForLogSpace() {
	p := sess.store.prot
	p.Suspend(sess.epochID)
	sess.store.hlog.WaitForSpace()
	p.Enter(sess.epochID)
}

// waitForReadCacheSpace is the read cache counterpart of waitForLogSpace.
func (sess *Session) waitForReadCacheSpace() {
	p := sess.store.prot
	p.Suspend(sess.epochID)
	sess.store.readCache.WaitForSpace()
	p.Enter(sess.epochID)
}

// --------------------------------------------------------------------------
// Pending completion draining
// --------------------------------------------------------------------------

// CompletePending drains completed I/O results, discarding outputs.
// With wait set it blocks until no operation is outstanding. Returns the
// number of operations completed.
func (sess *Session) CompletePending(wait bool) int {
	return len(sess.CompletePendingWithOutputs(wait))
}

// CompletePendingWithOutputs drains completed I/O results and returns
// them, including read outputs. With wait set, the session parks on the
// queue's doorbell between batches until no operation is outstanding.
//
// Thread-safety: Must be called from the session's own goroutine.
func (sess *Session) CompletePendingWithOutputs(wait bool) []CompletedOp {
	var done []CompletedOp
	for {
		for _, ctx := range sess.completions.Drain() {
			done = append(done, sess.processCompletion(ctx))
			sess.pending.Add(-1)
		}
		if sess.pending.Load() == 0 || !wait || sess.completions.IsClosed() {
			return done
		}
		// parked on the doorbell: release the epoch so reclamation can
		// proceed while this session waits for its device reads
		p := sess.store.prot
		p.Suspend(sess.epochID)
		sess.completions.Wait()
		p.Enter(sess.epochID)
	}
}

// --------------------------------------------------------------------------
// Manual locking
// --------------------------------------------------------------------------

// BeginLockable opens the session's manual locking scope. Lock and Unlock
// are only valid inside it, and it must not be opened while operations of
// this session are in flight.
func (sess *Session) BeginLockable() error {
	if sess.activeOps.Load() != 0 {
		return NewError(RetCInvalidOperation, "cannot open lockable scope with operations in flight")
	}
	if sess.lockable.Swap(true) {
		return NewError(RetCInvalidOperation, "lockable scope already open")
	}
	sess.store.lockableSessions.Add(1)
	return nil
}

// EndLockable closes the manual locking scope.
func (sess *Session) EndLockable() error {
	if !sess.lockable.Swap(false) {
		return NewError(RetCInvalidOperation, "no lockable scope open")
	}
	sess.store.lockableSessions.Add(-1)
	return nil
}

// Lock takes a manual key lock in the given mode, spinning with bounded
// backoff on contention. The lock lands in the key's in-memory record
// header when one exists, and in the lock table otherwise.
func (sess *Session) Lock(key string, mode locktable.Mode) error {
	if !sess.lockable.Load() {
		return NewError(RetCInvalidOperation, "Lock requires an open lockable scope")
	}
	s := sess.store
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, nil, false)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		case opOK:
			var ok bool
			if mode == locktable.Exclusive {
				ok = scan.rec.TryLockExclusive()
			} else {
				ok = scan.rec.TryLockShared()
			}
			if ok {
				return nil
			}
			b.Spin()
		default:
			// no in-memory record: the lock lives in the overflow table
			if s.locks.TryLock(key, mode) {
				return nil
			}
			b.Spin()
		}
	}
}

// Unlock releases a manual key lock. The lock is found wherever it
// currently lives: the in-memory record header, or the lock table after
// an eviction moved it there.
func (sess *Session) Unlock(key string, mode locktable.Mode) error {
	if !sess.lockable.Load() {
		return NewError(RetCInvalidOperation, "Unlock requires an open lockable scope")
	}
	s := sess.store
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, nil, false)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		case opOK:
			info := scan.rec.Info()
			if mode == locktable.Exclusive && info.ExclusiveLocked() {
				if scan.rec.UnlockExclusive() {
					return nil
				}
				continue
			}
			if mode == locktable.Shared && info.SharedLockCount() > 0 {
				if scan.rec.UnlockShared() {
					return nil
				}
				continue
			}
		}

		if s.locks.Unlock(key, mode) {
			return nil
		}
		if _, exists := s.locks.TryGet(key); exists {
			// entry is mid-transfer into a record header; it will land
			b.Spin()
			continue
		}
		return NewError(RetCInvalidOperation, "no matching lock held for key")
	}
}
