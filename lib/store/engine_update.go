package store

import (
	"github.com/hazeldb/hazel/lib/hlog"
	"github.com/hazeldb/hazel/lib/index"
	"github.com/hazeldb/hazel/lib/util"
)

// --------------------------------------------------------------------------
// Splice-in (shared by Upsert / RMW / Delete and pending completions)
// --------------------------------------------------------------------------

// appendAndSplice appends a record at the hybrid log tail and makes it the
// chain head with one bucket-entry CAS, bypassing (and retiring) any read
// cache prefix. It operates against the given scan; on any conflict it
// reports a retry status and the caller re-scans.
//
// Returns whether a live record for the key existed in memory before the
// splice, and the internal status.
func (s *Store) appendAndSplice(scan *scanResult, key string, hash uint64, value []byte, tombstone bool) (bool, internalStatus) {
	existed := scan.status == opOK && !scan.tombstone

	// Seal the superseded in-memory record first: the seal is the update
	// mutex for the old record, so two racing updaters cannot both
	// publish against the same predecessor.
	var old *hlog.Record
	if scan.status == opOK {
		if !scan.rec.TrySeal() {
			return existed, opRetryNow
		}
		old = scan.rec
	}

	addr, rec, err := s.hlog.Allocate()
	if err != nil {
		if old != nil {
			old.Unseal()
		}
		return existed, opAllocateFailed
	}
	rec.Key = key
	rec.Value = value

	info := hlog.NewRecordInfo(scan.latestHlog).WithModified()
	if tombstone {
		info = info.WithTombstone()
	}

	// Restore path: lock counts parked in the lock table move into the
	// new record's header before the CAS publishes it. The table entry
	// stays sealed until the transfer settles, so a lock count exists in
	// exactly one location at any instant.
	ltState, hasLT := s.locks.BeginTransfer(key)
	if hasLT {
		info = info.WithSharedLockCount(ltState.SharedCount)
		if ltState.Exclusive {
			info = info.WithExclusiveLock()
		}
	}
	rec.StoreInfo(info)

	newEntry := index.NewEntry(addr, scan.tag)
	if !s.index.TryCompareExchange(scan.slot, scan.entry, newEntry) {
		// lost the commit point; the record never became reachable
		rec.SetInvalid()
		if hasLT {
			s.locks.AbortTransfer(key)
		}
		if old != nil {
			old.Unseal()
		}
		return existed, opRetryNow
	}
	if hasLT {
		s.locks.CompleteTransfer(key)
	}

	// The CAS cleared the ReadCacheBit, splicing the whole read cache
	// prefix out of the chain in one step. Retire it: mark the records
	// Invalid for in-flight readers and keep their lock state alive.
	if scan.entry.ReadCache() {
		s.retireReadCachePrefix(scan.entry.Address(), key, rec)
	}

	// A superseded hybrid log record is retired the same way, carrying
	// its lock state onto its successor.
	if old != nil && !scan.recAddr.ReadCache() {
		prior := old.Invalidate()
		rec.AddLockState(prior.ExclusiveLocked(), prior.SharedLockCount())
	}

	return existed, opOK
}

// retireReadCachePrefix invalidates every record of a spliced-out read
// cache prefix. Lock state moves onto the successor record when the keys
// match, and into the lock table otherwise — the record is no longer
// chain-reachable, which is the same situation eviction handles.
func (s *Store) retireReadCachePrefix(head hlog.Address, key string, successor *hlog.Record) {
	for addr := head; addr.IsValid() && addr.ReadCache(); {
		rec := s.readCache.Resolve(addr)
		if rec == nil {
			// mid-eviction; the evictor owns lock capture from here
			return
		}
		prior := rec.Invalidate()
		if prior.Invalid() {
			// already retired by a racing splice; its locks moved then
			addr = prior.PreviousAddress()
			continue
		}
		if prior.Locked() {
			if rec.Key == key && successor != nil {
				successor.AddLockState(prior.ExclusiveLocked(), prior.SharedLockCount())
			} else {
				s.locks.Capture(rec.Key, prior.ExclusiveLocked(), prior.SharedLockCount())
			}
		}
		addr = prior.PreviousAddress()
	}
}

// --------------------------------------------------------------------------
// Upsert
// --------------------------------------------------------------------------

// Upsert inserts or replaces the value for a key. A record in the mutable
// region is updated in place through ConcurrentWriter; everything else
// appends at the tail and splices. Records below HeadAddress are not
// consulted: the splice CAS plus read cache invalidation keep the
// in-memory portion unique.
//
// Thread-safety: This method is thread-safe across sessions.
func (sess *Session) Upsert(key string, input, value []byte) Status {
	s := sess.store
	if !s.Healthy() {
		return StatusInternalError
	}
	metricUpserts.Inc()
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, nil, true)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		}

		if scan.foundLive() && !scan.inReadCache() && s.hlog.Mutable(scan.recAddr) {
			rec := scan.rec
			if !rec.TrySeal() {
				b.Spin()
				continue
			}
			ok := sess.fn.ConcurrentWriter(key, input, value, rec)
			rec.Unseal()
			if ok {
				rec.SetModified()
				return StatusFound | InPlaceUpdatedRecord
			}
			// writer refused the in-place update; append instead
		}

		existed, ist := s.appendAndSplice(&scan, key, hash, sess.fn.SingleWriter(key, input, value), false)
		switch ist {
		case opOK:
			return baseOf(existed) | CreatedRecord
		case opRetryNow:
			b.Spin()
		case opRetryLater:
			sess.refresh()
		case opAllocateFailed:
			sess.waitForLogSpace()
		}
	}
}

// --------------------------------------------------------------------------
// Delete
// --------------------------------------------------------------------------

// Delete appends a tombstone for the key and splices it in, short-
// circuiting to an in-place tombstone when the live record sits in the
// mutable region of the hybrid log.
//
// Thread-safety: This method is thread-safe across sessions.
func (sess *Session) Delete(key string) Status {
	s := sess.store
	if !s.Healthy() {
		return StatusInternalError
	}
	metricDeletes.Inc()
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, nil, true)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		}

		if scan.foundLive() && !scan.inReadCache() && s.hlog.Mutable(scan.recAddr) {
			rec := scan.rec
			if !rec.TrySeal() {
				b.Spin()
				continue
			}
			for {
				old := rec.Info()
				if rec.CompareAndSwapInfo(old, old.WithTombstone().WithModified()) {
					break
				}
			}
			rec.Unseal()
			return StatusFound | InPlaceUpdatedRecord
		}

		existed, ist := s.appendAndSplice(&scan, key, hash, nil, true)
		switch ist {
		case opOK:
			return baseOf(existed) | CreatedRecord
		case opRetryNow:
			b.Spin()
		case opRetryLater:
			sess.refresh()
		case opAllocateFailed:
			sess.waitForLogSpace()
		}
	}
}

// --------------------------------------------------------------------------
// RMW
// --------------------------------------------------------------------------

// RMW applies a read-modify-write for the key: in place in the mutable
// region, by copy-update from a read cache or immutable snapshot, by
// initial-update when no record exists, or pending when the prior record
// is on the device.
//
// Thread-safety: This method is thread-safe across sessions.
func (sess *Session) RMW(key string, input []byte) Status {
	s := sess.store
	if !s.Healthy() {
		return StatusInternalError
	}
	metricRMWs.Inc()
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, nil, true)

		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		case opRecordOnDisk:
			return sess.goPending(ioRMW, key, hash, input, ReadOptions{}, scan.diskAddr)
		}

		var (
			newValue []byte
			action   Action
			existed  = scan.foundLive()
			copied   = false
		)

		switch {
		case existed && !scan.inReadCache() && s.hlog.Mutable(scan.recAddr):
			rec := scan.rec
			if !rec.TrySeal() {
				b.Spin()
				continue
			}
			ok, act := sess.fn.InPlaceUpdater(key, input, rec)
			rec.Unseal()
			switch {
			case act == ActionCancel:
				return StatusCanceled
			case act == ActionExpire:
				newValue, action = nil, ActionExpire
			case ok:
				rec.SetModified()
				return StatusFound | InPlaceUpdatedRecord
			default:
				// fall back to a copy update from the same record
				newValue, action = sess.fn.CopyUpdater(key, input, rec.Value)
				copied = true
			}
		case existed:
			// read cache or immutable in-memory record as the read-side
			// snapshot
			newValue, action = sess.fn.CopyUpdater(key, input, scan.rec.Value)
			copied = true
		default:
			newValue, action = sess.fn.InitialUpdater(key, input)
		}

		if action == ActionCancel {
			return StatusCanceled
		}
		tombstone := action == ActionExpire

		_, ist := s.appendAndSplice(&scan, key, hash, newValue, tombstone)
		switch ist {
		case opOK:
			st := baseOf(existed)
			switch {
			case tombstone:
				st |= CreatedRecord | Expired
			case copied:
				st |= CopyUpdatedRecord
			default:
				st |= CreatedRecord
			}
			return st
		case opRetryNow:
			b.Spin()
		case opRetryLater:
			sess.refresh()
		case opAllocateFailed:
			sess.waitForLogSpace()
		}
	}
}

// baseOf maps prior in-memory existence to the base status code.
func baseOf(existed bool) Status {
	if existed {
		return StatusFound
	}
	return StatusNotFound
}
