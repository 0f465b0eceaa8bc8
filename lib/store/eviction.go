package store

import (
	"github.com/hazeldb/hazel/lib/hlog"
	"github.com/hazeldb/hazel/lib/index"
)

// --------------------------------------------------------------------------
// Read cache eviction (out-splicing)
// --------------------------------------------------------------------------

// onReadCacheEvict runs while the read cache head advances past [from, to):
// for every evicted record it rewrites the bucket entry and any surviving
// predecessor link to bypass the range, then moves held locks into the lock
// table. Records are processed in ascending address order; all chain links
// point backward to lower addresses, so evicting lowest-first leaves no
// dangling forward reference.
func (s *Store) onReadCacheEvict(from, to hlog.Address) {
	fromAbs, toAbs := from.Absolute(), to.Absolute()
	for a := fromAbs; a < toAbs; a++ {
		rec := s.readCache.Resolve(a)
		if rec == nil || rec.Key == "" {
			// reserved but never published
			continue
		}
		hash := s.hasher(rec.Key)

		s.outSpliceEntry(hash, fromAbs, toAbs)
		s.outSplicePredecessors(hash, fromAbs, toAbs)

		prior := rec.Invalidate()
		if !prior.Invalid() && prior.Locked() {
			s.locks.Capture(rec.Key, prior.ExclusiveLocked(), prior.SharedLockCount())
		}
		metricRCEvictions.Inc()
	}
}

// outSpliceEntry replaces a bucket entry pointing into the evicted range
// with the first downstream address outside it: a later read cache address
// or a hybrid log address (ReadCacheBit cleared).
func (s *Store) outSpliceEntry(hash uint64, from, to hlog.Address) {
	for {
		slot, entry, ok := s.index.FindEntry(hash)
		if !ok || !entry.ReadCache() {
			return
		}
		a := entry.Address()
		if a.Absolute() < from || a.Absolute() >= to {
			return
		}
		target := s.chase(a, from, to)
		if s.index.TryCompareExchange(slot, entry, index.NewEntry(target, entry.Tag())) {
			return
		}
		// lost to a concurrent splice; re-read and re-check
	}
}

// outSplicePredecessors walks the surviving read cache prefix and rewrites
// any PreviousAddress pointing into the evicted range. Predecessors above
// the range are still in memory, so the rewrite is a plain header CAS.
func (s *Store) outSplicePredecessors(hash uint64, from, to hlog.Address) {
	_, entry, ok := s.index.FindEntry(hash)
	if !ok {
		return
	}
	addr := entry.Address()
	for addr.IsValid() && addr.ReadCache() {
		if addr.Absolute() >= from && addr.Absolute() < to {
			// reached the range itself; the entry rewrite covers it
			return
		}
		rec := s.readCache.Resolve(addr)
		if rec == nil {
			return
		}
		for {
			info := rec.Info()
			prev := info.PreviousAddress()
			if prev.ReadCache() && prev.Absolute() >= from && prev.Absolute() < to {
				target := s.chase(prev, from, to)
				if !rec.CompareAndSwapInfo(info, info.WithPreviousAddress(target)) {
					continue
				}
				prev = target
			}
			addr = prev
			break
		}
	}
}

// chase follows PreviousAddress links from addr until the first address
// outside [from, to).
func (s *Store) chase(addr hlog.Address, from, to hlog.Address) hlog.Address {
	for addr.IsValid() && addr.ReadCache() && addr.Absolute() >= from && addr.Absolute() < to {
		rec := s.readCache.Resolve(addr)
		if rec == nil {
			return hlog.InvalidAddress
		}
		addr = rec.Info().PreviousAddress()
	}
	return addr
}
