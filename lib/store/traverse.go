package store

import (
	"github.com/hazeldb/hazel/lib/hlog"
	"github.com/hazeldb/hazel/lib/index"
)

// --------------------------------------------------------------------------
// Chain traversal
// --------------------------------------------------------------------------

// scanResult captures one traversal of a hash chain: the bucket slot to
// CAS against, the entry value observed, the first hybrid log address
// behind the read cache prefix, and the record found for the key, if any.
type scanResult struct {
	slot  *uint64
	entry index.HashBucketEntry
	tag   uint16

	// latestHlog is the first hybrid log address in the chain; a record
	// spliced in above the read cache prefix links to it.
	latestHlog hlog.Address

	rec       *hlog.Record
	recAddr   hlog.Address
	tombstone bool

	// diskAddr is where the on-disk continuation of the chain starts when
	// the in-memory walk fell below HeadAddress without a verdict.
	diskAddr hlog.Address

	status internalStatus
}

// scan walks the chain for key. With create set, a missing bucket entry is
// claimed (tentative-insert protocol); otherwise the scan reports
// opNotFound without touching the index.
//
// The walk visits the read cache prefix first, then the in-memory hybrid
// log region, per the chain invariant that no read cache record follows a
// hybrid log record.
func (s *Store) scan(key string, hash uint64, opts *ReadOptions, create bool) scanResult {
	res := scanResult{tag: index.Tag(hash), status: opNotFound}

	if create {
		res.slot, res.entry = s.index.FindOrCreateEntry(hash)
	} else {
		var ok bool
		res.slot, res.entry, ok = s.index.FindEntry(hash)
		if !ok {
			return res
		}
	}

	var stop hlog.Address
	if opts != nil {
		stop = hlog.Address(opts.StopAddress)
	}

	addr := res.entry.Address()

	// read cache prefix
	for addr.IsValid() && addr.ReadCache() {
		rec := s.readCache.Resolve(addr)
		if rec == nil {
			// the record is mid-eviction; the out-splice rewrites the
			// entry, so the chain is consistent again after a refresh
			res.status = opRetryLater
			return res
		}
		info := rec.Info()
		if rec.Key == key && !info.Invalid() {
			if info.Sealed() {
				res.status = opRetryNow
				return res
			}
			if res.rec == nil && (opts == nil || !opts.DisableReadCacheReads) {
				res.rec = rec
				res.recAddr = addr
				res.tombstone = info.Tombstone()
				res.status = opOK
			}
		}
		addr = info.PreviousAddress()
	}

	// in-memory hybrid log region
	for addr.IsValid() {
		if !res.latestHlog.IsValid() {
			res.latestHlog = addr
		}
		if res.rec != nil {
			// key already found in the read cache; the descent only had
			// to establish latestHlog
			break
		}
		if stop.IsValid() && addr < stop {
			break
		}
		if addr < s.hlog.BeginAddress() {
			break
		}
		if addr < s.hlog.HeadAddress() {
			res.diskAddr = addr
			res.status = opRecordOnDisk
			break
		}
		rec := s.hlog.Resolve(addr)
		if rec == nil {
			// lost a race with an eviction that passed the head check
			res.status = opRetryNow
			break
		}
		info := rec.Info()
		if rec.Key == key && !info.Invalid() {
			if info.Sealed() {
				res.status = opRetryNow
				break
			}
			res.rec = rec
			res.recAddr = addr
			res.tombstone = info.Tombstone()
			res.status = opOK
			break
		}
		addr = info.PreviousAddress()
	}

	return res
}

// foundLive reports whether the scan terminated on a live (non-tombstone)
// record.
func (r *scanResult) foundLive() bool {
	return r.status == opOK && !r.tombstone
}

// inReadCache reports whether the found record lives in the read cache.
func (r *scanResult) inReadCache() bool {
	return r.status == opOK && r.recAddr.ReadCache()
}
