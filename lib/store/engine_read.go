package store

import (
	"github.com/hazeldb/hazel/lib/util"
)

// --------------------------------------------------------------------------
// Read
// --------------------------------------------------------------------------

// Read returns a snapshot of the value for key. The result is Found,
// NotFound, or Pending when the record has to come from the device; a
// pending read completes through CompletePending on this session.
//
// Thread-safety: This method is thread-safe across sessions.
func (sess *Session) Read(key string, opts *ReadOptions) (Status, []byte) {
	s := sess.store
	metricReads.Inc()
	sess.beginOp()
	defer sess.endOp()

	hash := s.hasher(key)
	var b util.Backoff
	for {
		scan := s.scan(key, hash, opts, false)

		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		case opNotFound:
			return StatusNotFound, nil
		case opRecordOnDisk:
			var o ReadOptions
			if opts != nil {
				o = *opts
			}
			return sess.goPending(ioRead, key, hash, nil, o, scan.diskAddr), nil
		}

		// found in memory
		if scan.tombstone {
			return StatusNotFound, nil
		}
		rec := scan.rec
		value := append([]byte(nil), rec.Value...)
		if opts != nil && opts.ResetModifiedBit {
			rec.ClearModified()
		}

		if scan.inReadCache() {
			metricRCHits.Inc()
			return StatusFound, value
		}

		// an immutable in-memory hit may be copied to the tail on request
		if opts != nil && opts.CopyReadsToTail && !opts.CopyFromDeviceOnly && !s.hlog.Mutable(scan.recAddr) {
			if _, ist := s.appendAndSplice(&scan, key, hash, value, false); ist == opOK {
				return StatusFound | CopiedRecord, value
			}
			// the copy is best-effort; the read itself already succeeded
		}
		return StatusFound, value
	}
}
