package store

import (
	"github.com/hazeldb/hazel/lib/hlog"
	"github.com/hazeldb/hazel/lib/index"
	"github.com/hazeldb/hazel/lib/util"
)

// --------------------------------------------------------------------------
// Pending I/O
// --------------------------------------------------------------------------

// ioKind selects the completion path of a pending operation.
type ioKind int

const (
	ioRead ioKind = iota
	ioRMW
)

// AsyncIOContext carries one suspended operation across its device read.
// It is created when a traversal has to dereference an address below
// HeadAddress, handed to an I/O goroutine, and delivered back through the
// session's completion queue.
type AsyncIOContext struct {
	ID  uint64
	Key string

	kind         ioKind
	hash         uint64
	input        []byte
	options      ReadOptions
	startAddress hlog.Address

	// completion results
	rec          *hlog.Record
	foundAddress hlog.Address
	err          error
}

// CompletedOp is the drained result of one pending operation.
type CompletedOp struct {
	ID     uint64
	Key    string
	Status Status
	Output []byte
}

// goPending enqueues the device read for an operation that fell below
// HeadAddress and surfaces Pending to the caller.
func (sess *Session) goPending(kind ioKind, key string, hash uint64, input []byte, opts ReadOptions, diskAddr hlog.Address) Status {
	ctx := &AsyncIOContext{
		ID:           sess.store.nextRequestID.Add(1),
		Key:          key,
		kind:         kind,
		hash:         hash,
		input:        input,
		options:      opts,
		startAddress: diskAddr.Absolute(),
	}
	sess.pending.Add(1)
	metricPendingReads.Inc()
	go sess.store.readRecordAsync(ctx, sess.completions)
	return StatusPending
}

// readRecordAsync materializes the first matching record of the on-disk
// chain continuation. Runs outside any epoch; it touches only the device.
func (s *Store) readRecordAsync(ctx *AsyncIOContext, out *util.MPSCQueue[AsyncIOContext]) {
	addr := ctx.startAddress.Absolute()
	begin := s.hlog.BeginAddress()
	stop := hlog.Address(ctx.options.StopAddress)

	for addr.IsValid() && addr >= begin {
		if stop.IsValid() && addr < stop {
			break
		}
		frame, err := s.dev.ReadRecord(uint64(addr))
		if err != nil {
			ctx.err = err
			break
		}
		rec, err := hlog.UnmarshalRecord(frame)
		if err != nil {
			ctx.err = err
			break
		}
		info := rec.Info()
		if rec.Key == ctx.Key && !info.Invalid() {
			ctx.rec = rec
			ctx.foundAddress = addr
			break
		}
		addr = info.PreviousAddress().Absolute()
	}
	out.Push(ctx)
}

// --------------------------------------------------------------------------
// Completion processing
// --------------------------------------------------------------------------

// processCompletion re-enters a pending operation with its materialized
// record: the in-memory prefix may have grown meanwhile, so the chain is
// re-traversed before any splice.
func (sess *Session) processCompletion(ctx *AsyncIOContext) CompletedOp {
	sess.refresh()
	var (
		st  Status
		out []byte
	)
	switch ctx.kind {
	case ioRead:
		st, out = sess.completePendingRead(ctx)
	case ioRMW:
		st = sess.completePendingRMW(ctx)
	}
	return CompletedOp{ID: ctx.ID, Key: ctx.Key, Status: st, Output: out}
}

// completePendingRead finishes a Read whose record came from the device.
func (sess *Session) completePendingRead(ctx *AsyncIOContext) (Status, []byte) {
	s := sess.store
	if ctx.err != nil {
		s.markUnhealthy("device read failed: " + ctx.err.Error())
		return StatusInternalError, nil
	}

	var b util.Backoff
	for {
		scan := s.scan(ctx.Key, ctx.hash, &ctx.options, false)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		case opOK:
			// the key reappeared in memory while the read was pending;
			// serve that instead of installing a stale cache copy
			if scan.tombstone {
				return StatusNotFound, nil
			}
			return StatusFound, append([]byte(nil), scan.rec.Value...)
		}

		if ctx.rec == nil || ctx.rec.Info().Tombstone() {
			return StatusNotFound, nil
		}
		value := append([]byte(nil), ctx.rec.Value...)
		st := StatusFound
		switch {
		case ctx.options.CopyReadsToTail:
			if sess.tryCopyToTail(ctx.Key, ctx.hash, value) {
				st |= CopiedRecord
			}
		case s.readCache != nil && !ctx.options.DisableReadCacheUpdates && !ctx.options.CopyFromDeviceOnly:
			if sess.tryCopyToReadCache(ctx.Key, ctx.hash, value) {
				st |= CopiedToReadCache
			}
		}
		return st, value
	}
}

// completePendingRMW finishes an RMW whose prior record came from the
// device.
func (sess *Session) completePendingRMW(ctx *AsyncIOContext) Status {
	s := sess.store
	if ctx.err != nil {
		s.markUnhealthy("device read failed: " + ctx.err.Error())
		return StatusInternalError
	}

	var b util.Backoff
	for {
		scan := s.scan(ctx.Key, ctx.hash, nil, true)
		switch scan.status {
		case opRetryNow:
			b.Spin()
			continue
		case opRetryLater:
			sess.refresh()
			continue
		}

		var (
			newValue []byte
			action   Action
			existed  bool
			copied   bool
		)
		switch {
		case scan.foundLive():
			// reappeared in memory; use it as the read-side snapshot
			existed, copied = true, true
			newValue, action = sess.fn.CopyUpdater(ctx.Key, ctx.input, scan.rec.Value)
		case scan.status == opOK: // in-memory tombstone
			newValue, action = sess.fn.InitialUpdater(ctx.Key, ctx.input)
		case ctx.rec != nil && !ctx.rec.Info().Tombstone():
			existed, copied = true, true
			newValue, action = sess.fn.CopyUpdater(ctx.Key, ctx.input, ctx.rec.Value)
		default:
			newValue, action = sess.fn.InitialUpdater(ctx.Key, ctx.input)
		}

		if action == ActionCancel {
			return StatusCanceled
		}
		tombstone := action == ActionExpire

		_, ist := s.appendAndSplice(&scan, ctx.Key, ctx.hash, newValue, tombstone)
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

// --------------------------------------------------------------------------
// Copy-in paths
// --------------------------------------------------------------------------

// tryCopyToReadCache installs a device-read record into the read cache and
// splices it in as the new chain head, in front of any existing read cache
// prefix. Lock state parked in the lock table migrates into the new record
// before the publish CAS.
func (sess *Session) tryCopyToReadCache(key string, hash uint64, value []byte) bool {
	s := sess.store

	addr, rec, err := s.readCache.Allocate()
	for err != nil {
		sess.waitForReadCacheSpace()
		addr, rec, err = s.readCache.Allocate()
	}
	rec.Key = key
	rec.Value = value

	ltState, hasLT := s.locks.BeginTransfer(key)

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
		case opOK:
			// another record for the key appeared in memory (a fresh
			// cache copy or a newer mutation); installing ours above it
			// would violate chain uniqueness, so abandon it
			rec.SetInvalid()
			if hasLT {
				s.locks.AbortTransfer(key)
			}
			return false
		}

		// the new cache record links to the observed chain head: the rest
		// of the read cache prefix stays reachable behind it, and the
		// first hybrid log address follows at the prefix boundary
		info := hlog.NewRecordInfo(scan.entry.Address())
		if hasLT {
			info = info.WithSharedLockCount(ltState.SharedCount)
			if ltState.Exclusive {
				info = info.WithExclusiveLock()
			}
		}
		rec.StoreInfo(info)

		if s.index.TryCompareExchange(scan.slot, scan.entry, index.NewEntry(addr, scan.tag)) {
			if hasLT {
				s.locks.CompleteTransfer(key)
			}
			metricRCCopies.Inc()
			return true
		}
		// the chain head moved under us; retry against the new head
		b.Spin()
	}
}

// tryCopyToTail appends a device-read record at the hybrid log tail
// (CopyReadsToTail), invalidating any read cache copy along the chain.
func (sess *Session) tryCopyToTail(key string, hash uint64, value []byte) bool {
	s := sess.store

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
		case opOK:
			// a record for the key reappeared in memory; the copy is moot
			return false
		}

		_, ist := s.appendAndSplice(&scan, key, hash, value, false)
		switch ist {
		case opOK:
			return true
		case opRetryNow:
			b.Spin()
		case opRetryLater:
			sess.refresh()
		case opAllocateFailed:
			sess.waitForLogSpace()
		}
	}
}
