package hlog

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Record
// --------------------------------------------------------------------------

// Record is one slot in a ring page: a header word plus key and value. The
// header is only ever accessed through the atomic methods below; key and
// value are written once before the record is published via the bucket-entry
// CAS and are only rewritten in place under the mutable-region rules of the
// operation engine.
type Record struct {
	info  uint64
	Key   string
	Value []byte
}

// Info returns an atomic snapshot of the header word.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) Info() RecordInfo {
	return RecordInfo(atomic.LoadUint64(&r.info))
}

// StoreInfo overwrites the header word. Only valid before the record is
// published into a chain.
func (r *Record) StoreInfo(ri RecordInfo) {
	atomic.StoreUint64(&r.info, uint64(ri))
}

// CompareAndSwapInfo publishes a header transition atomically.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) CompareAndSwapInfo(old, new RecordInfo) bool {
	return atomic.CompareAndSwapUint64(&r.info, uint64(old), uint64(new))
}

// SetInvalid marks the record logically absent. In-flight readers that
// already hold the record skip it on their next traversal step.
func (r *Record) SetInvalid() {
	r.Invalidate()
}

// Invalidate marks the record Invalid and returns the header observed at
// the transition, so callers can move the lock state it carried. Lock
// attempts ordered after the transition fail on the Invalid bit, making
// the returned counts the final ones.
func (r *Record) Invalidate() RecordInfo {
	for {
		old := r.Info()
		if old.Invalid() {
			return old
		}
		if r.CompareAndSwapInfo(old, old.WithInvalid()) {
			return old
		}
	}
}

// SetModified sets the checkpoint dirty bit.
func (r *Record) SetModified() {
	for {
		old := r.Info()
		if old.Modified() || r.CompareAndSwapInfo(old, old.WithModified()) {
			return
		}
	}
}

// ClearModified clears the checkpoint dirty bit.
func (r *Record) ClearModified() {
	for {
		old := r.Info()
		if !old.Modified() || r.CompareAndSwapInfo(old, old.WithoutModified()) {
			return
		}
	}
}

// TrySeal marks the record as transitioning. Concurrent readers that hit a
// sealed record retry from the bucket entry; concurrent updaters fail their
// own seal attempt, so the seal doubles as the per-record update mutex.
func (r *Record) TrySeal() bool {
	old := r.Info()
	if old.Sealed() || old.Invalid() {
		return false
	}
	return r.CompareAndSwapInfo(old, old.WithSealed())
}

// Unseal clears the seal after an in-place transition completed.
func (r *Record) Unseal() {
	for {
		old := r.Info()
		if !old.Sealed() || r.CompareAndSwapInfo(old, old.WithoutSealed()) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Lock bits
// --------------------------------------------------------------------------

// TryLockExclusive attempts to take the exclusive lock. It fails if any
// lock state is present or the record is invalid.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) TryLockExclusive() bool {
	old := r.Info()
	if old.Invalid() || old.Locked() {
		return false
	}
	return r.CompareAndSwapInfo(old, old.WithExclusiveLock())
}

// UnlockExclusive drops the exclusive lock.
func (r *Record) UnlockExclusive() bool {
	for {
		old := r.Info()
		if !old.ExclusiveLocked() {
			return false
		}
		if r.CompareAndSwapInfo(old, old.WithoutExclusiveLock()) {
			return true
		}
	}
}

// TryLockShared attempts to add a shared lock. It fails while the exclusive
// lock is held, the record is invalid, or the counter is saturated.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) TryLockShared() bool {
	old := r.Info()
	if old.Invalid() || old.ExclusiveLocked() || old.SharedLockCount() >= MaxSharedLocks {
		return false
	}
	return r.CompareAndSwapInfo(old, old.WithSharedLockCount(old.SharedLockCount()+1))
}

// UnlockShared drops one shared lock.
func (r *Record) UnlockShared() bool {
	for {
		old := r.Info()
		n := old.SharedLockCount()
		if n == 0 {
			return false
		}
		if r.CompareAndSwapInfo(old, old.WithSharedLockCount(n-1)) {
			return true
		}
	}
}

// DrainLockState atomically removes and returns the record's lock state.
// Draining twice yields nothing the second time, so overlapping eviction
// passes cannot double-transfer a lock.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) DrainLockState() (exclusive bool, shared int) {
	for {
		old := r.Info()
		if !old.Locked() {
			return false, 0
		}
		cleared := old.WithoutExclusiveLock().WithSharedLockCount(0)
		if r.CompareAndSwapInfo(old, cleared) {
			return old.ExclusiveLocked(), old.SharedLockCount()
		}
	}
}

// AddLockState merges lock counts into the header (lock transfer from the
// lock table or from a superseded record).
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (r *Record) AddLockState(exclusive bool, shared int) {
	if !exclusive && shared == 0 {
		return
	}
	for {
		old := r.Info()
		ni := old.WithSharedLockCount(old.SharedLockCount() + shared)
		if exclusive {
			ni = ni.WithExclusiveLock()
		}
		if r.CompareAndSwapInfo(old, ni) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Wire format
// --------------------------------------------------------------------------

// persistMask keeps only the header bits that survive a flush to the
// device: the chain link, tombstone, invalid and dirty bits. Lock and seal
// state is volatile and never written out.
const persistMask = RecordInfo(AddressMask) | infoInvalidBit | infoTombstoneBit | infoModifiedBit

// Marshal encodes the record into the on-device framing: header word, key
// length, value length, key bytes, value bytes (little endian).
func (r *Record) Marshal() []byte {
	buf := make([]byte, 16+len(r.Key)+len(r.Value))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Info()&persistMask))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Key)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(r.Value)))
	copy(buf[16:], r.Key)
	copy(buf[16+len(r.Key):], r.Value)
	return buf
}

// UnmarshalRecord decodes a record from its on-device framing.
func UnmarshalRecord(data []byte) (*Record, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("record frame too short: %d bytes", len(data))
	}
	keyLen := binary.LittleEndian.Uint32(data[8:12])
	valLen := binary.LittleEndian.Uint32(data[12:16])
	if uint64(len(data)) != 16+uint64(keyLen)+uint64(valLen) {
		return nil, fmt.Errorf("record frame length mismatch: have %d, want %d", len(data), 16+keyLen+valLen)
	}
	rec := &Record{
		Key:   string(data[16 : 16+keyLen]),
		Value: append([]byte(nil), data[16+keyLen:]...),
	}
	rec.StoreInfo(RecordInfo(binary.LittleEndian.Uint64(data[0:8])))
	return rec, nil
}
