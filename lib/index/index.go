package index

import (
	"sync/atomic"

	"github.com/hazeldb/hazel/lib/hlog"
)

// --------------------------------------------------------------------------
// Hash bucket entries
// --------------------------------------------------------------------------

// HashBucketEntry packs {Address:48, Tag:14, ReadCacheBit:1, Tentative:1}
// into one CAS-able word. The zero value marks a free slot.
type HashBucketEntry uint64

const (
	entryAddressMask HashBucketEntry = (1 << 48) - 1
	entryTagShift                    = 48
	entryTagBits                     = 14
	entryTagMask     HashBucketEntry = ((1 << entryTagBits) - 1) << entryTagShift
	entryRCBit       HashBucketEntry = 1 << 62
	entryTentative   HashBucketEntry = 1 << 63
)

// NewEntry builds an entry pointing at addr. The read-cache bit of the
// address is folded into the entry's own ReadCacheBit.
func NewEntry(addr hlog.Address, tag uint16) HashBucketEntry {
	e := HashBucketEntry(addr.Absolute()) | HashBucketEntry(tag)<<entryTagShift
	if addr.ReadCache() {
		e |= entryRCBit
	}
	return e
}

// Address returns the chain head address, ReadCacheBit applied.
func (e HashBucketEntry) Address() hlog.Address {
	a := hlog.Address(e & entryAddressMask)
	if e&entryRCBit != 0 {
		a = a.WithReadCache()
	}
	return a
}

// Tag returns the 14-bit key tag.
func (e HashBucketEntry) Tag() uint16 {
	return uint16((e & entryTagMask) >> entryTagShift)
}

// ReadCache reports whether the chain begins in the read cache.
func (e HashBucketEntry) ReadCache() bool { return e&entryRCBit != 0 }

// Tentative reports whether the entry is still being installed; readers
// treat tentative entries as absent.
func (e HashBucketEntry) Tentative() bool { return e&entryTentative != 0 }

// Unused reports whether the slot is free.
func (e HashBucketEntry) Unused() bool { return e == 0 }

// withTentative returns the entry with the tentative bit set.
func (e HashBucketEntry) withTentative() HashBucketEntry { return e | entryTentative }

// Tag extracts the 14-bit entry tag from a 64-bit key hash: the top bits,
// folded below the bucket-index bits. Tag zero is remapped so that a
// committed entry can never collide with the unused-slot sentinel.
func Tag(hash uint64) uint16 {
	t := uint16(hash >> (64 - entryTagBits))
	if t == 0 {
		t = 1
	}
	return t
}

// --------------------------------------------------------------------------
// Buckets
// --------------------------------------------------------------------------

const entriesPerBucket = 7

// bucket holds seven entries plus an overflow pointer.
type bucket struct {
	entries  [entriesPerBucket]uint64
	overflow atomic.Pointer[bucket]
}

// --------------------------------------------------------------------------
// Hash index
// --------------------------------------------------------------------------

// HashIndex maps 64-bit key hashes to chain head entries.
type HashIndex struct {
	mask    uint64
	buckets []bucket
}

// NewHashIndex creates an index with the given number of buckets (rounded
// up to a power of two).
func NewHashIndex(numBuckets uint64) *HashIndex {
	size := uint64(1)
	for size < numBuckets {
		size <<= 1
	}
	return &HashIndex{
		mask:    size - 1,
		buckets: make([]bucket, size),
	}
}

// Size returns the number of primary buckets.
func (idx *HashIndex) Size() int { return len(idx.buckets) }

// bucketFor selects the primary bucket by the low hash bits.
func (idx *HashIndex) bucketFor(hash uint64) *bucket {
	return &idx.buckets[hash&idx.mask]
}

// next follows a bucket's overflow link.
func (idx *HashIndex) next(b *bucket) *bucket {
	return b.overflow.Load()
}

// FindEntry scans the bucket chain for a committed entry with the hash's
// tag. It returns the slot to CAS against and the entry value observed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (idx *HashIndex) FindEntry(hash uint64) (slot *uint64, entry HashBucketEntry, ok bool) {
	tag := Tag(hash)
	for b := idx.bucketFor(hash); b != nil; b = idx.next(b) {
		for i := range b.entries {
			e := HashBucketEntry(atomic.LoadUint64(&b.entries[i]))
			if e.Unused() || e.Tentative() {
				continue
			}
			if e.Tag() == tag {
				return &b.entries[i], e, true
			}
		}
	}
	return nil, 0, false
}

// FindOrCreateEntry returns the committed entry for the hash's tag,
// claiming a free slot with the tentative-insert protocol when none exists
// yet. A freshly created entry carries the tag and an invalid address; the
// caller publishes the first record with a CAS against it.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (idx *HashIndex) FindOrCreateEntry(hash uint64) (slot *uint64, entry HashBucketEntry) {
	tag := Tag(hash)
	for {
		if slot, e, ok := idx.FindEntry(hash); ok {
			return slot, e
		}

		free := idx.claimFreeSlot(hash, tag)
		if free == nil {
			// bucket chain full: grow the overflow chain and rescan
			idx.appendOverflow(hash)
			continue
		}

		// two-phase insert: while our entry is tentative, look for the
		// same tag elsewhere. A committed duplicate always wins; between
		// two tentative claims the earlier slot wins, so exactly one of
		// the racers commits.
		if idx.loses(hash, tag, free) {
			atomic.StoreUint64(free, 0)
			continue
		}
		committed := NewEntry(hlog.InvalidAddress, tag)
		atomic.StoreUint64(free, uint64(committed))
		return free, committed
	}
}

// claimFreeSlot CASes a tentative entry into the first free slot of the
// bucket chain.
func (idx *HashIndex) claimFreeSlot(hash uint64, tag uint16) *uint64 {
	tentative := uint64(NewEntry(hlog.InvalidAddress, tag).withTentative())
	for b := idx.bucketFor(hash); b != nil; b = idx.next(b) {
		for i := range b.entries {
			e := HashBucketEntry(atomic.LoadUint64(&b.entries[i]))
			if e.Unused() && atomic.CompareAndSwapUint64(&b.entries[i], 0, tentative) {
				return &b.entries[i]
			}
		}
	}
	return nil
}

// loses reports whether our tentative claim must back off: a committed
// entry with the tag exists anywhere else in the bucket chain, or another
// tentative claim with the tag sits in an earlier slot. Between two racing
// tentative claims exactly one survives the tie-break.
func (idx *HashIndex) loses(hash uint64, tag uint16, ours *uint64) bool {
	beforeOurs := true
	for b := idx.bucketFor(hash); b != nil; b = idx.next(b) {
		for i := range b.entries {
			slot := &b.entries[i]
			if slot == ours {
				beforeOurs = false
				continue
			}
			e := HashBucketEntry(atomic.LoadUint64(slot))
			if e.Unused() || e.Tag() != tag {
				continue
			}
			if !e.Tentative() {
				return true
			}
			if beforeOurs {
				return true
			}
		}
	}
	return false
}

// appendOverflow links one more overflow bucket onto the chain ending at
// the hash's bucket. Losing the install CAS means a racing session grew
// the chain already, which is just as good.
func (idx *HashIndex) appendOverflow(hash uint64) {
	last := idx.bucketFor(hash)
	for {
		n := idx.next(last)
		if n == nil {
			break
		}
		last = n
	}
	for i := range last.entries {
		if HashBucketEntry(atomic.LoadUint64(&last.entries[i])).Unused() {
			return
		}
	}
	last.overflow.CompareAndSwap(nil, &bucket{})
}

// TryCompareExchange attempts the single-CAS chain splice on a bucket
// entry slot.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (idx *HashIndex) TryCompareExchange(slot *uint64, old, new HashBucketEntry) bool {
	return atomic.CompareAndSwapUint64(slot, uint64(old), uint64(new))
}

// Load re-reads an entry slot.
func (idx *HashIndex) Load(slot *uint64) HashBucketEntry {
	return HashBucketEntry(atomic.LoadUint64(slot))
}
