package index

import (
	"sync"
	"testing"

	"github.com/hazeldb/hazel/lib/hlog"
)

func TestEntryPacking(t *testing.T) {
	addr := hlog.Address(0x0000_1234_5678).WithReadCache()
	e := NewEntry(addr, 0x2ABC)

	if e.Address() != addr {
		t.Fatalf("Address = %#x, want %#x", uint64(e.Address()), uint64(addr))
	}
	if e.Tag() != 0x2ABC {
		t.Fatalf("Tag = %#x, want 0x2ABC", e.Tag())
	}
	if !e.ReadCache() {
		t.Fatalf("ReadCacheBit lost")
	}
	if e.Tentative() || e.Unused() {
		t.Fatalf("fresh entry reports tentative/unused")
	}

	plain := NewEntry(hlog.Address(99), 7)
	if plain.ReadCache() {
		t.Fatalf("plain entry reports read cache")
	}
	if plain.Address() != hlog.Address(99) {
		t.Fatalf("plain Address = %d, want 99", plain.Address())
	}
}

func TestTagNeverZero(t *testing.T) {
	if Tag(0) == 0 {
		t.Fatalf("tag 0 must be remapped away from the unused sentinel")
	}
	if Tag(0xFFFF_FFFF_FFFF_FFFF) == 0 {
		t.Fatalf("unexpected zero tag")
	}
}

func TestFindOrCreateEntry(t *testing.T) {
	idx := NewHashIndex(16)

	hash := uint64(0xDEAD_BEEF_CAFE_0001)
	slot, entry := idx.FindOrCreateEntry(hash)
	if slot == nil {
		t.Fatalf("no slot claimed")
	}
	if entry.Address().IsValid() {
		t.Fatalf("fresh entry carries an address")
	}

	// publishing a record address is a plain CAS against the slot
	addr := hlog.Address(42)
	if !idx.TryCompareExchange(slot, entry, NewEntry(addr, entry.Tag())) {
		t.Fatalf("publish CAS failed")
	}

	slot2, entry2, ok := idx.FindEntry(hash)
	if !ok || slot2 != slot {
		t.Fatalf("FindEntry after publish failed")
	}
	if entry2.Address() != addr {
		t.Fatalf("published address = %d, want %d", entry2.Address(), addr)
	}

	// the same hash maps to the same entry, not a new slot
	slot3, entry3 := idx.FindOrCreateEntry(hash)
	if slot3 != slot || entry3 != entry2 {
		t.Fatalf("FindOrCreateEntry duplicated the entry")
	}
}

func TestBucketOverflow(t *testing.T) {
	idx := NewHashIndex(1) // everything collides into one bucket

	// distinct tags force distinct entries; more than fit one bucket
	const n = 20
	slots := make(map[*uint64]bool, n)
	for i := 0; i < n; i++ {
		hash := (uint64(i+1) << (64 - entryTagBits)) // distinct tags, bucket 0
		slot, _ := idx.FindOrCreateEntry(hash)
		if slot == nil {
			t.Fatalf("entry %d not placed", i)
		}
		slots[slot] = true
	}
	if len(slots) != n {
		t.Fatalf("placed %d distinct entries, want %d", len(slots), n)
	}

	// all of them stay findable through the overflow chain
	for i := 0; i < n; i++ {
		hash := (uint64(i+1) << (64 - entryTagBits))
		if _, _, ok := idx.FindEntry(hash); !ok {
			t.Fatalf("entry %d lost after overflow growth", i)
		}
	}
}

func TestConcurrentFindOrCreate(t *testing.T) {
	idx := NewHashIndex(8)
	hash := uint64(0x1111_2222_3333_4444)

	var wg sync.WaitGroup
	slots := make([]*uint64, 16)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			slot, _ := idx.FindOrCreateEntry(hash)
			slots[i] = slot
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(slots); i++ {
		if slots[i] != slots[0] {
			t.Fatalf("racing creators claimed distinct slots for one tag")
		}
	}
}
