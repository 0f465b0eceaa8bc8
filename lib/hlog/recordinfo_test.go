package hlog

import "testing"

func TestRecordInfoBits(t *testing.T) {
	prev := Address(0x1234).WithReadCache()
	ri := NewRecordInfo(prev)

	if got := ri.PreviousAddress(); got != prev {
		t.Fatalf("PreviousAddress = %#x, want %#x", got, prev)
	}
	if ri.Invalid() || ri.Tombstone() || ri.Sealed() || ri.Locked() || ri.Modified() {
		t.Fatalf("fresh header has unexpected bits set: %#x", uint64(ri))
	}

	ri = ri.WithInvalid().WithTombstone().WithSealed().WithExclusiveLock().WithModified()
	if !ri.Invalid() || !ri.Tombstone() || !ri.Sealed() || !ri.ExclusiveLocked() || !ri.Modified() {
		t.Fatalf("flag bits did not stick: %#x", uint64(ri))
	}
	// the link survives all flag mutations
	if got := ri.PreviousAddress(); got != prev {
		t.Fatalf("PreviousAddress after flags = %#x, want %#x", got, prev)
	}

	ri = ri.WithSharedLockCount(MaxSharedLocks)
	if got := ri.SharedLockCount(); got != MaxSharedLocks {
		t.Fatalf("SharedLockCount = %d, want %d", got, MaxSharedLocks)
	}
	ri = ri.WithSharedLockCount(0)
	if ri.SharedLockCount() != 0 {
		t.Fatalf("SharedLockCount did not reset")
	}

	ri = ri.WithoutSealed().WithoutExclusiveLock().WithoutModified()
	if ri.Sealed() || ri.ExclusiveLocked() || ri.Modified() {
		t.Fatalf("flag bits did not clear: %#x", uint64(ri))
	}

	next := Address(0x9999)
	ri = ri.WithPreviousAddress(next)
	if got := ri.PreviousAddress(); got != next {
		t.Fatalf("rewritten PreviousAddress = %#x, want %#x", got, next)
	}
	if !ri.Invalid() || !ri.Tombstone() {
		t.Fatalf("link rewrite clobbered flags: %#x", uint64(ri))
	}
}

func TestAddressRings(t *testing.T) {
	a := Address(42)
	if a.ReadCache() {
		t.Fatalf("plain address reports read cache")
	}
	rc := a.WithReadCache()
	if !rc.ReadCache() || rc.Absolute() != a {
		t.Fatalf("read cache tagging broken: %#x", uint64(rc))
	}
	if InvalidAddress.IsValid() {
		t.Fatalf("InvalidAddress reports valid")
	}
}

func TestRecordLockOps(t *testing.T) {
	rec := &Record{Key: "k"}
	rec.StoreInfo(NewRecordInfo(InvalidAddress))

	if !rec.TryLockExclusive() {
		t.Fatalf("exclusive lock on fresh record failed")
	}
	if rec.TryLockExclusive() || rec.TryLockShared() {
		t.Fatalf("lock acquired while exclusively locked")
	}
	if !rec.UnlockExclusive() {
		t.Fatalf("exclusive unlock failed")
	}

	for i := 0; i < 3; i++ {
		if !rec.TryLockShared() {
			t.Fatalf("shared lock %d failed", i)
		}
	}
	if rec.TryLockExclusive() {
		t.Fatalf("exclusive lock acquired with shared holders")
	}
	if got := rec.Info().SharedLockCount(); got != 3 {
		t.Fatalf("SharedLockCount = %d, want 3", got)
	}
	for i := 0; i < 3; i++ {
		if !rec.UnlockShared() {
			t.Fatalf("shared unlock %d failed", i)
		}
	}
	if rec.UnlockShared() {
		t.Fatalf("unlock succeeded with no shared holders")
	}

	rec.SetInvalid()
	if rec.TryLockExclusive() || rec.TryLockShared() {
		t.Fatalf("lock acquired on invalid record")
	}
}

func TestRecordSeal(t *testing.T) {
	rec := &Record{Key: "k"}
	rec.StoreInfo(NewRecordInfo(InvalidAddress))

	if !rec.TrySeal() {
		t.Fatalf("seal on fresh record failed")
	}
	if rec.TrySeal() {
		t.Fatalf("double seal succeeded")
	}
	rec.Unseal()
	if rec.Info().Sealed() {
		t.Fatalf("record still sealed after Unseal")
	}
}

func TestRecordMarshalRoundTrip(t *testing.T) {
	rec := &Record{Key: "some-key", Value: []byte("some-value")}
	info := NewRecordInfo(Address(777)).WithTombstone().WithModified()
	// volatile bits must not survive the round trip
	rec.StoreInfo(info.WithSealed().WithExclusiveLock().WithSharedLockCount(5))

	got, err := UnmarshalRecord(rec.Marshal())
	if err != nil {
		t.Fatalf("UnmarshalRecord failed: %v", err)
	}
	if got.Key != rec.Key || string(got.Value) != string(rec.Value) {
		t.Fatalf("key/value mismatch: %q/%q", got.Key, got.Value)
	}
	gi := got.Info()
	if gi.PreviousAddress() != Address(777) || !gi.Tombstone() || !gi.Modified() {
		t.Fatalf("persistent bits lost: %#x", uint64(gi))
	}
	if gi.Sealed() || gi.Locked() {
		t.Fatalf("volatile bits survived the flush: %#x", uint64(gi))
	}

	if _, err := UnmarshalRecord([]byte("short")); err == nil {
		t.Fatalf("truncated frame accepted")
	}
}
