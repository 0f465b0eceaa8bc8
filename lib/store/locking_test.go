package store

import (
	"testing"

	"github.com/hazeldb/hazel/lib/locktable"
)

// --------------------------------------------------------------------------
// Manual locking scope
// --------------------------------------------------------------------------

func TestLockRequiresLockableScope(t *testing.T) {
	_, sess := newScenarioStore(t)

	if err := sess.Lock("1", locktable.Exclusive); err == nil {
		t.Fatalf("Lock outside a lockable scope succeeded")
	}
	if err := sess.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	if err := sess.BeginLockable(); err == nil {
		t.Fatalf("nested BeginLockable succeeded")
	}
	if err := sess.EndLockable(); err != nil {
		t.Fatalf("EndLockable failed: %v", err)
	}
	if err := sess.EndLockable(); err == nil {
		t.Fatalf("EndLockable without scope succeeded")
	}
}

// --------------------------------------------------------------------------
// Scenario 4: locks on cached records survive a full cache flush
// --------------------------------------------------------------------------

func TestLocksSurviveReadCacheFlush(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)
	for k := 40; k <= 130; k += 10 {
		readIntoCache(t, sess, k)
	}

	if err := sess.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	defer sess.EndLockable()

	for _, l := range []struct {
		k    int
		mode locktable.Mode
	}{{40, locktable.Exclusive}, {90, locktable.Shared}, {130, locktable.Exclusive}} {
		if err := sess.Lock(skey(l.k), l.mode); err != nil {
			t.Fatalf("Lock(%d, %v) failed: %v", l.k, l.mode, err)
		}
	}
	// the locks live in the cached records' headers, not in the table
	if n := s.LockTableCount(); n != 0 {
		t.Fatalf("lock table holds %d entries before eviction", n)
	}

	s.FlushAndEvictReadCache()

	if n := s.LockTableCount(); n != 3 {
		t.Fatalf("lock table holds %d entries after eviction, want 3", n)
	}
	for _, l := range []struct {
		k         int
		exclusive bool
		shared    int
	}{{40, true, 0}, {90, false, 1}, {130, true, 0}} {
		state, ok := s.locks.TryGet(skey(l.k))
		if !ok {
			t.Fatalf("no lock table entry for %d", l.k)
		}
		if state.Exclusive != l.exclusive || state.SharedCount != l.shared {
			t.Fatalf("lock state for %d = %+v", l.k, state)
		}
	}

	for _, l := range []struct {
		k    int
		mode locktable.Mode
	}{{40, locktable.Exclusive}, {90, locktable.Shared}, {130, locktable.Exclusive}} {
		if err := sess.Unlock(skey(l.k), l.mode); err != nil {
			t.Fatalf("Unlock(%d) failed: %v", l.k, err)
		}
	}
	if n := s.LockTableCount(); n != 0 {
		t.Fatalf("lock table not empty after unlocks: %d", n)
	}
}

// --------------------------------------------------------------------------
// Scenario 5: table locks migrate into freshly cached records
// --------------------------------------------------------------------------

func TestLockTableMigratesIntoReadCache(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	if err := sess.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	defer sess.EndLockable()

	// no in-memory records exist, so the locks land in the table
	keys := []int{40, 90, 130}
	for _, k := range keys {
		if err := sess.Lock(skey(k), locktable.Exclusive); err != nil {
			t.Fatalf("Lock(%d) failed: %v", k, err)
		}
	}
	if n := s.LockTableCount(); n != 3 {
		t.Fatalf("lock table holds %d entries, want 3", n)
	}

	s.FlushAndEvictReadCache() // no cached records yet; must be harmless

	// re-caching each key moves its lock into the new record's header
	for _, k := range keys {
		readIntoCache(t, sess, k)
	}
	if n := s.LockTableCount(); n != 0 {
		t.Fatalf("lock table still holds %d entries after re-caching", n)
	}
	for _, k := range keys {
		if n := liveRCRecords(s, skey(k)); n != 1 {
			t.Fatalf("key %d has %d live cached records, want 1", k, n)
		}
	}

	// a second session re-locks a key once the in-record lock is released
	sess2, err := s.NewSession("second", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess2.Close()
	if err := sess2.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	defer sess2.EndLockable()

	// unlocking in-record succeeds
	for _, k := range keys {
		if err := sess.Unlock(skey(k), locktable.Exclusive); err != nil {
			t.Fatalf("Unlock(%d) failed: %v", k, err)
		}
	}
	if err := sess2.Lock(skey(40), locktable.Exclusive); err != nil {
		t.Fatalf("re-lock after unlock failed: %v", err)
	}
	if err := sess2.Unlock(skey(40), locktable.Exclusive); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Lock transfer across an update splice
// --------------------------------------------------------------------------

func TestLockCarriesAcrossUpdateSplice(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)
	readIntoCache(t, sess, 40)

	if err := sess.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	defer sess.EndLockable()

	if err := sess.Lock(skey(40), locktable.Shared); err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	// the upsert retires the cached record; its shared lock must move to
	// the new record, not vanish
	if st := sess.Upsert(skey(40), nil, []byte("new-40")); !st.Has(CreatedRecord) {
		t.Fatalf("Upsert = %v", st)
	}
	if n := s.LockTableCount(); n != 0 {
		t.Fatalf("lock table entries after splice: %d", n)
	}

	nodes := dumpChain(t, s, 0)
	head := nodes[0]
	if head.key != skey(40) || head.readCache {
		t.Fatalf("chain head = %+v", head)
	}

	if err := sess.Unlock(skey(40), locktable.Shared); err != nil {
		t.Fatalf("Unlock after splice failed: %v", err)
	}
}

// --------------------------------------------------------------------------
// Unlock of a never-locked key
// --------------------------------------------------------------------------

func TestUnlockWithoutLockFails(t *testing.T) {
	_, sess := newScenarioStore(t)
	if err := sess.BeginLockable(); err != nil {
		t.Fatalf("BeginLockable failed: %v", err)
	}
	defer sess.EndLockable()

	if err := sess.Unlock("1", locktable.Exclusive); err == nil {
		t.Fatalf("Unlock of a never-locked key succeeded")
	}
}
