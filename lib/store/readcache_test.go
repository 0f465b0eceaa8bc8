package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/hazeldb/hazel/lib/device"
)

// --------------------------------------------------------------------------
// Caching idempotence
// --------------------------------------------------------------------------

func TestSecondReadServedFromCache(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	readIntoCache(t, sess, 40)

	// the second read is a cache hit: no pending I/O, no second copy
	st, val := sess.Read(skey(40), nil)
	if !st.Found() || st.Pending() {
		t.Fatalf("second Read = %v, want immediate Found", st)
	}
	if string(val) != sval(40) {
		t.Fatalf("second Read = %q", val)
	}
	if n := liveRCRecords(s, skey(40)); n != 1 {
		t.Fatalf("%d live cached records for the key, want 1", n)
	}
}

// --------------------------------------------------------------------------
// Read flags
// --------------------------------------------------------------------------

func TestDisableReadCacheUpdates(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	opts := &ReadOptions{DisableReadCacheUpdates: true}
	st, _ := sess.Read(skey(40), opts)
	if !st.Pending() {
		t.Fatalf("cold Read = %v, want Pending", st)
	}
	done := sess.CompletePendingWithOutputs(true)
	if len(done) != 1 || !done[0].Status.Found() {
		t.Fatalf("completion = %+v", done)
	}
	if done[0].Status.Has(CopiedToReadCache) {
		t.Fatalf("read was cached despite DisableReadCacheUpdates")
	}
	if n := liveRCRecords(s, skey(40)); n != 0 {
		t.Fatalf("%d cached records, want 0", n)
	}

	// without a cached copy the next read goes pending again
	if st, _ := sess.Read(skey(40), opts); !st.Pending() {
		t.Fatalf("repeat Read = %v, want Pending", st)
	}
	sess.CompletePending(true)
}

func TestDisableReadCacheReads(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)
	readIntoCache(t, sess, 40)

	// the cached copy is skipped during traversal, so the read goes to
	// the device even though the cache holds the key
	st, _ := sess.Read(skey(40), &ReadOptions{DisableReadCacheReads: true, DisableReadCacheUpdates: true})
	if !st.Pending() {
		t.Fatalf("Read = %v, want Pending despite the cached copy", st)
	}
	done := sess.CompletePendingWithOutputs(true)
	if len(done) != 1 || !done[0].Status.Found() || string(done[0].Output) != sval(40) {
		t.Fatalf("completion = %+v", done)
	}
}

func TestCopyReadsToTail(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	st, _ := sess.Read(skey(40), &ReadOptions{CopyReadsToTail: true})
	if !st.Pending() {
		t.Fatalf("cold Read = %v, want Pending", st)
	}
	done := sess.CompletePendingWithOutputs(true)
	if len(done) != 1 {
		t.Fatalf("completion count = %d", len(done))
	}
	if !done[0].Status.Found() || !done[0].Status.Has(CopiedRecord) {
		t.Fatalf("completion = %v, want Found|CopiedRecord", done[0].Status)
	}

	// the copy lives at the hybrid log tail now; the next read is served
	// from memory without touching the cache or the device
	st, val := sess.Read(skey(40), nil)
	if !st.Found() || st.Pending() {
		t.Fatalf("Read after tail copy = %v", st)
	}
	if string(val) != sval(40) {
		t.Fatalf("Read after tail copy = %q", val)
	}
	if n := liveRCRecords(s, skey(40)); n != 0 {
		t.Fatalf("tail copy also created %d cached records", n)
	}
}

func TestStopAddressBoundsTraversal(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	// everything lives below the post-eviction head; a stop address at
	// the head makes the whole device chain out of bounds
	stop := uint64(s.hlog.HeadAddress())
	st, _ := sess.Read(skey(40), &ReadOptions{StopAddress: stop})
	if st.Pending() {
		done := sess.CompletePendingWithOutputs(true)
		if len(done) != 1 || !done[0].Status.NotFound() {
			t.Fatalf("completion = %+v, want NotFound", done)
		}
	} else if !st.NotFound() {
		t.Fatalf("Read = %v, want NotFound", st)
	}
}

// --------------------------------------------------------------------------
// Partial eviction: boundary out-splice
// --------------------------------------------------------------------------

func TestPartialEvictionRewritesPredecessors(t *testing.T) {
	s, sess := newScenarioStore(t)
	populateAndEvict(t, s, sess)

	// build a three-record cache prefix on one chain: 60 <- 70 <- 80
	for _, k := range []int{60, 70, 80} {
		readIntoCache(t, sess, k)
	}

	// evict only the lowest cached record (key 60)
	evictTo := s.readCache.HeadAddress() + 1
	s.readCache.FlushAndEvict(evictTo)

	nodes := dumpChain(t, s, 0)
	validateChain(t, nodes)

	// the surviving prefix is 80 -> 70, and 70's link now bypasses the
	// evicted record straight to the hybrid log
	if len(nodes) < 2 || nodes[0].key != skey(80) || nodes[1].key != skey(70) {
		t.Fatalf("surviving prefix = %+v", nodes[:min(len(nodes), 2)])
	}
	if !nodes[0].readCache || !nodes[1].readCache {
		t.Fatalf("surviving prefix left the read cache")
	}
	if len(nodes) > 2 && nodes[2].readCache {
		t.Fatalf("evicted record still reachable: %+v", nodes[2])
	}

	// evicted key reads again through the device, survivors from cache
	st, _ := sess.Read(skey(60), nil)
	if !st.Pending() {
		t.Fatalf("Read of evicted key = %v, want Pending", st)
	}
	sess.CompletePending(true)
	if st, _ := sess.Read(skey(70), nil); !st.Found() || st.Pending() {
		t.Fatalf("Read of surviving key = %v", st)
	}
}

// --------------------------------------------------------------------------
// Splice safety under concurrency
// --------------------------------------------------------------------------

func TestConcurrentMixKeepsChainsConsistent(t *testing.T) {
	settings := Settings{
		IndexBuckets: 64,
		Log:          LogSettings{MemorySizeBits: 16, PageSizeBits: 10},
		ReadCache:    &ReadCacheSettings{MemorySizeBits: 12, PageSizeBits: 8},
		MaxSessions:  16,
	}
	s := NewStore(settings, device.NewMemoryDevice())

	seed, err := s.NewSession("seed", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	const keys = 200
	for k := 0; k < keys; k++ {
		seed.Upsert(fmt.Sprintf("key-%d", k), nil, []byte("seed"))
	}
	s.FlushAndEvictLog()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sess, err := s.NewSession(fmt.Sprintf("worker-%d", w), nil)
			if err != nil {
				t.Errorf("NewSession failed: %v", err)
				return
			}
			defer sess.Close()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("key-%d", (w*131+i)%keys)
				switch i % 4 {
				case 0:
					sess.Upsert(key, nil, []byte(fmt.Sprintf("w%d-%d", w, i)))
				case 1:
					sess.RMW(key, []byte("+"))
				case 2:
					sess.Delete(key)
				default:
					if st, _ := sess.Read(key, nil); st.Pending() {
						sess.CompletePending(true)
					}
				}
			}
			sess.CompletePending(true)
		}(w)
	}
	wg.Wait()

	// every chain still satisfies the structural invariants, and every
	// key resolves to exactly one verdict
	for k := 0; k < keys; k++ {
		key := fmt.Sprintf("key-%d", k)
		validateChain(t, dumpChain(t, s, s.hasher(key)))
		st, _ := seed.Read(key, nil)
		if st.Pending() {
			seed.CompletePending(true)
		}
	}
	seed.Close()
}

// --------------------------------------------------------------------------
// Disabled read cache
// --------------------------------------------------------------------------

func TestStoreWithoutReadCache(t *testing.T) {
	settings := Settings{
		IndexBuckets: 16,
		Log:          LogSettings{MemorySizeBits: 14, PageSizeBits: 9},
		ReadCache:    nil, // absence disables the read cache
		Hasher:       mod10Hasher,
		MaxSessions:  4,
	}
	s := NewStore(settings, device.NewMemoryDevice())
	sess, err := s.NewSession("nocache", nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer sess.Close()

	sess.Upsert("5", nil, []byte("five"))
	s.FlushAndEvictLog()

	st, _ := sess.Read("5", nil)
	if !st.Pending() {
		t.Fatalf("cold Read = %v, want Pending", st)
	}
	done := sess.CompletePendingWithOutputs(true)
	if len(done) != 1 || !done[0].Status.Found() {
		t.Fatalf("completion = %+v", done)
	}
	if done[0].Status.Has(CopiedToReadCache) {
		t.Fatalf("read cached despite the cache being disabled")
	}

	// the chain never gains a read cache prefix
	_, entry, ok := s.index.FindEntry(5)
	if !ok || entry.ReadCache() {
		t.Fatalf("entry = %#x, ok=%v", uint64(entry), ok)
	}
}
