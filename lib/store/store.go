package store

import (
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
	"github.com/hazeldb/hazel/lib/device"
	"github.com/hazeldb/hazel/lib/epoch"
	"github.com/hazeldb/hazel/lib/hlog"
	"github.com/hazeldb/hazel/lib/index"
	"github.com/hazeldb/hazel/lib/locktable"
	"github.com/hazeldb/hazel/lib/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Metrics
// --------------------------------------------------------------------------

var (
	metricReads        = metrics.GetOrCreateCounter("hazel_reads_total")
	metricUpserts      = metrics.GetOrCreateCounter("hazel_upserts_total")
	metricRMWs         = metrics.GetOrCreateCounter("hazel_rmws_total")
	metricDeletes      = metrics.GetOrCreateCounter("hazel_deletes_total")
	metricRCHits       = metrics.GetOrCreateCounter("hazel_readcache_hits_total")
	metricRCCopies     = metrics.GetOrCreateCounter("hazel_readcache_copies_total")
	metricRCEvictions  = metrics.GetOrCreateCounter("hazel_readcache_evicted_records_total")
	metricPendingReads = metrics.GetOrCreateCounter("hazel_pending_io_total")
)

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

// Store owns the shared, epoch-protected structures: hash index, hybrid
// log, read cache ring, lock table. All per-operation state lives in the
// session issuing the operation.
type Store struct {
	log logger.ILogger

	hasher util.Hasher

	index     *index.HashIndex
	hlog      *hlog.Log
	readCache *hlog.Log // nil when the read cache is disabled
	locks     *locktable.LockTable
	dev       device.IDevice
	prot      *epoch.Protector

	// checkpoint version; sessions observing a stale value refresh and
	// retry (CPR shift)
	version atomic.Uint64

	// unhealthy stores stay queryable but refuse mutations
	healthy atomic.Bool

	sessions      *xsync.MapOf[uint64, *Session]
	nextSessionID atomic.Uint64
	nextRequestID atomic.Uint64

	lockableSessions atomic.Int64
}

// NewStore creates a store over the given device.
func NewStore(settings Settings, dev device.IDevice) *Store {
	if settings.MaxSessions == 0 {
		settings.MaxSessions = DefaultSettings().MaxSessions
	}
	hasher := settings.Hasher
	if hasher == nil {
		hasher = util.NewSeededHasher(util.GenerateSeed())
	}

	s := &Store{
		log:      logger.GetLogger("store"),
		hasher:   hasher,
		index:    index.NewHashIndex(settings.IndexBuckets),
		locks:    locktable.New(),
		dev:      dev,
		prot:     epoch.NewProtector(settings.MaxSessions),
		sessions: xsync.NewMapOf[uint64, *Session](),
	}
	s.healthy.Store(true)
	s.version.Store(1)

	s.hlog = hlog.NewLog(hlog.Config{
		Name:           "hlog",
		MemorySizeBits: settings.Log.MemorySizeBits,
		PageSizeBits:   settings.Log.PageSizeBits,
		Device:         dev,
		Epoch:          s.prot,
	})
	s.hlog.SetOnEvict(s.onLogEvict)

	if settings.ReadCache != nil {
		s.readCache = hlog.NewLog(hlog.Config{
			Name:           "readcache",
			MemorySizeBits: settings.ReadCache.MemorySizeBits,
			PageSizeBits:   settings.ReadCache.PageSizeBits,
			ReadCache:      true,
			Epoch:          s.prot,
		})
		s.readCache.SetOnEvict(s.onReadCacheEvict)
	}

	return s
}

// --------------------------------------------------------------------------
// Health
// --------------------------------------------------------------------------

// Healthy reports whether the store accepts mutations.
func (s *Store) Healthy() bool { return s.healthy.Load() }

// markUnhealthy records a fatal condition. The store stays queryable.
func (s *Store) markUnhealthy(why string) {
	if s.healthy.Swap(false) {
		s.log.Errorf("store marked unhealthy: %s", why)
	}
}

// --------------------------------------------------------------------------
// Maintenance operations
// --------------------------------------------------------------------------

// FlushAndEvictLog flushes the entire hybrid log to the device and evicts
// it from memory; every in-memory record moves below HeadAddress.
func (s *Store) FlushAndEvictLog() {
	s.hlog.FlushAndEvictAll()
}

// FlushAndEvictReadCache evicts the whole read cache, out-splicing every
// cached record and moving held locks into the lock table.
func (s *Store) FlushAndEvictReadCache() {
	if s.readCache != nil {
		s.readCache.FlushAndEvictAll()
	}
}

// ShiftLogBegin truncates the hybrid log below the given address.
func (s *Store) ShiftLogBegin(to uint64) {
	s.hlog.ShiftBegin(hlog.Address(to))
}

// LockTableCount returns the number of keys with overflow lock state.
func (s *Store) LockTableCount() int { return s.locks.Count() }

// --------------------------------------------------------------------------
// Info
// --------------------------------------------------------------------------

// Info is a point-in-time snapshot of the store's address markers and
// structure sizes.
type Info struct {
	TailAddress       uint64 `json:"tail_address"`
	ReadOnlyAddress   uint64 `json:"read_only_address"`
	HeadAddress       uint64 `json:"head_address"`
	BeginAddress      uint64 `json:"begin_address"`
	ReadCacheEnabled  bool   `json:"read_cache_enabled"`
	ReadCacheTail     uint64 `json:"read_cache_tail"`
	ReadCacheHead     uint64 `json:"read_cache_head"`
	LockTableEntries  int    `json:"lock_table_entries"`
	IndexBuckets      int    `json:"index_buckets"`
	DeviceRecords     int    `json:"device_records"`
	CheckpointVersion uint64 `json:"checkpoint_version"`
}

// GetInfo returns a snapshot of the store state. The fields are not read
// atomically with respect to each other.
func (s *Store) GetInfo() Info {
	info := Info{
		TailAddress:       uint64(s.hlog.TailAddress()),
		ReadOnlyAddress:   uint64(s.hlog.ReadOnlyAddress()),
		HeadAddress:       uint64(s.hlog.HeadAddress()),
		BeginAddress:      uint64(s.hlog.BeginAddress()),
		ReadCacheEnabled:  s.readCache != nil,
		LockTableEntries:  s.locks.Count(),
		IndexBuckets:      s.index.Size(),
		CheckpointVersion: s.version.Load(),
	}
	if s.readCache != nil {
		info.ReadCacheTail = uint64(s.readCache.TailAddress())
		info.ReadCacheHead = uint64(s.readCache.HeadAddress())
	}
	if s.dev != nil {
		info.DeviceRecords = s.dev.Size()
	}
	return info
}

// --------------------------------------------------------------------------
// Hybrid log eviction hook
// --------------------------------------------------------------------------

// onLogEvict moves lock state of records leaving memory into the lock
// table. Lock and seal bits are volatile and do not survive the flush, so
// this is the only way a lock outlives its record's eviction.
func (s *Store) onLogEvict(from, to hlog.Address) {
	for a := from.Absolute(); a < to.Absolute(); a++ {
		rec := s.hlog.Resolve(a)
		if rec == nil || rec.Key == "" {
			continue
		}
		if rec.Info().Invalid() {
			continue
		}
		if exclusive, shared := rec.DrainLockState(); exclusive || shared > 0 {
			s.locks.Capture(rec.Key, exclusive, shared)
		}
	}
}
