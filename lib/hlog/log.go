package hlog

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/hazeldb/hazel/lib/device"
	"github.com/hazeldb/hazel/lib/epoch"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrAllocateStall is returned by Allocate when the in-memory window is
// exhausted. The caller must wait for the triggered flush/evict cycle
// (WaitForSpace) with its epoch suspended, then retry.
var ErrAllocateStall = errors.New("hlog: allocation hit an unflushed page")

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config sizes one ring. MemorySizeBits and PageSizeBits are log2 of record
// slots (total in-memory window and per page, respectively).
type Config struct {
	Name           string
	MemorySizeBits uint32
	PageSizeBits   uint32

	// Device receives evicted pages. Nil for the read cache ring, whose
	// evicted records are dropped after the OnEvict hook ran.
	Device device.IDevice

	// ReadCache marks the ring as the read cache; addresses handed out by
	// Allocate then carry the ReadCacheBit.
	ReadCache bool

	Epoch *epoch.Protector

	// OnEvict is called with the evicted range [from, to) while those
	// records are still resolvable. The read cache uses it to out-splice
	// the records from the hash chains and to move lock state to the lock
	// table; the hybrid log uses it to move lock state only.
	OnEvict func(from, to Address)
}

// --------------------------------------------------------------------------
// Log
// --------------------------------------------------------------------------

// Log is one append-only ring of record pages. It backs both the hybrid
// log (with a device behind it) and the read cache (without one).
type Log struct {
	name      string
	log       logger.ILogger
	readCache bool

	pageSizeBits uint32
	pageSize     uint64
	capacity     uint64

	device  device.IDevice
	prot    *epoch.Protector
	onEvict func(from, to Address)

	frames *xsync.MapOf[uint64, []Record]

	tail         atomic.Uint64
	readOnly     atomic.Uint64
	head         atomic.Uint64
	begin        atomic.Uint64
	flushedUntil atomic.Uint64

	flushMu   sync.Mutex
	flushCond *sync.Cond
	evicting  atomic.Bool
}

// NewLog creates a ring per the config. Address 0 is reserved as
// InvalidAddress; the first record lives at address 1.
func NewLog(cfg Config) *Log {
	if cfg.PageSizeBits == 0 || cfg.MemorySizeBits < cfg.PageSizeBits {
		panic("hlog: MemorySizeBits must be >= PageSizeBits > 0")
	}
	l := &Log{
		name:         cfg.Name,
		log:          logger.GetLogger("hlog"),
		readCache:    cfg.ReadCache,
		pageSizeBits: cfg.PageSizeBits,
		pageSize:     1 << cfg.PageSizeBits,
		capacity:     1 << cfg.MemorySizeBits,
		device:       cfg.Device,
		prot:         cfg.Epoch,
		onEvict:      cfg.OnEvict,
		frames:       xsync.NewMapOf[uint64, []Record](),
	}
	l.flushCond = sync.NewCond(&l.flushMu)
	l.tail.Store(1)
	l.readOnly.Store(1)
	l.head.Store(1)
	l.begin.Store(1)
	l.flushedUntil.Store(1)
	return l
}

// SetOnEvict installs the eviction hook. Must be called before the first
// eviction; the store wires itself in after constructing both rings.
func (l *Log) SetOnEvict(fn func(from, to Address)) {
	l.onEvict = fn
}

// --------------------------------------------------------------------------
// Region accessors
// --------------------------------------------------------------------------

// TailAddress returns the next address to be allocated.
func (l *Log) TailAddress() Address { return Address(l.tail.Load()) }

// ReadOnlyAddress returns the lower bound of the mutable region.
func (l *Log) ReadOnlyAddress() Address { return Address(l.readOnly.Load()) }

// HeadAddress returns the lowest directly dereferenceable address.
func (l *Log) HeadAddress() Address { return Address(l.head.Load()) }

// BeginAddress returns the lowest logically present address.
func (l *Log) BeginAddress() Address { return Address(l.begin.Load()) }

// FlushedUntilAddress returns the address below which everything reached
// the device.
func (l *Log) FlushedUntilAddress() Address { return Address(l.flushedUntil.Load()) }

// InMemory reports whether the (ring-local) address is resolvable.
func (l *Log) InMemory(a Address) bool {
	abs := uint64(a.Absolute())
	return abs >= l.head.Load() && abs < l.tail.Load()
}

// Mutable reports whether the address is in the in-place-update region.
func (l *Log) Mutable(a Address) bool {
	abs := uint64(a.Absolute())
	return abs >= l.readOnly.Load() && abs < l.tail.Load()
}

// --------------------------------------------------------------------------
// Allocation and resolution
// --------------------------------------------------------------------------

// Allocate reserves the next tail slot and returns its chain address (the
// ReadCacheBit already applied for the read cache ring) plus the record to
// fill. When the in-memory window is exhausted it kicks off an asynchronous
// flush/evict cycle and returns ErrAllocateStall.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *Log) Allocate() (Address, *Record, error) {
	for {
		t := l.tail.Load()
		if t-l.head.Load() >= l.capacity {
			l.requestEvict()
			return InvalidAddress, nil, ErrAllocateStall
		}
		if l.tail.CompareAndSwap(t, t+1) {
			rec := l.slot(t)
			addr := Address(t)
			if l.readCache {
				addr = addr.WithReadCache()
			}
			return addr, rec, nil
		}
	}
}

// Resolve returns the record at the given address, or nil when the address
// has left memory. Callers must hold epoch protection.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *Log) Resolve(a Address) *Record {
	abs := uint64(a.Absolute())
	if abs < l.head.Load() || abs >= l.tail.Load() {
		return nil
	}
	frame, ok := l.frames.Load(abs >> l.pageSizeBits)
	if !ok {
		return nil
	}
	return &frame[abs&(l.pageSize-1)]
}

// slot returns the record for a freshly reserved tail position, creating
// the page frame on first touch.
func (l *Log) slot(abs uint64) *Record {
	page := abs >> l.pageSizeBits
	frame, _ := l.frames.LoadOrCompute(page, func() []Record {
		return make([]Record, l.pageSize)
	})
	return &frame[abs&(l.pageSize-1)]
}

// --------------------------------------------------------------------------
// Region shifts
// --------------------------------------------------------------------------

// ShiftReadOnly advances the read-only marker (clamped to the tail).
// Records below it become immutable in memory.
func (l *Log) ShiftReadOnly(to Address) {
	target := min(uint64(to.Absolute()), l.tail.Load())
	for {
		cur := l.readOnly.Load()
		if target <= cur || l.readOnly.CompareAndSwap(cur, target) {
			return
		}
	}
}

// FlushAndEvict flushes everything below to (hybrid log only) and evicts it
// from memory. The eviction hook runs while the evicted records are still
// resolvable; the page frames are reclaimed only after all epoch observers
// drained.
func (l *Log) FlushAndEvict(to Address) {
	target := min(uint64(to.Absolute()), l.tail.Load())
	from := l.head.Load()
	if target <= from {
		return
	}

	l.ShiftReadOnly(Address(target))

	if l.device != nil {
		l.flushUntil(target)
	}

	if l.onEvict != nil {
		l.onEvict(Address(from), Address(target))
	}

	// advance head; lose to any concurrent shift that got further
	for {
		cur := l.head.Load()
		if target <= cur || l.head.CompareAndSwap(cur, target) {
			break
		}
	}

	// reclaim fully evicted page frames once all observers moved on
	firstLivePage := target >> l.pageSizeBits
	reclaim := func() {
		l.frames.Range(func(page uint64, _ []Record) bool {
			if page < firstLivePage {
				l.frames.Delete(page)
			}
			return true
		})
	}
	if l.prot != nil {
		l.prot.BumpWithAction(reclaim)
	} else {
		reclaim()
	}

	l.flushMu.Lock()
	l.flushCond.Broadcast()
	l.flushMu.Unlock()

	l.log.Debugf("%s: evicted [%d, %d)", l.name, from, target)
}

// FlushAndEvictAll moves the head all the way to the tail.
func (l *Log) FlushAndEvictAll() {
	l.FlushAndEvict(Address(l.tail.Load()))
}

// ShiftBegin truncates the log: records below to stop being logically
// present, and the device drops their frames.
func (l *Log) ShiftBegin(to Address) {
	target := min(uint64(to.Absolute()), l.head.Load())
	for {
		cur := l.begin.Load()
		if target <= cur || l.begin.CompareAndSwap(cur, target) {
			break
		}
	}
	if l.device != nil {
		l.device.TruncateUntil(target)
	}
}

// flushUntil writes all unflushed records below target to the device.
func (l *Log) flushUntil(target uint64) {
	from := l.flushedUntil.Load()
	if target <= from {
		return
	}
	for a := from; a < target; a++ {
		rec := l.Resolve(Address(a))
		if rec == nil || rec.Key == "" && rec.Info() == 0 {
			// slot was reserved but never published
			continue
		}
		if err := l.device.WriteRecord(a, rec.Marshal()); err != nil {
			l.log.Errorf("%s: flush of address %d failed: %v", l.name, a, err)
		}
	}
	for {
		cur := l.flushedUntil.Load()
		if target <= cur || l.flushedUntil.CompareAndSwap(cur, target) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Allocation stall handling
// --------------------------------------------------------------------------

// requestEvict starts one flush/evict cycle for the oldest page if none is
// running.
func (l *Log) requestEvict() {
	if l.evicting.Swap(true) {
		return
	}
	go func() {
		defer l.evicting.Store(false)
		l.FlushAndEvict(Address(l.head.Load() + l.pageSize))
	}()
}

// WaitForSpace blocks until the in-memory window has room for at least one
// more record. Callers must have suspended their epoch first.
func (l *Log) WaitForSpace() {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()
	for l.tail.Load()-l.head.Load() >= l.capacity {
		l.flushCond.Wait()
	}
}
