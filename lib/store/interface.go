package store

import (
	"fmt"

	"github.com/hazeldb/hazel/lib/util"
)

// --------------------------------------------------------------------------
// Public statuses
// --------------------------------------------------------------------------

// Status is the result of a session operation: a base code in the low bits
// plus advanced bits recording what the engine did to complete it.
type Status uint16

const (
	// StatusFound reports the key was present.
	StatusFound Status = iota
	// StatusNotFound reports the key was absent (or tombstoned).
	StatusNotFound
	// StatusPending reports an asynchronous device read is outstanding;
	// the caller drives completion via CompletePending.
	StatusPending
	// StatusCanceled reports a user callback canceled the operation.
	StatusCanceled
	// StatusInternalError reports a fatal condition; the store refuses
	// further mutations.
	StatusInternalError

	statusBaseMask Status = 0x0F
)

// Advanced status bits.
const (
	// CopiedToReadCache: a device read placed a copy in the read cache.
	CopiedToReadCache Status = 1 << (iota + 4)
	// CopiedRecord: a device read was copied to the hybrid log tail.
	CopiedRecord
	// CreatedRecord: a new record was appended and spliced in.
	CreatedRecord
	// InPlaceUpdatedRecord: the record was updated in the mutable region.
	InPlaceUpdatedRecord
	// CopyUpdatedRecord: RMW copied an existing record forward.
	CopyUpdatedRecord
	// Expired: the update callback declared the record expired.
	Expired
)

// Base strips the advanced bits.
func (s Status) Base() Status { return s & statusBaseMask }

// Found reports a successful lookup.
func (s Status) Found() bool { return s.Base() == StatusFound }

// NotFound reports an absent key.
func (s Status) NotFound() bool { return s.Base() == StatusNotFound }

// Pending reports outstanding asynchronous I/O.
func (s Status) Pending() bool { return s.Base() == StatusPending }

// Canceled reports cancellation by a user callback.
func (s Status) Canceled() bool { return s.Base() == StatusCanceled }

// Has reports whether the advanced bit is set.
func (s Status) Has(bit Status) bool { return s&bit != 0 }

func (s Status) String() string {
	var base string
	switch s.Base() {
	case StatusFound:
		base = "Found"
	case StatusNotFound:
		base = "NotFound"
	case StatusPending:
		base = "Pending"
	case StatusCanceled:
		base = "Canceled"
	case StatusInternalError:
		base = "InternalError"
	default:
		base = "Unknown"
	}
	for _, f := range []struct {
		bit  Status
		name string
	}{
		{CopiedToReadCache, "CopiedToReadCache"},
		{CopiedRecord, "CopiedRecord"},
		{CreatedRecord, "CreatedRecord"},
		{InPlaceUpdatedRecord, "InPlaceUpdatedRecord"},
		{CopyUpdatedRecord, "CopyUpdatedRecord"},
		{Expired, "Expired"},
	} {
		if s.Has(f.bit) {
			base += "|" + f.name
		}
	}
	return base
}

// --------------------------------------------------------------------------
// Internal statuses (never surfaced)
// --------------------------------------------------------------------------

// internalStatus drives the engine retry loop.
type internalStatus int

const (
	opOK internalStatus = iota
	opNotFound
	opRetryNow         // small window conflict; retry in the same epoch
	opRetryLater       // requires an epoch refresh first
	opRecordOnDisk     // enqueue I/O, surface Pending
	opCPRShiftDetected // checkpoint version moved; refresh session version
	opAllocateFailed   // tail allocation hit an unflushed page
)

// --------------------------------------------------------------------------
// Read options
// --------------------------------------------------------------------------

// ReadOptions tune a single Read call.
type ReadOptions struct {
	// DisableReadCacheReads skips read cache records during traversal.
	DisableReadCacheReads bool
	// DisableReadCacheUpdates suppresses caching of device reads.
	DisableReadCacheUpdates bool
	// CopyReadsToTail copies device reads to the hybrid log tail instead
	// of the read cache.
	CopyReadsToTail bool
	// CopyFromDeviceOnly restricts copies to records read from the device:
	// an immutable in-memory hit is not copied to the tail even with
	// CopyReadsToTail, and device reads are not inserted into the read
	// cache. The read path itself is unchanged.
	CopyFromDeviceOnly bool
	// ResetModifiedBit clears the checkpoint dirty bit of the record read.
	ResetModifiedBit bool
	// StopAddress bounds the traversal; records below it are not
	// consulted.
	StopAddress uint64
}

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// LogSettings sizes the hybrid log. Sizes are log2 of record slots.
type LogSettings struct {
	MemorySizeBits uint32
	PageSizeBits   uint32
}

// ReadCacheSettings sizes the read cache ring; a nil value in Settings
// disables the read cache entirely.
type ReadCacheSettings struct {
	MemorySizeBits uint32
	PageSizeBits   uint32
}

// Settings configures a store.
type Settings struct {
	// IndexBuckets is the hash index size (rounded up to a power of two).
	IndexBuckets uint64

	Log       LogSettings
	ReadCache *ReadCacheSettings

	// Hasher overrides the default seeded FNV-1a key hash. Intended for
	// tests that need deterministic chain placement.
	Hasher util.Hasher

	// MaxSessions bounds the number of concurrently registered sessions.
	MaxSessions int
}

// DefaultSettings returns a store sizing suitable for tests and tools.
func DefaultSettings() Settings {
	return Settings{
		IndexBuckets: 1 << 16,
		Log:          LogSettings{MemorySizeBits: 20, PageSizeBits: 12},
		ReadCache:    &ReadCacheSettings{MemorySizeBits: 18, PageSizeBits: 12},
		MaxSessions:  128,
	}
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// RetCode classifies store errors.
type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: operation executed successfully
	RetCInternalError                   // 1: internal error, store unhealthy
	RetCInvalidOperation                // 2: operation not allowed in this state
	RetCInvalidMetadata                 // 3: checkpoint metadata rejected
)

// Error wraps a return code and a message.
type Error struct {
	Code RetCode
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	code := "Unknown"
	switch e.Code {
	case RetCInternalError:
		code = "InternalError"
	case RetCInvalidOperation:
		code = "InvalidOperation"
	case RetCInvalidMetadata:
		code = "InvalidMetadata"
	}
	return fmt.Sprintf("StoreError (code %s): %s", code, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}
