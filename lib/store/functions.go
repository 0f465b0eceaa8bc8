package store

import "github.com/hazeldb/hazel/lib/hlog"

// --------------------------------------------------------------------------
// User value-type callbacks
// --------------------------------------------------------------------------

// Action is the verdict of an update callback.
type Action int

const (
	// ActionOK commits the produced value.
	ActionOK Action = iota
	// ActionExpire replaces the record with a tombstone.
	ActionExpire
	// ActionCancel aborts the operation; the caller sees StatusCanceled.
	ActionCancel
)

// IFunctions is the capability set supplying copy/update semantics to the
// operation engine. An implementation is injected per session and never
// changes type at runtime; the engine dispatches on it for every record it
// writes or rewrites.
type IFunctions interface {
	// SingleWriter builds the value of a freshly appended record. The
	// record is unpublished, so no concurrency control applies.
	SingleWriter(key string, input, value []byte) []byte

	// ConcurrentWriter updates a mutable-region record in place. The
	// engine seals the record around the call. Returning false makes the
	// engine fall back to an appended copy.
	ConcurrentWriter(key string, input, value []byte, rec *hlog.Record) bool

	// InitialUpdater produces the value of an RMW that found no prior
	// record.
	InitialUpdater(key string, input []byte) ([]byte, Action)

	// CopyUpdater produces the successor value of an RMW from a read-only
	// snapshot of the prior value.
	CopyUpdater(key string, input, old []byte) ([]byte, Action)

	// InPlaceUpdater applies an RMW directly to a mutable-region record.
	// The engine seals the record around the call. Returning false makes
	// the engine fall back to CopyUpdater.
	InPlaceUpdater(key string, input []byte, rec *hlog.Record) (bool, Action)
}

// --------------------------------------------------------------------------
// Default byte-slice semantics
// --------------------------------------------------------------------------

// BytesFunctions is the default IFunctions: Upsert replaces the value, RMW
// appends the input to the prior value.
type BytesFunctions struct{}

func (BytesFunctions) SingleWriter(_ string, _, value []byte) []byte {
	return append([]byte(nil), value...)
}

func (BytesFunctions) ConcurrentWriter(_ string, _, value []byte, rec *hlog.Record) bool {
	rec.Value = append([]byte(nil), value...)
	return true
}

func (BytesFunctions) InitialUpdater(_ string, input []byte) ([]byte, Action) {
	return append([]byte(nil), input...), ActionOK
}

func (BytesFunctions) CopyUpdater(_ string, input, old []byte) ([]byte, Action) {
	merged := make([]byte, 0, len(old)+len(input))
	merged = append(merged, old...)
	merged = append(merged, input...)
	return merged, ActionOK
}

func (BytesFunctions) InPlaceUpdater(_ string, input []byte, rec *hlog.Record) (bool, Action) {
	rec.Value = append(rec.Value, input...)
	return true, ActionOK
}
