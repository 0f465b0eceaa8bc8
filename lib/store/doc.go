// Package store implements the hazel operation engine and session API on
// top of the hash index, the hybrid log, the read cache and the lock table.
//
// A session issues an operation; the engine hashes the key, locates the
// bucket entry and walks the record chain via PreviousAddress links, first
// through the read cache prefix, then through the in-memory hybrid log,
// optionally going pending on an asynchronous device read. Every mutation
// commits with a single CAS on the bucket entry, so no partially spliced
// chain is ever observable.
//
// All transient races (lost CAS, sealed records, allocation stalls,
// checkpoint version shifts) are resolved inside the engine loop and never
// surfaced to callers; the public statuses are Found, NotFound, Pending,
// Canceled and InternalError (store unhealthy), plus advanced bits
// describing what the operation did.
package store
