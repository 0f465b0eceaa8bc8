// Package util provides shared low-level helpers for the hazel store:
// seeded string hashing for the hash index, a lock-free batch-draining
// MPSC queue used to deliver asynchronous I/O completions to their owning
// session, and a bounded exponential backoff helper for CAS retry loops.
package util
