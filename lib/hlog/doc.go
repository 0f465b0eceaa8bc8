// Package hlog implements the hybrid log of the hazel store: an append-only
// ring of record pages addressed by 48-bit logical addresses.
//
// The ring is split into three regions by monotonically advancing markers:
//
//	[BeginAddress, HeadAddress)    on device only
//	[HeadAddress, ReadOnlyAddress) immutable in memory
//	[ReadOnlyAddress, TailAddress) mutable in memory
//
// The same type also backs the read cache: a second ring whose addresses
// carry the ReadCacheBit and which has no device behind it. Records evicted
// from the read cache are dropped, not flushed; an eviction hook lets the
// store out-splice them from the hash chains first.
package hlog
