// Package index implements the hash index of the hazel store: a power-of-two
// array of cache-line-sized buckets whose 64-bit entries pack a logical
// address, a 14-bit key tag, the read-cache bit and a tentative bit. All
// entry mutation is CAS-only; the single bucket-entry CAS is the commit
// point for every chain splice the operation engine performs.
package index
