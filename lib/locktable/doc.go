// Package locktable implements the overflow lock table of the hazel store.
//
// Key locks normally live in the header word of the key's in-memory record.
// When the read cache evicts a locked record, its lock state moves into the
// lock table; when a later operation brings the key back into memory, the
// state moves into the new record's header before the record is published.
// A lock count therefore exists in exactly one of the two places at any
// instant.
package locktable
