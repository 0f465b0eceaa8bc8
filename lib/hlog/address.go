package hlog

// --------------------------------------------------------------------------
// Logical Addresses
// --------------------------------------------------------------------------

// Address is a 48-bit logical position in one of the two record rings. The
// high bit of the 48-bit space (ReadCacheBit) selects which ring resolves
// the address; the remaining 47 bits are the position within that ring.
//
// Addresses are monotonically increasing per ring, so the PreviousAddress
// links of a hash chain strictly decrease within each ring.
type Address uint64

const (
	// AddressBits is the width of a logical address.
	AddressBits = 48

	// InvalidAddress terminates a hash chain.
	InvalidAddress Address = 0

	// ReadCacheBit marks an address as resolving in the read cache ring.
	ReadCacheBit Address = 1 << 47

	// AddressMask keeps the low 48 bits of a packed word.
	AddressMask Address = (1 << AddressBits) - 1
)

// ReadCache reports whether the address resolves in the read cache ring.
func (a Address) ReadCache() bool {
	return a&ReadCacheBit != 0
}

// Absolute returns the ring-local position, i.e. the address without the
// ring selector bit.
func (a Address) Absolute() Address {
	return a &^ ReadCacheBit
}

// WithReadCache returns the address tagged as a read cache address.
func (a Address) WithReadCache() Address {
	return a | ReadCacheBit
}

// IsValid reports whether the address points at a record at all.
func (a Address) IsValid() bool {
	return a != InvalidAddress
}
