package transfer

import "github.com/holiman/uint256"

// Atomic128 carries the operand, compare and fetch-result values for the
// three atomic operation kinds (spec §6: atomic, atomic-fetch,
// atomic-compare). uint256.Int gives one uniform, allocation-free
// representation wide enough for every RDMA atomic datatype up to 128 bits,
// instead of a union of fixed-width int32/int64/uint64 fields.
type Atomic128 struct {
	v uint256.Int
}

// AtomicFromUint64 builds an Atomic128 from a 64-bit operand, the common
// case for FI_UINT64/FI_INT64 atomic datatypes.
func AtomicFromUint64(x uint64) Atomic128 {
	return Atomic128{v: *uint256.NewInt(x)}
}

// Uint64 returns the low 64 bits, valid whenever the value fits (checked by
// the caller against the negotiated atomic datatype width).
func (a Atomic128) Uint64() uint64 {
	return a.v.Uint64()
}

// Bytes16 returns the big-endian 128-bit representation for wire encoding
// by the packet codec collaborator.
func (a Atomic128) Bytes16() [16]byte {
	b := a.v.Bytes32()
	var out [16]byte
	copy(out[:], b[16:])
	return out
}

// Add returns a + b modulo 2^256. Nothing in this module calls it; the
// loopback transport performs no atomic arithmetic.
func (a Atomic128) Add(b Atomic128) Atomic128 {
	var r uint256.Int
	r.Add(&a.v, &b.v)
	return Atomic128{v: r}
}

// Equal reports whether a == b.
func (a Atomic128) Equal(b Atomic128) bool {
	return a.v.Eq(&b.v)
}
