package hash

import (
	"crypto/sha256"
	"fmt"
	"math/big"
)

const (
	// M is the size of the identifier space in bits (2^160)
	M = 160
)

var (
	// ringSize is 2^M, the number of identifiers on the ring
	ringSize = new(big.Int).Lsh(big.NewInt(1), M)

	zero = big.NewInt(0)
)

// HashKey hashes arbitrary data to a 160-bit identifier.
// The SHA-256 digest is truncated to its first 20 bytes.
func HashKey(data []byte) *big.Int {
	sum := sha256.Sum256(data)
	return new(big.Int).SetBytes(sum[:M/8])
}

// HashAddress derives a node identifier from its external address.
// The same host and port always yield the same identifier.
func HashAddress(host string, port int) *big.Int {
	return HashKey([]byte(fmt.Sprintf("%s:%d", host, port)))
}

// InRange reports whether id lies in the half-open interval (start, end] on the ring.
// The interval wraps around zero when end <= start.
//
// Examples:
//   - InRange(5, 3, 7) = true    // 5 is in (3, 7]
//   - InRange(3, 3, 7) = false   // start is exclusive
//   - InRange(1, 8, 3) = true    // wraps past zero
//   - InRange(3, 3, 3) = false   // a degenerate interval covers everything but start
func InRange(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id, start, end = mod(id), mod(start), mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) <= 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) <= 0
	default:
		return id.Cmp(start) != 0
	}
}

// Compare orders two identifiers after reducing them onto the ring.
func Compare(a, b *big.Int) int {
	return mod(a).Cmp(mod(b))
}

// mod returns x mod 2^M in [0, 2^M).
func mod(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Mod(x, ringSize)
}

// RingSize returns 2^M.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}

// IsValidID checks if an ID is within [0, 2^M).
func IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Cmp(zero) >= 0 && id.Cmp(ringSize) < 0
}

// Short renders the leading hex digits of an identifier for log fields.
func Short(id *big.Int) string {
	if id == nil {
		return "nil"
	}
	s := id.Text(16)
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
