package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/zde37/kvring/pkg/hash"
)

// KeySize is the fixed length of a key in bytes.
const KeySize = 32

// Key is a fixed-length opaque identifier such as a content or name hash.
type Key [KeySize]byte

// KeyFromString derives a key from an arbitrary name.
func KeyFromString(name string) Key {
	return Key(sha256.Sum256([]byte(name)))
}

// ParseKey decodes a hex encoded key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("invalid key length %d, want %d", len(b), KeySize)
	}
	copy(k[:], b)
	return k, nil
}

// String returns the hex form of the key.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ID places the key in the node identifier space.
func (k Key) ID() *big.Int {
	return hash.HashKey(k[:])
}

// Record is a single key-value pair, used when records move between nodes.
type Record struct {
	Key   Key    `cbor:"1,keyasint"`
	Value []byte `cbor:"2,keyasint"`
}

// ResultCode is the outcome reported to the network boundary.
type ResultCode byte

const (
	Success             ResultCode = 0x00
	KeyNotFound         ResultCode = 0x01
	OutOfSpace          ResultCode = 0x02
	// NoOwner is reserved. Requests with no owner are dropped, never answered.
	NoOwner             ResultCode = 0x03
	InternalFailure     ResultCode = 0x04
	UnrecognizedCommand ResultCode = 0x05
	InvalidValue        ResultCode = 0x06
)

// String returns the name of the result code.
func (c ResultCode) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case KeyNotFound:
		return "KEY_NOT_FOUND"
	case OutOfSpace:
		return "OUT_OF_SPACE"
	case NoOwner:
		return "NO_OWNER"
	case InternalFailure:
		return "INTERNAL_FAILURE"
	case UnrecognizedCommand:
		return "UNRECOGNIZED_COMMAND"
	case InvalidValue:
		return "INVALID_VALUE"
	default:
		return fmt.Sprintf("RESULT(0x%02x)", byte(c))
	}
}
