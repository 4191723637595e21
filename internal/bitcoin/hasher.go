package bitcoin

import (
	"fmt"
	"strings"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2b"
)

// Hasher computes the proof-of-work digest of a serialized block header.
// The digest is compared against targets as a little-endian integer.
type Hasher func(header []byte) [32]byte

// Hasher names accepted by HasherByName.
const (
	HashSHA256d = "sha256d"
	HashBlake2b = "blake2b"
)

// DoubleSHA256 is the Bitcoin proof-of-work hash.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// NewBlake2bHasher returns a BLAKE2b-256 hasher, keyed when key is non-empty.
func NewBlake2bHasher(key []byte) (Hasher, error) {
	if _, err := blake2b.New256(key); err != nil {
		return nil, fmt.Errorf("invalid blake2b key: %w", err)
	}
	k := append([]byte(nil), key...)

	return func(header []byte) [32]byte {
		h, _ := blake2b.New256(k)
		h.Write(header)

		var digest [32]byte
		copy(digest[:], h.Sum(nil))
		return digest
	}, nil
}

// HasherByName resolves a configured proof-of-work hash.
func HasherByName(name string, key []byte) (Hasher, error) {
	switch strings.ToLower(name) {
	case "", HashSHA256d:
		return DoubleSHA256, nil
	case HashBlake2b:
		return NewBlake2bHasher(key)
	default:
		return nil, fmt.Errorf("unknown pow hash %q", name)
	}
}
