// Package difficulty converts between share difficulties, compact network
// targets and full precision 256-bit targets. Every conversion on the
// validation path uses integer or rational arithmetic.
package difficulty

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/stratumbridge/pkg/errors"
)

var (
	// ErrInvalidDifficulty is returned for zero, negative or non-finite difficulties.
	ErrInvalidDifficulty = errors.Sentinel("invalid difficulty")
	// ErrMalformedCompactTarget is returned for compact encodings that are
	// negative, zero or do not fit in 256 bits.
	ErrMalformedCompactTarget = errors.Sentinel("malformed compact target")
)

var (
	// MaxTarget is 2^256-1, the largest representable target.
	MaxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// BitcoinDiff1Target is the pool difficulty 1 target (compact 0x1d00ffff).
	BitcoinDiff1Target = blockchain.CompactToBig(0x1d00ffff)

	one = big.NewInt(1)
)

// Base names accepted by Preset.
const (
	BaseFull    = "full"
	BaseBitcoin = "bitcoin"
)

// Preset returns the difficulty 1 target for a configured base name.
func Preset(name string) (*big.Int, bool) {
	switch name {
	case BaseFull:
		return new(big.Int).Set(MaxTarget), true
	case BaseBitcoin, "":
		return new(big.Int).Set(BitcoinDiff1Target), true
	default:
		return nil, false
	}
}

// Codec converts difficulties to targets relative to a fixed difficulty 1 target.
type Codec struct {
	maxTarget *big.Int
}

// NewCodec creates a codec. A nil or non-positive maxTarget falls back to
// BitcoinDiff1Target.
func NewCodec(maxTarget *big.Int) *Codec {
	if maxTarget == nil || maxTarget.Sign() <= 0 || maxTarget.BitLen() > 256 {
		maxTarget = BitcoinDiff1Target
	}
	return &Codec{maxTarget: new(big.Int).Set(maxTarget)}
}

// MaxTarget returns a copy of the codec's difficulty 1 target.
func (c *Codec) MaxTarget() *big.Int {
	return new(big.Int).Set(c.maxTarget)
}

// TargetFromDifficulty returns floor(maxTarget / d), clamped to [1, maxTarget].
// The float is converted to an exact rational before dividing.
func (c *Codec) TargetFromDifficulty(d float64) (*big.Int, error) {
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return nil, errors.Wrap(ErrInvalidDifficulty, errors.ErrorTypeValidation,
			"target_from_difficulty", "difficulty must be positive and finite").
			WithContext("difficulty", d)
	}

	r := new(big.Rat).SetFloat64(d)

	// maxTarget / (num/den) == maxTarget*den / num
	t := new(big.Int).Mul(c.maxTarget, r.Denom())
	t.Quo(t, r.Num())

	if t.Cmp(one) < 0 {
		t.Set(one)
	}
	if t.Cmp(c.maxTarget) > 0 {
		t.Set(c.maxTarget)
	}
	return t, nil
}

// TargetFromCompact decodes the nBits encoding used in block headers.
func (c *Codec) TargetFromCompact(bits uint32) (*big.Int, error) {
	return DecodeCompact(bits)
}

// DecodeCompact decodes a compact target, rejecting encodings that are
// negative, zero or wider than 256 bits.
func DecodeCompact(bits uint32) (*big.Int, error) {
	mantissa := bits & 0x007fffff
	exponent := uint(bits >> 24)

	malformed := func(reason string) error {
		return errors.Wrap(ErrMalformedCompactTarget, errors.ErrorTypeValidation,
			"target_from_compact", reason).
			WithContext("bits", bits)
	}

	if bits&0x00800000 != 0 && mantissa != 0 {
		return nil, malformed("negative target")
	}

	// exponent counts bytes; the mantissa occupies up to three of them
	if mantissa != 0 && exponent > 3 {
		if new(big.Int).SetUint64(uint64(mantissa)).BitLen()+int(8*(exponent-3)) > 256 {
			return nil, malformed("target exceeds 256 bits")
		}
	}

	t := blockchain.CompactToBig(bits)
	if t.Sign() <= 0 {
		return nil, malformed("zero target")
	}
	return t, nil
}

// CompactFromTarget encodes a target in compact form. Precision beyond the
// three byte mantissa is truncated.
func (c *Codec) CompactFromTarget(t *big.Int) uint32 {
	return blockchain.BigToCompact(t)
}

// DifficultyFromTarget returns maxTarget / t as a float for logging and
// metrics. It returns 0 for a nil or non-positive target.
func (c *Codec) DifficultyFromTarget(t *big.Int) float64 {
	if t == nil || t.Sign() <= 0 {
		return 0
	}
	d, _ := new(big.Rat).SetFrac(c.maxTarget, t).Float64()
	return d
}

// HashToBig interprets a digest as a little-endian integer.
func HashToBig(digest [32]byte) *big.Int {
	var be [32]byte
	for i := range digest {
		be[31-i] = digest[i]
	}
	return new(big.Int).SetBytes(be[:])
}

// TargetToHash is the inverse of HashToBig. Values wider than 256 bits are
// truncated to their low 256 bits.
func TargetToHash(t *big.Int) [32]byte {
	var be [32]byte
	v := t
	if t.BitLen() > 256 {
		v = new(big.Int).And(t, MaxTarget)
	}
	v.FillBytes(be[:])

	var digest [32]byte
	for i := range be {
		digest[31-i] = be[i]
	}
	return digest
}
