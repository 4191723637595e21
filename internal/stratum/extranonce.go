package stratum

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bardlex/stratumbridge/pkg/errors"
)

// ErrIdentityExhausted is returned when every extranonce1 is in use.
var ErrIdentityExhausted = errors.Sentinel("extranonce1 keyspace exhausted")

// ExtranonceAllocator hands out unique extranonce1 values. Zero is never
// assigned.
type ExtranonceAllocator struct {
	size  int
	limit uint64

	mu   sync.Mutex
	used map[uint64]struct{}
	next uint64
}

// NewExtranonceAllocator creates an allocator for size-byte identities.
func NewExtranonceAllocator(size int) (*ExtranonceAllocator, error) {
	if size < 1 || size > 8 {
		return nil, fmt.Errorf("extranonce1 size must be between 1 and 8 bytes, got %d", size)
	}
	// shifting by 64 yields 0, so size 8 wraps to the full uint64 range
	limit := uint64(1)<<(8*uint(size)) - 1
	return &ExtranonceAllocator{
		size:  size,
		limit: limit,
		used:  make(map[uint64]struct{}),
		next:  1,
	}, nil
}

// Size returns the identity width in bytes.
func (a *ExtranonceAllocator) Size() int { return a.size }

// Allocate reserves an identity. A requested identity is honoured when it
// is well formed and free.
func (a *ExtranonceAllocator) Allocate(requested string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if uint64(len(a.used)) >= a.limit {
		return "", errors.Wrap(ErrIdentityExhausted, errors.ErrorTypeValidation, "allocate_extranonce",
			"no free identities").WithContext("in_use", len(a.used))
	}

	if v, ok := a.parse(requested); ok {
		if _, taken := a.used[v]; !taken {
			a.used[v] = struct{}{}
			return a.format(v), nil
		}
	}

	for {
		v := a.next
		if a.next == a.limit {
			a.next = 1
		} else {
			a.next++
		}
		if _, taken := a.used[v]; !taken {
			a.used[v] = struct{}{}
			return a.format(v), nil
		}
	}
}

// Release frees an identity for reuse.
func (a *ExtranonceAllocator) Release(identity string) {
	v, ok := a.parse(identity)
	if !ok {
		return
	}
	a.mu.Lock()
	delete(a.used, v)
	a.mu.Unlock()
}

// InUse returns the number of reserved identities.
func (a *ExtranonceAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

func (a *ExtranonceAllocator) parse(s string) (uint64, bool) {
	if len(s) != 2*a.size {
		return 0, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, false
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, v != 0
}

func (a *ExtranonceAllocator) format(v uint64) string {
	b := make([]byte, a.size)
	for i := a.size - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return hex.EncodeToString(b)
}
