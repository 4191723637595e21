// Package jobs keeps the current job and a bounded window of recent jobs.
package jobs

import (
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/pkg/errors"
)

// MinWindow is the smallest retained window; one slot of grace for shares
// against the job just superseded.
const MinWindow = 2

// DefaultWindow is used when no window is configured.
const DefaultWindow = 16

// Job is an immutable unit of work derived from one template.
type Job struct {
	ID            uint64
	Template      *bitcoin.Template
	NetworkTarget *big.Int
	Clean         bool
	CreatedAt     time.Time

	idString string
}

// IDString renders the wire job id.
func (j *Job) IDString() string { return j.idString }

// FormatID renders a job id as sent in mining.notify.
func FormatID(id uint64) string {
	return strconv.FormatUint(id, 16)
}

// ParseID parses a wire job id.
func ParseID(s string) (uint64, bool) {
	if s == "" || len(s) > 16 {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Registry stores jobs in a ring buffer. A single writer inserts while
// any number of readers look jobs up.
type Registry struct {
	codec *difficulty.Codec

	mu     sync.RWMutex
	ring   []*Job
	nextID uint64

	current atomic.Pointer[Job]
}

// NewRegistry creates a registry retaining the last window jobs.
func NewRegistry(codec *difficulty.Codec, window int) *Registry {
	if window < MinWindow {
		window = MinWindow
	}
	return &Registry{
		codec:  codec,
		ring:   make([]*Job, window),
		nextID: 1,
	}
}

// Insert creates the next job from tpl, evicting the oldest job once the
// window is full. No id is consumed when the template's bits are malformed.
func (r *Registry) Insert(tpl *bitcoin.Template, clean bool) (*Job, error) {
	if tpl == nil {
		return nil, errors.New(errors.ErrorTypeValidation, "job_insert", "nil template")
	}

	target, err := r.codec.TargetFromCompact(tpl.Bits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "job_insert",
			"template carries an unusable network target").
			WithContext("height", tpl.Height)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	job := &Job{
		ID:            id,
		Template:      tpl,
		NetworkTarget: target,
		Clean:         clean,
		CreatedAt:     time.Now(),
		idString:      FormatID(id),
	}

	r.ring[id%uint64(len(r.ring))] = job
	r.current.Store(job)
	return job, nil
}

// Lookup returns a retained job.
func (r *Registry) Lookup(id uint64) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job := r.ring[id%uint64(len(r.ring))]
	if job == nil || job.ID != id {
		return nil, false
	}
	return job, true
}

// LookupString parses a wire id and looks it up.
func (r *Registry) LookupString(id string) (*Job, bool) {
	n, ok := ParseID(id)
	if !ok {
		return nil, false
	}
	return r.Lookup(n)
}

// Current returns the newest job, or nil before the first insert.
func (r *Registry) Current() *Job {
	return r.current.Load()
}

// Oldest returns the smallest retained id, or 0 when empty.
func (r *Registry) Oldest() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	issued := r.nextID - 1
	if issued == 0 {
		return 0
	}
	window := uint64(len(r.ring))
	if issued < window {
		return 1
	}
	return issued - window + 1
}

// Len returns the number of retained jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int(min(r.nextID-1, uint64(len(r.ring))))
}

// Window returns the retention bound.
func (r *Registry) Window() int {
	return len(r.ring)
}
