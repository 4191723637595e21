// Package validation checks submitted shares against the worker's share
// target and the job's network target.
package validation

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/pkg/errors"
)

// DefaultMaxTimeSkew bounds how far ntime may run ahead of the clock.
const DefaultMaxTimeSkew = 2 * time.Hour

type shareKey struct {
	worker      string
	extraNonce2 string
	ntime       uint32
	nonce       uint32
	versionBits uint32
}

// Validator checks shares. It is safe for concurrent use by every
// connection goroutine.
type Validator struct {
	registry    *jobs.Registry
	codec       *difficulty.Codec
	hasher      bitcoin.Hasher
	maxTimeSkew time.Duration
	now         func() time.Time

	mu     sync.Mutex
	seen   map[uint64]map[shareKey]struct{}
	pruned uint64
}

// NewValidator creates a validator. A nil hasher selects double SHA-256.
func NewValidator(registry *jobs.Registry, codec *difficulty.Codec, hasher bitcoin.Hasher, maxTimeSkew time.Duration) *Validator {
	if hasher == nil {
		hasher = bitcoin.DoubleSHA256
	}
	if maxTimeSkew <= 0 {
		maxTimeSkew = DefaultMaxTimeSkew
	}
	return &Validator{
		registry:    registry,
		codec:       codec,
		hasher:      hasher,
		maxTimeSkew: maxTimeSkew,
		now:         time.Now,
		seen:        make(map[uint64]map[shareKey]struct{}),
	}
}

// Validate runs the full check for one share. Stale jobs are never
// evaluated and duplicates are caught before hashing.
func (v *Validator) Validate(share *Share, session Session) Outcome {
	job, ok := v.registry.LookupString(share.JobID)
	if !ok {
		return Outcome{Status: StatusStale, Difficulty: session.Difficulty()}
	}

	out := Outcome{Job: job, Difficulty: session.Difficulty()}

	version, err := v.checkFields(job, share, session)
	if err != nil {
		out.Status, out.Reason, out.Err = StatusRejected, ReasonInvalid, err
		return out
	}

	if !v.remember(job.ID, share) {
		out.Status, out.Reason = StatusRejected, ReasonDuplicate
		return out
	}

	tpl := job.Template
	coinbase, err := tpl.Coinbase(share.ExtraNonce1, share.ExtraNonce2)
	if err != nil {
		out.Status, out.Reason = StatusRejected, ReasonInvalid
		out.Err = errors.Wrap(err, errors.ErrorTypeValidation, "validate_share", "coinbase")
		return out
	}

	header := tpl.Header(tpl.MerkleRoot(coinbase), version, share.NTime, share.Nonce)
	digest := v.hasher(bitcoin.SerializeHeader(&header))
	value := difficulty.HashToBig(digest)

	out.Hash = chainhash.Hash(digest)
	out.ShareDifficulty = v.codec.DifficultyFromTarget(value)

	target, credited := session.ShareTarget(job.ID)
	if target == nil {
		out.Status, out.Reason = StatusRejected, ReasonInvalid
		out.Err = errors.New(errors.ErrorTypeValidation, "validate_share", "worker has no share target")
		return out
	}
	out.Difficulty = credited
	if value.Cmp(target) > 0 {
		out.Status, out.Reason = StatusRejected, ReasonLowDifficulty
		return out
	}

	if value.Cmp(job.NetworkTarget) > 0 {
		out.Status = StatusAccepted
		return out
	}

	block, err := tpl.AssembleBlock(coinbase, header)
	if err != nil {
		// the share still met the share target
		out.Status = StatusAccepted
		out.Err = errors.Wrap(err, errors.ErrorTypeInternal, "assemble_block", "solved share could not be assembled").
			WithContext("job_id", job.IDString())
		return out
	}
	out.Status = StatusBlock
	out.Block = block
	return out
}

// checkFields validates sizes, the ntime window and version bits, and
// returns the header version to hash.
func (v *Validator) checkFields(job *jobs.Job, share *Share, session Session) (int32, error) {
	tpl := job.Template

	if len(share.ExtraNonce2) != tpl.ExtraNonce2Size {
		return 0, errors.New(errors.ErrorTypeProtocol, "validate_share", "wrong extranonce2 size").
			WithContext("got", len(share.ExtraNonce2)).
			WithContext("want", tpl.ExtraNonce2Size)
	}

	if share.NTime < tpl.MinTime {
		return 0, errors.New(errors.ErrorTypeProtocol, "validate_share", "ntime before template mintime").
			WithContext("ntime", share.NTime)
	}
	now := share.SubmittedAt
	if now.IsZero() {
		now = v.now()
	}
	limit := max(int64(tpl.CurTime), now.Unix()) + int64(v.maxTimeSkew/time.Second)
	if int64(share.NTime) > limit {
		return 0, errors.New(errors.ErrorTypeProtocol, "validate_share", "ntime too far in the future").
			WithContext("ntime", share.NTime)
	}

	version := uint32(tpl.Version)
	if share.VersionBits != 0 {
		mask := session.VersionMask()
		if share.VersionBits&^mask != 0 {
			return 0, errors.New(errors.ErrorTypeProtocol, "validate_share", "version bits outside negotiated mask").
				WithContext("version_bits", share.VersionBits).
				WithContext("mask", mask)
		}
		version = version&^mask | share.VersionBits
	}
	return int32(version), nil
}

// remember records the share and reports whether it was new. Sets for jobs
// that left the registry window are dropped on the way.
func (v *Validator) remember(jobID uint64, share *Share) bool {
	key := shareKey{
		worker:      share.Worker,
		extraNonce2: string(share.ExtraNonce2),
		ntime:       share.NTime,
		nonce:       share.Nonce,
		versionBits: share.VersionBits,
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.pruneLocked(v.registry.Oldest())

	set, ok := v.seen[jobID]
	if !ok {
		set = make(map[shareKey]struct{})
		v.seen[jobID] = set
	}
	if _, dup := set[key]; dup {
		return false
	}
	set[key] = struct{}{}
	return true
}

// Prune drops duplicate sets for evicted jobs.
func (v *Validator) Prune() {
	oldest := v.registry.Oldest()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.pruneLocked(oldest)
}

func (v *Validator) pruneLocked(oldest uint64) {
	if oldest <= v.pruned {
		return
	}
	for id := range v.seen {
		if id < oldest {
			delete(v.seen, id)
		}
	}
	v.pruned = oldest
}

// Tracked returns the number of jobs with a duplicate set.
func (v *Validator) Tracked() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.seen)
}
