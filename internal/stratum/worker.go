package stratum

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/internal/validation"
	"github.com/bardlex/stratumbridge/pkg/errors"
)

var (
	// ErrInvalidCredentials is returned for usernames that are not a payout
	// address for the configured network.
	ErrInvalidCredentials = errors.Sentinel("invalid credentials")
	// ErrNotSubscribed is returned when authorizing before subscribing.
	ErrNotSubscribed = errors.Sentinel("not subscribed")
)

// WorkerConfig is shared by every worker of a bridge.
type WorkerConfig struct {
	Codec     *difficulty.Codec
	Allocator *ExtranonceAllocator
	Params    *chaincfg.Params

	ExtraNonce2Size int

	StartDifficulty float64
	MinDifficulty   float64
	MaxDifficulty   float64

	// VersionMask is the largest version-rolling mask offered to miners.
	VersionMask uint32

	Vardiff VardiffConfig
}

// Stats are a worker's share counters.
type Stats struct {
	Accepted      uint64    `json:"accepted"`
	Rejected      uint64    `json:"rejected"`
	Stale         uint64    `json:"stale"`
	Duplicate     uint64    `json:"duplicate"`
	LowDifficulty uint64    `json:"low_difficulty"`
	Invalid       uint64    `json:"invalid"`
	Blocks        uint64    `json:"blocks"`
	AcceptedWork  float64   `json:"accepted_work"`
	LastShareAt   time.Time `json:"last_share_at"`
}

// Worker is the mining state of one connection.
type Worker struct {
	cfg *WorkerConfig

	mu          sync.RWMutex
	identity    string
	extraNonce1 []byte
	userAgent   string
	subscribed  bool
	authorized  bool
	user        string
	workerName  string
	difficulty  float64
	shareTarget *big.Int
	lastJobID   uint64

	// target in force before the last change, honoured for jobs up to graceJobID
	prevDifficulty float64
	prevTarget     *big.Int
	graceJobID     uint64

	versionMask uint32
	stats       Stats
	vardiff     *vardiff
	connectedAt time.Time
}

// NewWorker creates an unsubscribed worker at the start difficulty.
func NewWorker(cfg *WorkerConfig) *Worker {
	now := time.Now()
	w := &Worker{
		cfg:         cfg,
		vardiff:     newVardiff(cfg.Vardiff, now),
		connectedAt: now,
	}
	start := clampDifficulty(cfg.StartDifficulty, cfg.MinDifficulty, cfg.MaxDifficulty)
	if err := w.setDifficultyLocked(start); err != nil {
		_ = w.setDifficultyLocked(1)
	}
	return w
}

// Subscribe assigns the worker's extranonce1. Subscribing twice returns the
// existing identity.
func (w *Worker) Subscribe(userAgent, requested string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.subscribed {
		return w.identity, nil
	}

	identity, err := w.cfg.Allocator.Allocate(requested)
	if err != nil {
		return "", err
	}
	en1, err := hex.DecodeString(identity)
	if err != nil {
		w.cfg.Allocator.Release(identity)
		return "", errors.Wrap(err, errors.ErrorTypeInternal, "subscribe", "allocator returned bad identity")
	}

	w.identity = identity
	w.extraNonce1 = en1
	w.userAgent = userAgent
	w.subscribed = true
	return identity, nil
}

// Authorize checks that username is address[.worker] for the configured
// network. The password may carry d=<difficulty>.
func (w *Worker) Authorize(username, password string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.subscribed {
		return false, ErrNotSubscribed
	}

	address, name, _ := strings.Cut(strings.TrimSpace(username), ".")
	if address == "" {
		return false, errors.Wrap(ErrInvalidCredentials, errors.ErrorTypeValidation, "authorize", "empty username")
	}
	decoded, err := btcutil.DecodeAddress(address, w.cfg.Params)
	if err != nil || !decoded.IsForNet(w.cfg.Params) {
		return false, errors.Wrap(ErrInvalidCredentials, errors.ErrorTypeValidation, "authorize",
			"username is not a payout address").WithContext("username", username)
	}

	w.user = address
	w.workerName = name
	w.authorized = true

	if d, ok := passwordDifficulty(password); ok {
		_ = w.setDifficultyLocked(clampDifficulty(d, w.cfg.MinDifficulty, w.cfg.MaxDifficulty))
	}
	return true, nil
}

// passwordDifficulty extracts d=<difficulty> from a comma separated
// password.
func passwordDifficulty(password string) (float64, bool) {
	for _, field := range strings.Split(password, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || key != "d" {
			continue
		}
		d, err := strconv.ParseFloat(value, 64)
		if err != nil || d <= 0 {
			return 0, false
		}
		return d, true
	}
	return 0, false
}

// Release returns the extranonce1 to the allocator. Safe to call twice.
func (w *Worker) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.identity != "" {
		w.cfg.Allocator.Release(w.identity)
		w.identity = ""
	}
	w.subscribed = false
	w.authorized = false
}

// JobMessage builds the mining.notify for job.
func (w *Worker) JobMessage(job *jobs.Job, clean bool) *Message {
	tpl := job.Template
	p := NotifyParams{
		JobID:        job.IDString(),
		PrevHash:     tpl.PrevHashHex(),
		Coinb1:       tpl.Coinb1Hex(),
		Coinb2:       tpl.Coinb2Hex(),
		MerkleBranch: tpl.MerkleBranchHex(),
		Version:      tpl.VersionHex(),
		NBits:        tpl.BitsHex(),
		NTime:        tpl.NTimeHex(),
		CleanJobs:    clean,
	}
	return NewNotification(MethodNotify, p.Params())
}

// jobDelivered records that the notify for jobID reached the socket.
func (w *Worker) jobDelivered(jobID uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if jobID > w.lastJobID {
		w.lastJobID = jobID
	}
}

// SetDifficulty changes the share difficulty and returns the
// mining.set_difficulty notification.
func (w *Worker) SetDifficulty(d float64) (*Message, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.setDifficultyLocked(d); err != nil {
		return nil, err
	}
	return w.difficultyMessageLocked(), nil
}

// SuggestDifficulty applies a miner suggested difficulty within the
// configured bounds.
func (w *Worker) SuggestDifficulty(d float64) (*Message, error) {
	return w.SetDifficulty(clampDifficulty(d, w.cfg.MinDifficulty, w.cfg.MaxDifficulty))
}

// DifficultyMessage returns the notification for the current difficulty.
func (w *Worker) DifficultyMessage() *Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.difficultyMessageLocked()
}

func (w *Worker) difficultyMessageLocked() *Message {
	return NewNotification(MethodSetDifficulty, []any{w.difficulty})
}

// setDifficultyLocked switches to d. Jobs the miner already holds keep the
// easiest target they were sent under until a newer job is delivered.
func (w *Worker) setDifficultyLocked(d float64) error {
	target, err := w.cfg.Codec.TargetFromDifficulty(d)
	if err != nil {
		return err
	}
	if w.shareTarget != nil && w.lastJobID > 0 {
		if w.prevTarget == nil || w.graceJobID != w.lastJobID || w.shareTarget.Cmp(w.prevTarget) > 0 {
			w.prevDifficulty = w.difficulty
			w.prevTarget = w.shareTarget
		}
		w.graceJobID = w.lastJobID
	}
	w.difficulty = d
	w.shareTarget = target
	return nil
}

// Configure negotiates version rolling and returns the granted mask.
func (w *Worker) Configure(requested uint32) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.versionMask = w.cfg.VersionMask & requested
	return w.versionMask
}

// RecordOutcome counts a share. When vardiff retargets, the new
// mining.set_difficulty is returned.
func (w *Worker) RecordOutcome(o validation.Outcome) *Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.stats.LastShareAt = now

	switch o.Status {
	case validation.StatusBlock:
		w.stats.Blocks++
		fallthrough
	case validation.StatusAccepted:
		w.stats.Accepted++
		w.stats.AcceptedWork += o.Difficulty
		if d, ok := w.vardiff.observe(now, w.difficulty); ok {
			if w.setDifficultyLocked(d) == nil {
				return w.difficultyMessageLocked()
			}
		}
	case validation.StatusStale:
		w.stats.Stale++
	case validation.StatusRejected:
		w.stats.Rejected++
		switch o.Reason {
		case validation.ReasonDuplicate:
			w.stats.Duplicate++
		case validation.ReasonLowDifficulty:
			w.stats.LowDifficulty++
		default:
			w.stats.Invalid++
		}
	}
	return nil
}

// Identity returns the extranonce1 hex, empty before subscribe.
func (w *Worker) Identity() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity
}

// ExtraNonce1 returns the raw extranonce1.
func (w *Worker) ExtraNonce1() []byte {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.extraNonce1
}

// ExtraNonce2Size returns the miner's extranonce2 width.
func (w *Worker) ExtraNonce2Size() int { return w.cfg.ExtraNonce2Size }

// User returns the authorized payout address.
func (w *Worker) User() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.user
}

// WorkerName returns the suffix after the address, if any.
func (w *Worker) WorkerName() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.workerName
}

// FullName returns address.worker as the miner sent it.
func (w *Worker) FullName() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.workerName == "" {
		return w.user
	}
	return w.user + "." + w.workerName
}

// UserAgent returns the subscribe user agent.
func (w *Worker) UserAgent() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.userAgent
}

// Subscribed reports whether mining.subscribe completed.
func (w *Worker) Subscribed() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.subscribed
}

// Authorized reports whether mining.authorize completed.
func (w *Worker) Authorized() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.authorized
}

// Difficulty returns the current share difficulty.
func (w *Worker) Difficulty() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.difficulty
}

// ShareTarget returns the target a share on jobID must meet and the
// difficulty it is credited at. Callers must not modify the target.
func (w *Worker) ShareTarget(jobID uint64) (*big.Int, float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.prevTarget != nil && jobID <= w.graceJobID && w.prevTarget.Cmp(w.shareTarget) > 0 {
		return w.prevTarget, w.prevDifficulty
	}
	return w.shareTarget, w.difficulty
}

// VersionMask returns the negotiated version-rolling mask.
func (w *Worker) VersionMask() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.versionMask
}

// LastJobID returns the id of the last job delivered to the miner.
func (w *Worker) LastJobID() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastJobID
}

// Stats returns a snapshot of the share counters.
func (w *Worker) Stats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// ConnectedAt returns when the worker was created.
func (w *Worker) ConnectedAt() time.Time { return w.connectedAt }

var _ validation.Session = (*Worker)(nil)
