// Package submit forwards solved blocks to the upstream node in the order
// they were found.
package submit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
	"github.com/bardlex/stratumbridge/pkg/retry"
)

var (
	// ErrDuplicateBlock is returned when a block hash was already queued.
	ErrDuplicateBlock = errors.Sentinel("block already submitted")
	// ErrQueueFull is returned when the submission queue is at capacity.
	ErrQueueFull = errors.Sentinel("block queue full")
	// ErrClosed is returned after the submitter stopped.
	ErrClosed = errors.Sentinel("submitter shutting down")
)

// Status is the final state of a submission.
type Status int

const (
	StatusAccepted Status = iota
	StatusRejected
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Candidate is a solved block ready for submission.
type Candidate struct {
	Block      *wire.MsgBlock
	Hash       chainhash.Hash
	Height     int64
	JobID      string
	Worker     string
	Difficulty float64
	FoundAt    time.Time
}

// BlockResult reports how a submission ended.
type BlockResult struct {
	Candidate *Candidate
	Status    Status
	Attempts  int
	Latency   time.Duration
	Err       error
}

// Stats are cumulative submission counters.
type Stats struct {
	Queued     uint64 `json:"queued"`
	Accepted   uint64 `json:"accepted"`
	Rejected   uint64 `json:"rejected"`
	Lost       uint64 `json:"lost"`
	Duplicates uint64 `json:"duplicates"`
	Pending    int    `json:"pending"`
}

// Config holds submitter settings.
type Config struct {
	QueueSize  int
	Timeout    time.Duration
	Retry      *retry.Config
	DedupeSize int
}

// DefaultConfig returns submitter defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:  64,
		Timeout:    10 * time.Second,
		Retry:      retry.SubmitConfig(3),
		DedupeSize: 1024,
	}
}

// Submitter owns a FIFO queue drained by a single worker.
type Submitter struct {
	cfg      Config
	upstream bitcoin.Upstream
	logger   *log.Logger

	queue   chan *Candidate
	results chan BlockResult
	seen    *lru.Cache[chainhash.Hash, struct{}]

	mu     sync.Mutex
	closed bool

	queued     atomic.Uint64
	accepted   atomic.Uint64
	rejected   atomic.Uint64
	lost       atomic.Uint64
	duplicates atomic.Uint64
}

// New creates a submitter.
func New(cfg Config, upstream bitcoin.Upstream, logger *log.Logger) (*Submitter, error) {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}

	seen, err := lru.New[chainhash.Hash, struct{}](cfg.DedupeSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "new_submitter", "failed to create dedupe cache")
	}

	return &Submitter{
		cfg:      cfg,
		upstream: upstream,
		logger:   logger.WithComponent("submit"),
		queue:    make(chan *Candidate, cfg.QueueSize),
		results:  make(chan BlockResult, cfg.QueueSize),
		seen:     seen,
	}, nil
}

// Results returns submission outcomes. Results are dropped when nobody reads.
func (s *Submitter) Results() <-chan BlockResult { return s.results }

// Enqueue adds c to the queue without blocking.
func (s *Submitter) Enqueue(c *Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.lostSolution(c, ErrClosed)
		return ErrClosed
	}
	if found, _ := s.seen.ContainsOrAdd(c.Hash, struct{}{}); found {
		s.duplicates.Add(1)
		return ErrDuplicateBlock
	}

	select {
	case s.queue <- c:
		s.queued.Add(1)
		s.logger.Info("block candidate queued for submission",
			"block_hash", c.Hash.String(),
			"height", c.Height,
			"worker", c.Worker,
		)
		return nil
	default:
		s.seen.Remove(c.Hash)
		s.lostSolution(c, ErrQueueFull)
		return ErrQueueFull
	}
}

// Run submits queued blocks until ctx ends, then drains what is left.
func (s *Submitter) Run(ctx context.Context) error {
	s.logger.Info("submission worker started")
	defer s.logger.Info("submission worker stopped")

	for {
		select {
		case <-ctx.Done():
			s.close()
			s.drain(context.WithoutCancel(ctx))
			return nil
		case c := <-s.queue:
			s.submit(ctx, c)
		}
	}
}

func (s *Submitter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// drain submits anything queued before shutdown.
func (s *Submitter) drain(ctx context.Context) {
	for {
		select {
		case c := <-s.queue:
			s.submit(ctx, c)
		default:
			return
		}
	}
}

func (s *Submitter) submit(ctx context.Context, c *Candidate) {
	logger := s.logger.WithFields(
		"block_hash", c.Hash.String(),
		"height", c.Height,
		"worker", c.Worker,
	)

	cfg := *s.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		logger.WithError(err).Warn("block submission failed, retrying", "attempt", attempt)
	}

	start := time.Now()
	attempts := 0
	err := retry.Do(ctx, &cfg, func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		return s.upstream.SubmitBlock(callCtx, c.Block)
	})
	latency := time.Since(start)
	logger.LogDuration("block_submission", latency)

	res := BlockResult{Candidate: c, Attempts: attempts, Latency: latency, Err: err}
	switch {
	case err == nil:
		res.Status = StatusAccepted
		s.accepted.Add(1)
		logger.LogBlockFound(c.Hash.String(), c.Height, c.Worker, c.Difficulty)
	case errors.Is(err, bitcoin.ErrBlockRejected):
		res.Status = StatusRejected
		s.rejected.Add(1)
		logger.WithError(err).Error("block rejected by node", "attempts", attempts)
	default:
		res.Status = StatusLost
		s.lostSolution(c, err)
	}

	select {
	case s.results <- res:
	default:
		logger.Warn("result channel full, dropping block result", "status", res.Status.String())
	}
}

func (s *Submitter) lostSolution(c *Candidate, err error) {
	s.lost.Add(1)
	s.logger.WithError(err).Error("lost solution",
		"block_hash", c.Hash.String(),
		"height", c.Height,
		"worker", c.Worker,
		"found_at", c.FoundAt,
	)
}

// Pending returns the number of queued blocks.
func (s *Submitter) Pending() int { return len(s.queue) }

// Stats returns a snapshot of the counters.
func (s *Submitter) Stats() Stats {
	return Stats{
		Queued:     s.queued.Load(),
		Accepted:   s.accepted.Load(),
		Rejected:   s.rejected.Load(),
		Lost:       s.lost.Load(),
		Duplicates: s.duplicates.Load(),
		Pending:    s.Pending(),
	}
}
