// Package pump turns the upstream template stream into job events.
package pump

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
	"github.com/bardlex/stratumbridge/pkg/retry"
)

// State is the pump's position in its fetch cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StatePublished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StatePublished:
		return "published"
	default:
		return "unknown"
	}
}

// Triggers that start a fetch.
const (
	TriggerStartup = "startup"
	TriggerPoll    = "poll"
	TriggerBlock   = "hashblock"
	TriggerManual  = "manual"
)

// EventKind discriminates pump events.
type EventKind int

const (
	// EventJob carries a template to publish.
	EventJob EventKind = iota
	// EventDegraded reports that fetches keep failing.
	EventDegraded
	// EventRecovered reports the first success after EventDegraded.
	EventRecovered
)

// Event is emitted to the orchestrator.
type Event struct {
	Kind     EventKind
	Template *bitcoin.Template
	Clean    bool
	Trigger  string
	Err      error
}

// Config holds pump settings.
type Config struct {
	PollInterval    time.Duration
	RefreshInterval time.Duration
	FetchTimeout    time.Duration
	DegradedAfter   int
	Retry           *retry.Config
	Coinbase        *bitcoin.CoinbaseConfig
}

// DefaultConfig returns pump defaults; Coinbase must still be set.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		RefreshInterval: 30 * time.Second,
		FetchTimeout:    10 * time.Second,
		DegradedAfter:   3,
		Retry:           retry.TemplateConfig(),
	}
}

// Pump fetches templates and decides when a new job is due.
type Pump struct {
	cfg      Config
	upstream bitcoin.Upstream
	notifier bitcoin.Notifier
	logger   *log.Logger

	events  chan Event
	trigger chan string

	state    atomic.Int32
	degraded atomic.Bool
	failures atomic.Int64

	// cycle state, touched only by the goroutine running Poll
	mu          sync.Mutex
	last        *bitcoin.Template
	lastTxs     string
	lastPublish time.Time

	now func() time.Time
}

// New creates a pump. notifier may be nil.
func New(cfg Config, upstream bitcoin.Upstream, notifier bitcoin.Notifier, logger *log.Logger) *Pump {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = def.RefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = def.DegradedAfter
	}
	if cfg.Retry == nil {
		cfg.Retry = def.Retry
	}

	return &Pump{
		cfg:      cfg,
		upstream: upstream,
		notifier: notifier,
		logger:   logger.WithComponent("pump"),
		events:   make(chan Event, 16),
		trigger:  make(chan string, 1),
		now:      time.Now,
	}
}

// Events returns the event stream. It is closed when Run returns.
func (p *Pump) Events() <-chan Event { return p.events }

// Trigger requests an immediate fetch. Requests made while one is pending
// are merged.
func (p *Pump) Trigger(reason string) {
	select {
	case p.trigger <- reason:
	default:
	}
}

// State returns the current cycle state.
func (p *Pump) State() State { return State(p.state.Load()) }

// Degraded reports whether the upstream is considered degraded.
func (p *Pump) Degraded() bool { return p.degraded.Load() }

// Failures returns the number of consecutive failed cycles.
func (p *Pump) Failures() int { return int(p.failures.Load()) }

// Run polls until ctx ends.
func (p *Pump) Run(ctx context.Context) error {
	defer close(p.events)

	if p.notifier != nil {
		go p.listen(ctx)
	}

	if err := p.Poll(ctx, TriggerStartup); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var trigger string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			trigger = TriggerPoll
		case trigger = <-p.trigger:
		}

		if err := p.Poll(ctx, trigger); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (p *Pump) listen(ctx context.Context) {
	handler := bitcoin.BlockHashHandler(func(hash string) {
		p.logger.Info("new block notification", "hash", hash)
		p.Trigger(TriggerBlock)
	})
	if err := p.notifier.Listen(ctx, handler); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Warn("block notifications stopped, polling only")
	}
}

// Poll runs one fetch cycle and emits at most one job event.
func (p *Pump) Poll(ctx context.Context, trigger string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Store(int32(StateFetching))
	start := p.now()

	tpl, err := p.fetch(ctx)
	if err != nil {
		p.fail(ctx, trigger, err)
		return err
	}

	p.failures.Store(0)
	if p.degraded.CompareAndSwap(true, false) {
		p.logger.Info("upstream recovered")
		p.emit(ctx, Event{Kind: EventRecovered, Trigger: trigger})
	}

	clean, publish := p.decide(tpl, start)
	if p.last == nil {
		p.state.Store(int32(StateIdle))
	} else {
		p.state.Store(int32(StatePublished))
	}
	if !publish {
		return nil
	}

	p.last = tpl
	p.lastTxs = txKey(tpl)
	p.lastPublish = start
	p.state.Store(int32(StatePublished))

	p.logger.Debug("template fetched",
		"height", tpl.Height,
		"clean", clean,
		"trigger", trigger,
		"transactions", len(tpl.Transactions),
		"took", p.now().Sub(start),
	)
	p.emit(ctx, Event{Kind: EventJob, Template: tpl, Clean: clean, Trigger: trigger})
	return nil
}

func (p *Pump) fetch(ctx context.Context) (*bitcoin.Template, error) {
	cfg := *p.cfg.Retry
	cfg.OnRetry = func(attempt int, err error) {
		p.logger.WithError(err).Debug("retrying template fetch", "attempt", attempt)
	}

	res, err := retry.DoWithResult(ctx, &cfg, func() (*bitcoin.Template, error) {
		fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		defer cancel()

		gbt, err := p.upstream.GetBlockTemplate(fctx)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUpstream, "fetch_template", "getblocktemplate failed")
		}

		tpl, err := bitcoin.NewTemplate(gbt, p.cfg.Coinbase)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "fetch_template", "unusable template").
				AsRetryable(false)
		}
		return tpl, nil
	})
	return res, err
}

func (p *Pump) fail(ctx context.Context, trigger string, err error) {
	if p.last == nil {
		p.state.Store(int32(StateIdle))
	} else {
		p.state.Store(int32(StatePublished))
	}
	if ctx.Err() != nil {
		return
	}

	failures := p.failures.Add(1)
	p.logger.WithError(err).Warn("template fetch failed",
		"trigger", trigger,
		"consecutive_failures", failures,
	)

	if failures >= int64(p.cfg.DegradedAfter) && p.degraded.CompareAndSwap(false, true) {
		p.logger.Error("upstream degraded, serving last job",
			"consecutive_failures", failures,
		)
		p.emit(ctx, Event{Kind: EventDegraded, Trigger: trigger, Err: err})
	}
}

// decide compares tpl with the last published template. A new parent is a
// clean job; a changed transaction set or a due refresh is a non-clean one.
func (p *Pump) decide(tpl *bitcoin.Template, now time.Time) (clean, publish bool) {
	if p.last == nil || tpl.PrevHash != p.last.PrevHash {
		return true, true
	}
	if tpl.Height != p.last.Height {
		return true, true
	}
	if txKey(tpl) != p.lastTxs {
		return false, true
	}
	if now.Sub(p.lastPublish) >= p.cfg.RefreshInterval {
		return false, true
	}
	return false, false
}

// txKey identifies a template's transaction set and reward.
func txKey(tpl *bitcoin.Template) string {
	var b strings.Builder
	b.WriteString(tpl.Coinb2Hex())
	for _, h := range tpl.MerkleBranchHex() {
		b.WriteString(h)
	}
	return b.String()
}

func (p *Pump) emit(ctx context.Context, ev Event) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}
