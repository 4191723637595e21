// Package bridge wires the template pump, job registry, share validator and
// block submitter to the Stratum listener.
package bridge

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/config"
	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/internal/metrics"
	"github.com/bardlex/stratumbridge/internal/pump"
	"github.com/bardlex/stratumbridge/internal/stratum"
	"github.com/bardlex/stratumbridge/internal/submit"
	"github.com/bardlex/stratumbridge/internal/validation"
	"github.com/bardlex/stratumbridge/pkg/circuit"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
	"github.com/bardlex/stratumbridge/pkg/retry"
)

// MaxTimeSkew bounds how far a share's ntime may run ahead of the template.
const MaxTimeSkew = 2 * time.Hour

// Options carries the bridge's collaborators.
type Options struct {
	Config   *config.Config
	Upstream bitcoin.Upstream
	// Notifier is optional; without it the pump only polls.
	Notifier bitcoin.Notifier
	// Hasher defaults to double SHA-256.
	Hasher bitcoin.Hasher
	Sinks  []Sink
	// Metrics defaults to a fresh collector set.
	Metrics  *metrics.Collectors
	Breakers []*circuit.Breaker
	Logger   *log.Logger
}

// periodic is implemented by sinks with background upkeep.
type periodic interface {
	StartPeriodicTasks(ctx context.Context, connections func() (active, authorized int))
}

// Bridge is the orchestrator.
type Bridge struct {
	cfg    *config.Config
	logger *log.Logger

	codec     *difficulty.Codec
	registry  *jobs.Registry
	validator *validation.Validator
	pump      *pump.Pump
	submitter *submit.Submitter
	metrics   *metrics.Collectors
	server    *metrics.Server
	events    *dispatcher
	sinks     []Sink
	breakers  []*circuit.Breaker

	workerCfg *stratum.WorkerConfig
	connCfg   stratum.ConnConfig

	mu      sync.RWMutex
	conns   map[*stratum.Conn]struct{}
	connWG  sync.WaitGroup
	connSeq atomic.Uint64

	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// New builds the bridge from configuration.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil || opts.Upstream == nil || opts.Logger == nil {
		return nil, fmt.Errorf("bridge: config, upstream and logger are required")
	}

	params, err := cfg.ChainParams()
	if err != nil {
		return nil, err
	}

	base, ok := difficulty.Preset(cfg.DifficultyBase)
	if !ok {
		return nil, fmt.Errorf("unknown difficulty base %q", cfg.DifficultyBase)
	}
	codec := difficulty.NewCodec(base)

	coinbase, err := bitcoin.NewCoinbaseConfig(cfg.PayAddress, params, cfg.CoinbaseTag,
		cfg.ExtraNonce1Size, cfg.ExtraNonce2Size)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "new_bridge", "invalid coinbase configuration")
	}

	allocator, err := stratum.NewExtranonceAllocator(cfg.ExtraNonce1Size)
	if err != nil {
		return nil, err
	}

	hasher := opts.Hasher
	if hasher == nil {
		hasher = bitcoin.DoubleSHA256
	}

	collectors := opts.Metrics
	if collectors == nil {
		collectors = metrics.New("stratumbridge")
	}

	logger := opts.Logger.WithComponent("bridge")
	registry := jobs.NewRegistry(codec, cfg.JobWindow)

	pcfg := pump.DefaultConfig()
	pcfg.PollInterval = cfg.TemplatePollInterval
	pcfg.RefreshInterval = cfg.RefreshInterval
	pcfg.FetchTimeout = cfg.FetchTimeout
	pcfg.DegradedAfter = cfg.DegradedAfter
	pcfg.Coinbase = coinbase

	submitter, err := submit.New(submit.Config{
		QueueSize: cfg.SubmitQueueSize,
		Timeout:   cfg.SubmitTimeout,
		Retry:     retry.SubmitConfig(cfg.SubmitRetries),
	}, opts.Upstream, opts.Logger)
	if err != nil {
		return nil, err
	}

	vardiff := stratum.DefaultVardiffConfig()
	vardiff.Enabled = cfg.VardiffEnabled
	vardiff.TargetShareTime = cfg.VardiffTarget
	vardiff.RetargetInterval = cfg.VardiffRetarget
	vardiff.MinDifficulty = cfg.MinDifficulty
	vardiff.MaxDifficulty = cfg.MaxDifficulty

	connCfg := stratum.DefaultConnConfig()
	connCfg.ReadTimeout = cfg.ReadTimeout
	connCfg.WriteTimeout = cfg.WriteTimeout
	connCfg.MaxLineSize = cfg.MaxMessageSize
	connCfg.SubmitRate = cfg.SubmitRate
	connCfg.SubmitBurst = cfg.SubmitBurst

	b := &Bridge{
		cfg:       cfg,
		logger:    logger,
		codec:     codec,
		registry:  registry,
		validator: validation.NewValidator(registry, codec, hasher, MaxTimeSkew),
		pump:      pump.New(pcfg, opts.Upstream, opts.Notifier, opts.Logger),
		submitter: submitter,
		metrics:   collectors,
		sinks:     opts.Sinks,
		breakers:  opts.Breakers,
		workerCfg: &stratum.WorkerConfig{
			Codec:           codec,
			Allocator:       allocator,
			Params:          params,
			ExtraNonce2Size: cfg.ExtraNonce2Size,
			StartDifficulty: cfg.StartDifficulty,
			MinDifficulty:   cfg.MinDifficulty,
			MaxDifficulty:   cfg.MaxDifficulty,
			VersionMask:     cfg.VersionMask,
			Vardiff:         vardiff,
		},
		connCfg: connCfg,
		conns:   make(map[*stratum.Conn]struct{}),
		done:    make(chan struct{}),
	}

	b.events = newDispatcher(opts.Sinks, cfg.EventQueueSize, cfg.SinkWorkers, opts.Logger, collectors.EventsDropped.Inc)
	if cfg.MetricsAddr != "" {
		b.server = metrics.NewServer(cfg.MetricsAddr, collectors, b, opts.Logger)
	}
	return b, nil
}

// Run listens on the configured Stratum address and serves until ctx ends
// or Shutdown is called.
func (b *Bridge) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", b.cfg.StratumAddr())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen",
			"failed to listen").WithContext("addr", b.cfg.StratumAddr())
	}
	return b.Serve(ctx, ln)
}

// Serve runs every component on ln. It returns after all connections have
// closed and queued block submissions have drained. A bridge serves once.
func (b *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	defer close(b.done)

	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.startedAt = time.Now()
	b.mu.Unlock()
	defer cancel()

	b.logger.Info("stratum listener started", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)

	// Shutdown runs in stages: connections finish their in-flight shares,
	// then the submitter drains, then the remaining events are delivered.
	subCtx, stopSubmitter := context.WithCancel(context.WithoutCancel(ctx))
	evCtx, stopEvents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopSubmitter()
	defer stopEvents()
	submitterDone := make(chan struct{})
	pumpDone := make(chan struct{})

	g.Go(func() error { return ignoreCanceled(b.pump.Run(gctx)) })
	g.Go(func() error {
		defer close(pumpDone)
		b.consumePump()
		return nil
	})
	g.Go(func() error {
		defer close(submitterDone)
		return b.submitter.Run(subCtx)
	})
	g.Go(func() error {
		b.consumeResults(submitterDone)
		<-pumpDone
		stopEvents()
		return nil
	})
	g.Go(func() error { return b.events.run(evCtx) })
	if b.server != nil {
		g.Go(func() error { return b.server.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})
	g.Go(func() error {
		err := b.accept(gctx, ln)
		cancel()
		b.connWG.Wait()
		stopSubmitter()
		return err
	})

	for _, sink := range b.sinks {
		if p, ok := sink.(periodic); ok {
			p.StartPeriodicTasks(gctx, b.connectionCounts)
		}
	}

	err := g.Wait()
	b.logger.Info("bridge stopped")
	return err
}

func (b *Bridge) accept(ctx context.Context, ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			b.logger.WithError(err).Warn("failed to accept connection")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if b.cfg.MaxConnections > 0 && b.connectionCount() >= b.cfg.MaxConnections {
			b.logger.Warn("connection limit reached", "remote_addr", nc.RemoteAddr().String())
			_ = nc.Close()
			continue
		}

		b.connWG.Add(1)
		go func() {
			defer b.connWG.Done()
			b.serveConn(ctx, nc)
		}()
	}
}

func (b *Bridge) serveConn(ctx context.Context, nc net.Conn) {
	id := strconv.FormatUint(b.connSeq.Add(1), 10)
	worker := stratum.NewWorker(b.workerCfg)
	c := stratum.NewConn(id, nc, worker, b.connCfg, b.logger)

	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	b.metrics.Connections.Inc()

	err := c.Serve(ctx, b)

	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()
	b.metrics.Connections.Dec()
	b.metrics.Coalesced.Add(float64(c.Coalesced()))

	if worker.Authorized() {
		b.metrics.AuthorizedWorkers.Dec()
		b.events.emit(workerEvent(c, false))
	}
	worker.Release()

	switch {
	case err == nil, stderrors.Is(err, io.EOF):
	case stderrors.Is(err, stratum.ErrSlowConsumer):
		b.metrics.SlowConsumers.Inc()
		c.Logger().WithError(err).Warn("closed slow connection")
	default:
		c.Logger().WithError(err).Debug("connection closed")
	}
}

// Shutdown stops accepting work and waits for Serve to return or ctx to
// end.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down bridge")

	b.mu.RLock()
	cancel := b.cancel
	b.mu.RUnlock()
	if cancel != nil {
		cancel()
	}

	select {
	case <-b.done:
	case <-ctx.Done():
		b.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}

	for _, sink := range b.sinks {
		if closer, ok := sink.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				b.logger.WithError(err).Error("failed to close sink")
			}
		}
	}
	b.logger.Info("all connections closed")
	return nil
}

// Registry exposes the job registry.
func (b *Bridge) Registry() *jobs.Registry { return b.registry }

// Metrics exposes the collectors.
func (b *Bridge) Metrics() *metrics.Collectors { return b.metrics }

func (b *Bridge) connections() []*stratum.Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*stratum.Conn, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c)
	}
	return out
}

func (b *Bridge) connectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

func (b *Bridge) connectionCounts() (active, authorized int) {
	for _, c := range b.connections() {
		active++
		if c.Worker().Authorized() {
			authorized++
		}
	}
	return active, authorized
}

// Status implements metrics.StatusProvider.
func (b *Bridge) Status() metrics.Status {
	b.mu.RLock()
	started := b.startedAt
	b.mu.RUnlock()

	st := metrics.Status{
		Version:          b.cfg.Version,
		Degraded:         b.pump.Degraded(),
		UpstreamFailures: b.pump.Failures(),
		PumpState:        b.pump.State().String(),
		Jobs:             b.registry.Len(),
		Submitter:        b.submitter.Stats(),
	}
	if !started.IsZero() {
		st.Uptime = log.FormatDuration(time.Since(started))
	}
	if job := b.registry.Current(); job != nil {
		st.JobID = job.IDString()
		st.Height = job.Template.Height
		st.JobAge = log.FormatDuration(time.Since(job.CreatedAt))
	}

	if len(b.breakers) > 0 {
		st.Breakers = make(map[string]string, len(b.breakers))
		for _, br := range b.breakers {
			st.Breakers[br.Name()] = br.GetState().String()
		}
	}

	for _, c := range b.connections() {
		st.Connections++
		w := c.Worker()
		if !w.Authorized() {
			continue
		}
		st.Authorized++
		stats := w.Stats()
		st.Workers = append(st.Workers, metrics.WorkerStatus{
			Identity:     w.Identity(),
			Worker:       w.FullName(),
			RemoteAddr:   c.RemoteAddr(),
			UserAgent:    w.UserAgent(),
			Difficulty:   w.Difficulty(),
			Accepted:     stats.Accepted,
			Rejected:     stats.Rejected,
			Stale:        stats.Stale,
			Blocks:       stats.Blocks,
			AcceptedWork: stats.AcceptedWork,
			Connected:    log.FormatDuration(time.Since(c.ConnectedAt())),
		})
	}
	return st
}

func ignoreCanceled(err error) error {
	if stderrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
