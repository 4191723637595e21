// Package database fans bridge events out to the optional Redis mirror and
// InfluxDB measurements.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/stratumbridge/internal/database/influx"
	"github.com/bardlex/stratumbridge/internal/database/redis"
	"github.com/bardlex/stratumbridge/internal/messaging"
	"github.com/bardlex/stratumbridge/pkg/circuit"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
)

type stateStore interface {
	SetCurrentJob(ctx context.Context, job *messaging.JobEvent, ttl time.Duration) error
	SetWorker(ctx context.Context, ev *messaging.WorkerEvent, ttl time.Duration) error
	RemoveWorker(ctx context.Context, identity string) error
	IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error)
	Health(ctx context.Context) error
	Close() error
}

type pointStore interface {
	WriteShare(ev *messaging.ShareEvent)
	WriteBlock(ev *messaging.BlockEvent)
	WriteJob(ev *messaging.JobEvent)
	WriteConnections(active, authorized int, at time.Time)
	Flush()
	Health(ctx context.Context) error
	Close()
}

// Config holds configuration for the optional stores. A nil sub-config
// disables that store.
type Config struct {
	Redis  *redis.Config
	Influx *influx.Config

	WorkerTTL time.Duration
	JobTTL    time.Duration
}

// Manager coordinates writes to Redis and InfluxDB.
type Manager struct {
	redis  stateStore
	influx pointStore
	cfg    Config
	logger *log.Logger

	circuitBreaker *circuit.Breaker
}

// NewManager connects the configured stores.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	m := newManager(cfg, logger)

	if cfg.Redis != nil {
		client, err := redis.NewClient(cfg.Redis)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeStorage, "redis_connection",
				"failed to connect to Redis").
				WithContext("addr", cfg.Redis.Addr)
		}
		m.redis = client
	}

	if cfg.Influx != nil {
		client, err := influx.NewClient(cfg.Influx)
		if err != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeStorage, "influx_connection",
				"failed to connect to InfluxDB").
				WithContext("url", cfg.Influx.URL)
			if m.redis != nil {
				if closeErr := m.redis.Close(); closeErr != nil {
					return nil, origErr.WithContext("cleanup_error", closeErr.Error())
				}
			}
			return nil, origErr
		}
		m.influx = client
	}

	return m, nil
}

func newManager(cfg *Config, logger *log.Logger) *Manager {
	c := *cfg
	if c.WorkerTTL <= 0 {
		c.WorkerTTL = 10 * time.Minute
	}
	if c.JobTTL <= 0 {
		c.JobTTL = 10 * time.Minute
	}

	return &Manager{
		cfg:    c,
		logger: logger.WithComponent("database"),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "storage",
			MaxFailures:     3,
			SuccessRequired: 2,
			Timeout:         30 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
	}
}

// Publish records ev in every configured store. Influx writes are
// buffered; Redis writes go through the circuit breaker.
func (m *Manager) Publish(ctx context.Context, ev messaging.Event) error {
	switch e := ev.(type) {
	case *messaging.JobEvent:
		if m.influx != nil {
			m.influx.WriteJob(e)
		}
		return m.mirror(ctx, "record_job", func() error {
			return m.redis.SetCurrentJob(ctx, e, m.cfg.JobTTL)
		})

	case *messaging.ShareEvent:
		if m.influx != nil {
			m.influx.WriteShare(e)
		}
		return m.mirror(ctx, "record_share", func() error {
			_, err := m.redis.IncrementCounter(ctx, redis.ShareCounterKey(e.Status, e.SubmittedAt), 48*time.Hour)
			return err
		})

	case *messaging.BlockEvent:
		if m.influx != nil {
			m.influx.WriteBlock(e)
		}
		return m.mirror(ctx, "record_block", func() error {
			_, err := m.redis.IncrementCounter(ctx, "blocks:"+e.Status, 0)
			return err
		})

	case *messaging.WorkerEvent:
		return m.mirror(ctx, "record_worker", func() error {
			if !e.Connected {
				return m.redis.RemoveWorker(ctx, e.Identity)
			}
			return m.redis.SetWorker(ctx, e, m.cfg.WorkerTTL)
		})

	default:
		return fmt.Errorf("unsupported event %T", ev)
	}
}

func (m *Manager) mirror(ctx context.Context, op string, fn func() error) error {
	if m.redis == nil {
		return nil
	}
	err := m.circuitBreaker.Execute(ctx, fn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeStorage, op, "failed to update Redis mirror").
			AsRetryable(false)
	}
	return nil
}

// StartPeriodicTasks flushes InfluxDB and samples the connection count
// until ctx ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context, connections func() (active, authorized int)) {
	if m.influx == nil {
		return
	}

	go func() {
		flush := time.NewTicker(10 * time.Second)
		defer flush.Stop()
		sample := time.NewTicker(time.Minute)
		defer sample.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-flush.C:
				m.influx.Flush()
			case now := <-sample.C:
				active, authorized := connections()
				m.influx.WriteConnections(active, authorized, now)
			}
		}
	}()
}

// Health checks every configured store.
func (m *Manager) Health(ctx context.Context) error {
	if m.redis != nil {
		if err := m.redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.influx != nil {
		if err := m.influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Close flushes and closes every configured store.
func (m *Manager) Close() error {
	if m.influx != nil {
		m.influx.Close()
	}
	if m.redis != nil {
		if err := m.redis.Close(); err != nil {
			return fmt.Errorf("redis close error: %w", err)
		}
	}
	return nil
}
