// Package redis mirrors live bridge state into Redis for dashboards.
// The bridge only writes; every key carries a TTL.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/bardlex/stratumbridge/internal/messaging"
)

// Key names.
const (
	KeyCurrentJob    = "current_job"
	KeyActiveWorkers = "workers:active"
)

// WorkerKey returns the hash holding a worker's counters.
func WorkerKey(identity string) string {
	return "worker:" + identity
}

// ShareCounterKey returns the daily counter for a share status.
func ShareCounterKey(status string, day time.Time) string {
	return fmt.Sprintf("shares:%s:%s", status, day.UTC().Format("20060102"))
}

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb    *redis.Client
	prefix string
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix}, nil
}

func (c *Client) key(k string) string { return c.prefix + k }

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetCurrentJob stores the latest job snapshot.
func (c *Client) SetCurrentJob(ctx context.Context, job *messaging.JobEvent, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(KeyCurrentJob), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// SetWorker writes a worker's counters and marks it active.
func (c *Client) SetWorker(ctx context.Context, ev *messaging.WorkerEvent, ttl time.Duration) error {
	key := c.key(WorkerKey(ev.Identity))

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, workerFields(ev))
	pipe.Expire(ctx, key, ttl)
	pipe.ZAdd(ctx, c.key(KeyActiveWorkers), redis.Z{
		Score:  float64(ev.UpdatedAt.Unix()),
		Member: ev.Identity,
	})
	// drop members that stopped refreshing
	pipe.ZRemRangeByScore(ctx, c.key(KeyActiveWorkers), "0",
		fmt.Sprintf("%d", ev.UpdatedAt.Add(-ttl).Unix()))
	pipe.Expire(ctx, c.key(KeyActiveWorkers), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set worker: %w", err)
	}
	return nil
}

// RemoveWorker deletes a disconnected worker.
func (c *Client) RemoveWorker(ctx context.Context, identity string) error {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, c.key(WorkerKey(identity)))
	pipe.ZRem(ctx, c.key(KeyActiveWorkers), identity)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove worker: %w", err)
	}
	return nil
}

// IncrementCounter increments a counter. A zero expiration keeps the key
// forever.
func (c *Client) IncrementCounter(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, c.key(key))
	if expiration > 0 {
		pipe.Expire(ctx, c.key(key), expiration)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	return incrCmd.Val(), nil
}

func workerFields(ev *messaging.WorkerEvent) map[string]any {
	return map[string]any{
		"worker":        ev.Worker,
		"remote_addr":   ev.RemoteAddr,
		"user_agent":    ev.UserAgent,
		"difficulty":    ev.Difficulty,
		"accepted":      ev.Accepted,
		"rejected":      ev.Rejected,
		"stale":         ev.Stale,
		"blocks":        ev.Blocks,
		"accepted_work": ev.AcceptedWork,
		"last_share_at": ev.LastShareAt.Unix(),
		"connected_at":  ev.ConnectedAt.Unix(),
		"updated_at":    ev.UpdatedAt.Unix(),
	}
}
