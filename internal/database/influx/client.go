// Package influx writes share, block and job measurements to InfluxDB.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/stratumbridge/internal/messaging"
)

// pointWriter is the part of api.WriteAPI the client uses.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps the non-blocking InfluxDB write API.
type Client struct {
	client   influxdb2.Client
	writeAPI pointWriter
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a client and checks the server is healthy.
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := health(ctx, client); err != nil {
		client.Close()
		return nil, err
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

func health(ctx context.Context, client influxdb2.Client) error {
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if h.Status != "pass" {
		msg := ""
		if h.Message != nil {
			msg = *h.Message
		}
		return fmt.Errorf("InfluxDB health check failed: %s", msg)
	}
	return nil
}

// Close flushes pending points and closes the client.
func (c *Client) Close() {
	c.writeAPI.Flush()
	if c.client != nil {
		c.client.Close()
	}
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return health(ctx, c.client)
}

// WriteShare records one validated submission.
func (c *Client) WriteShare(ev *messaging.ShareEvent) {
	tags := map[string]string{
		"worker": ev.Worker,
		"status": ev.Status,
	}
	if ev.Reason != "" {
		tags["reason"] = ev.Reason
	}

	fields := map[string]any{
		"difficulty":       ev.Difficulty,
		"share_difficulty": ev.ShareDifficulty,
		"height":           ev.Height,
		"count":            1,
	}

	c.writeAPI.WritePoint(write.NewPoint("shares", tags, fields, ev.SubmittedAt))
}

// WriteBlock records a block submission outcome.
func (c *Client) WriteBlock(ev *messaging.BlockEvent) {
	tags := map[string]string{
		"status": ev.Status,
		"worker": ev.Worker,
		"hash":   ev.BlockHash,
	}

	fields := map[string]any{
		"height":     ev.Height,
		"attempts":   ev.Attempts,
		"latency_ms": ev.LatencyMs,
		"count":      1,
	}

	c.writeAPI.WritePoint(write.NewPoint("blocks", tags, fields, ev.SubmittedAt))
}

// WriteJob records a published job.
func (c *Client) WriteJob(ev *messaging.JobEvent) {
	tags := map[string]string{
		"clean":   strconv.FormatBool(ev.Clean),
		"trigger": ev.Trigger,
	}

	fields := map[string]any{
		"height":             ev.Height,
		"transactions":       ev.Transactions,
		"coinbase_value":     ev.CoinbaseValue,
		"network_difficulty": ev.NetworkDifficulty,
		"workers":            ev.Workers,
	}

	c.writeAPI.WritePoint(write.NewPoint("jobs", tags, fields, ev.CreatedAt))
}

// WriteConnections records the live connection count.
func (c *Client) WriteConnections(active, authorized int, at time.Time) {
	fields := map[string]any{
		"active":     active,
		"authorized": authorized,
	}
	c.writeAPI.WritePoint(write.NewPoint("connections", map[string]string{}, fields, at))
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writeAPI.Flush()
}
