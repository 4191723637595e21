package stratum

import (
	"bufio"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/pkg/errors"
	"github.com/bardlex/stratumbridge/pkg/log"
)

// ConnConfig bounds a connection's I/O.
type ConnConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxLineSize     int
	CriticalBacklog int
	// SubmitRate is the sustained mining.submit rate per second; zero
	// disables limiting.
	SubmitRate  float64
	SubmitBurst int
}

// DefaultConnConfig returns the connection defaults.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ReadTimeout:     10 * time.Minute,
		WriteTimeout:    30 * time.Second,
		MaxLineSize:     16 * 1024,
		CriticalBacklog: DefaultCriticalBacklog,
		SubmitRate:      50,
		SubmitBurst:     100,
	}
}

// Handler processes requests read from a connection.
type Handler interface {
	HandleMessage(ctx context.Context, c *Conn, msg *Message) error
}

// Conn is one miner connection: a read loop on the calling goroutine and a
// write loop draining the outbound queue.
type Conn struct {
	id      string
	conn    net.Conn
	cfg     ConnConfig
	logger  *log.Logger
	worker  *Worker
	queue   *outboundQueue
	limiter *rate.Limiter

	connectedAt time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewConn wraps nc for worker.
func NewConn(id string, nc net.Conn, worker *Worker, cfg ConnConfig, logger *log.Logger) *Conn {
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultConnConfig().MaxLineSize
	}

	limit := rate.Inf
	if cfg.SubmitRate > 0 {
		limit = rate.Limit(cfg.SubmitRate)
	}
	burst := max(cfg.SubmitBurst, 1)

	return &Conn{
		id:          id,
		conn:        nc,
		cfg:         cfg,
		logger:      logger.WithFields("conn_id", id, "remote_addr", nc.RemoteAddr().String()),
		worker:      worker,
		queue:       newOutboundQueue(cfg.CriticalBacklog),
		limiter:     rate.NewLimiter(limit, burst),
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Serve runs the connection until the peer disconnects, ctx ends or the
// queue is closed. Every request read is handled before Serve returns.
func (c *Conn) Serve(ctx context.Context, handler Handler) error {
	c.logger.LogConnection("connected", c.RemoteAddr(), 0)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()

	// unblock the scanner when the context ends or the writer gives up
	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		_ = c.conn.SetReadDeadline(time.Now())
	}()

	err := c.readLoop(ctx, handler)
	c.Close(err)
	cancel()
	wg.Wait()

	if closeErr := c.conn.Close(); closeErr != nil && !stderrors.Is(closeErr, net.ErrClosed) {
		c.logger.WithError(closeErr).Debug("failed to close connection")
	}
	c.logger.LogConnection("disconnected", c.RemoteAddr(), time.Since(c.connectedAt))

	if qerr := c.queue.Err(); qerr != nil {
		return qerr
	}
	return err
}

// readLoop handles incoming messages from the client
func (c *Conn) readLoop(ctx context.Context, handler Handler) error {
	buf := getLineBuffer()
	defer putLineBuffer(buf)

	// the scanner's limit is the larger of max and cap(buf)
	n := min(len(*buf), c.cfg.MaxLineSize)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer((*buf)[:n:n], c.cfg.MaxLineSize)

	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return errors.Wrap(err, errors.ErrorTypeNetwork, "read", "failed to set read deadline")
			}
		}

		if !scanner.Scan() {
			err := scanner.Err()
			switch {
			case err == nil:
				// EOF - client disconnected
				return nil
			case ctx.Err() != nil, c.isClosed():
				return nil
			case stderrors.Is(err, bufio.ErrTooLong):
				return errors.Wrap(err, errors.ErrorTypeProtocol, "read", "line exceeds maximum size").
					WithContext("max_line_size", c.cfg.MaxLineSize)
			case stderrors.Is(err, os.ErrDeadlineExceeded):
				return errors.Wrap(err, errors.ErrorTypeTimeout, "read", "idle connection")
			case stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, net.ErrClosed):
				return nil
			default:
				return errors.Wrap(err, errors.ErrorTypeNetwork, "read", "scanner error")
			}
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.logger.LogStratumMessage("received", line)

		msg, err := ParseMessage(line)
		if err != nil {
			c.logger.WithError(err).Debug("failed to parse message")
			if sendErr := c.RespondError(nil, ErrorParseError, "Parse error"); sendErr != nil {
				return sendErr
			}
			continue
		}

		// handlers run to completion so share bookkeeping survives a disconnect
		if err := handler.HandleMessage(ctx, c, msg); err != nil {
			if c.isClosed() {
				return nil
			}
			c.logger.WithError(err).Debug("failed to handle message", "method", msg.Method)
		}
	}
}

// writeLoop handles outbound messages to the client
func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return
		case <-c.queue.ready:
		}

		if err := c.deliver(); err != nil {
			c.logger.WithError(err).Debug("failed to write message")
			c.Close(err)
			return
		}
		if c.queue.isClosed() {
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Conn) flush() {
	_ = c.deliver()
}

// deliver writes one drained batch and records the job it carried as the
// worker's current job.
func (c *Conn) deliver() error {
	batch, jobID := c.queue.drain()
	if err := c.writeBatch(batch); err != nil {
		return err
	}
	if jobID != 0 && c.worker != nil {
		c.worker.jobDelivered(jobID)
	}
	return nil
}

func (c *Conn) writeBatch(batch [][]byte) error {
	if len(batch) == 0 {
		return nil
	}

	buf := getWriteBuffer()
	defer putWriteBuffer(buf)
	for _, line := range batch {
		buf.Write(line)
		c.logger.LogStratumMessage("sent", line[:len(line)-1])
	}

	if c.cfg.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "write", "failed to set write deadline")
		}
	}
	if _, err := c.conn.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "write", "failed to write")
	}
	return nil
}

// Respond queues a response. Responses are never dropped.
func (c *Conn) Respond(id any, result any) error {
	return c.sendCritical(NewResponse(id, result))
}

// RespondError queues an error response.
func (c *Conn) RespondError(id any, code int, message string) error {
	return c.sendCritical(NewErrorResponse(id, code, message))
}

func (c *Conn) sendCritical(msg *Message) error {
	line, err := encodeLine(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := c.queue.pushCritical(line); err != nil {
		c.Close(err)
		return err
	}
	return nil
}

// Notify queues a notification. Jobs and difficulty updates replace any
// undelivered predecessor; other methods are queued in order.
func (c *Conn) Notify(msg *Message) error {
	line, err := encodeLine(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	switch msg.Method {
	case MethodNotify:
		return c.queue.setJob(line, 0)
	case MethodSetDifficulty:
		return c.queue.setDifficulty(line)
	default:
		if err := c.queue.pushCritical(line); err != nil {
			c.Close(err)
			return err
		}
		return nil
	}
}

// NotifyJob queues the mining.notify for job, replacing any undelivered
// job. The worker tracks it as current once it is written.
func (c *Conn) NotifyJob(job *jobs.Job, clean bool) error {
	line, err := encodeLine(c.worker.JobMessage(job, clean))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.queue.setJob(line, job.ID)
}

// AllowSubmit reports whether a mining.submit fits the rate limit.
func (c *Conn) AllowSubmit() bool {
	return c.limiter.Allow()
}

// Close stops the connection. The first error is kept.
func (c *Conn) Close(err error) {
	c.closeOnce.Do(func() {
		c.queue.close(err)
		close(c.done)
	})
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed when the connection stops.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection was closed, if it was closed by the bridge.
func (c *Conn) Err() error { return c.queue.Err() }

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the remote address of the client connection.
func (c *Conn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Worker returns the connection's mining state.
func (c *Conn) Worker() *Worker { return c.worker }

// Logger returns the connection scoped logger.
func (c *Conn) Logger() *log.Logger { return c.logger }

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// Coalesced returns how many notifications were superseded before delivery.
func (c *Conn) Coalesced() uint64 { return c.queue.coalescedCount() }
