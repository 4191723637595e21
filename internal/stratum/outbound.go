package stratum

import (
	"sync"

	"github.com/bardlex/stratumbridge/pkg/errors"
)

var (
	// ErrSlowConsumer closes a connection whose response backlog overflowed.
	ErrSlowConsumer = errors.Sentinel("worker cannot keep up with responses")
	// ErrConnClosed is returned when enqueueing on a closed connection.
	ErrConnClosed = errors.Sentinel("connection closed")
)

// DefaultCriticalBacklog bounds queued responses per connection.
const DefaultCriticalBacklog = 256

// outboundQueue holds pending lines for one connection. Responses are FIFO
// and never dropped. Job and difficulty notifications keep only the latest
// value. Enqueue never blocks.
type outboundQueue struct {
	mu          sync.Mutex
	critical    [][]byte
	maxCritical int
	difficulty  []byte
	job         []byte
	jobID       uint64
	closed      bool
	err         error

	// coalesced counts notifications replaced before delivery
	coalesced uint64

	ready chan struct{}
}

func newOutboundQueue(maxCritical int) *outboundQueue {
	if maxCritical <= 0 {
		maxCritical = DefaultCriticalBacklog
	}
	return &outboundQueue{
		maxCritical: maxCritical,
		ready:       make(chan struct{}, 1),
	}
}

// pushCritical appends a response. Overflow closes the queue with
// ErrSlowConsumer.
func (q *outboundQueue) pushCritical(line []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.closedErr()
	}
	if len(q.critical) >= q.maxCritical {
		q.closeLocked(errors.Wrap(ErrSlowConsumer, errors.ErrorTypeNetwork, "enqueue_response",
			"response backlog full").WithContext("backlog", len(q.critical)))
		return q.err
	}

	q.critical = append(q.critical, line)
	q.signal()
	return nil
}

// setJob replaces any undelivered job notification.
func (q *outboundQueue) setJob(line []byte, jobID uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.closedErr()
	}
	if q.job != nil {
		q.coalesced++
	}
	q.job, q.jobID = line, jobID
	q.signal()
	return nil
}

// setDifficulty replaces any undelivered difficulty notification.
func (q *outboundQueue) setDifficulty(line []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return q.closedErr()
	}
	if q.difficulty != nil {
		q.coalesced++
	}
	q.difficulty = line
	q.signal()
	return nil
}

// drain takes everything pending in write order: responses, then the
// difficulty, then the job. jobID is the id of the drained job, zero if
// there was none.
func (q *outboundQueue) drain() (batch [][]byte, jobID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.critical)
	if q.difficulty != nil {
		n++
	}
	if q.job != nil {
		n++
	}
	if n == 0 {
		return nil, 0
	}

	batch = make([][]byte, 0, n)
	batch = append(batch, q.critical...)
	if q.difficulty != nil {
		batch = append(batch, q.difficulty)
	}
	if q.job != nil {
		batch = append(batch, q.job)
		jobID = q.jobID
	}

	clear(q.critical)
	q.critical = q.critical[:0]
	q.difficulty, q.job, q.jobID = nil, nil, 0
	return batch, jobID
}

// close stops accepting entries. The first error wins.
func (q *outboundQueue) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked(err)
}

func (q *outboundQueue) closeLocked(err error) {
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.signal()
}

// Err returns the error the queue was closed with.
func (q *outboundQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *outboundQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *outboundQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.critical)
	if q.difficulty != nil {
		n++
	}
	if q.job != nil {
		n++
	}
	return n
}

func (q *outboundQueue) coalescedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.coalesced
}

func (q *outboundQueue) closedErr() error {
	if q.err != nil {
		return q.err
	}
	return ErrConnClosed
}

func (q *outboundQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
