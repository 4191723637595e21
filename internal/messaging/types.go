package messaging

import "time"

// Event is anything the bridge publishes.
type Event interface {
	// Topic is the topic suffix the event belongs to.
	Topic() string
	// Key partitions events of the same topic.
	Key() string
}

// JobEvent is emitted for every job inserted into the registry.
type JobEvent struct {
	JobID             string    `json:"job_id"`
	PrevHash          string    `json:"prev_hash"`
	Height            int64     `json:"height"`
	Clean             bool      `json:"clean"`
	Transactions      int       `json:"transactions"`
	CoinbaseValue     int64     `json:"coinbase_value"`
	NetworkDifficulty float64   `json:"network_difficulty"`
	Trigger           string    `json:"trigger"`
	Workers           int       `json:"workers"`
	CreatedAt         time.Time `json:"created_at"`
}

func (e *JobEvent) Topic() string { return TopicJobs }
func (e *JobEvent) Key() string   { return e.JobID }

// ShareEvent is emitted for every validated submission.
type ShareEvent struct {
	JobID           string    `json:"job_id"`
	Identity        string    `json:"identity"`
	Worker          string    `json:"worker"`
	RemoteAddr      string    `json:"remote_addr"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	Difficulty      float64   `json:"difficulty"`
	ShareDifficulty float64   `json:"share_difficulty"`
	Height          int64     `json:"height"`
	Hash            string    `json:"hash,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
}

func (e *ShareEvent) Topic() string { return TopicShares }
func (e *ShareEvent) Key() string   { return e.Worker }

// BlockEvent reports the final state of a block submission.
type BlockEvent struct {
	BlockHash   string    `json:"block_hash"`
	Height      int64     `json:"height"`
	JobID       string    `json:"job_id"`
	Worker      string    `json:"worker"`
	Status      string    `json:"status"`
	Attempts    int       `json:"attempts"`
	LatencyMs   float64   `json:"latency_ms"`
	Error       string    `json:"error,omitempty"`
	FoundAt     time.Time `json:"found_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (e *BlockEvent) Topic() string { return TopicBlocks }
func (e *BlockEvent) Key() string   { return e.BlockHash }

// WorkerEvent carries a worker's counters on connect, disconnect and
// periodic refresh.
type WorkerEvent struct {
	Identity     string    `json:"identity"`
	Worker       string    `json:"worker"`
	RemoteAddr   string    `json:"remote_addr"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Connected    bool      `json:"connected"`
	Difficulty   float64   `json:"difficulty"`
	Accepted     uint64    `json:"accepted"`
	Rejected     uint64    `json:"rejected"`
	Stale        uint64    `json:"stale"`
	Blocks       uint64    `json:"blocks"`
	AcceptedWork float64   `json:"accepted_work"`
	LastShareAt  time.Time `json:"last_share_at"`
	ConnectedAt  time.Time `json:"connected_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (e *WorkerEvent) Topic() string { return TopicWorkers }
func (e *WorkerEvent) Key() string   { return e.Identity }
