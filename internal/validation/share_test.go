package validation

import (
	"bytes"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/bitcoin/bitcointest"
	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/internal/jobs"
)

const (
	hardBits = "1d00ffff"
	shareTS  = 1700000000
)

type mockSession struct {
	identity string
	diff     float64
	target   *big.Int
	mask     uint32

	grace     *big.Int
	graceDiff float64
	graceJob  uint64
}

func (m *mockSession) Identity() string    { return m.identity }
func (m *mockSession) Difficulty() float64 { return m.diff }
func (m *mockSession) VersionMask() uint32 { return m.mask }

func (m *mockSession) ShareTarget(jobID uint64) (*big.Int, float64) {
	if m.grace != nil && jobID <= m.graceJob {
		return m.grace, m.graceDiff
	}
	return m.target, m.diff
}

func newSession(t *testing.T, codec *difficulty.Codec, diff float64) *mockSession {
	t.Helper()
	target, err := codec.TargetFromDifficulty(diff)
	if err != nil {
		t.Fatal(err)
	}
	return &mockSession{identity: "00000001", diff: diff, target: target}
}

// fixedHasher returns digest for every header and records the last input.
type fixedHasher struct {
	mu     sync.Mutex
	digest [32]byte
	last   []byte
}

func (f *fixedHasher) hash(header []byte) [32]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = append(f.last[:0], header...)
	return f.digest
}

func (f *fixedHasher) set(d [32]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digest = d
}

type fixture struct {
	codec     *difficulty.Codec
	registry  *jobs.Registry
	hasher    *fixedHasher
	validator *Validator
}

func newFixture(base *big.Int, window int) *fixture {
	codec := difficulty.NewCodec(base)
	registry := jobs.NewRegistry(codec, window)
	h := &fixedHasher{}
	return &fixture{
		codec:     codec,
		registry:  registry,
		hasher:    h,
		validator: NewValidator(registry, codec, h.hash, 0),
	}
}

func (f *fixture) insert(t *testing.T, bits string) *jobs.Job {
	t.Helper()
	job, err := f.registry.Insert(bitcointest.Template(100, bitcointest.PrevHash, bits, 3), true)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func share(jobID string, nonce uint32) *Share {
	return &Share{
		JobID:       jobID,
		Worker:      "00000001",
		ExtraNonce1: []byte{0, 0, 0, 1},
		ExtraNonce2: []byte{0xde, 0xad, 0xbe, 0xef},
		NTime:       shareTS,
		Nonce:       nonce,
		SubmittedAt: time.Unix(shareTS, 0),
	}
}

func TestValidate_DifficultyThousandBoundary(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 8)
	job := f.insert(t, hardBits)
	sess := newSession(t, f.codec, 1000)

	want := new(big.Int).Div(difficulty.MaxTarget, big.NewInt(1000))
	if sess.target.Cmp(want) != 0 {
		t.Fatalf("share target = %x, want %x", sess.target, want)
	}

	f.hasher.set(difficulty.TargetToHash(want))
	out := f.validator.Validate(share(job.IDString(), 1), sess)
	if out.Status != StatusAccepted {
		t.Errorf("hash equal to target: status = %v, want accepted", out)
	}

	below := new(big.Int).Sub(want, big.NewInt(1))
	f.hasher.set(difficulty.TargetToHash(below))
	out = f.validator.Validate(share(job.IDString(), 2), sess)
	if out.Status != StatusAccepted {
		t.Errorf("hash just below target: status = %v, want accepted", out)
	}

	above := new(big.Int).Add(want, big.NewInt(1))
	f.hasher.set(difficulty.TargetToHash(above))
	out = f.validator.Validate(share(job.IDString(), 3), sess)
	if out.Status != StatusRejected || out.Reason != ReasonLowDifficulty {
		t.Errorf("hash one above target: outcome = %v, want low-difficulty", out)
	}
}

func TestValidate_PreviousDifficultyForOlderJobs(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 8)
	older := f.insert(t, hardBits)
	newer := f.insert(t, hardBits)

	// raised from 1 to 2 after older was delivered
	sess := newSession(t, f.codec, 2)
	sess.grace, sess.graceDiff, sess.graceJob = new(big.Int).Set(difficulty.MaxTarget), 1, older.ID

	// meets difficulty 1 but not 2
	f.hasher.set(difficulty.TargetToHash(new(big.Int).Sub(difficulty.MaxTarget, big.NewInt(1))))

	out := f.validator.Validate(share(older.IDString(), 1), sess)
	if out.Status != StatusAccepted {
		t.Fatalf("share on older job: outcome = %v, want accepted", out)
	}
	if out.Difficulty != 1 {
		t.Errorf("credited difficulty = %v, want 1", out.Difficulty)
	}

	out = f.validator.Validate(share(newer.IDString(), 2), sess)
	if out.Status != StatusRejected || out.Reason != ReasonLowDifficulty {
		t.Errorf("share on newer job: outcome = %v, want low-difficulty", out)
	}
	if out.Difficulty != 2 {
		t.Errorf("credited difficulty = %v, want 2", out.Difficulty)
	}
}

func TestValidate_Stale(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 2)
	sess := newSession(t, f.codec, 1)
	// a zero digest clears every target
	f.hasher.set([32]byte{})

	first := f.insert(t, bitcointest.EasyBits)
	f.insert(t, bitcointest.EasyBits)
	f.insert(t, bitcointest.EasyBits)

	tests := []struct {
		name  string
		jobID string
	}{
		{"evicted", first.IDString()},
		{"never issued", jobs.FormatID(99)},
		{"zero", "0"},
		{"garbage", "not-a-job"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := f.validator.Validate(share(tt.jobID, 1), sess)
			if out.Status != StatusStale {
				t.Errorf("status = %v, want stale", out.Status)
			}
			if out.Job != nil || out.Block != nil {
				t.Error("stale share must not be evaluated")
			}
		})
	}
}

func TestValidate_Duplicate(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, bitcointest.EasyBits)
	sess := newSession(t, f.codec, 1)
	f.hasher.set([32]byte{})

	first := f.validator.Validate(share(job.IDString(), 7), sess)
	if first.Status != StatusBlock {
		t.Fatalf("first submission = %v, want block", first)
	}

	second := f.validator.Validate(share(job.IDString(), 7), sess)
	if second.Status != StatusRejected || second.Reason != ReasonDuplicate {
		t.Errorf("second submission = %v, want duplicate", second)
	}
	if second.Block != nil {
		t.Error("duplicate must not carry a block")
	}

	other := share(job.IDString(), 7)
	other.Worker = "00000002"
	other.ExtraNonce1 = []byte{0, 0, 0, 2}
	if out := f.validator.Validate(other, sess); out.Reason == ReasonDuplicate {
		t.Error("same nonce from another worker is not a duplicate")
	}

	rolled := share(job.IDString(), 7)
	rolled.VersionBits = 0x00002000
	sess.mask = 0x1fffe000
	if out := f.validator.Validate(rolled, sess); out.Reason == ReasonDuplicate {
		t.Error("different version bits is not a duplicate")
	}
}

func TestValidate_DuplicateIndependentOfHash(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, hardBits)
	sess := newSession(t, f.codec, 1000)

	var worst [32]byte
	for i := range worst {
		worst[i] = 0xff
	}
	f.hasher.set(worst)

	if out := f.validator.Validate(share(job.IDString(), 1), sess); out.Reason != ReasonLowDifficulty {
		t.Fatalf("first = %v, want low-difficulty", out)
	}
	if out := f.validator.Validate(share(job.IDString(), 1), sess); out.Reason != ReasonDuplicate {
		t.Errorf("second = %v, want duplicate", out)
	}
}

func TestValidate_Block(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, bitcointest.EasyBits)
	sess := newSession(t, f.codec, 1)
	f.hasher.set([32]byte{0x01})

	out := f.validator.Validate(share(job.IDString(), 0xcafebabe), sess)
	if out.Status != StatusBlock {
		t.Fatalf("status = %v, want block", out)
	}
	if out.Job != job {
		t.Error("outcome should reference the job")
	}

	block := out.Block
	if block == nil {
		t.Fatal("expected assembled block")
	}
	if block.Header.Nonce != 0xcafebabe {
		t.Errorf("nonce = %08x", block.Header.Nonce)
	}
	if got, want := len(block.Transactions), len(job.Template.Transactions)+1; got != want {
		t.Errorf("transactions = %d, want %d", got, want)
	}

	txs := btcutil.NewBlock(block).Transactions()
	store := blockchain.BuildMerkleTreeStore(txs, false)
	if root := store[len(store)-1]; *root != block.Header.MerkleRoot {
		t.Errorf("header merkle root %s does not commit to the block transactions %s", block.Header.MerkleRoot, root)
	}

	if !bytes.Equal(f.hasher.last, bitcoin.SerializeHeader(&block.Header)) {
		t.Error("hashed header differs from the assembled block header")
	}
}

func TestValidate_RealHasher(t *testing.T) {
	codec := difficulty.NewCodec(difficulty.MaxTarget)
	registry := jobs.NewRegistry(codec, 4)
	job, err := registry.Insert(bitcointest.Template(100, bitcointest.PrevHash, bitcointest.EasyBits, 2), true)
	if err != nil {
		t.Fatal(err)
	}
	v := NewValidator(registry, codec, nil, 0)

	sess := &mockSession{identity: "00000001", diff: 1, target: codec.MaxTarget()}
	out := v.Validate(share(job.IDString(), 42), sess)
	if !out.Valid() {
		t.Fatalf("outcome = %v (%v)", out, out.Err)
	}

	if out.Status == StatusBlock {
		if out.Block.BlockHash() != out.Hash {
			t.Errorf("block hash %s != share hash %s", out.Block.BlockHash(), out.Hash)
		}
	}
	if out.ShareDifficulty <= 0 {
		t.Errorf("ShareDifficulty = %v", out.ShareDifficulty)
	}
}

func TestValidate_Invalid(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, bitcointest.EasyBits)
	f.hasher.set([32]byte{})

	tests := []struct {
		name   string
		mutate func(s *Share, sess *mockSession)
	}{
		{"short extranonce2", func(s *Share, _ *mockSession) { s.ExtraNonce2 = []byte{1, 2} }},
		{"long extranonce2", func(s *Share, _ *mockSession) { s.ExtraNonce2 = make([]byte, 8) }},
		{"wrong extranonce1", func(s *Share, _ *mockSession) { s.ExtraNonce1 = []byte{1} }},
		{"ntime before mintime", func(s *Share, _ *mockSession) { s.NTime = job.Template.MinTime - 1 }},
		{"ntime too far ahead", func(s *Share, _ *mockSession) { s.NTime = shareTS + 2*3600 + 1 }},
		{"version bits without rolling", func(s *Share, _ *mockSession) { s.VersionBits = 0x00002000 }},
		{"version bits outside mask", func(s *Share, sess *mockSession) {
			sess.mask = 0x1fffe000
			s.VersionBits = 0x00000001
		}},
		{"no share target", func(_ *Share, sess *mockSession) { sess.target = nil }},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newSession(t, f.codec, 1)
			s := share(job.IDString(), uint32(1000+i))
			tt.mutate(s, sess)

			out := f.validator.Validate(s, sess)
			if out.Status != StatusRejected || out.Reason != ReasonInvalid {
				t.Errorf("outcome = %v, want invalid", out)
			}
			if out.Err == nil {
				t.Error("invalid outcome should carry an error")
			}
		})
	}
}

func TestValidate_VersionRolling(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, bitcointest.EasyBits)
	f.hasher.set([32]byte{})

	sess := newSession(t, f.codec, 1)
	sess.mask = 0x1fffe000

	s := share(job.IDString(), 5)
	s.VersionBits = 0x00ffe000

	out := f.validator.Validate(s, sess)
	if !out.Valid() {
		t.Fatalf("outcome = %v (%v)", out, out.Err)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(f.hasher.last)); err != nil {
		t.Fatal(err)
	}
	want := int32(uint32(job.Template.Version)&^sess.mask | s.VersionBits)
	if header.Version != want {
		t.Errorf("hashed version = %08x, want %08x", uint32(header.Version), uint32(want))
	}
}

func TestValidator_Prune(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 2)
	sess := newSession(t, f.codec, 1)
	f.hasher.set([32]byte{})

	first := f.insert(t, bitcointest.EasyBits)
	f.validator.Validate(share(first.IDString(), 1), sess)
	if got := f.validator.Tracked(); got != 1 {
		t.Fatalf("Tracked() = %d, want 1", got)
	}

	f.insert(t, bitcointest.EasyBits)
	f.insert(t, bitcointest.EasyBits)
	f.validator.Prune()

	if got := f.validator.Tracked(); got != 0 {
		t.Errorf("Tracked() after eviction = %d, want 0", got)
	}
}

func TestValidate_Concurrent(t *testing.T) {
	f := newFixture(difficulty.MaxTarget, 4)
	job := f.insert(t, hardBits)
	sess := newSession(t, f.codec, 1)
	f.hasher.set(difficulty.TargetToHash(sess.target))

	const workers, perWorker = 8, 200
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWorker {
				out := f.validator.Validate(share(job.IDString(), uint32(w*perWorker+i)), sess)
				if out.Status == StatusAccepted {
					mu.Lock()
					accepted++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if accepted != workers*perWorker {
		t.Errorf("accepted = %d, want %d", accepted, workers*perWorker)
	}
}

func TestNewShare(t *testing.T) {
	tests := []struct {
		name    string
		en2     string
		ntime   string
		nonce   string
		version string
		wantErr bool
	}{
		{"valid", "deadbeef", "6553f100", "cafebabe", "", false},
		{"with version bits", "deadbeef", "6553f100", "cafebabe", "00002000", false},
		{"odd extranonce2", "dead0", "6553f100", "cafebabe", "", true},
		{"bad ntime", "deadbeef", "xyz", "cafebabe", "", true},
		{"short nonce", "deadbeef", "6553f100", "cafe", "", true},
		{"bad version", "deadbeef", "6553f100", "cafebabe", "zz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewShare("00000001", []byte{0, 0, 0, 1}, "1", tt.en2, tt.ntime, tt.nonce, tt.version)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewShare() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedShare) {
					t.Errorf("error %v should wrap ErrMalformedShare", err)
				}
				return
			}
			if s.NTime != 0x6553f100 || s.Nonce != 0xcafebabe {
				t.Errorf("ntime=%08x nonce=%08x", s.NTime, s.Nonce)
			}
			if tt.version != "" && s.VersionBits != 0x00002000 {
				t.Errorf("VersionBits = %08x", s.VersionBits)
			}
		})
	}
}

func TestOutcomeString(t *testing.T) {
	tests := []struct {
		out  Outcome
		want string
	}{
		{Outcome{Status: StatusAccepted}, "accepted"},
		{Outcome{Status: StatusBlock}, "block"},
		{Outcome{Status: StatusStale}, "stale"},
		{Outcome{Status: StatusRejected, Reason: ReasonDuplicate}, "duplicate"},
		{Outcome{Status: StatusRejected, Reason: ReasonLowDifficulty}, "low-difficulty"},
		{Invalid(errors.New("x")), "invalid"},
	}
	for _, tt := range tests {
		if got := tt.out.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
