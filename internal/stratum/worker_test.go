package stratum

import (
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/stratumbridge/internal/bitcoin/bitcointest"
	"github.com/bardlex/stratumbridge/internal/difficulty"
	"github.com/bardlex/stratumbridge/internal/jobs"
	"github.com/bardlex/stratumbridge/internal/validation"
)

func testWorkerConfig(t *testing.T) *WorkerConfig {
	t.Helper()
	alloc, err := NewExtranonceAllocator(4)
	if err != nil {
		t.Fatal(err)
	}
	return &WorkerConfig{
		Codec:           difficulty.NewCodec(difficulty.BitcoinDiff1Target),
		Allocator:       alloc,
		Params:          &chaincfg.MainNetParams,
		ExtraNonce2Size: 4,
		StartDifficulty: 16,
		MinDifficulty:   1,
		MaxDifficulty:   1 << 20,
		VersionMask:     0x1fffe000,
		Vardiff:         DefaultVardiffConfig(),
	}
}

func subscribedWorker(t *testing.T, cfg *WorkerConfig) *Worker {
	t.Helper()
	w := NewWorker(cfg)
	if _, err := w.Subscribe("cgminer/4.12", ""); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestNewWorker_StartDifficulty(t *testing.T) {
	tests := []struct {
		name  string
		start float64
		want  float64
	}{
		{"configured", 16, 16},
		{"below minimum", 0.001, 1},
		{"above maximum", 1 << 30, 1 << 20},
		{"zero falls back to minimum", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testWorkerConfig(t)
			cfg.StartDifficulty = tt.start
			w := NewWorker(cfg)
			if w.Difficulty() != tt.want {
				t.Errorf("Difficulty() = %v, want %v", w.Difficulty(), tt.want)
			}
			want, _ := cfg.Codec.TargetFromDifficulty(tt.want)
			if target, _ := w.ShareTarget(0); target.Cmp(want) != 0 {
				t.Error("share target does not match difficulty")
			}
		})
	}
}

func TestWorker_Subscribe(t *testing.T) {
	cfg := testWorkerConfig(t)
	w := NewWorker(cfg)

	id, err := w.Subscribe("bmminer/2.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if id != "00000001" || w.Identity() != id {
		t.Errorf("identity = %s", id)
	}
	if len(w.ExtraNonce1()) != 4 {
		t.Errorf("ExtraNonce1() = %x", w.ExtraNonce1())
	}

	again, _ := w.Subscribe("bmminer/2.0", "")
	if again != id {
		t.Error("second subscribe should keep the identity")
	}
	if cfg.Allocator.InUse() != 1 {
		t.Errorf("InUse() = %d, want 1", cfg.Allocator.InUse())
	}

	w.Release()
	w.Release()
	if cfg.Allocator.InUse() != 0 {
		t.Error("Release() should free the identity")
	}
	if w.Subscribed() || w.Authorized() {
		t.Error("released worker should not be subscribed")
	}
}

func TestWorker_SubscribeExhausted(t *testing.T) {
	cfg := testWorkerConfig(t)
	cfg.Allocator, _ = NewExtranonceAllocator(1)

	for range 255 {
		NewWorker(cfg).Subscribe("", "")
	}
	if _, err := NewWorker(cfg).Subscribe("", ""); !errors.Is(err, ErrIdentityExhausted) {
		t.Errorf("Subscribe() = %v, want ErrIdentityExhausted", err)
	}
}

func TestWorker_Authorize(t *testing.T) {
	tests := []struct {
		name       string
		username   string
		password   string
		wantErr    error
		wantWorker string
		wantDiff   float64
	}{
		{"address only", bitcointest.PayAddress, "x", nil, "", 16},
		{"address and worker", bitcointest.PayAddress + ".rig01", "", nil, "rig01", 16},
		{"bech32", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4.s9", "", nil, "s9", 16},
		{"password difficulty", bitcointest.PayAddress, "d=512", nil, "", 512},
		{"password difficulty clamped", bitcointest.PayAddress, "x,d=0.0001", nil, "", 1},
		{"bad password difficulty ignored", bitcointest.PayAddress, "d=abc", nil, "", 16},
		{"not an address", "alice", "", ErrInvalidCredentials, "", 16},
		{"empty", "", "", ErrInvalidCredentials, "", 16},
		{"testnet address", "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", "", ErrInvalidCredentials, "", 16},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := subscribedWorker(t, testWorkerConfig(t))
			ok, err := w.Authorize(tt.username, tt.password)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || ok {
					t.Fatalf("Authorize() = %v, %v, want %v", ok, err, tt.wantErr)
				}
				if w.Authorized() {
					t.Error("worker should not be authorized")
				}
				return
			}
			if err != nil || !ok {
				t.Fatalf("Authorize() = %v, %v", ok, err)
			}
			if w.WorkerName() != tt.wantWorker {
				t.Errorf("WorkerName() = %q, want %q", w.WorkerName(), tt.wantWorker)
			}
			if w.Difficulty() != tt.wantDiff {
				t.Errorf("Difficulty() = %v, want %v", w.Difficulty(), tt.wantDiff)
			}
		})
	}
}

func TestWorker_AuthorizeBeforeSubscribe(t *testing.T) {
	w := NewWorker(testWorkerConfig(t))
	if _, err := w.Authorize(bitcointest.PayAddress, ""); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("Authorize() = %v, want ErrNotSubscribed", err)
	}
}

func TestWorker_FullName(t *testing.T) {
	w := subscribedWorker(t, testWorkerConfig(t))
	_, _ = w.Authorize(bitcointest.PayAddress+".rig", "")
	if w.FullName() != bitcointest.PayAddress+".rig" {
		t.Errorf("FullName() = %s", w.FullName())
	}
	if w.User() != bitcointest.PayAddress {
		t.Errorf("User() = %s", w.User())
	}
}

func TestWorker_JobMessage(t *testing.T) {
	w := subscribedWorker(t, testWorkerConfig(t))
	registry := jobs.NewRegistry(difficulty.NewCodec(nil), 4)
	job, err := registry.Insert(bitcointest.Template(100, bitcointest.PrevHash, bitcointest.EasyBits, 3), true)
	if err != nil {
		t.Fatal(err)
	}

	msg := w.JobMessage(job, true)
	if msg.Method != MethodNotify || !msg.IsNotification() {
		t.Fatalf("unexpected message %+v", msg)
	}
	if w.LastJobID() != 0 {
		t.Errorf("LastJobID() = %d before delivery, want 0", w.LastJobID())
	}

	p := msg.Params
	if len(p) != 9 {
		t.Fatalf("len(params) = %d, want 9", len(p))
	}
	tpl := job.Template
	checks := []struct {
		idx  int
		want any
	}{
		{0, job.IDString()},
		{1, tpl.PrevHashHex()},
		{2, tpl.Coinb1Hex()},
		{3, tpl.Coinb2Hex()},
		{5, "20000000"},
		{6, "207fffff"},
		{7, tpl.NTimeHex()},
		{8, true},
	}
	for _, c := range checks {
		if p[c.idx] != c.want {
			t.Errorf("params[%d] = %v, want %v", c.idx, p[c.idx], c.want)
		}
	}
	if branch, ok := p[4].([]string); !ok || len(branch) != 2 {
		t.Errorf("merkle branch = %v, want 2 entries", p[4])
	}

	if w.JobMessage(job, false).Params[8] != false {
		t.Error("clean flag should follow the argument")
	}
}

func TestWorker_SetDifficulty(t *testing.T) {
	w := subscribedWorker(t, testWorkerConfig(t))
	before, _ := w.ShareTarget(0)

	msg, err := w.SetDifficulty(64)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Method != MethodSetDifficulty || msg.Params[0] != 64.0 {
		t.Errorf("message = %+v", msg)
	}
	if after, _ := w.ShareTarget(0); after.Cmp(before) >= 0 {
		t.Error("higher difficulty must lower the share target")
	}

	for _, bad := range []float64{0, -1} {
		if _, err := w.SetDifficulty(bad); !errors.Is(err, difficulty.ErrInvalidDifficulty) {
			t.Errorf("SetDifficulty(%v) = %v, want ErrInvalidDifficulty", bad, err)
		}
	}
	if w.Difficulty() != 64 {
		t.Errorf("failed update changed difficulty to %v", w.Difficulty())
	}

	msg, _ = w.SuggestDifficulty(1 << 30)
	if msg.Params[0] != float64(1<<20) {
		t.Errorf("suggested difficulty = %v, want clamp to max", msg.Params[0])
	}
	if w.DifficultyMessage().Params[0] != float64(1<<20) {
		t.Error("DifficultyMessage() should report the current difficulty")
	}
}

func TestWorker_DifficultyGrace(t *testing.T) {
	cfg := testWorkerConfig(t)
	target := func(d float64) string {
		tgt, err := cfg.Codec.TargetFromDifficulty(d)
		if err != nil {
			t.Fatal(err)
		}
		return tgt.Text(16)
	}

	w := subscribedWorker(t, cfg)
	// no job delivered yet, nothing to honour
	_, _ = w.SetDifficulty(8)
	if got, d := w.ShareTarget(0); got.Text(16) != target(8) || d != 8 {
		t.Fatalf("before any job: ShareTarget = %s @ %v, want difficulty 8", got.Text(16), d)
	}

	w.jobDelivered(3)
	w.jobDelivered(2)
	if w.LastJobID() != 3 {
		t.Fatalf("LastJobID() = %d, want 3", w.LastJobID())
	}

	_, _ = w.SuggestDifficulty(32)
	_, _ = w.SetDifficulty(64)

	tests := []struct {
		name  string
		jobID uint64
		want  float64
	}{
		{"delivered job keeps the easiest earlier difficulty", 3, 8},
		{"older job", 1, 8},
		{"job sent after the change", 4, 64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, d := w.ShareTarget(tt.jobID)
			if d != tt.want || got.Text(16) != target(tt.want) {
				t.Errorf("ShareTarget(%d) = difficulty %v, want %v", tt.jobID, d, tt.want)
			}
		})
	}

	// a new job ends the grace for the next change
	w.jobDelivered(4)
	_, _ = w.SetDifficulty(128)
	if _, d := w.ShareTarget(4); d != 64 {
		t.Errorf("ShareTarget(4) after next change = %v, want 64", d)
	}
	if _, d := w.ShareTarget(3); d != 64 {
		t.Errorf("ShareTarget(3) = %v, want 64 once the grace moved on", d)
	}

	// lowering never tightens an older job
	w.jobDelivered(5)
	_, _ = w.SetDifficulty(2)
	if _, d := w.ShareTarget(5); d != 2 {
		t.Errorf("ShareTarget(5) after lowering = %v, want 2", d)
	}
}

func TestWorker_Configure(t *testing.T) {
	w := subscribedWorker(t, testWorkerConfig(t))
	if got := w.Configure(0xffffffff); got != 0x1fffe000 {
		t.Errorf("Configure(all) = %08x, want 1fffe000", got)
	}
	if got := w.Configure(0x00006000); got != 0x00006000 {
		t.Errorf("Configure(subset) = %08x", got)
	}
	if w.VersionMask() != 0x00006000 {
		t.Errorf("VersionMask() = %08x", w.VersionMask())
	}
}

func TestWorker_RecordOutcome(t *testing.T) {
	w := subscribedWorker(t, testWorkerConfig(t))

	outcomes := []validation.Outcome{
		{Status: validation.StatusAccepted, Difficulty: 16},
		{Status: validation.StatusAccepted, Difficulty: 16},
		{Status: validation.StatusBlock, Difficulty: 16},
		{Status: validation.StatusStale},
		{Status: validation.StatusRejected, Reason: validation.ReasonDuplicate},
		{Status: validation.StatusRejected, Reason: validation.ReasonLowDifficulty},
		{Status: validation.StatusRejected, Reason: validation.ReasonLowDifficulty},
		validation.Invalid(errors.New("bad")),
	}
	for _, o := range outcomes {
		if msg := w.RecordOutcome(o); msg != nil {
			t.Errorf("vardiff is off, got %+v", msg)
		}
	}

	got := w.Stats()
	want := Stats{
		Accepted:      3,
		Rejected:      4,
		Stale:         1,
		Duplicate:     1,
		LowDifficulty: 2,
		Invalid:       1,
		Blocks:        1,
		AcceptedWork:  48,
		LastShareAt:   got.LastShareAt,
	}
	if got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}
	if time.Since(got.LastShareAt) > time.Minute {
		t.Error("LastShareAt not updated")
	}
}
