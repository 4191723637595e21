package jobs

import (
	"errors"
	"sync"
	"testing"

	"github.com/bardlex/stratumbridge/internal/bitcoin"
	"github.com/bardlex/stratumbridge/internal/bitcoin/bitcointest"
	"github.com/bardlex/stratumbridge/internal/difficulty"
)

func newRegistry(window int) *Registry {
	return NewRegistry(difficulty.NewCodec(difficulty.BitcoinDiff1Target), window)
}

func testTemplate() *bitcoin.Template {
	return bitcointest.Template(100, bitcointest.PrevHash, bitcointest.EasyBits, 0)
}

func TestRegistry_InsertAssignsMonotonicIDs(t *testing.T) {
	r := newRegistry(4)
	if r.Current() != nil {
		t.Fatal("expected nil current job before first insert")
	}

	tpl := testTemplate()
	for want := uint64(1); want <= 10; want++ {
		job, err := r.Insert(tpl, want == 1)
		if err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
		if job.ID != want {
			t.Errorf("job id = %d, want %d", job.ID, want)
		}
		if r.Current() != job {
			t.Error("Current() should return the newest job")
		}
	}
}

func TestRegistry_NetworkTarget(t *testing.T) {
	r := newRegistry(4)
	job, err := r.Insert(testTemplate(), true)
	if err != nil {
		t.Fatal(err)
	}

	want, _ := difficulty.DecodeCompact(0x207fffff)
	if job.NetworkTarget.Cmp(want) != 0 {
		t.Errorf("NetworkTarget = %x, want %x", job.NetworkTarget, want)
	}
	if !job.Clean {
		t.Error("expected clean flag to be kept")
	}
}

func TestRegistry_MalformedBitsConsumeNoID(t *testing.T) {
	r := newRegistry(4)
	bad := testTemplate()
	bad.Bits = 0x04923456

	if _, err := r.Insert(bad, true); !errors.Is(err, difficulty.ErrMalformedCompactTarget) {
		t.Fatalf("Insert() error = %v, want ErrMalformedCompactTarget", err)
	}

	job, err := r.Insert(testTemplate(), true)
	if err != nil {
		t.Fatal(err)
	}
	if job.ID != 1 {
		t.Errorf("first valid job id = %d, want 1", job.ID)
	}
}

func TestRegistry_Eviction(t *testing.T) {
	const window = 3
	r := newRegistry(window)
	tpl := testTemplate()

	for range 5 {
		if _, err := r.Insert(tpl, false); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		id   uint64
		want bool
	}{
		{0, false},
		{1, false},
		{2, false},
		{3, true},
		{4, true},
		{5, true},
		{6, false},
	}
	for _, tt := range tests {
		if _, ok := r.Lookup(tt.id); ok != tt.want {
			t.Errorf("Lookup(%d) present = %v, want %v", tt.id, ok, tt.want)
		}
	}

	if got := r.Oldest(); got != 3 {
		t.Errorf("Oldest() = %d, want 3", got)
	}
	if got := r.Len(); got != window {
		t.Errorf("Len() = %d, want %d", got, window)
	}
}

func TestRegistry_OldestAndLenBeforeFull(t *testing.T) {
	r := newRegistry(8)
	if r.Oldest() != 0 || r.Len() != 0 {
		t.Fatalf("empty registry: Oldest=%d Len=%d", r.Oldest(), r.Len())
	}

	_, _ = r.Insert(testTemplate(), true)
	_, _ = r.Insert(testTemplate(), false)
	if r.Oldest() != 1 || r.Len() != 2 {
		t.Errorf("Oldest=%d Len=%d, want 1 and 2", r.Oldest(), r.Len())
	}
}

func TestRegistry_WindowFloor(t *testing.T) {
	if got := newRegistry(0).Window(); got != MinWindow {
		t.Errorf("Window() = %d, want %d", got, MinWindow)
	}
}

func TestRegistry_LookupString(t *testing.T) {
	r := newRegistry(32)
	var last *Job
	for range 26 {
		last, _ = r.Insert(testTemplate(), false)
	}

	if last.IDString() != "1a" {
		t.Fatalf("IDString() = %q, want 1a", last.IDString())
	}

	tests := []struct {
		in   string
		want bool
	}{
		{"1a", true},
		{"1A", true},
		{"1", true},
		{"", false},
		{"zz", false},
		{"-1", false},
		{"ffffffffffffffffff", false},
		{"1b", false},
	}
	for _, tt := range tests {
		if _, ok := r.LookupString(tt.in); ok != tt.want {
			t.Errorf("LookupString(%q) = %v, want %v", tt.in, ok, tt.want)
		}
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r := newRegistry(DefaultWindow)
	tpl := testTemplate()
	_, _ = r.Insert(tpl, true)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur := r.Current()
				if cur == nil {
					t.Error("Current() returned nil after insert")
					return
				}
				if job, ok := r.Lookup(cur.ID); ok && job.ID != cur.ID {
					t.Errorf("Lookup(%d) returned job %d", cur.ID, job.ID)
					return
				}
			}
		}()
	}

	for range 1000 {
		if _, err := r.Insert(tpl, false); err != nil {
			t.Fatal(err)
		}
	}
	close(stop)
	wg.Wait()

	if got := r.Current().ID; got != 1001 {
		t.Errorf("Current().ID = %d, want 1001", got)
	}
}
