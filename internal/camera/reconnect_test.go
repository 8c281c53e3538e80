package camera

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeNow is a controllable wall clock for min-interval checks.
type fakeNow struct{ t time.Time }

func newFakeNow() *fakeNow { return &fakeNow{t: time.Unix(1_700_000_000, 0)} }

func (f *fakeNow) now() time.Time          { return f.t }
func (f *fakeNow) advance(d time.Duration) { f.t = f.t.Add(d) }

func testPolicy(r Reconnector, cfg ReconnectConfig, clk *fakeNow) *ReconnectPolicy {
	p := NewReconnectPolicy(r, cfg)
	p.now = clk.now
	return p
}

func TestReconnectPolicy_Defaults(t *testing.T) {
	p := NewReconnectPolicy(&fakeReconnector{}, ReconnectConfig{MaxFailedAttempts: -3})
	cfg := p.Config()

	if cfg.TimeoutLimit != 10 {
		t.Errorf("TimeoutLimit = %d, want 10", cfg.TimeoutLimit)
	}
	if cfg.Backoff != 2*time.Second {
		t.Errorf("Backoff = %v, want 2s", cfg.Backoff)
	}
	if cfg.MinInterval != 10*time.Second {
		t.Errorf("MinInterval = %v, want 10s", cfg.MinInterval)
	}
	if cfg.MaxFailedAttempts != 0 {
		t.Errorf("negative MaxFailedAttempts should mean retry forever, got %d", cfg.MaxFailedAttempts)
	}
}

// TestReconnectPolicy_FrameResetsCounter: limit-1 timeouts then a frame never reconnects.
func TestReconnectPolicy_FrameResetsCounter(t *testing.T) {
	r := &fakeReconnector{}
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 10}, newFakeNow())
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 9; i++ {
			if attempted, err := p.OnTimeout(ctx); attempted || err != nil {
				t.Fatalf("round %d timeout %d: attempted=%v err=%v", round, i, attempted, err)
			}
		}
		p.OnFrame()
		if got := p.Stats().ConsecutiveTimeouts; got != 0 {
			t.Fatalf("counter = %d after frame", got)
		}
	}
	if r.calls != 0 {
		t.Errorf("reconnect called %d times, want 0", r.calls)
	}
}

func TestReconnectPolicy_AttemptAtLimit(t *testing.T) {
	r := &fakeReconnector{}
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 10}, newFakeNow())
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		attempted, err := p.OnTimeout(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if attempted != (i == 10) {
			t.Fatalf("timeout %d: attempted=%v", i, attempted)
		}
	}
	if r.calls != 1 {
		t.Fatalf("reconnect calls = %d, want 1", r.calls)
	}

	s := p.Stats()
	if s.Attempts != 1 || s.Successes != 1 || s.ConsecutiveTimeouts != 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.LastAttempt.IsZero() {
		t.Error("LastAttempt not recorded")
	}
}

// TestReconnectPolicy_FailureResetsCounter checks a failed attempt does not
// re-trigger on the next single timeout.
func TestReconnectPolicy_FailureResetsCounter(t *testing.T) {
	r := &fakeReconnector{results: []error{errors.New("open failed")}}
	clk := newFakeNow()
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 3, MaxFailedAttempts: 5}, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.OnTimeout(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if r.calls != 1 {
		t.Fatalf("calls = %d", r.calls)
	}

	clk.advance(time.Minute)
	if attempted, _ := p.OnTimeout(ctx); attempted {
		t.Fatal("single timeout after failure re-triggered reconnect")
	}
	if s := p.Stats(); s.Failures != 1 || s.FailedStreak != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReconnectPolicy_MinInterval(t *testing.T) {
	r := &fakeReconnector{}
	clk := newFakeNow()
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 1, MinInterval: 10 * time.Second}, clk)
	ctx := context.Background()

	if attempted, _ := p.OnTimeout(ctx); !attempted {
		t.Fatal("first attempt should run")
	}

	clk.advance(5 * time.Second)
	if attempted, _ := p.OnTimeout(ctx); attempted {
		t.Fatal("attempt within min interval")
	}
	if attempted, _ := p.RequestReconnect(ctx); attempted {
		t.Fatal("requested attempt within min interval")
	}

	clk.advance(5 * time.Second)
	if attempted, _ := p.OnTimeout(ctx); !attempted {
		t.Fatal("attempt after min interval should run")
	}
	if r.calls != 2 {
		t.Errorf("calls = %d, want 2", r.calls)
	}
}

func TestReconnectPolicy_Exhausted(t *testing.T) {
	fail := errors.New("device gone")
	r := &fakeReconnector{results: []error{fail, fail, fail, fail}}
	clk := newFakeNow()
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 1, MinInterval: time.Second, MaxFailedAttempts: 3}, clk)
	ctx := context.Background()

	var err error
	for i := 0; i < 3; i++ {
		clk.advance(2 * time.Second)
		_, err = p.OnTimeout(ctx)
	}

	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("err = %v, want ErrReconnectExhausted", err)
	}
	if KindOf(err) != KindFatal {
		t.Errorf("kind = %v, want fatal", KindOf(err))
	}
	if UserMessage(err) != MsgConnectionLost {
		t.Errorf("message = %q", UserMessage(err))
	}

	// Once exhausted, no further native attempts.
	clk.advance(time.Minute)
	attempted, err := p.RequestReconnect(ctx)
	if attempted || !errors.Is(err, ErrReconnectExhausted) {
		t.Errorf("after exhaustion: attempted=%v err=%v", attempted, err)
	}
	if r.calls != 3 {
		t.Errorf("calls = %d, want 3", r.calls)
	}
}

func TestReconnectPolicy_SuccessClearsStreak(t *testing.T) {
	fail := errors.New("busy")
	r := &fakeReconnector{results: []error{fail, fail, nil, fail}}
	clk := newFakeNow()
	p := testPolicy(r, ReconnectConfig{TimeoutLimit: 1, MinInterval: time.Second, MaxFailedAttempts: 3}, clk)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		clk.advance(2 * time.Second)
		if _, err := p.OnTimeout(ctx); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if s := p.Stats(); s.FailedStreak != 1 || s.Successes != 1 || s.Failures != 3 {
		t.Errorf("stats = %+v", s)
	}
}

// TestReconnectPolicy_WithHandle drives a real handle through a reconnect cycle.
func TestReconnectPolicy_WithHandle(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry()
	h := newTestHandle(b, r)
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	p := NewReconnectPolicy(h, ReconnectConfig{TimeoutLimit: 2, Backoff: time.Millisecond})
	ctx := context.Background()
	p.OnTimeout(ctx)
	attempted, err := p.OnTimeout(ctx)
	if !attempted || err != nil {
		t.Fatalf("attempted=%v err=%v", attempted, err)
	}
	if p.InFlight() {
		t.Error("in-flight flag left set")
	}
	if h.Status() != StatusStreaming || !r.InUse(testDesc) {
		t.Errorf("status=%v in_use=%v", h.Status(), r.InUse(testDesc))
	}
}
