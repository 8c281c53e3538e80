package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/camera/mvsdk"
	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
	"github.com/swongvsa/high-speed-camera-testing/internal/ringbuffer"
)

// scriptSource returns results from fn, numbered from 1.
type scriptSource struct {
	mu sync.Mutex
	n  int
	fn func(n int) camera.Result
}

func (s *scriptSource) Pull(time.Duration) camera.Result {
	s.mu.Lock()
	s.n++
	n := s.n
	s.mu.Unlock()
	return s.fn(n)
}

func frameResult(seq int) camera.Result {
	f, _ := frame.New([]byte{byte(seq)}, 1, 1, 1, frame.Meta{Timestamp: float64(seq), Sequence: uint64(seq)})
	return camera.Result{Kind: camera.ResultFrame, Frame: f}
}

type recordingPolicy struct {
	mu         sync.Mutex
	frames     int
	timeouts   int
	requests   int
	timeoutErr error
}

func (p *recordingPolicy) OnFrame() {
	p.mu.Lock()
	p.frames++
	p.mu.Unlock()
}

func (p *recordingPolicy) OnTimeout(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts++
	return false, p.timeoutErr
}

func (p *recordingPolicy) RequestReconnect(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	return false, nil
}

func (p *recordingPolicy) Stats() camera.ReconnectStats { return camera.ReconnectStats{} }

func (p *recordingPolicy) counts() (frames, timeouts, requests int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames, p.timeouts, p.requests
}

type sliceSink struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sliceSink) Push(f frame.Frame) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *sliceSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openSimHandle(t *testing.T, sim *mvsdk.Simulator) *camera.Handle {
	t.Helper()
	b := mvsdk.New(sim)
	descs, err := b.Enumerate()
	if err != nil || len(descs) == 0 {
		t.Fatalf("enumerate: %v %v", descs, err)
	}
	h := camera.NewHandle(descs[0], b, camera.NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	return h
}

func TestSession_DeliversFramesInOrder(t *testing.T) {
	sim := mvsdk.NewSimulator(500, mvsdk.SimCamera{Name: "MV-SIM64", PortType: "USB3.0", Width: 8, Height: 4})
	h := openSimHandle(t, sim)
	defer h.Close()

	buf := ringbuffer.New(ringbuffer.Config{TargetFPS: 500, Window: time.Second})
	policy := camera.NewReconnectPolicy(h, camera.ReconnectConfig{})
	s := New(h, policy, Config{}, WithSink(buf))

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start = %v", err)
	}

	waitFor(t, "20 buffered frames", func() bool { return buf.Len() >= 20 })
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.Running() {
		t.Error("still running after stop")
	}

	all := buf.All()
	for i := 1; i < len(all); i++ {
		if all[i].Sequence() != all[i-1].Sequence()+1 {
			t.Fatalf("sequence gap: %d then %d", all[i-1].Sequence(), all[i].Sequence())
		}
		if all[i].Timestamp() <= all[i-1].Timestamp() {
			t.Fatalf("timestamps not increasing at %d", i)
		}
	}

	st := s.Stats()
	if st.Frames < 20 || st.SessionID != s.ID() || st.LastSequence == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_StopDuringPull(t *testing.T) {
	sim := mvsdk.NewSimulator(100)
	h := openSimHandle(t, sim)
	sim.Stall(true)

	s := New(h, camera.NewReconnectPolicy(h, camera.ReconnectConfig{}), Config{PullTimeout: 500 * time.Millisecond})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond) // worker is now inside a 500ms grab

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2500*time.Millisecond {
		t.Errorf("stop took %v", elapsed)
	}

	h.Close()
	h.Close()
	if raw, bufs := sim.Outstanding(); raw != 0 || bufs != 0 {
		t.Errorf("outstanding raw=%d buffers=%d after close", raw, bufs)
	}
	if sim.OpenCount() != 0 {
		t.Errorf("camera still initialized")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestSession_StopAbandonsStuckWorker(t *testing.T) {
	release := make(chan struct{})
	src := &scriptSource{fn: func(int) camera.Result {
		<-release
		return camera.Result{Kind: camera.ResultTimeout, Err: camera.ErrTimeout}
	}}
	s := New(src, &recordingPolicy{}, Config{StopTimeout: 20 * time.Millisecond})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	if err := s.Stop(); !errors.Is(err, ErrWorkerAbandoned) {
		t.Errorf("stop = %v, want abandoned", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("start while abandoned worker lives = %v", err)
	}

	close(release)
	<-s.Done()
}

func TestSession_FatalNotifiesAndContinues(t *testing.T) {
	fatal := camera.NewError(camera.KindFatal, "grab", -38, camera.MsgConnectionLost, camera.ErrFatal)
	src := &scriptSource{fn: func(n int) camera.Result {
		if n == 3 {
			return camera.Result{Kind: camera.ResultFatal, Err: fatal}
		}
		return frameResult(n)
	}}
	sink := &sliceSink{}
	faults := make(chan error, 4)

	s := New(src, &recordingPolicy{}, Config{FatalBackoff: time.Millisecond},
		WithSink(sink), WithFaultHandler(func(err error) { faults <- err }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	select {
	case err := <-faults:
		if !errors.Is(err, camera.ErrFatal) {
			t.Errorf("fault = %v", err)
		}
		if camera.UserMessage(err) != camera.MsgConnectionLost {
			t.Errorf("user message = %q", camera.UserMessage(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fault handler not called")
	}

	waitFor(t, "frames after the fault", func() bool { return sink.len() >= 10 })
	if s.Stats().Fatals != 1 {
		t.Errorf("fatals = %d", s.Stats().Fatals)
	}
}

func TestSession_TimeoutsGoToPolicy(t *testing.T) {
	src := &scriptSource{fn: func(n int) camera.Result {
		if n%2 == 0 {
			return camera.Result{Kind: camera.ResultTimeout, Err: camera.ErrTimeout}
		}
		return frameResult(n)
	}}
	p := &recordingPolicy{}
	s := New(src, p, Config{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "timeouts", func() bool { _, to, _ := p.counts(); return to >= 5 })
	_ = s.Stop()

	frames, timeouts, _ := p.counts()
	if frames == 0 || timeouts == 0 {
		t.Errorf("frames=%d timeouts=%d", frames, timeouts)
	}
	if st := s.Stats(); st.Timeouts == 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSession_ExhaustedPolicyEndsWorker(t *testing.T) {
	src := &scriptSource{fn: func(int) camera.Result {
		return camera.Result{Kind: camera.ResultTimeout, Err: camera.ErrTimeout}
	}}
	exhausted := camera.NewError(camera.KindFatal, "reconnect", 0, camera.MsgConnectionLost, camera.ErrReconnectExhausted)
	faults := make(chan error, 1)

	s := New(src, &recordingPolicy{timeoutErr: exhausted}, Config{},
		WithFaultHandler(func(err error) { faults <- err }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
	}
	if err := <-faults; !errors.Is(err, camera.ErrReconnectExhausted) {
		t.Errorf("fault = %v", err)
	}
	if s.Running() {
		t.Error("running after exhaustion")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("stop after exit = %v", err)
	}
}

func TestSession_NotStreamingRequestsReconnect(t *testing.T) {
	src := &scriptSource{fn: func(int) camera.Result {
		return camera.Result{Kind: camera.ResultFatal, Err: camera.ErrNotStreaming}
	}}
	p := &recordingPolicy{}
	faults := make(chan error, 1)
	s := New(src, p, Config{FatalBackoff: time.Millisecond},
		WithFaultHandler(func(err error) { faults <- err }))
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "reconnect requests", func() bool { _, _, r := p.counts(); return r >= 3 })
	_ = s.Stop()

	select {
	case err := <-faults:
		t.Errorf("not-streaming must not be reported as a fault: %v", err)
	default:
	}
}

func TestSession_ReconnectAfterStallWithRealPolicy(t *testing.T) {
	sim := mvsdk.NewSimulator(500, mvsdk.SimCamera{Name: "MV-SIM64", PortType: "USB3.0", Width: 8, Height: 4})
	h := openSimHandle(t, sim)
	defer h.Close()

	policy := camera.NewReconnectPolicy(h, camera.ReconnectConfig{
		TimeoutLimit: 3,
		Backoff:      time.Millisecond,
		MinInterval:  time.Millisecond,
	})
	buf := ringbuffer.New(ringbuffer.Config{TargetFPS: 500, Window: time.Second})
	s := New(h, policy, Config{PullTimeout: 5 * time.Millisecond}, WithSink(buf))

	sim.InjectFault(mvsdk.StatusTimeOut, mvsdk.StatusTimeOut, mvsdk.StatusTimeOut)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	waitFor(t, "a reconnect", func() bool { return policy.Stats().Successes == 1 })
	before := buf.Len()
	waitFor(t, "frames after reconnect", func() bool { return buf.Len() > before+5 })
}
