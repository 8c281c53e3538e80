package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

var (
	// ErrAlreadyRunning is returned by Start on a running session.
	ErrAlreadyRunning = errors.New("capture: session already running")

	// ErrWorkerAbandoned is returned by Stop when the worker did not exit
	// within the join timeout.
	ErrWorkerAbandoned = errors.New("capture: worker did not stop in time, abandoned")
)

// Source is the part of camera.Handle the worker uses.
type Source interface {
	Pull(timeout time.Duration) camera.Result
}

// Policy is the reconnect policy driven by the worker.
type Policy interface {
	OnFrame()
	OnTimeout(ctx context.Context) (attempted bool, err error)
	RequestReconnect(ctx context.Context) (attempted bool, err error)
	Stats() camera.ReconnectStats
}

// Sink receives every captured frame in capture order.
type Sink interface {
	Push(f frame.Frame) error
}

// Config contains worker timings.
type Config struct {
	PullTimeout        time.Duration // Native pull timeout (default: 500ms)
	FatalBackoff       time.Duration // Pause after a fatal pull (default: 200ms)
	StopTimeout        time.Duration // Bounded join in Stop (default: 2s)
	TimeoutLogInterval time.Duration // Minimum spacing of timeout debug logs (default: 5s)
}

// DefaultConfig returns default worker timings.
func DefaultConfig() Config {
	return Config{
		PullTimeout:        500 * time.Millisecond,
		FatalBackoff:       200 * time.Millisecond,
		StopTimeout:        2 * time.Second,
		TimeoutLogInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PullTimeout <= 0 {
		c.PullTimeout = def.PullTimeout
	}
	if c.FatalBackoff <= 0 {
		c.FatalBackoff = def.FatalBackoff
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.TimeoutLogInterval <= 0 {
		c.TimeoutLogInterval = def.TimeoutLogInterval
	}
	return c
}

// Stats are worker counters. Safe for concurrent use.
type Stats struct {
	SessionID     string                `json:"session_id"`
	Running       bool                  `json:"running"`
	Frames        uint64                `json:"frames"`
	Timeouts      uint64                `json:"timeouts"`
	Fatals        uint64                `json:"fatals"`
	SinkErrors    uint64                `json:"sink_errors"`
	LastSequence  uint64                `json:"last_sequence"`
	LastFrameAgeS float64               `json:"last_frame_age_s"`
	Uptime        time.Duration         `json:"uptime"`
	Reconnect     camera.ReconnectStats `json:"reconnect"`
}

// Option configures a Session.
type Option func(*Session)

// WithSink adds a frame sink. Sinks are called in the order given.
func WithSink(s Sink) Option {
	return func(cs *Session) { cs.sinks = append(cs.sinks, s) }
}

// WithFaultHandler sets the callback for fatal errors. It runs on its own
// goroutine.
func WithFaultHandler(fn func(error)) Option {
	return func(cs *Session) { cs.onFault = fn }
}

// Session is the background capture loop for one device.
type Session struct {
	id      string
	src     Source
	policy  Policy
	sinks   []Sink
	cfg     Config
	onFault func(error)

	running atomic.Bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	frames      atomic.Uint64
	timeouts    atomic.Uint64
	fatals      atomic.Uint64
	sinkErrors  atomic.Uint64
	lastSeq     atomic.Uint64
	lastFrameAt atomic.Int64 // unix nanos
}

// New returns a stopped session.
func New(src Source, policy Policy, cfg Config, opts ...Option) *Session {
	s := &Session{
		id:     uuid.New().String(),
		src:    src,
		policy: policy,
		cfg:    cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id used in logs and events.
func (s *Session) ID() string { return s.id }

// Running reports whether the worker is active.
func (s *Session) Running() bool { return s.running.Load() }

// Start spawns the worker. It returns immediately.
func (s *Session) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	wctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("capture: starting worker",
		"session_id", s.id,
		"pull_timeout", s.cfg.PullTimeout,
		"sinks", len(s.sinks),
	)

	go func() {
		defer close(done)
		defer s.running.Store(false)
		s.run(wctx)
	}()
	return nil
}

// Stop signals the worker and waits up to StopTimeout for it to exit.
// Idempotent. On timeout the worker is abandoned and ErrWorkerAbandoned is
// returned; the caller still closes the device.
func (s *Session) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		slog.Debug("capture: session not started, nothing to stop", "session_id", s.id)
		return nil
	}

	slog.Info("capture: stopping worker", "session_id", s.id)
	cancel()

	select {
	case <-done:
		slog.Info("capture: worker stopped",
			"session_id", s.id,
			"frames", s.frames.Load(),
			"timeouts", s.timeouts.Load(),
			"fatals", s.fatals.Load(),
		)
		return nil
	case <-time.After(s.cfg.StopTimeout):
		slog.Warn("capture: stop timeout exceeded, abandoning worker",
			"session_id", s.id,
			"timeout", s.cfg.StopTimeout,
		)
		return ErrWorkerAbandoned
	}
}

// Done is closed when the worker exits. Nil before Start.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) run(ctx context.Context) {
	var lastTimeoutLog time.Time

	for {
		if ctx.Err() != nil {
			return
		}

		res := s.src.Pull(s.cfg.PullTimeout)

		// Stop may have landed while the pull was blocked.
		if ctx.Err() != nil {
			return
		}

		switch res.Kind {
		case camera.ResultFrame:
			s.deliver(res.Frame)
			s.policy.OnFrame()

		case camera.ResultTimeout:
			n := s.timeouts.Add(1)
			if time.Since(lastTimeoutLog) >= s.cfg.TimeoutLogInterval {
				slog.Debug("capture: frame timeout", "session_id", s.id, "total_timeouts", n)
				lastTimeoutLog = time.Now()
			}
			if _, err := s.policy.OnTimeout(ctx); err != nil {
				s.exhausted(err)
				return
			}

		default:
			if errors.Is(res.Err, camera.ErrNotStreaming) {
				// Device was closed or faulted outside this loop.
				attempted, err := s.policy.RequestReconnect(ctx)
				if err != nil {
					s.exhausted(err)
					return
				}
				if !attempted {
					s.sleep(ctx, s.cfg.FatalBackoff)
				}
				continue
			}

			s.fatals.Add(1)
			slog.Error("capture: fatal pull error",
				"session_id", s.id,
				"kind", camera.KindOf(res.Err).String(),
				"error", res.Err,
			)
			s.fault(res.Err)
			s.sleep(ctx, s.cfg.FatalBackoff)
		}
	}
}

func (s *Session) deliver(f frame.Frame) {
	s.frames.Add(1)
	s.lastSeq.Store(f.Sequence())
	s.lastFrameAt.Store(time.Now().UnixNano())

	for _, sink := range s.sinks {
		if err := sink.Push(f); err != nil {
			s.sinkErrors.Add(1)
			slog.Debug("capture: sink rejected frame",
				"session_id", s.id,
				"seq", f.Sequence(),
				"trace_id", f.TraceID(),
				"error", err,
			)
		}
	}
}

func (s *Session) exhausted(err error) {
	s.fatals.Add(1)
	slog.Error("capture: reconnect attempts exhausted, worker exiting",
		"session_id", s.id,
		"error", err,
	)
	s.fault(err)
}

func (s *Session) fault(err error) {
	if s.onFault == nil {
		return
	}
	go s.onFault(fmt.Errorf("capture: session %s: %w", s.id, err))
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Stats returns worker counters.
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:    s.id,
		Running:      s.running.Load(),
		Frames:       s.frames.Load(),
		Timeouts:     s.timeouts.Load(),
		Fatals:       s.fatals.Load(),
		SinkErrors:   s.sinkErrors.Load(),
		LastSequence: s.lastSeq.Load(),
		Reconnect:    s.policy.Stats(),
	}
	if ns := s.lastFrameAt.Load(); ns != 0 {
		st.LastFrameAgeS = time.Since(time.Unix(0, ns)).Seconds()
	}

	s.mu.Lock()
	if !s.started.IsZero() && st.Running {
		st.Uptime = time.Since(s.started)
	}
	s.mu.Unlock()
	return st
}
