// Package session arbitrates camera ownership between viewers.
//
// OnConnect and OnDisconnect are the only entry points the UI layer calls.
// A connect passes the Gate first, then enumerates, opens and configures the
// camera and starts a capture worker feeding a ring buffer. A fatal capture
// error tears the whole chain down as if the viewer had disconnected.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/capture"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/ringbuffer"
)

// ErrBlocked is returned by OnConnect when another viewer holds the camera.
var ErrBlocked = errors.New("session: camera held by another viewer")

// MsgBlocked is the viewer-facing text for ErrBlocked.
const MsgBlocked = "Camera already in use. Only one viewer allowed."

// UserMessage returns plain-language text for an OnConnect or fault error.
func UserMessage(err error) string {
	if errors.Is(err, ErrBlocked) {
		return MsgBlocked
	}
	return camera.UserMessage(err)
}

// Config holds what a connect needs to bring a camera up.
type Config struct {
	Device          string  // Preference passed to camera.Select
	TargetFPS       float64 // Requested capture rate
	ExposureUS      float64 // Manual exposure, clamped against TargetFPS
	Gain            float64 // 0 leaves the sensor default
	ROI             config.ROI
	AutoExposure    bool
	Window          time.Duration
	PlaybackFPS     float64
	MaxRecordFrames int
	Capture         capture.Config
	Reconnect       camera.ReconnectConfig
}

// ConfigFrom maps the daemon configuration.
func ConfigFrom(c *config.Config) Config {
	roi, _ := config.ParseROI(c.Camera.ROI) // validated at load
	maxFailed := 0
	if c.Reconnect.MaxFailedAttempts != nil {
		maxFailed = *c.Reconnect.MaxFailedAttempts
	}
	return Config{
		Device:          c.Camera.Device,
		TargetFPS:       c.Camera.TargetFPS,
		ExposureUS:      c.Camera.ExposureUS(),
		Gain:            c.Camera.Gain,
		ROI:             roi,
		AutoExposure:    c.Camera.AutoExposure,
		Window:          c.Buffer.Window(),
		PlaybackFPS:     c.Buffer.PlaybackFPS,
		MaxRecordFrames: c.Clips.MaxRecordFrames,
		Capture: capture.Config{
			PullTimeout:  c.Capture.PullTimeout(),
			StopTimeout:  c.Capture.StopTimeout(),
			FatalBackoff: c.Capture.FatalBackoff(),
		},
		Reconnect: camera.ReconnectConfig{
			TimeoutLimit:      uint32(c.Reconnect.TimeoutLimit),
			Backoff:           c.Reconnect.Backoff(),
			MinInterval:       c.Reconnect.MinInterval(),
			MaxFailedAttempts: maxFailed,
		},
	}
}

// Hooks are notified when a session starts and ends. OnEnd receives the
// fault that ended the session, or nil for a normal disconnect.
type Hooks struct {
	OnStart func(s *Session)
	OnEnd   func(s *Session, cause error)
}

// Option configures a Lifecycle.
type Option func(*Lifecycle)

// WithGate shares a gate between lifecycles. Tests use it to inspect state.
func WithGate(g *Gate) Option {
	return func(l *Lifecycle) { l.gate = g }
}

// WithHooks registers session observers. May be given more than once.
func WithHooks(h Hooks) Option {
	return func(l *Lifecycle) { l.hooks = append(l.hooks, h) }
}

// WithHandleOptions passes options to every camera.Handle created.
func WithHandleOptions(opts ...camera.HandleOption) Option {
	return func(l *Lifecycle) { l.handleOpts = append(l.handleOpts, opts...) }
}

// WithContext sets the parent context of capture workers.
func WithContext(ctx context.Context) Option {
	return func(l *Lifecycle) { l.ctx = ctx }
}

// Lifecycle owns the connect/disconnect path.
type Lifecycle struct {
	cfg        Config
	backends   []camera.Backend
	registry   *camera.Registry
	gate       *Gate
	handleOpts []camera.HandleOption
	ctx        context.Context

	// mu serializes connects and guards cur.
	mu  sync.Mutex
	cur *Session

	hooksMu sync.RWMutex
	hooks   []Hooks
}

// NewLifecycle returns a lifecycle opening devices from backends, in order.
func NewLifecycle(cfg Config, registry *camera.Registry, backends []camera.Backend, opts ...Option) *Lifecycle {
	l := &Lifecycle{
		cfg:      cfg,
		backends: backends,
		registry: registry,
		gate:     NewGate(),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddHooks registers observers after construction.
func (l *Lifecycle) AddHooks(h Hooks) {
	l.hooksMu.Lock()
	l.hooks = append(l.hooks, h)
	l.hooksMu.Unlock()
}

func (l *Lifecycle) observers() []Hooks {
	l.hooksMu.RLock()
	defer l.hooksMu.RUnlock()
	return append([]Hooks(nil), l.hooks...)
}

// Gate returns the viewer gate.
func (l *Lifecycle) Gate() *Gate { return l.gate }

// Current returns the running session.
func (l *Lifecycle) Current() (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cur, l.cur != nil
}

// OnConnect admits viewerID and brings the camera up.
//
// A second viewer gets ErrBlocked before any hardware I/O. A repeated
// connect by the current viewer is a no-op. On any failure the gate and
// every acquired resource are released before returning.
func (l *Lifecycle) OnConnect(viewerID string) error {
	if !l.gate.TryAcquire(viewerID) {
		return ErrBlocked
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cur != nil {
		if l.cur.viewerID == viewerID {
			return nil
		}
		// The previous viewer's teardown is still in progress.
		l.gate.Release(viewerID)
		return ErrBlocked
	}

	s, err := l.start(viewerID)
	if err != nil {
		l.gate.Release(viewerID)
		slog.Error("session: connect failed",
			"viewer_id", viewerID,
			"kind", camera.KindOf(err).String(),
			"error", err,
		)
		return err
	}

	l.cur = s
	for _, h := range l.observers() {
		if h.OnStart != nil {
			h.OnStart(s)
		}
	}
	return nil
}

func (l *Lifecycle) start(viewerID string) (*Session, error) {
	descs, err := camera.EnumerateAll(l.backends...)
	if err != nil {
		return nil, err
	}
	desc, err := camera.Select(descs, l.cfg.Device)
	if err != nil {
		return nil, err
	}
	backend, err := camera.BackendFor(desc, l.backends...)
	if err != nil {
		return nil, camera.NewError(camera.KindEnumeration, "connect", 0, camera.MsgNoCamera, err)
	}

	h := camera.NewHandle(desc, backend, l.registry, l.handleOpts...)
	if err := h.Open(); err != nil {
		return nil, err
	}

	s := &Session{
		viewerID:   viewerID,
		handle:     h,
		startedAt:  time.Now(),
		targetFPS:  l.cfg.TargetFPS,
		exposureUS: l.cfg.ExposureUS,
		gain:       l.cfg.Gain,
	}
	if err := s.configure(l.cfg); err != nil {
		h.Close()
		return nil, err
	}

	s.buffer = ringbuffer.New(ringbuffer.Config{
		TargetFPS:   s.targetFPS,
		Window:      l.cfg.Window,
		PlaybackFPS: l.cfg.PlaybackFPS,
	})
	s.recorder = clip.NewRecorder(l.cfg.MaxRecordFrames)
	s.policy = camera.NewReconnectPolicy(h, l.cfg.Reconnect)
	s.capture = capture.New(h, s.policy, l.cfg.Capture,
		capture.WithSink(s.buffer),
		capture.WithSink(s.recorder),
		capture.WithFaultHandler(func(err error) { l.teardown(s, err) }),
	)

	if err := s.capture.Start(l.ctx); err != nil {
		h.Close()
		return nil, fmt.Errorf("session: start capture: %w", err)
	}

	slog.Info("session: camera streaming",
		"viewer_id", viewerID,
		"capture_id", s.capture.ID(),
		"device", h.Info(),
		"target_fps", s.targetFPS,
		"exposure_us", s.exposureUS,
		"buffer_capacity", s.buffer.Capacity(),
	)
	return s, nil
}

// OnDisconnect stops capture, closes the camera and frees the gate.
// It never fails; unknown viewers are ignored.
func (l *Lifecycle) OnDisconnect(viewerID string) {
	l.mu.Lock()
	s := l.cur
	l.mu.Unlock()

	if s != nil && s.viewerID == viewerID {
		l.teardown(s, nil)
	}
	l.gate.Release(viewerID)
}

// Close ends the current session, if any.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	s := l.cur
	l.mu.Unlock()

	if s != nil {
		l.teardown(s, nil)
	}
}

// teardown runs once per session, from a disconnect or a capture fault.
func (l *Lifecycle) teardown(s *Session, cause error) {
	s.once.Do(func() {
		l.mu.Lock()
		if l.cur == s {
			l.cur = nil
		}
		l.mu.Unlock()

		if cause != nil {
			slog.Error("session: capture fault, releasing camera",
				"viewer_id", s.viewerID,
				"kind", camera.KindOf(cause).String(),
				"error", cause,
			)
		}

		if err := s.capture.Stop(); err != nil {
			slog.Warn("session: capture stop", "viewer_id", s.viewerID, "error", err)
		}
		s.handle.Close()
		if s.recorder.Recording() {
			s.recorder.Stop()
		}
		l.gate.Release(s.viewerID)

		slog.Info("session: ended",
			"viewer_id", s.viewerID,
			"duration", time.Since(s.startedAt),
			"frames", s.capture.Stats().Frames,
		)

		for _, h := range l.observers() {
			if h.OnEnd != nil {
				h.OnEnd(s, cause)
			}
		}
	})
}
