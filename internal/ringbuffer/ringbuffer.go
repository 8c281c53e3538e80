// Package ringbuffer holds the most recent captured frames so that preview
// and export can read them at their own pace while the capture worker keeps
// writing at sensor rate.
//
// The buffer is single-writer / multi-reader. The writer takes the exclusive
// lock only for push+evict; readers take the shared lock just long enough to
// copy frame values out. Frame pixel slices are immutable, so copying the
// Frame value is enough to hand it to another goroutine.
package ringbuffer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

const (
	// Headroom multiplies fps*window when sizing the buffer.
	Headroom = 1.2

	// FPSCacheInterval bounds how often MeasuredFPS recomputes.
	FPSCacheInterval = 0.2

	DefaultTargetFPS   = 60.0
	DefaultWindow      = 5 * time.Second
	DefaultPlaybackFPS = 30.0

	minCapacity = 2
)

// ErrOutOfOrder is returned by Push when a frame is older than the newest entry.
var ErrOutOfOrder = errors.New("ringbuffer: frame older than newest entry")

// Config sizes the buffer.
type Config struct {
	TargetFPS   float64       // Expected capture rate (default: 60)
	Window      time.Duration // Seconds of history to retain (default: 5s)
	PlaybackFPS float64       // Default slow-motion playback rate reported in Stats (default: 30)
}

func (c Config) withDefaults() Config {
	if c.TargetFPS <= 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PlaybackFPS <= 0 {
		c.PlaybackFPS = DefaultPlaybackFPS
	}
	return c
}

// Capacity returns the number of slots needed to hold window at fps with headroom.
func Capacity(fps float64, window time.Duration) int {
	n := int(fps * window.Seconds() * Headroom)
	if n < minCapacity {
		return minCapacity
	}
	return n
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	FrameCount   int     `json:"frame_count"`
	Capacity     int     `json:"capacity"`
	DurationS    float64 `json:"duration_s"`
	MeasuredFPS  float64 `json:"measured_fps"`
	TargetFPS    float64 `json:"target_fps"`
	SlowmoFactor float64 `json:"slowmo_factor"`
	PlaybackFPS  float64 `json:"playback_fps"`
	Pushed       uint64  `json:"pushed"`
	Evicted      uint64  `json:"evicted"`
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces frame.Now as the buffer's notion of "now".
func WithClock(c frame.Clock) Option {
	return func(b *Buffer) { b.clock = c }
}

// Buffer is a bounded, time-ordered circular buffer of frames.
type Buffer struct {
	clock frame.Clock

	mu      sync.RWMutex
	cfg     Config
	slots   []frame.Frame
	start   int // index of the oldest entry
	n       int
	pushed  uint64
	evicted uint64

	fpsMu     sync.Mutex
	fpsCached float64
	fpsAt     float64
	fpsValid  bool
}

// New returns an empty buffer sized by Capacity(cfg.TargetFPS, cfg.Window).
func New(cfg Config, opts ...Option) *Buffer {
	cfg = cfg.withDefaults()
	b := &Buffer{
		clock: frame.Now,
		cfg:   cfg,
		slots: make([]frame.Frame, Capacity(cfg.TargetFPS, cfg.Window)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// at returns the i-th oldest entry. b.mu must be held.
func (b *Buffer) at(i int) frame.Frame {
	return b.slots[(b.start+i)%len(b.slots)]
}

// Push appends f, evicting the oldest entry when the buffer is full. A frame
// whose layout differs from the newest entry starts a new run: the older
// entries are dropped so the buffer never mixes resolutions.
func (b *Buffer) Push(f frame.Frame) error {
	if f.IsZero() {
		return fmt.Errorf("ringbuffer: push: %w", frame.ErrInvalidShape)
	}

	b.mu.Lock()
	if b.n > 0 && f.Timestamp() < b.at(b.n-1).Timestamp() {
		newest := b.at(b.n - 1).Timestamp()
		b.mu.Unlock()
		return fmt.Errorf("%w: %.6f < %.6f", ErrOutOfOrder, f.Timestamp(), newest)
	}

	reset := b.n > 0 && !f.SameLayout(b.at(b.n-1))
	if reset {
		b.evicted += uint64(b.n)
		b.clearLocked()
	}

	size := len(b.slots)
	if b.n == size {
		b.slots[b.start] = f
		b.start = (b.start + 1) % size
		b.evicted++
	} else {
		b.slots[(b.start+b.n)%size] = f
		b.n++
	}
	b.pushed++
	b.mu.Unlock()

	if reset {
		b.invalidateFPS()
		slog.Info("ringbuffer: frame layout changed, buffer restarted",
			"width", f.Width(),
			"height", f.Height(),
			"channels", f.Channels(),
		)
	}
	return nil
}

// Latest returns the newest frame; ok is false while the buffer is empty.
// Callers must treat !ok as "not ready yet".
func (b *Buffer) Latest() (f frame.Frame, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.n == 0 {
		return frame.Frame{}, false
	}
	return b.at(b.n - 1), true
}

// Window returns the time-ordered suffix of entries captured within d of now.
//
// "Now" is the later of the newest timestamp and the buffer clock, so after
// a capture stall stale frames are not reported as recent. Fewer than two
// buffered frames yields nil.
func (b *Buffer) Window(d time.Duration) []frame.Frame {
	now := b.clock()

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.n < 2 {
		return nil
	}

	ref := b.at(b.n - 1).Timestamp()
	if now > ref {
		ref = now
	}
	cutoff := ref - d.Seconds()

	first := sort.Search(b.n, func(i int) bool { return b.at(i).Timestamp() >= cutoff })
	return b.copyRange(first, b.n)
}

// All returns every buffered frame in time order, or nil when fewer than two
// are buffered.
func (b *Buffer) All() []frame.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.n < 2 {
		return nil
	}
	return b.copyRange(0, b.n)
}

// copyRange copies entries [from, to). b.mu must be held.
func (b *Buffer) copyRange(from, to int) []frame.Frame {
	if from >= to {
		return nil
	}
	out := make([]frame.Frame, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, b.at(i))
	}
	return out
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.n
}

// Capacity returns the current slot count.
func (b *Buffer) Capacity() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.slots)
}

// Duration returns the span between oldest and newest entries.
func (b *Buffer) Duration() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.spanLocked()
}

func (b *Buffer) spanLocked() time.Duration {
	if b.n < 2 {
		return 0
	}
	span := b.at(b.n-1).Timestamp() - b.at(0).Timestamp()
	return time.Duration(span * float64(time.Second))
}

// MeasuredFPS returns (n-1)/span over the retained entries, recomputed at
// most every FPSCacheInterval seconds. It is 0 with fewer than two entries.
func (b *Buffer) MeasuredFPS() float64 {
	now := b.clock()

	b.fpsMu.Lock()
	defer b.fpsMu.Unlock()

	if b.fpsValid && now-b.fpsAt < FPSCacheInterval {
		return b.fpsCached
	}

	b.mu.RLock()
	n := b.n
	var span float64
	if n >= 2 {
		span = b.at(n-1).Timestamp() - b.at(0).Timestamp()
	}
	b.mu.RUnlock()

	fps := 0.0
	if n >= 2 && span > 0 {
		fps = float64(n-1) / span
	}

	b.fpsCached = fps
	b.fpsAt = now
	b.fpsValid = true
	return fps
}

func (b *Buffer) invalidateFPS() {
	b.fpsMu.Lock()
	b.fpsValid = false
	b.fpsMu.Unlock()
}

// Resize changes the slot count, keeping the newest entries that fit.
func (b *Buffer) Resize(capacity int) {
	if capacity < minCapacity {
		capacity = minCapacity
	}

	b.mu.Lock()
	old := len(b.slots)
	keep := b.n
	if keep > capacity {
		keep = capacity
	}
	slots := make([]frame.Frame, capacity)
	for i := 0; i < keep; i++ {
		slots[i] = b.at(b.n - keep + i)
	}
	dropped := b.n - keep
	b.evicted += uint64(dropped)
	b.slots = slots
	b.start = 0
	b.n = keep
	b.mu.Unlock()

	b.invalidateFPS()

	slog.Info("ringbuffer: resized",
		"old_capacity", old,
		"new_capacity", capacity,
		"kept", keep,
		"dropped", dropped,
	)
}

// SetTargetFPS records a new capture rate and resizes to match it.
func (b *Buffer) SetTargetFPS(fps float64) {
	if fps <= 0 {
		return
	}
	b.mu.Lock()
	b.cfg.TargetFPS = fps
	window := b.cfg.Window
	b.mu.Unlock()

	b.Resize(Capacity(fps, window))
}

// Clear drops every entry. Counters are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.clearLocked()
	b.mu.Unlock()

	b.invalidateFPS()
	slog.Debug("ringbuffer: cleared")
}

func (b *Buffer) clearLocked() {
	for i := range b.slots {
		b.slots[i] = frame.Frame{}
	}
	b.start, b.n = 0, 0
}

// Config returns the effective configuration.
func (b *Buffer) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Stats returns counters plus the slow-motion factor at the default playback rate.
func (b *Buffer) Stats() Stats {
	fps := b.MeasuredFPS()

	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		FrameCount:  b.n,
		Capacity:    len(b.slots),
		DurationS:   b.spanLocked().Seconds(),
		MeasuredFPS: fps,
		TargetFPS:   b.cfg.TargetFPS,
		PlaybackFPS: b.cfg.PlaybackFPS,
		Pushed:      b.pushed,
		Evicted:     b.evicted,
	}
	s.SlowmoFactor = fps / b.cfg.PlaybackFPS
	return s
}
