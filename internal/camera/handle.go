package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// Status is the DeviceHandle state.
type Status int32

const (
	StatusClosed Status = iota
	StatusOpening
	StatusStreaming
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusOpening:
		return "opening"
	case StatusStreaming:
		return "streaming"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ResultKind tags the outcome of a pull.
type ResultKind int

const (
	ResultFrame ResultKind = iota
	ResultTimeout
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultFrame:
		return "frame"
	case ResultTimeout:
		return "timeout"
	default:
		return "fatal"
	}
}

// Result is what Pull returns: exactly one of a Frame, a routine timeout or a
// fatal error.
type Result struct {
	Kind  ResultKind
	Frame frame.Frame
	Err   error
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithClock sets the timestamp source for captured frames.
func WithClock(c frame.Clock) HandleOption {
	return func(h *Handle) { h.clock = c }
}

// WithoutTraceIDs disables per-frame trace ids (benchmarks, very high rates).
func WithoutTraceIDs() HandleOption {
	return func(h *Handle) { h.traceIDs = false }
}

// Handle owns one physical camera: exclusive registration, native resources
// and the pull/control surface.
//
// Pull, the setters and Close are serialized by one mutex, so a Close issued
// while a Pull is in flight waits for the native call (bounded by the pull
// timeout) instead of freeing memory underneath it.
type Handle struct {
	desc     Descriptor
	backend  Backend
	registry *Registry
	clock    frame.Clock
	traceIDs bool

	mu         sync.Mutex
	dev        Device
	capability Capability
	registered bool
	seq        uint64
	lastTS     float64

	status  atomic.Int32
	closing atomic.Bool // set by Close before it waits for the lock
	shut    atomic.Bool // explicit Close happened; blocks reconnect reopen
}

// NewHandle creates a closed handle for d. No I/O happens until Open.
func NewHandle(d Descriptor, b Backend, r *Registry, opts ...HandleOption) *Handle {
	h := &Handle{
		desc:     d,
		backend:  b,
		registry: r,
		clock:    frame.Now,
		traceIDs: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Descriptor returns the device this handle targets.
func (h *Handle) Descriptor() Descriptor { return h.desc }

// Status returns the current state. Safe for concurrent use.
func (h *Handle) Status() Status { return Status(h.status.Load()) }

// Open registers exclusive ownership, then initializes and starts the device.
//
// A second handle opening the same descriptor fails fast with KindAlreadyInUse.
// Any failure after registration releases the registration and every
// partially acquired native resource.
func (h *Handle) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev != nil {
		return NewError(KindAlreadyInUse, "open", 0, "", fmt.Errorf("%w: handle already open", ErrAlreadyInUse))
	}

	h.status.Store(int32(StatusOpening))

	if err := h.registry.Acquire(h.desc); err != nil {
		h.status.Store(int32(StatusClosed))
		slog.Warn("camera: device already in use", "device", h.desc.String())
		return err
	}
	h.registered = true

	if err := h.openNativeLocked(); err != nil {
		h.registry.Release(h.desc)
		h.registered = false
		h.status.Store(int32(StatusClosed))
		return err
	}

	h.shut.Store(false)
	h.closing.Store(false)

	slog.Info("camera: device opened",
		"device", h.desc.String(),
		"mono", h.capability.Mono,
		"max_resolution", fmt.Sprintf("%dx%d", h.capability.MaxWidth, h.capability.MaxHeight),
		"max_fps", h.capability.MaxFPS,
	)
	return nil
}

// openNativeLocked runs the backend open sequence. h.mu must be held.
func (h *Handle) openNativeLocked() error {
	dev, err := h.backend.Open(h.desc)
	if err != nil {
		slog.Error("camera: open failed", "device", h.desc.String(), "error", err)
		if KindOf(err) == 0 {
			err = NewError(KindFatal, "open", 0, "", err)
		}
		return err
	}

	h.dev = dev
	h.capability = dev.Capability()
	h.status.Store(int32(StatusStreaming))
	return nil
}

// releaseNativeLocked frees the native device, logging failures. h.mu must be held.
func (h *Handle) releaseNativeLocked() {
	if h.dev == nil {
		return
	}
	if err := h.dev.Close(); err != nil {
		slog.Warn("camera: error releasing device", "device", h.desc.String(), "error", err)
	}
	h.dev = nil
}

// Pull blocks up to timeout for the next frame.
//
// Timeout is routine and leaves the handle streaming. Any other failure
// marks the handle Faulted and is returned as ResultFatal. Pull on a handle
// that is not streaming returns ResultFatal wrapping ErrNotStreaming.
func (h *Handle) Pull(timeout time.Duration) Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil || h.Status() != StatusStreaming {
		return Result{Kind: ResultFatal, Err: fmt.Errorf("camera: pull: %w", ErrNotStreaming)}
	}

	img, err := h.dev.Read(timeout)

	// Close may have been requested while the native call was blocked.
	if h.closing.Load() {
		return Result{Kind: ResultFatal, Err: fmt.Errorf("camera: pull: %w", ErrNotStreaming)}
	}

	if err != nil {
		if KindOf(err) == KindTimeout {
			return Result{Kind: ResultTimeout, Err: err}
		}
		if KindOf(err) == 0 {
			err = NewError(KindFatal, "pull", 0, "", err)
		}
		h.status.Store(int32(StatusFaulted))
		return Result{Kind: ResultFatal, Err: err}
	}

	ts := h.clock()
	if ts <= h.lastTS {
		ts = math.Nextafter(h.lastTS, math.Inf(1))
	}

	meta := frame.Meta{Timestamp: ts, Sequence: h.seq + 1}
	if h.traceIDs {
		meta.TraceID = uuid.New().String()
	}

	f, err := frame.New(img.Pixels, img.Width, img.Height, img.Channels, meta)
	if err != nil {
		slog.Error("camera: device returned malformed image", "device", h.desc.String(), "error", err)
		return Result{Kind: ResultFatal, Err: NewError(KindValidation, "pull", 0, "", err)}
	}

	h.seq++
	h.lastTS = ts
	return Result{Kind: ResultFrame, Frame: f}
}

// Reconnect releases the native device, waits backoff, and opens the same
// descriptor again. Registration is kept for the whole cycle so no other
// handle can take the device in between.
//
// If Close is called during the backoff, the device is not reopened.
func (h *Handle) Reconnect(ctx context.Context, backoff time.Duration) error {
	h.mu.Lock()
	if h.shut.Load() || !h.registered {
		h.mu.Unlock()
		return fmt.Errorf("camera: reconnect: %w", ErrNotStreaming)
	}
	h.releaseNativeLocked()
	h.status.Store(int32(StatusClosed))
	h.mu.Unlock()

	slog.Info("camera: attempting reconnect", "device", h.desc.String(), "backoff", backoff)

	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shut.Load() {
		return fmt.Errorf("camera: reconnect: handle closed during backoff: %w", ErrNotStreaming)
	}

	h.status.Store(int32(StatusOpening))
	if err := h.openNativeLocked(); err != nil {
		h.status.Store(int32(StatusClosed))
		return err
	}

	slog.Info("camera: reconnect successful", "device", h.desc.String())
	return nil
}

// Close releases the native device, the buffer and the registration. It is
// idempotent and never fails; release errors are logged.
func (h *Handle) Close() {
	h.closing.Store(true)
	h.shut.Store(true)

	h.mu.Lock()
	defer h.mu.Unlock()

	wasOpen := h.dev != nil || h.registered
	h.releaseNativeLocked()
	if h.registered {
		h.registry.Release(h.desc)
		h.registered = false
	}
	h.status.Store(int32(StatusClosed))

	if wasOpen {
		slog.Info("camera: device closed", "device", h.desc.String(), "frames", h.seq)
	}
}

// Capability returns the sensor capability; ok is false before Open.
func (h *Handle) Capability() (Capability, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capability, h.capability.MaxWidth > 0
}

// Info returns "<friendly name> (<maxW>x<maxH>)".
func (h *Handle) Info() string {
	c, ok := h.Capability()
	if !ok {
		return h.desc.FriendlyName
	}
	return fmt.Sprintf("%s (%dx%d)", h.desc.FriendlyName, c.MaxWidth, c.MaxHeight)
}

// Sequence returns the sequence number of the last captured frame.
func (h *Handle) Sequence() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// SetExposure sets manual exposure in microseconds for the next frame.
func (h *Handle) SetExposure(microseconds float64) error {
	return h.control("set_exposure", func(d Device) error { return d.SetExposure(microseconds) })
}

// SetGain sets the analog gain factor.
func (h *Handle) SetGain(factor float64) error {
	return h.control("set_gain", func(d Device) error { return d.SetGain(factor) })
}

// SetROI changes the output resolution. The backend may pause streaming briefly.
func (h *Handle) SetROI(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("camera: set_roi: invalid size %dx%d", width, height)
	}
	return h.control("set_roi", func(d Device) error { return d.SetROI(width, height) })
}

// SetFrameRate changes the target capture rate.
func (h *Handle) SetFrameRate(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("camera: set_frame_rate: invalid fps %.2f", fps)
	}
	return h.control("set_frame_rate", func(d Device) error { return d.SetFrameRate(fps) })
}

// SetAutoExposure toggles auto exposure when the device supports it.
func (h *Handle) SetAutoExposure(enabled bool) error {
	return h.control("set_auto_exposure", func(d Device) error {
		ae, ok := d.(AutoExposurer)
		if !ok {
			slog.Debug("camera: auto exposure not supported", "device", h.desc.String())
			return nil
		}
		return ae.SetAutoExposure(enabled)
	})
}

func (h *Handle) control(op string, fn func(Device) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.dev == nil || h.Status() != StatusStreaming {
		return fmt.Errorf("camera: %s: %w", op, ErrNotStreaming)
	}

	if err := fn(h.dev); err != nil {
		if KindOf(err) == KindFatal {
			h.status.Store(int32(StatusFaulted))
		}
		slog.Error("camera: control call failed", "op", op, "device", h.desc.String(), "error", err)
		var ce *Error
		if errors.As(err, &ce) {
			return err
		}
		return fmt.Errorf("camera: %s: %w", op, err)
	}

	slog.Debug("camera: control applied", "op", op, "device", h.desc.String())
	return nil
}
