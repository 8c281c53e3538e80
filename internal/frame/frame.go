// Package frame defines the immutable image value produced by every camera
// backend and consumed by the ring buffer, the preview and the clip sinks.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidShape is returned when the pixel buffer does not match the
// declared dimensions.
var ErrInvalidShape = errors.New("frame: invalid shape")

// Frame is a single captured image with its capture metadata.
//
// Fields are unexported so a Frame can only be built through New, which
// validates the shape. The pixel slice is shared between copies of the same
// Frame and must be treated as read-only by every holder.
type Frame struct {
	pixels    []byte
	width     int
	height    int
	channels  int
	timestamp float64
	sequence  uint64
	traceID   string
}

// Meta carries the capture metadata attached to a Frame.
type Meta struct {
	// Timestamp is monotonic seconds (see Now).
	Timestamp float64
	// Sequence increases by one per successfully captured frame.
	Sequence uint64
	// TraceID is an opaque identifier for log correlation.
	TraceID string
}

// New validates the shape and builds a Frame. Ownership of pixels passes to
// the Frame; callers must not write to the slice afterwards.
//
// Invariants:
//   - width > 0 and height > 0
//   - channels is 1 (mono) or 3 (RGB)
//   - len(pixels) == width*height*channels
func New(pixels []byte, width, height, channels int, meta Meta) (Frame, error) {
	if width <= 0 || height <= 0 {
		return Frame{}, fmt.Errorf("%w: dimensions %dx%d must be positive", ErrInvalidShape, width, height)
	}
	if channels != 1 && channels != 3 {
		return Frame{}, fmt.Errorf("%w: channels=%d (must be 1 or 3)", ErrInvalidShape, channels)
	}
	if want := width * height * channels; len(pixels) != want {
		return Frame{}, fmt.Errorf("%w: buffer has %d bytes, %dx%dx%d needs %d",
			ErrInvalidShape, len(pixels), width, height, channels, want)
	}

	return Frame{
		pixels:    pixels,
		width:     width,
		height:    height,
		channels:  channels,
		timestamp: meta.Timestamp,
		sequence:  meta.Sequence,
		traceID:   meta.TraceID,
	}, nil
}

// Pixels returns the row-major pixel buffer (H*W for mono, H*W*3 RGB).
// The returned slice must not be modified.
func (f Frame) Pixels() []byte { return f.pixels }

func (f Frame) Width() int { return f.width }

func (f Frame) Height() int { return f.height }

func (f Frame) Channels() int { return f.channels }

// Timestamp returns the capture time in monotonic seconds.
func (f Frame) Timestamp() float64 { return f.timestamp }

func (f Frame) Sequence() uint64 { return f.sequence }

func (f Frame) TraceID() string { return f.traceID }

// IsZero reports whether f is the zero Frame (never produced by New).
func (f Frame) IsZero() bool { return f.pixels == nil }

// IsMono reports whether the frame has a single channel.
func (f Frame) IsMono() bool { return f.channels == 1 }

// SameLayout reports whether both frames share width, height and channel count.
func (f Frame) SameLayout(o Frame) bool {
	return f.width == o.width && f.height == o.height && f.channels == o.channels
}

// Clone returns a Frame with its own copy of the pixel buffer.
func (f Frame) Clone() Frame {
	if f.pixels == nil {
		return f
	}
	c := f
	c.pixels = make([]byte, len(f.pixels))
	copy(c.pixels, f.pixels)
	return c
}

// WithPixels returns a copy of f carrying a different pixel buffer of the
// same layout. Frame transformers use it to annotate without touching the
// source buffer.
func (f Frame) WithPixels(pixels []byte) (Frame, error) {
	return New(pixels, f.width, f.height, f.channels, Meta{
		Timestamp: f.timestamp,
		Sequence:  f.sequence,
		TraceID:   f.traceID,
	})
}

func (f Frame) String() string {
	return fmt.Sprintf("frame#%d %dx%dx%d @%.6fs", f.sequence, f.width, f.height, f.channels, f.timestamp)
}

// epoch anchors the monotonic clock. time.Since uses the monotonic reading.
var epoch = time.Now()

// Now returns monotonic seconds since process start. All frame timestamps
// and ring buffer queries use this clock.
func Now() float64 {
	return time.Since(epoch).Seconds()
}

// Clock returns monotonic seconds. Tests substitute deterministic clocks.
type Clock func() float64
