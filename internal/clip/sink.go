// Package clip turns buffered frames into video files: slow-motion exports
// at a fixed playback rate, realtime clips, the start/stop recording buffer
// and cleanup of old files.
//
// Encoding itself is delegated to a Sink. The exporter guarantees every sink
// receives a time-ordered sequence of at least two frames sharing one layout.
package clip

import (
	"errors"
	"fmt"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

var (
	// ErrInsufficientData means the buffer does not hold the requested
	// duration. Exports never silently produce a shorter clip.
	ErrInsufficientData = errors.New("clip: insufficient buffered data")

	// ErrInvalidSequence means the frames cannot be handed to a sink.
	ErrInvalidSequence = errors.New("clip: invalid frame sequence")
)

// Sink writes an ordered frame sequence to a container at playbackFPS.
type Sink interface {
	Write(frames []frame.Frame, playbackFPS float64, path string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frames []frame.Frame, playbackFPS float64, path string) error

func (f SinkFunc) Write(frames []frame.Frame, playbackFPS float64, path string) error {
	return f(frames, playbackFPS, path)
}

// ValidateSequence checks the sink contract: at least two frames, one
// shared layout, non-decreasing timestamps.
func ValidateSequence(frames []frame.Frame) error {
	if len(frames) < 2 {
		return fmt.Errorf("%w: %d frames, need at least 2", ErrInvalidSequence, len(frames))
	}
	first := frames[0]
	for i := 1; i < len(frames); i++ {
		f := frames[i]
		if !f.SameLayout(first) {
			return fmt.Errorf("%w: frame %d is %dx%dx%d, first is %dx%dx%d", ErrInvalidSequence,
				i, f.Width(), f.Height(), f.Channels(), first.Width(), first.Height(), first.Channels())
		}
		if f.Timestamp() < frames[i-1].Timestamp() {
			return fmt.Errorf("%w: frame %d is older than frame %d", ErrInvalidSequence, i, i-1)
		}
	}
	return nil
}
