package clip

import (
	"log/slog"
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// DefaultMaxRecordFrames caps a recording at 10s of 200fps capture.
const DefaultMaxRecordFrames = 2000

// Recorder accumulates every captured frame between Start and Stop. It is a
// capture sink; frames pushed while not recording are ignored.
type Recorder struct {
	max int

	mu        sync.Mutex
	recording bool
	startedAt time.Time
	frames    []frame.Frame
	dropped   int
}

// NewRecorder returns a recorder holding at most maxFrames frames.
func NewRecorder(maxFrames int) *Recorder {
	if maxFrames <= 0 {
		maxFrames = DefaultMaxRecordFrames
	}
	return &Recorder{max: maxFrames}
}

// Start discards any previous recording and begins a new one.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	r.startedAt = time.Now()
	r.frames = r.frames[:0]
	r.dropped = 0
	slog.Info("clip: high-speed recording started", "max_frames", r.max)
}

// Stop ends the recording and returns the number of frames kept.
func (r *Recorder) Stop() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		slog.Info("clip: high-speed recording stopped",
			"frames", len(r.frames),
			"dropped", r.dropped,
			"elapsed", time.Since(r.startedAt),
		)
	}
	r.recording = false
	return len(r.frames)
}

// Push appends f while recording. Once full, further frames are counted
// as dropped.
func (r *Recorder) Push(f frame.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil
	}
	if len(r.frames) >= r.max {
		r.dropped++
		return nil
	}
	r.frames = append(r.frames, f)
	return nil
}

// Recording reports whether frames are being kept.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Frames returns a copy of the recorded frames.
func (r *Recorder) Frames() []frame.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.Frame(nil), r.frames...)
}

// Len returns the number of recorded frames.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}
