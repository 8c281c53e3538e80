package clip

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

type captureSink struct {
	calls  int
	frames []frame.Frame
	fps    float64
	path   string
	err    error
}

func (s *captureSink) Write(frames []frame.Frame, fps float64, path string) error {
	s.calls++
	s.frames, s.fps, s.path = frames, fps, path
	if s.err != nil {
		return s.err
	}
	return os.WriteFile(path, []byte("mp4"), 0o644)
}

// frames returns n 2x2 RGB frames at fps starting at t0.
func frames(t *testing.T, n int, fps, t0 float64) []frame.Frame {
	t.Helper()
	out := make([]frame.Frame, n)
	for i := range out {
		f, err := frame.New(make([]byte, 12), 2, 2, 3, frame.Meta{Timestamp: t0 + float64(i)/fps, Sequence: uint64(i + 1)})
		if err != nil {
			t.Fatal(err)
		}
		out[i] = f
	}
	return out
}

var fixedNow = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func newTestExporter(t *testing.T, sink Sink) *Exporter {
	t.Helper()
	e, err := NewExporter(Config{OutputDir: t.TempDir(), MaxAge: -1}, sink)
	if err != nil {
		t.Fatal(err)
	}
	e.now = func() time.Time { return fixedNow }
	return e
}

func TestExportSlowmo(t *testing.T) {
	sink := &captureSink{}
	e := newTestExporter(t, sink)

	// 3s at 120fps; ask for the last 2s at 30fps playback.
	res, err := e.ExportSlowmo(frames(t, 360, 120, 10), SlowmoRequest{Duration: 2 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	if sink.fps != 30 {
		t.Errorf("sink fps = %v", sink.fps)
	}
	if res.Frames < 240 || res.Frames > 241 {
		t.Errorf("frames = %d, want ~240", res.Frames)
	}
	if math.Abs(res.CaptureFPS-120) > 1e-6 || math.Abs(res.SlowmoFactor-4) > 1e-6 {
		t.Errorf("result = %+v", res)
	}
	if want := "slowmo_120fps_4.0x_20250314_092653.mp4"; filepath.Base(res.Path) != want {
		t.Errorf("path = %s, want %s", res.Path, want)
	}
	if sink.path != res.Path {
		t.Errorf("sink path %s != %s", sink.path, res.Path)
	}
	if err := ValidateSequence(sink.frames); err != nil {
		t.Errorf("sink received invalid sequence: %v", err)
	}
}

func TestExportSlowmo_CustomPlaybackAndName(t *testing.T) {
	sink := &captureSink{}
	e := newTestExporter(t, sink)

	res, err := e.ExportSlowmo(frames(t, 61, 60, 0), SlowmoRequest{PlaybackFPS: 15, Filename: "../escape.mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Frames != 61 || math.Abs(res.SlowmoFactor-4) > 1e-6 {
		t.Errorf("result = %+v", res)
	}
	if filepath.Dir(res.Path) != e.Config().OutputDir || filepath.Base(res.Path) != "escape.mp4" {
		t.Errorf("path = %s", res.Path)
	}
}

func TestExport_InsufficientData(t *testing.T) {
	sink := &captureSink{}
	e := newTestExporter(t, sink)

	tests := []struct {
		name   string
		frames []frame.Frame
		d      time.Duration
	}{
		{"empty", nil, 0},
		{"one frame", frames(t, 1, 30, 0), 0},
		{"short buffer", frames(t, 30, 30, 0), 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.ExportSlowmo(tt.frames, SlowmoRequest{Duration: tt.d}); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("slowmo err = %v", err)
			}
			if _, err := e.ExportRealtime(tt.frames, tt.d); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("realtime err = %v", err)
			}
		})
	}
	if sink.calls != 0 {
		t.Errorf("sink called %d times", sink.calls)
	}

	// 31 frames at 30fps span exactly one second.
	if _, err := e.ExportSlowmo(frames(t, 31, 30, 0), SlowmoRequest{Duration: time.Second}); err != nil {
		t.Errorf("full coverage rejected: %v", err)
	}
}

func TestTrailing_SpanBelowRequest(t *testing.T) {
	sink := &captureSink{}
	e := newTestExporter(t, sink)

	tests := []struct {
		name   string
		frames []frame.Frame
		d      time.Duration
	}{
		{"two frames one second apart", frames(t, 2, 1, 0), 2 * time.Second},
		{"two seconds at 2fps", frames(t, 5, 2, 0), 2500 * time.Millisecond},
		{"one frame interval short", frames(t, 30, 30, 0), time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Trailing(tt.frames, tt.d); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("trailing err = %v", err)
			}
			if _, err := e.ExportSlowmo(tt.frames, SlowmoRequest{Duration: tt.d}); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("slowmo err = %v", err)
			}
			if _, err := e.ExportRealtime(tt.frames, tt.d); !errors.Is(err, ErrInsufficientData) {
				t.Errorf("realtime err = %v", err)
			}
		})
	}
	if sink.calls != 0 {
		t.Errorf("sink called %d times", sink.calls)
	}

	out, err := Trailing(frames(t, 5, 2, 0), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Errorf("trailing kept %d frames, want 5", len(out))
	}
}

func TestExportRealtime_ClampsFPS(t *testing.T) {
	tests := []struct {
		capFPS float64
		want   float64
	}{
		{200, 60},
		{25, 25},
		{0.5, 1},
	}
	for _, tt := range tests {
		sink := &captureSink{}
		e := newTestExporter(t, sink)
		res, err := e.ExportRealtime(frames(t, 10, tt.capFPS, 0), 0)
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(sink.fps-tt.want) > 1e-9 {
			t.Errorf("capture %v fps → playback %v, want %v", tt.capFPS, sink.fps, tt.want)
		}
		if filepath.Base(res.Path) != "clip_20250314_092653.mp4" {
			t.Errorf("path = %s", res.Path)
		}
	}
}

func TestExport_SinkFailure(t *testing.T) {
	sink := &captureSink{err: errors.New("codec unavailable")}
	e := newTestExporter(t, sink)
	if _, err := e.ExportSlowmo(frames(t, 10, 30, 0), SlowmoRequest{}); err == nil {
		t.Error("expected sink error")
	}
}

func TestValidateSequence(t *testing.T) {
	good := frames(t, 3, 30, 0)
	if err := ValidateSequence(good); err != nil {
		t.Fatal(err)
	}

	mono, _ := frame.New(make([]byte, 4), 2, 2, 1, frame.Meta{Timestamp: 1})
	mixed := append(frames(t, 2, 30, 0), mono)
	if err := ValidateSequence(mixed); !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("mixed layout = %v", err)
	}

	reversed := []frame.Frame{good[2], good[1], good[0]}
	if err := ValidateSequence(reversed); !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("reversed = %v", err)
	}

	if err := ValidateSequence(good[:1]); !errors.Is(err, ErrInvalidSequence) {
		t.Errorf("single frame = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	files := map[string]time.Duration{
		"clip_old.mp4":    2 * time.Hour,
		"slowmo_old.mp4":  90 * time.Minute,
		"clip_new.mp4":    time.Minute,
		"unrelated.mp4":   3 * time.Hour,
		"clip_old.mp4.gz": 3 * time.Hour,
	}
	for name, age := range files {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		mt := now.Add(-age)
		if err := os.Chtimes(p, mt, mt); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := Cleanup(dir, time.Hour, now)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	for _, keep := range []string{"clip_new.mp4", "unrelated.mp4", "clip_old.mp4.gz"} {
		if _, err := os.Stat(filepath.Join(dir, keep)); err != nil {
			t.Errorf("%s was removed", keep)
		}
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(5)
	fs := frames(t, 8, 30, 0)

	_ = r.Push(fs[0])
	if r.Len() != 0 {
		t.Error("recorded while stopped")
	}

	r.Start()
	if !r.Recording() {
		t.Error("not recording after start")
	}
	for _, f := range fs {
		_ = r.Push(f)
	}
	if n := r.Stop(); n != 5 {
		t.Errorf("stop = %d, want 5 (capped)", n)
	}
	_ = r.Push(fs[0])

	got := r.Frames()
	if len(got) != 5 || got[0].Sequence() != 1 || got[4].Sequence() != 5 {
		t.Errorf("frames = %v", got)
	}

	r.Start()
	if r.Len() != 0 {
		t.Error("start must discard the previous recording")
	}
	if len(got) != 5 {
		t.Error("Frames must return a copy")
	}
}
