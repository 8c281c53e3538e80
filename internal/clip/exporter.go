package clip

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

const (
	DefaultPlaybackFPS = 30.0
	DefaultMaxAge      = time.Hour

	// Realtime clips play back at the measured rate, clamped to this range.
	minRealtimeFPS = 1.0
	maxRealtimeFPS = 60.0

	// fallbackFPS is used when all frames share one timestamp.
	fallbackFPS = 30.0

	coverageSlack = 1e-6
)

// Config configures an Exporter.
type Config struct {
	OutputDir   string        // Directory for exported files (default: "./clips")
	PlaybackFPS float64       // Default slow-motion playback rate (default: 30)
	MaxAge      time.Duration // Files older than this are removed after each export (default: 1h, <0 disables)
}

// SlowmoRequest selects what to export.
type SlowmoRequest struct {
	Duration    time.Duration // Trailing source duration; 0 exports everything given
	PlaybackFPS float64       // 0 uses the exporter default
	Filename    string        // Empty generates slowmo_<fps>fps_<factor>x_<timestamp>.mp4
}

// Result describes a written file.
type Result struct {
	Path         string  `json:"path"`
	Frames       int     `json:"frames"`
	SourceS      float64 `json:"source_duration_s"`
	CaptureFPS   float64 `json:"capture_fps"`
	PlaybackFPS  float64 `json:"playback_fps"`
	SlowmoFactor float64 `json:"slowmo_factor"`
}

// Exporter writes clips through a Sink.
type Exporter struct {
	cfg  Config
	sink Sink
	now  func() time.Time
}

// NewExporter creates the output directory and returns an exporter.
func NewExporter(cfg Config, sink Sink) (*Exporter, error) {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./clips"
	}
	if cfg.PlaybackFPS <= 0 {
		cfg.PlaybackFPS = DefaultPlaybackFPS
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("clip: create output dir: %w", err)
	}

	slog.Info("clip: exporter initialized",
		"output_dir", cfg.OutputDir,
		"playback_fps", cfg.PlaybackFPS,
		"max_age", cfg.MaxAge,
	)
	return &Exporter{cfg: cfg, sink: sink, now: time.Now}, nil
}

// Config returns the effective configuration.
func (e *Exporter) Config() Config { return e.cfg }

// Trailing returns the frames within d of the newest frame, after checking
// the sequence actually covers d. d <= 0 returns frames unchanged.
func Trailing(frames []frame.Frame, d time.Duration) ([]frame.Frame, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("%w: %d frames buffered", ErrInsufficientData, len(frames))
	}
	if d <= 0 {
		return frames, nil
	}

	if covered := span(frames); covered+coverageSlack < d.Seconds() {
		return nil, fmt.Errorf("%w: requested %.2fs, buffer holds %.2fs", ErrInsufficientData, d.Seconds(), covered)
	}

	cutoff := frames[len(frames)-1].Timestamp() - d.Seconds()
	first := 0
	for first < len(frames) && frames[first].Timestamp() < cutoff {
		first++
	}
	out := frames[first:]
	if len(out) < 2 {
		return nil, fmt.Errorf("%w: only %d frames in requested duration", ErrInsufficientData, len(out))
	}
	return out, nil
}

// span is newest minus oldest timestamp, the same duration the ring buffer
// reports.
func span(frames []frame.Frame) float64 {
	return frames[len(frames)-1].Timestamp() - frames[0].Timestamp()
}

// captureFPS is (n-1)/span.
func captureFPS(frames []frame.Frame) float64 {
	s := span(frames)
	if s <= 0 {
		return fallbackFPS
	}
	return float64(len(frames)-1) / s
}

// ExportSlowmo writes frames at a fixed playback rate so that high capture
// rates play back slowed down by capture_fps/playback_fps.
func (e *Exporter) ExportSlowmo(frames []frame.Frame, req SlowmoRequest) (Result, error) {
	src, err := Trailing(frames, req.Duration)
	if err != nil {
		slog.Warn("clip: slow-mo export rejected", "error", err)
		return Result{}, err
	}
	if err := ValidateSequence(src); err != nil {
		return Result{}, err
	}

	playback := req.PlaybackFPS
	if playback <= 0 {
		playback = e.cfg.PlaybackFPS
	}
	capFPS := captureFPS(src)
	factor := capFPS / playback

	name := req.Filename
	if name == "" {
		name = fmt.Sprintf("slowmo_%dfps_%.1fx_%s.mp4", int(math.Round(capFPS)), factor, e.now().Format("20060102_150405"))
	}

	res := Result{
		Path:         filepath.Join(e.cfg.OutputDir, filepath.Base(name)),
		Frames:       len(src),
		SourceS:      src[len(src)-1].Timestamp() - src[0].Timestamp(),
		CaptureFPS:   capFPS,
		PlaybackFPS:  playback,
		SlowmoFactor: factor,
	}
	if err := e.write(src, playback, res.Path); err != nil {
		return Result{}, err
	}

	slog.Info("clip: saved slow-mo clip",
		"path", res.Path,
		"frames", res.Frames,
		"capture_fps", fmt.Sprintf("%.1f", capFPS),
		"playback_fps", playback,
		"slowmo_factor", fmt.Sprintf("%.1fx", factor),
	)
	return res, nil
}

// ExportRealtime writes frames at their measured rate (clamped to 1..60 fps).
func (e *Exporter) ExportRealtime(frames []frame.Frame, d time.Duration) (Result, error) {
	src, err := Trailing(frames, d)
	if err != nil {
		slog.Warn("clip: clip export rejected", "error", err)
		return Result{}, err
	}
	if err := ValidateSequence(src); err != nil {
		return Result{}, err
	}

	capFPS := captureFPS(src)
	fps := capFPS
	if fps < minRealtimeFPS {
		fps = minRealtimeFPS
	}
	if fps > maxRealtimeFPS {
		fps = maxRealtimeFPS
	}

	res := Result{
		Path:         filepath.Join(e.cfg.OutputDir, fmt.Sprintf("clip_%s.mp4", e.now().Format("20060102_150405"))),
		Frames:       len(src),
		SourceS:      src[len(src)-1].Timestamp() - src[0].Timestamp(),
		CaptureFPS:   capFPS,
		PlaybackFPS:  fps,
		SlowmoFactor: capFPS / fps,
	}
	if err := e.write(src, fps, res.Path); err != nil {
		return Result{}, err
	}

	slog.Info("clip: saved clip", "path", res.Path, "frames", res.Frames, "fps", fmt.Sprintf("%.1f", fps))
	return res, nil
}

func (e *Exporter) write(frames []frame.Frame, fps float64, path string) error {
	if err := e.sink.Write(frames, fps, path); err != nil {
		slog.Error("clip: sink failed", "path", path, "error", err)
		return fmt.Errorf("clip: write %s: %w", path, err)
	}
	if e.cfg.MaxAge > 0 {
		if _, err := Cleanup(e.cfg.OutputDir, e.cfg.MaxAge, e.now()); err != nil {
			slog.Warn("clip: cleanup failed", "error", err)
		}
	}
	return nil
}
