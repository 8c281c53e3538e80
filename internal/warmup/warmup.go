// Package warmup pulls frames from a freshly opened camera for a short window
// and reports whether the sensor delivers a stable rate. It backs the
// connectivity check of hscamd and test-capture.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

var (
	// ErrNotEnoughFrames is returned when fewer than two frames arrive.
	ErrNotEnoughFrames = errors.New("warmup: not enough frames received")

	// ErrUnstable is returned together with the stats when the measured
	// rate or jitter exceeds the stability thresholds.
	ErrUnstable = errors.New("warmup: frame rate unstable")
)

// Source is the pull side of camera.Handle.
type Source interface {
	Pull(timeout time.Duration) camera.Result
}

// DefaultPullTimeout matches the capture worker's pull timeout.
const DefaultPullTimeout = 500 * time.Millisecond

// Run pulls frames from src for duration and measures their rate.
//
// Timeouts are counted and skipped. A fatal pull ends the warm-up with
// that error. When the sensor is unstable the stats are returned along with
// an error wrapping ErrUnstable so callers can still report them.
func Run(ctx context.Context, src Source, duration, pullTimeout time.Duration) (*Stats, error) {
	if pullTimeout <= 0 {
		pullTimeout = DefaultPullTimeout
	}

	slog.Info("warmup: starting sensor warm-up",
		"duration", duration,
		"reason", "measure real FPS before sizing the buffer",
	)

	start := time.Now()
	deadline := start.Add(duration)

	timestamps := make([]float64, 0, 256)
	timeouts := 0

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res := src.Pull(pullTimeout)
		switch res.Kind {
		case camera.ResultFrame:
			timestamps = append(timestamps, res.Frame.Timestamp())
		case camera.ResultTimeout:
			timeouts++
			slog.Debug("warmup: pull timed out", "timeouts", timeouts)
		default:
			return nil, fmt.Errorf("warmup: %w", res.Err)
		}
	}

	elapsed := time.Since(start)

	if len(timestamps) < 2 {
		return nil, fmt.Errorf("%w (got %d, need at least 2, %d timeouts)", ErrNotEnoughFrames, len(timestamps), timeouts)
	}

	stats := CalculateFPSStats(timestamps, elapsed)
	stats.Timeouts = timeouts

	slog.Info("warmup: sensor warm-up complete",
		"frames", stats.FramesReceived,
		"timeouts", stats.Timeouts,
		"duration", stats.Duration,
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean", fmt.Sprintf("%.4fs", stats.JitterMean),
		"stable", stats.IsStable,
	)

	if !stats.IsStable {
		return stats, fmt.Errorf("%w (mean=%.2f Hz, stddev=%.2f, jitter=%.4fs, threshold: FPS<15%%, jitter<20%%)",
			ErrUnstable, stats.FPSMean, stats.FPSStdDev, stats.JitterMean)
	}
	return stats, nil
}
