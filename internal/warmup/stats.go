package warmup

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum allowed FPS standard deviation as a fraction of mean FPS.
	// A sensor is considered stable if stddev < 15% of mean FPS.
	// Example: 120 FPS mean → stable if stddev < 18 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum allowed mean jitter as a fraction of expected interval.
	// Example: 120 FPS (8.3ms interval) → stable if jitter < 1.7ms
	jitterStabilityThreshold = 0.20

	// targetHeadroom is the fraction of the measured rate recommended as a
	// buffer sizing target when the sensor delivers less than requested.
	targetHeadroom = 0.9
)

// Stats contains statistics collected during the warm-up window.
type Stats struct {
	FramesReceived int           // Frames pulled during warm-up
	Timeouts       int           // Pulls that timed out
	Duration       time.Duration // Actual warm-up duration
	FPSMean        float64       // Mean FPS across all frames
	FPSStdDev      float64       // Standard deviation of instantaneous FPS
	FPSMin         float64       // Minimum instantaneous FPS
	FPSMax         float64       // Maximum instantaneous FPS
	IsStable       bool          // stddev < 15% of mean AND jitter < 20% of interval
	JitterMean     float64       // Average inter-frame interval deviation (seconds)
	JitterStdDev   float64       // Standard deviation of jitter (seconds)
	JitterMax      float64       // Maximum jitter observed (seconds)
}

// CalculateFPSStats computes rate and jitter statistics from frame
// timestamps (monotonic seconds, ascending).
//
// This function:
//  1. Calculates mean FPS (overall)
//  2. Calculates instantaneous FPS for each frame interval
//  3. Finds min/max instantaneous FPS
//  4. Calculates standard deviation of instantaneous FPS
//  5. Calculates jitter statistics (inter-frame interval variance)
//  6. Determines stability (stddev < 15% of mean AND jitter < 20%)
func CalculateFPSStats(timestamps []float64, totalDuration time.Duration) *Stats {
	n := len(timestamps)
	stats := &Stats{FramesReceived: n, Duration: totalDuration}

	if n == 0 || totalDuration <= 0 {
		return stats
	}

	fpsMean := float64(n) / totalDuration.Seconds()
	stats.FPSMean = fpsMean

	instantaneous := make([]float64, 0, n)
	for i := 1; i < n; i++ {
		if interval := timestamps[i] - timestamps[i-1]; interval > 0 {
			instantaneous = append(instantaneous, 1.0/interval)
		}
	}

	// No valid intervals: one frame, or identical timestamps.
	if len(instantaneous) == 0 {
		return stats
	}

	fpsMin, fpsMax := instantaneous[0], instantaneous[0]
	var sumSquares float64
	for _, fps := range instantaneous {
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(instantaneous)))

	// Jitter = deviation from the expected inter-frame interval
	expectedInterval := 1.0 / fpsMean

	jitters := make([]float64, 0, n-1)
	var jitterSum, jitterMax float64
	for i := 1; i < n; i++ {
		j := math.Abs((timestamps[i] - timestamps[i-1]) - expectedInterval)
		jitters = append(jitters, j)
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSumSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSumSquares += diff * diff
	}

	stats.FPSStdDev = fpsStdDev
	stats.FPSMin = fpsMin
	stats.FPSMax = fpsMax
	stats.JitterMean = jitterMean
	stats.JitterStdDev = math.Sqrt(jitterSumSquares / float64(len(jitters)))
	stats.JitterMax = jitterMax
	stats.IsStable = fpsStdDev < fpsMean*fpsStabilityThreshold &&
		jitterMean < expectedInterval*jitterStabilityThreshold
	return stats
}

// RecommendedTargetFPS returns the capture rate to size the ring buffer for.
//
// Logic:
//   - If measured FPS >= requested: return requested
//   - If measured FPS < requested: return 90% of measured FPS
//
// Example:
//   - requested=120, measured=118 → 106.2 (sensor cannot sustain 120)
//   - requested=60, measured=120  → 60
func RecommendedTargetFPS(stats *Stats, requested float64) float64 {
	if stats == nil || stats.FPSMean <= 0 {
		return requested
	}
	if stats.FPSMean < requested {
		return stats.FPSMean * targetHeadroom
	}
	return requested
}
