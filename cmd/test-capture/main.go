package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/core"
	"github.com/swongvsa/high-speed-camera-testing/internal/cvio"
	"github.com/swongvsa/high-speed-camera-testing/internal/logging"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
)

// Version information
const version = "v0.3.0"

const viewerID = "test-capture"

func main() {
	backend := flag.String("backend", "auto", "Camera backend: auto, mvsdk, webcam, sim")
	device := flag.String("camera", "", "Device preference: index, name or address substring")
	fps := flag.Float64("fps", 120, "Target capture FPS")
	exposureMS := flag.Float64("exposure-ms", 5, "Manual exposure in milliseconds")
	roi := flag.String("roi", "full", "ROI: full, 1280x720, 640x480, 320x240 or WxH")
	outputDir := flag.String("output", "", "Directory to save sampled frames (optional)")
	outputFormat := flag.String("format", "png", "Output format: png, jpeg")
	dumpFPS := flag.Float64("dump-fps", 2, "Rate at which frames are sampled for saving")
	duration := flag.Duration("duration", 10*time.Second, "How long to capture (0 = until interrupted)")
	slowmo := flag.Float64("slowmo", 0, "Export the last N seconds as a slow-motion clip on exit (0 = off)")
	playbackFPS := flag.Float64("playback-fps", 30, "Slow-motion playback FPS")
	clipsDir := flag.String("clips", "./clips", "Directory for exported clips")
	statsInterval := flag.Int("stats-interval", 2, "Seconds between stats reports")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("test-capture %s\n", version)
		os.Exit(0)
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: "text"})
	if err != nil {
		log.Fatalf("Invalid logging options: %v", err)
	}
	slog.SetDefault(logger)

	ext := "." + *outputFormat
	if *outputFormat != "png" && *outputFormat != "jpeg" {
		log.Fatalf("Invalid output format: %s (must be png or jpeg)", *outputFormat)
	}
	if *outputDir != "" {
		if err := os.MkdirAll(*outputDir, 0o755); err != nil {
			log.Fatalf("Failed to create output directory: %v", err)
		}
	}

	cfg := &config.Config{
		Camera: config.CameraConfig{
			Backend:    *backend,
			Device:     *device,
			TargetFPS:  *fps,
			ExposureMS: *exposureMS,
			ROI:        *roi,
		},
		Buffer: config.BufferConfig{PlaybackFPS: *playbackFPS},
		Clips:  config.ClipsConfig{OutputDir: *clipsDir},
	}
	if *slowmo > 0 {
		// Keep a little more history than the export needs.
		cfg.Buffer.WindowS = *slowmo + 1
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	for _, a := range cfg.Adjustments {
		fmt.Printf("  adjusted: %s\n", a.String())
	}

	backends, err := core.Backends(cfg)
	if err != nil {
		log.Fatalf("Failed to set up backends: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if *duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			fmt.Printf("\nReceived interrupt signal, shutting down...\n")
			cancel()
		case <-ctx.Done():
		}
	}()

	lc := session.NewLifecycle(session.ConfigFrom(cfg), camera.NewRegistry(), backends, session.WithHooks(session.Hooks{
		OnEnd: func(_ *session.Session, cause error) {
			if cause != nil {
				fmt.Printf("\n%s\n", session.UserMessage(cause))
				cancel()
			}
		},
	}))
	defer lc.Close()

	if err := lc.OnConnect(viewerID); err != nil {
		log.Fatalf("Failed to open camera: %s", session.UserMessage(err))
	}
	sess, _ := lc.Current()

	fmt.Printf("\n")
	fmt.Printf("Test capture %s\n", version)
	fmt.Printf("  Device:      %s\n", sess.Handle().Info())
	fmt.Printf("  Target FPS:  %.1f\n", cfg.Camera.TargetFPS)
	fmt.Printf("  Exposure:    %.2f ms\n", cfg.Camera.ExposureMS)
	fmt.Printf("  Buffer:      %.1f s (%d frames)\n", cfg.Buffer.WindowS, sess.Buffer().Capacity())
	if *outputDir != "" {
		fmt.Printf("  Output Dir:  %s (%s every %.2fs)\n", *outputDir, *outputFormat, 1 / *dumpFPS)
	}
	fmt.Printf("Press Ctrl+C to stop\n\n")

	saved, failed := dumpFrames(ctx, sess, *outputDir, ext, *dumpFPS, time.Duration(*statsInterval)*time.Second)

	if *slowmo > 0 {
		if s, ok := lc.Current(); ok {
			exportSlowmo(cfg, s, *slowmo)
		}
	}

	if s, ok := lc.Current(); ok {
		st := s.Stats()
		fmt.Printf("\nFinal statistics\n")
		fmt.Printf("  Frames Captured: %d\n", st.Capture.Frames)
		fmt.Printf("  Timeouts:        %d\n", st.Capture.Timeouts)
		fmt.Printf("  Reconnects:      %d\n", st.Capture.Reconnect.Attempts)
		fmt.Printf("  Measured FPS:    %.2f\n", st.Buffer.MeasuredFPS)
	}
	if *outputDir != "" {
		fmt.Printf("  Frames Saved:    %d (%d failed)\n", saved, failed)
	}

	lc.OnDisconnect(viewerID)
	slog.Info("Test capture completed")
}

// dumpFrames samples the newest buffered frame at rate and writes it to dir
// until ctx ends. Stats are printed every statsEvery.
func dumpFrames(ctx context.Context, sess *session.Session, dir, ext string, rate float64, statsEvery time.Duration) (saved, failed int) {
	if rate <= 0 {
		rate = 1
	}
	if statsEvery <= 0 {
		statsEvery = 2 * time.Second
	}
	sample := time.NewTicker(time.Duration(float64(time.Second) / rate))
	defer sample.Stop()
	stats := time.NewTicker(statsEvery)
	defer stats.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return saved, failed

		case <-stats.C:
			st := sess.Stats()
			fmt.Printf("[%s] frames=%-7d fps=%6.1f buffered=%-5d (%.1fs) timeouts=%d\n",
				time.Now().Format("15:04:05"),
				st.Capture.Frames, st.Buffer.MeasuredFPS, st.Buffer.FrameCount, st.Buffer.DurationS, st.Capture.Timeouts)

		case <-sample.C:
			if dir == "" {
				continue
			}
			f, ok := sess.Buffer().Latest()
			if !ok || f.Sequence() == last {
				continue
			}
			last = f.Sequence()
			path := filepath.Join(dir, fmt.Sprintf("frame_%06d_%s%s", f.Sequence(), time.Now().Format("20060102_150405.000"), ext))
			if err := cvio.SaveImage(path, f); err != nil {
				slog.Error("Failed to save frame", "error", err, "seq", f.Sequence())
				failed++
				continue
			}
			saved++
		}
	}
}

func exportSlowmo(cfg *config.Config, sess *session.Session, seconds float64) {
	exporter, err := clip.NewExporter(clip.Config{
		OutputDir:   cfg.Clips.OutputDir,
		PlaybackFPS: cfg.Buffer.PlaybackFPS,
		MaxAge:      -1,
	}, cvio.VideoSink{Codec: cfg.Clips.Codec})
	if err != nil {
		slog.Error("Failed to create exporter", "error", err)
		return
	}

	res, err := exporter.ExportSlowmo(sess.Buffer().All(), clip.SlowmoRequest{
		Duration: time.Duration(seconds * float64(time.Second)),
	})
	if err != nil {
		slog.Error("Slow-motion export failed", "error", err)
		return
	}
	fmt.Printf("\nSaved %s (%d frames, %.1f fps capture, %.1fx slower)\n",
		res.Path, res.Frames, res.CaptureFPS, res.SlowmoFactor)
}
