package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/core"
	"github.com/swongvsa/high-speed-camera-testing/internal/logging"
	"github.com/swongvsa/high-speed-camera-testing/internal/warmup"
)

const (
	defaultConfigPath = "config/hscam.yaml"
	version           = "v0.3.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	port := flag.Int("port", 0, "HTTP port for preview, API and health (overrides server.port)")
	device := flag.String("camera", "", "Device preference: index, name or address substring")
	check := flag.Bool("check", false, "Open the camera, measure its frame rate and exit")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("hscamd %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hscamd: %v\n", err)
		os.Exit(1)
	}
	config.ApplyEnv(cfg, os.Getenv)
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}
	if *debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "hscamd: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	slog.Info("starting hscamd",
		"version", version,
		"config", *configPath,
		"instance_id", cfg.InstanceID,
		"debug", *debug,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if *check {
		go func() {
			<-sigChan
			cancel()
		}()
		if err := runCheck(ctx, cfg); err != nil {
			slog.Error("connectivity check failed", "error", err)
			os.Exit(1)
		}
		return
	}

	svc, err := core.New(cfg)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command)")
		}
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}

	slog.Info("hscamd stopped successfully")
}

// loadConfig reads path. A missing default file falls back to built-in
// defaults so the daemon runs out of the box.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config file not found, using defaults", "path", path)
		return config.Default(), nil
	}
	return nil, err
}

// runCheck opens the preferred device, measures its frame rate over the
// warm-up window and closes it again.
func runCheck(ctx context.Context, cfg *config.Config) error {
	backends, err := core.Backends(cfg)
	if err != nil {
		return err
	}
	descs, err := camera.EnumerateAll(backends...)
	if err != nil {
		return err
	}
	for _, d := range descs {
		fmt.Printf("  found: %s\n", d.String())
	}

	desc, err := camera.Select(descs, cfg.Camera.Device)
	if err != nil {
		return errors.New(camera.UserMessage(err))
	}
	backend, err := camera.BackendFor(desc, backends...)
	if err != nil {
		return err
	}

	h := camera.NewHandle(desc, backend, camera.NewRegistry())
	if err := h.Open(); err != nil {
		return errors.New(camera.UserMessage(err))
	}
	defer h.Close()

	fmt.Printf("  opened: %s\n", h.Info())

	stats, err := warmup.Run(ctx, h, cfg.Capture.WarmupDuration(), cfg.Capture.PullTimeout())
	if stats != nil {
		fmt.Printf("  frames:      %d (%d timeouts) in %s\n", stats.FramesReceived, stats.Timeouts, stats.Duration.Round(1e6))
		fmt.Printf("  fps:         %.2f mean, %.2f stddev, %.1f-%.1f range\n", stats.FPSMean, stats.FPSStdDev, stats.FPSMin, stats.FPSMax)
		fmt.Printf("  jitter:      %.4fs mean, %.4fs max\n", stats.JitterMean, stats.JitterMax)
		fmt.Printf("  stable:      %v\n", stats.IsStable)
		fmt.Printf("  buffer rate: %.1f fps (requested %.1f)\n", warmup.RecommendedTargetFPS(stats, cfg.Camera.TargetFPS), cfg.Camera.TargetFPS)
	}
	if errors.Is(err, warmup.ErrUnstable) {
		slog.Warn("sensor frame rate is unstable", "error", err)
		return nil
	}
	return err
}
