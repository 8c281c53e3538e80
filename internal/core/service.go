// Package core wires the camera stack into a running service: backends,
// the single-viewer session lifecycle, live preview, clip export, the MQTT
// emitter and control plane, and the HTTP health endpoints.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/control"
	"github.com/swongvsa/high-speed-camera-testing/internal/cvio"
	"github.com/swongvsa/high-speed-camera-testing/internal/emitter"
	"github.com/swongvsa/high-speed-camera-testing/internal/preview"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
	"github.com/swongvsa/high-speed-camera-testing/internal/transform"
)

const healthInterval = 10 * time.Second

// Option configures a Service.
type Option func(*options)

type options struct {
	backends []camera.Backend
	sink     clip.Sink
	encoder  preview.Encoder
	listener net.Listener
}

// WithBackends replaces the backends built from the configuration.
func WithBackends(b ...camera.Backend) Option {
	return func(o *options) { o.backends = b }
}

// WithClipSink replaces the OpenCV video writer.
func WithClipSink(s clip.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithEncoder replaces the OpenCV JPEG encoder of the preview.
func WithEncoder(e preview.Encoder) Option {
	return func(o *options) { o.encoder = e }
}

// WithListener serves HTTP on l instead of listening on server.port.
func WithListener(l net.Listener) Option {
	return func(o *options) { o.listener = l }
}

// Service is the main service orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	registry  *camera.Registry
	lifecycle *session.Lifecycle
	exporter  *clip.Exporter
	preview   *preview.Server
	chain     *transform.Chain
	emitter   *emitter.MQTTEmitter
	control   *control.Handler
	metrics   *metrics
	http      *http.Server
	listener  net.Listener

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
	cancelCtx context.CancelFunc // For MQTT shutdown command
}

// New builds a service from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	backends := o.backends
	if backends == nil {
		var err error
		if backends, err = Backends(cfg); err != nil {
			return nil, err
		}
	}
	if o.sink == nil {
		o.sink = cvio.VideoSink{Codec: cfg.Clips.Codec}
	}
	if o.encoder == nil {
		o.encoder = cvio.JPEGEncoder{Quality: cfg.Preview.JPEGQuality}
	}

	exporter, err := clip.NewExporter(clip.Config{
		OutputDir:   cfg.Clips.OutputDir,
		PlaybackFPS: cfg.Buffer.PlaybackFPS,
		MaxAge:      cfg.Clips.MaxAge(),
	}, o.sink)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	chain, err := buildChain(cfg)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		registry: camera.NewRegistry(),
		exporter: exporter,
		chain:    chain,
		listener: o.listener,
	}
	if cfg.MQTT.Broker != "" {
		s.emitter = emitter.NewMQTTEmitter(cfg)
	}

	s.lifecycle = session.NewLifecycle(session.ConfigFrom(cfg), s.registry, backends)
	s.preview = preview.New(preview.Config{
		FPS:     cfg.Preview.FPS,
		Encoder: o.encoder,
		Chain:   chain,
	}, s.lifecycle)
	s.lifecycle.AddHooks(s.preview.Hooks())
	if s.emitter != nil {
		s.lifecycle.AddHooks(s.emitter.SessionHooks())
	}
	s.metrics = newMetrics(s)

	slog.Info("core: service configured",
		"instance_id", cfg.InstanceID,
		"backend", cfg.Camera.Backend,
		"backends", len(backends),
		"transformers", chain.Names(),
		"mqtt", cfg.MQTT.Broker != "",
	)
	return s, nil
}

// buildChain maps preview.transformers to transform steps, in order, then
// appends one external step per preview.plugins entry.
func buildChain(cfg *config.Config) (*transform.Chain, error) {
	chain := transform.NewChain()
	for _, name := range cfg.Preview.Transformers {
		switch name {
		case "grayscale":
			chain.Add(name, transform.Grayscale)
		case "brightness":
			chain.Add(name, transform.Brightness)
		case "overlay":
			chain.Add(name, cvio.Overlay{Label: cfg.InstanceID})
		}
	}
	for _, pl := range cfg.Preview.Plugins {
		ext, err := transform.NewExternal(transform.ExternalConfig{
			Name:    pl.Name,
			Command: pl.Command,
			Args:    pl.Args,
			Env:     pl.Env,
			Timeout: pl.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		chain.Add(pl.Name, ext)
		if pl.Disabled {
			if err := chain.SetEnabled(pl.Name, false); err != nil {
				return nil, err
			}
		}
	}
	return chain, nil
}

// Lifecycle returns the session lifecycle.
func (s *Service) Lifecycle() *session.Lifecycle { return s.lifecycle }

// Handler returns the HTTP routes: preview, API, health and metrics.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws/preview", s.preview)
	mux.HandleFunc("/api/buffer", s.bufferHandler)
	mux.HandleFunc("/api/clips/slowmo", s.slowmoHandler)
	mux.HandleFunc("/api/clips/realtime", s.realtimeHandler)
	mux.HandleFunc("/api/recording", s.recordingHandler)
	mux.HandleFunc("/api/status", s.statusHandler)
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.Handle("/metrics", s.metrics.handler())
	return mux
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("core: service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("core: service starting", "instance_id", s.cfg.InstanceID)

	if err := s.startHTTP(); err != nil {
		return err
	}

	if s.emitter != nil {
		// The daemon stays useful without a broker; paho keeps retrying.
		if err := s.emitter.Connect(ctx); err != nil {
			slog.Warn("core: mqtt unavailable, control plane disabled", "error", err)
		} else if err := s.startControl(ctx); err != nil {
			slog.Warn("core: control plane not started", "error", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishHealth(ctx, healthInterval)
		}()
	}

	slog.Info("core: service running", "addr", s.Addr().String())

	<-ctx.Done()

	slog.Info("core: service run loop exiting")
	return nil
}

func (s *Service) startHTTP() error {
	s.mu.RLock()
	listener := s.listener
	s.mu.RUnlock()
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Server.Port))
		if err != nil {
			return fmt.Errorf("core: listen: %w", err)
		}
	}

	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	s.mu.Lock()
	s.listener, s.http = listener, srv
	s.mu.Unlock()

	slog.Info("core: starting http server",
		"addr", listener.Addr().String(),
		"endpoints", []string{"/ws/preview", "/api/*", "/health", "/readiness", "/metrics"},
	)

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("core: http server failed", "error", err)
		}
	}()
	return nil
}

func (s *Service) startControl(ctx context.Context) error {
	h := control.NewHandler(s.cfg, s.emitter.Client(), control.CommandCallbacks{
		OnGetStatus:      s.getStatus,
		OnSetExposure:    s.setExposure,
		OnSetGain:        s.setGain,
		OnSetROI:         s.setROI,
		OnSetFrameRate:   s.setFrameRate,
		OnSetTransformer: s.setTransformer,
		OnClearBuffer:    s.clearBuffer,
		OnExportSlowmo:   s.exportSlowmo,
		OnExportClip:     s.exportClip,
		OnStartRecording: s.startRecording,
		OnStopRecording:  s.stopRecording,
		OnShutdown:       s.shutdownViaControl,
	})
	if err := h.Start(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.control = h
	s.mu.Unlock()
	return nil
}

// Addr returns the HTTP listen address once Run has started.
func (s *Service) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancelCtx
	srv, ctl := s.http, s.control
	s.mu.Unlock()

	slog.Info("core: shutting down service")

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	// Preview sockets are hijacked and survive http.Shutdown; ending the
	// session closes them through the preview hook.
	s.lifecycle.Close()

	if ctl != nil {
		ctl.Stop()
	}

	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for goroutines: %w", ctx.Err()))
	}

	if s.emitter != nil {
		s.emitter.Disconnect()
	}
	if err := s.chain.Close(); err != nil {
		errs = append(errs, fmt.Errorf("transformers: %w", err))
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("core: service shutdown complete", "uptime", uptime)
	return errors.Join(errs...)
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	if t := s.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}
