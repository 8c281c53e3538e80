// Package webcam is the development backend for standard USB webcams. Frames
// come from a GStreamer v4l2src pipeline; device discovery uses V4L2 queries.
package webcam

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

const (
	// MaxNodeIndex is the number of /dev/videoN nodes scanned.
	MaxNodeIndex  = 5
	DefaultWidth  = 640
	DefaultHeight = 480
	DefaultFPS    = 30.0
)

// Config controls the capture format requested from the pipeline.
type Config struct {
	Width   int
	Height  int
	FPS     float64
	PathFmt string // default "/dev/video%d"
	ScanMax int    // default MaxNodeIndex
}

func (c Config) withDefaults() Config {
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = DefaultWidth, DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.PathFmt == "" {
		c.PathFmt = "/dev/video%d"
	}
	if c.ScanMax <= 0 {
		c.ScanMax = MaxNodeIndex
	}
	return c
}

// Backend discovers and opens webcams.
type Backend struct {
	cfg       Config
	inspector Inspector
}

// New returns a webcam backend. A nil inspector uses V4L2Inspector.
func New(cfg Config, inspector Inspector) *Backend {
	if inspector == nil {
		inspector = V4L2Inspector{}
	}
	return &Backend{cfg: cfg.withDefaults(), inspector: inspector}
}

func (b *Backend) Source() camera.SourceKind { return camera.SourceWebcam }

// Enumerate scans /dev/video0 through /dev/video{ScanMax-1}. Nodes that
// cannot be opened are skipped; an empty result is not an error.
func (b *Backend) Enumerate() ([]camera.Descriptor, error) {
	var descs []camera.Descriptor
	for i := 0; i < b.cfg.ScanMax; i++ {
		path := fmt.Sprintf(b.cfg.PathFmt, i)
		info, err := b.inspector.Inspect(path)
		if err != nil {
			slog.Debug("webcam: device node skipped", "path", path, "error", err)
			continue
		}
		descs = append(descs, camera.Descriptor{
			Index:        i,
			FriendlyName: fmt.Sprintf("Webcam %d", i),
			Transport:    camera.TransportWebcam,
			Source:       camera.SourceWebcam,
			Address:      path,
		})
		slog.Debug("webcam: device found",
			"path", path,
			"formats", info.Formats,
			"max_resolution", fmt.Sprintf("%dx%d", info.MaxWidth, info.MaxHeight),
		)
	}
	return descs, nil
}

// Open builds and starts the pipeline for d.
func (b *Backend) Open(d camera.Descriptor) (camera.Device, error) {
	path := d.Address
	if path == "" {
		path = fmt.Sprintf(b.cfg.PathFmt, d.Index)
	}

	els, err := CreatePipeline(PipelineConfig{
		Device:    path,
		Width:     b.cfg.Width,
		Height:    b.cfg.Height,
		TargetFPS: b.cfg.FPS,
	})
	if err != nil {
		return nil, camera.NewError(camera.KindFatal, "open", 0, "", err)
	}

	dev := newDevice(path, b.cfg.Width, b.cfg.Height, b.cfg.FPS)
	dev.elements = els

	cbctx := &CallbackContext{
		Samples:       dev.samples,
		FramesIn:      &dev.framesIn,
		BytesRead:     &dev.bytesRead,
		FramesDropped: &dev.dropped,
		Width:         &dev.width,
		Height:        &dev.height,
	}
	els.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return OnNewSample(sink, cbctx)
		},
	})

	if err := els.Pipeline.SetState(gst.StatePlaying); err != nil {
		_ = DestroyPipeline(els)
		cat := classify(err.Error(), "")
		return nil, camera.NewError(cat.Kind(), "open", 0, cat.Message(),
			fmt.Errorf("webcam: failed to start pipeline on %s: %w", path, err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	dev.cancel = cancel
	go func() {
		defer close(dev.monitorDone)
		if err := MonitorPipelineBus(ctx, els.Pipeline, path, &dev.counters, &dev.framesIn); err != nil {
			dev.fail(err)
		}
	}()

	slog.Info("webcam: pipeline playing", "device", path, "width", b.cfg.Width, "height", b.cfg.Height, "fps", b.cfg.FPS)
	return dev, nil
}
