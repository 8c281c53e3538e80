package webcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

// device is a running webcam pipeline.
type device struct {
	path   string
	width  atomic.Int32
	height atomic.Int32
	fps    float64

	elements *PipelineElements
	samples  chan sample
	cancel   context.CancelFunc

	failOnce    sync.Once
	failed      chan struct{}
	failErr     error
	monitorDone chan struct{}

	counters  ErrorCounters
	framesIn  atomic.Uint64
	bytesRead atomic.Uint64
	dropped   atomic.Uint64

	exposureUS float64
	closed     bool
}

func newDevice(path string, width, height int, fps float64) *device {
	d := &device{
		path:        path,
		fps:         fps,
		samples:     make(chan sample, 1),
		failed:      make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	d.width.Store(int32(width))
	d.height.Store(int32(height))
	return d
}

// fail records the first pipeline error; Read returns it from then on.
func (d *device) fail(err error) {
	d.failOnce.Do(func() {
		d.failErr = err
		close(d.failed)
	})
}

func (d *device) Capability() camera.Capability {
	return camera.Capability{
		Mono:      false,
		MaxWidth:  int(d.width.Load()),
		MaxHeight: int(d.height.Load()),
		MaxFPS:    d.fps,
	}
}

func (d *device) Read(timeout time.Duration) (camera.Image, error) {
	if d.closed {
		return camera.Image{}, fmt.Errorf("webcam: read: %w", camera.ErrNotStreaming)
	}

	// A frame that is already waiting wins over a pending failure.
	select {
	case s := <-d.samples:
		return d.image(s)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s := <-d.samples:
		return d.image(s)
	case <-d.failed:
		return camera.Image{}, d.failErr
	case <-timer.C:
		return camera.Image{}, camera.NewError(camera.KindTimeout, "read", 0, "", camera.ErrTimeout)
	}
}

func (d *device) image(s sample) (camera.Image, error) {
	if len(s.data) != s.width*s.height*3 {
		return camera.Image{}, camera.NewError(camera.KindValidation, "read", 0, "",
			fmt.Errorf("webcam: buffer of %d bytes for %dx%d RGB", len(s.data), s.width, s.height))
	}
	return camera.Image{Pixels: s.data, Width: s.width, Height: s.height, Channels: 3}, nil
}

// SetExposure is best effort: v4l2src exposes no portable exposure control,
// so the value is only recorded.
func (d *device) SetExposure(us float64) error {
	d.exposureUS = us
	slog.Info("webcam: exposure request recorded (best effort)", "device", d.path, "exposure_us", us)
	return nil
}

func (d *device) SetGain(gain float64) error {
	slog.Info("webcam: gain not supported, ignoring", "device", d.path, "gain", gain)
	return nil
}

// SetROI renegotiates the output size; videoscale does the resampling.
func (d *device) SetROI(width, height int) error {
	if d.elements != nil {
		if err := UpdateCaps(d.elements.CapsFilter, width, height, d.fps); err != nil {
			return err
		}
	}
	d.width.Store(int32(width))
	d.height.Store(int32(height))
	return nil
}

func (d *device) SetFrameRate(fps float64) error {
	if d.elements != nil {
		if err := UpdateCaps(d.elements.CapsFilter, int(d.width.Load()), int(d.height.Load()), fps); err != nil {
			return err
		}
	}
	d.fps = fps
	return nil
}

// Close stops the bus monitor and tears the pipeline down.
func (d *device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.cancel != nil {
		d.cancel()
		<-d.monitorDone
	}
	err := DestroyPipeline(d.elements)
	d.elements = nil

	slog.Debug("webcam: closed",
		"device", d.path,
		"frames", d.framesIn.Load(),
		"bytes", d.bytesRead.Load(),
		"dropped", d.dropped.Load(),
	)
	return err
}
