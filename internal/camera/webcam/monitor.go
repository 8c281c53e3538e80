package webcam

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

// ErrorCounters holds counters for the error categories.
type ErrorCounters struct {
	Device  atomic.Uint64
	Busy    atomic.Uint64
	Format  atomic.Uint64
	Unknown atomic.Uint64
}

func (c *ErrorCounters) add(cat ErrorCategory) {
	switch cat {
	case ErrCategoryDevice:
		c.Device.Add(1)
	case ErrCategoryBusy:
		c.Busy.Add(1)
	case ErrCategoryFormat:
		c.Format.Add(1)
	default:
		c.Unknown.Add(1)
	}
}

// MonitorPipelineBus polls the pipeline bus until ctx is cancelled or the
// pipeline fails.
//
// An error or EOS is returned as a *camera.Error of the classified kind; Read
// surfaces it to the handle. A nil return means ctx was cancelled.
func MonitorPipelineBus(ctx context.Context, pipeline *gst.Pipeline, device string, counters *ErrorCounters, frames *atomic.Uint64) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()
	started := time.Now()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("webcam: context cancelled, stopping pipeline monitor", "device", device)
			return nil
		default:
		}

		// Short poll for responsive shutdown.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("webcam: end of stream received",
				"device", device,
				"uptime", time.Since(started),
				"frames", frames.Load(),
			)
			return camera.NewError(camera.KindFatal, "stream", 0, camera.MsgConnectionLost,
				fmt.Errorf("webcam: end of stream on %s", device))

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			counters.add(category)

			slog.Error("webcam: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", device,
				"uptime", time.Since(started),
				"frames", frames.Load(),
			)
			return camera.NewError(category.Kind(), "stream", 0, category.Message(),
				fmt.Errorf("webcam: pipeline error [%s]: %s", category, gerr.Error()))

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, next := msg.ParseStateChanged()
				slog.Debug("webcam: pipeline state changed", "from", old, "to", next)
			}
		}
	}
}
