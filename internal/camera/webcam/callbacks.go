package webcam

import (
	"log/slog"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// sample is one RGB image copied out of an appsink buffer.
type sample struct {
	data   []byte
	width  int
	height int
}

// CallbackContext holds state needed by GStreamer callbacks
type CallbackContext struct {
	Samples       chan<- sample
	FramesIn      *atomic.Uint64
	BytesRead     *atomic.Uint64
	FramesDropped *atomic.Uint64
	Width         *atomic.Int32 // current negotiated size; SetROI updates it
	Height        *atomic.Int32
}

// OnNewSample copies the appsink buffer and hands it to Read without
// blocking the streaming thread. If Read is behind, the frame is dropped.
func OnNewSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	s := sink.PullSample()
	if s == nil {
		slog.Warn("webcam: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := s.GetBuffer()
	if buffer == nil {
		slog.Warn("webcam: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("webcam: empty buffer received")
		return gst.FlowOK
	}

	// The sample's own caps win over the size last requested through
	// SetROI: buffers already queued keep the size they were produced at.
	width, height, ok := capsSize(s.GetCaps())
	if !ok {
		width, height = int(ctx.Width.Load()), int(ctx.Height.Load())
	}

	pixels, ok := rgbRows(data, width, height)
	if !ok {
		buffer.Unmap()
		ctx.FramesDropped.Add(1)
		slog.Warn("webcam: buffer size does not match caps, dropping frame",
			"size_bytes", len(data),
			"width", width,
			"height", height,
		)
		return gst.FlowOK
	}
	img := sample{data: pixels, width: width, height: height}
	buffer.Unmap()

	ctx.FramesIn.Add(1)
	ctx.BytesRead.Add(uint64(len(data)))

	deliver(ctx.Samples, img, ctx.FramesDropped)
	return gst.FlowOK
}

// capsSize reads width and height from the first structure of caps.
func capsSize(caps *gst.Caps) (width, height int, ok bool) {
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, false
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return 0, 0, false
	}
	if val, err := structure.GetValue("width"); err == nil {
		width, _ = val.(int)
	}
	if val, err := structure.GetValue("height"); err == nil {
		height, _ = val.(int)
	}
	return width, height, width > 0 && height > 0
}

// rgbRows copies a packed RGB image out of data. GStreamer pads each RGB row
// to a multiple of 4 bytes, so widths not divisible by 4 arrive with a
// stride larger than width*3; the padding is dropped here.
func rgbRows(data []byte, width, height int) ([]byte, bool) {
	if width <= 0 || height <= 0 {
		return nil, false
	}
	row := width * 3
	packed := row * height
	if len(data) == packed {
		out := make([]byte, packed)
		copy(out, data)
		return out, true
	}
	stride := (row + 3) &^ 3
	if len(data) != stride*height {
		return nil, false
	}
	out := make([]byte, packed)
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return out, true
}

// deliver sends img without blocking the streaming thread.
func deliver(ch chan<- sample, img sample, dropped *atomic.Uint64) {
	select {
	case ch <- img:
	default:
		dropped.Add(1)
		slog.Debug("webcam: reader behind, dropping frame", "size_bytes", len(img.data))
	}
}
