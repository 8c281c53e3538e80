// Package cvio holds the OpenCV (gocv) adapters: the MP4 clip sink, the JPEG
// encoder used by the preview and test-capture, and the on-frame overlay.
//
// Frames are RGB or mono; OpenCV works in BGR, so every adapter converts at
// the boundary and never modifies the source pixels.
package cvio

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// toMat wraps f in a Mat of matching type. The caller closes it.
func toMat(f frame.Frame) (gocv.Mat, error) {
	mt := gocv.MatTypeCV8UC3
	if f.IsMono() {
		mt = gocv.MatTypeCV8UC1
	}
	m, err := gocv.NewMatFromBytes(f.Height(), f.Width(), mt, f.Pixels())
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cvio: wrap %s: %w", f, err)
	}
	return m, nil
}

// toBGR returns a 3-channel BGR copy of f. The caller closes it.
func toBGR(f frame.Frame) (gocv.Mat, error) {
	src, err := toMat(f)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	if f.IsMono() {
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	} else {
		gocv.CvtColor(src, &dst, gocv.ColorRGBToBGR)
	}
	return dst, nil
}

// fromBGR builds a frame with f's metadata from a BGR (or gray) Mat.
func fromBGR(m gocv.Mat, like frame.Frame) (frame.Frame, error) {
	out := gocv.NewMat()
	defer out.Close()

	channels := 3
	if m.Channels() == 1 {
		channels = 1
		m.CopyTo(&out)
	} else {
		gocv.CvtColor(m, &out, gocv.ColorBGRToRGB)
	}
	return frame.New(out.ToBytes(), out.Cols(), out.Rows(), channels, frame.Meta{
		Timestamp: like.Timestamp(),
		Sequence:  like.Sequence(),
		TraceID:   like.TraceID(),
	})
}
