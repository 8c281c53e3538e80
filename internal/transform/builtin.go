package transform

import (
	"fmt"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// Grayscale converts RGB frames to single-channel luma (BT.601). Mono
// frames pass through.
var Grayscale = Func(func(f frame.Frame) (frame.Frame, string) {
	if f.IsMono() {
		return f, ""
	}
	src := f.Pixels()
	dst := make([]byte, f.Width()*f.Height())
	for i := range dst {
		r, g, b := int(src[3*i]), int(src[3*i+1]), int(src[3*i+2])
		dst[i] = byte((299*r + 587*g + 114*b) / 1000)
	}
	out, err := frame.New(dst, f.Width(), f.Height(), 1, frame.Meta{
		Timestamp: f.Timestamp(),
		Sequence:  f.Sequence(),
		TraceID:   f.TraceID(),
	})
	if err != nil {
		return frame.Frame{}, ""
	}
	return out, ""
})

// Brightness reports mean intensity and the share of saturated pixels,
// which is what exposure tuning looks at. The frame is returned unchanged.
var Brightness = Func(func(f frame.Frame) (frame.Frame, string) {
	px := f.Pixels()
	if len(px) == 0 {
		return f, ""
	}
	var sum, saturated int
	for _, v := range px {
		sum += int(v)
		if v == 255 {
			saturated++
		}
	}
	mean := float64(sum) / float64(len(px))
	return f, fmt.Sprintf("mean=%.1f saturated=%.2f%%", mean, 100*float64(saturated)/float64(len(px)))
})
