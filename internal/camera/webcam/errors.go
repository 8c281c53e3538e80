package webcam

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

// ErrorCategory classifies GStreamer bus errors for telemetry and for the
// camera error taxonomy.
type ErrorCategory int

const (
	// ErrCategoryDevice is a missing, unplugged or failing video device.
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryBusy means another process holds the device.
	ErrCategoryBusy
	// ErrCategoryFormat is a caps negotiation failure (unsupported size or rate).
	ErrCategoryFormat
	// ErrCategoryUnknown is anything else.
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryBusy:
		return "busy"
	case ErrCategoryFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Kind maps the category onto camera.Kind.
func (e ErrorCategory) Kind() camera.Kind {
	if e == ErrCategoryBusy {
		return camera.KindAlreadyInUse
	}
	return camera.KindFatal
}

// Message is the viewer-facing text for the category.
func (e ErrorCategory) Message() string {
	switch e {
	case ErrCategoryBusy:
		return "Webcam already in use. Close other applications using the camera."
	case ErrCategoryDevice:
		return camera.MsgConnectionLost
	case ErrCategoryFormat:
		return "Webcam does not support the requested resolution or frame rate."
	default:
		return ""
	}
}

// ClassifyGStreamerError categorizes a bus error by message heuristics.
// go-gst's GError does not expose the error domain.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return classify(gerr.Error(), gerr.DebugString())
}

func classify(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, "busy", "in use", "ebusy"):
		return ErrCategoryBusy
	case containsAny(combined, "not-negotiated", "not negotiated", "negotiation", "caps", "format", "unsupported"):
		return ErrCategoryFormat
	case containsAny(combined, "no such device", "cannot identify device", "could not open", "not found",
		"disconnected", "permission", "v4l2", "resource", "enodev"):
		return ErrCategoryDevice
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
