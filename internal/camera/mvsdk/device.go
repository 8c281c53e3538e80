package mvsdk

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// device is one started vendor camera. camera.Handle serializes every call.
type device struct {
	sdk        SDK
	h          CameraHandle
	capability SensorCapability
	buf        FrameBuffer
	mono       bool
	flip       bool
	closed     bool
}

func newDevice(sdk SDK, h CameraHandle, c SensorCapability, buf FrameBuffer) *device {
	return &device{
		sdk:        sdk,
		h:          h,
		capability: c,
		buf:        buf,
		mono:       c.MonoSensor,
		// The Windows driver delivers bottom-up images.
		flip: runtime.GOOS == "windows",
	}
}

func (d *device) Capability() camera.Capability {
	return camera.Capability{
		Mono:      d.mono,
		MaxWidth:  d.capability.WidthMax,
		MaxHeight: d.capability.HeightMax,
		MaxFPS:    MaxFPS,
	}
}

// Read grabs one image, runs the ISP into the aligned buffer and copies it
// out as RGB or mono.
func (d *device) Read(timeout time.Duration) (camera.Image, error) {
	if d.closed {
		return camera.Image{}, fmt.Errorf("mvsdk: read: %w", camera.ErrNotStreaming)
	}

	ms := int(timeout / time.Millisecond)
	if ms < 1 {
		ms = 1
	}

	raw, head, st := d.sdk.GetImageBuffer(d.h, ms)
	if err := statusError("get_image_buffer", st); err != nil {
		return camera.Image{}, err
	}

	st = d.sdk.ImageProcess(d.h, raw, d.buf, head)
	if rst := d.sdk.ReleaseImageBuffer(d.h, raw); rst != StatusSuccess && st == StatusSuccess {
		st = rst
	}
	if err := statusError("image_process", st); err != nil {
		return camera.Image{}, err
	}

	if d.flip {
		if err := statusError("flip_frame_buffer", d.sdk.FlipFrameBuffer(d.buf, head)); err != nil {
			return camera.Image{}, err
		}
	}

	if head.Bytes <= 0 || head.Bytes > d.buf.Size() {
		return camera.Image{}, camera.NewError(camera.KindValidation, "read", 0, "",
			fmt.Errorf("mvsdk: frame of %d bytes does not fit buffer of %d", head.Bytes, d.buf.Size()))
	}

	channels := 3
	if head.MediaType == MediaTypeMono8 {
		channels = 1
	}

	pixels := make([]byte, head.Bytes)
	copy(pixels, d.buf.Bytes(head.Bytes))
	if channels == 3 {
		frame.SwapRB(pixels)
	}

	return camera.Image{Pixels: pixels, Width: head.Width, Height: head.Height, Channels: channels}, nil
}

func (d *device) SetExposure(us float64) error {
	if us <= 0 {
		return fmt.Errorf("mvsdk: invalid exposure %.0fus", us)
	}
	if err := statusError("set_ae_state", d.sdk.SetAeState(d.h, false)); err != nil {
		return err
	}
	return statusError("set_exposure_time", d.sdk.SetExposureTime(d.h, us))
}

func (d *device) SetAutoExposure(enabled bool) error {
	return statusError("set_ae_state", d.sdk.SetAeState(d.h, enabled))
}

// SetGain takes the SDK's integer analog gain; fractional values are rounded.
func (d *device) SetGain(gain float64) error {
	if gain < 0 {
		return fmt.Errorf("mvsdk: invalid gain %.2f", gain)
	}
	return statusError("set_analog_gain", d.sdk.SetAnalogGain(d.h, int(math.Round(gain))))
}

// SetROI pauses streaming while the resolution changes.
func (d *device) SetROI(width, height int) error {
	if width > d.capability.WidthMax || height > d.capability.HeightMax {
		return fmt.Errorf("mvsdk: roi %dx%d exceeds sensor %dx%d",
			width, height, d.capability.WidthMax, d.capability.HeightMax)
	}

	if err := statusError("pause", d.sdk.Pause(d.h)); err != nil {
		return err
	}
	resErr := statusError("set_image_resolution", d.sdk.SetImageResolution(d.h, width, height))
	if err := statusError("play", d.sdk.Play(d.h)); err != nil {
		return errors.Join(resErr, err)
	}
	return resErr
}

// SetFrameRate selects the closest frame-speed preset; the sensor has no
// continuous rate control.
func (d *device) SetFrameRate(fps float64) error {
	return statusError("set_frame_speed", d.sdk.SetFrameSpeed(d.h, frameSpeedFor(fps)))
}

func frameSpeedFor(fps float64) int {
	switch {
	case fps > 120:
		return FrameSpeedHigh
	case fps > 30:
		return FrameSpeedNormal
	default:
		return FrameSpeedLow
	}
}

// Close uninitializes the camera and frees the aligned buffer. The camera is
// uninitialized first so the SDK is no longer writing into the buffer.
func (d *device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	err := statusError("uninit", d.sdk.UnInit(d.h))
	if d.buf != nil {
		d.buf.Free()
		d.buf = nil
	}
	return err
}
