// Package mvsdk is the vendor industrial-camera backend.
//
// The native library is reached through the SDK interface. The cgo binding
// (build tag "mvsdk") talks to libMVSDK; Simulator implements the same
// surface in Go for development machines and tests.
package mvsdk

import "errors"

// ErrUnavailable is returned by Native when the binary was built without the
// vendor SDK.
var ErrUnavailable = errors.New("mvsdk: native SDK not compiled in (build with -tags mvsdk)")

// CameraHandle is the SDK's per-device handle.
type CameraHandle int

// Media types used for ISP output.
const (
	MediaTypeMono8 uint32 = 0x01080001
	MediaTypeBGR8  uint32 = 0x02180015
)

// Trigger and speed presets.
const (
	TriggerContinuous = 0

	FrameSpeedLow    = 0
	FrameSpeedNormal = 1
	FrameSpeedHigh   = 2
	FrameSpeedSuper  = 3
)

// MaxFPS is the rated frame rate of the supported sensors in high-speed mode.
const MaxFPS = 200.0

// DevInfo is one enumerated device.
type DevInfo struct {
	FriendlyName string
	PortType     string // "USB3.0", "NET-1000M-192.168.1.10", ...
	SerialNumber string
	Instance     int
}

// SensorCapability is the subset of the SDK capability block we use.
type SensorCapability struct {
	WidthMax   int
	HeightMax  int
	MonoSensor bool
}

// FrameHead describes one grabbed image.
type FrameHead struct {
	MediaType uint32
	Bytes     int
	Width     int
	Height    int
}

// RawBuffer is an SDK-owned raw image that must be returned with
// ReleaseImageBuffer.
type RawBuffer uintptr

// FrameBuffer is an aligned output buffer for ImageProcess.
type FrameBuffer interface {
	// Bytes returns a view of the first n bytes. The view is invalid after Free.
	Bytes(n int) []byte
	Size() int
	Free()
}

// SDK is the native camera API. Every method returns StatusSuccess or the
// failing status.
type SDK interface {
	SdkInit() Status
	EnumerateDevice() ([]DevInfo, Status)
	CameraInit(dev DevInfo) (CameraHandle, Status)
	GetCapability(h CameraHandle) (SensorCapability, Status)
	SetIspOutFormat(h CameraHandle, mediaType uint32) Status
	SetTriggerMode(h CameraHandle, mode int) Status
	SetFrameSpeed(h CameraHandle, speed int) Status
	SetAeState(h CameraHandle, auto bool) Status
	SetExposureTime(h CameraHandle, microseconds float64) Status
	SetAnalogGain(h CameraHandle, gain int) Status
	SetImageResolution(h CameraHandle, width, height int) Status
	AlignMalloc(size, align int) (FrameBuffer, Status)
	Play(h CameraHandle) Status
	Pause(h CameraHandle) Status
	GetImageBuffer(h CameraHandle, timeoutMs int) (RawBuffer, FrameHead, Status)
	ImageProcess(h CameraHandle, raw RawBuffer, out FrameBuffer, head FrameHead) Status
	ReleaseImageBuffer(h CameraHandle, raw RawBuffer) Status
	FlipFrameBuffer(out FrameBuffer, head FrameHead) Status
	UnInit(h CameraHandle) Status
}
