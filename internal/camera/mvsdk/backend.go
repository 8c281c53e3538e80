package mvsdk

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

// DefaultExposureUS is applied on open so high-speed capture starts in
// manual exposure with a known value.
const DefaultExposureUS = 30_000.0

// Backend enumerates and opens vendor cameras through an SDK.
type Backend struct {
	sdk        SDK
	exposureUS float64

	initOnce   sync.Once
	initStatus Status

	// SDK enumeration and CameraInit are not documented as reentrant.
	mu sync.Mutex
}

// Option configures a Backend.
type Option func(*Backend)

// WithInitialExposure overrides DefaultExposureUS.
func WithInitialExposure(us float64) Option {
	return func(b *Backend) {
		if us > 0 {
			b.exposureUS = us
		}
	}
}

// New returns a backend over sdk.
func New(sdk SDK, opts ...Option) *Backend {
	b := &Backend{sdk: sdk, exposureUS: DefaultExposureUS}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Source() camera.SourceKind { return camera.SourceVendor }

func (b *Backend) init() error {
	b.initOnce.Do(func() {
		b.initStatus = b.sdk.SdkInit()
		if b.initStatus != StatusSuccess {
			slog.Error("mvsdk: sdk init failed", "status", b.initStatus)
		}
	})
	return statusError("sdk_init", b.initStatus)
}

// Enumerate lists connected vendor cameras. No devices is an empty list, not
// an error.
func (b *Backend) Enumerate() ([]camera.Descriptor, error) {
	if err := b.init(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	list, st := b.sdk.EnumerateDevice()
	b.mu.Unlock()

	if st == StatusNoDeviceFound {
		return []camera.Descriptor{}, nil
	}
	if err := statusError("enumerate", st); err != nil {
		return nil, err
	}

	descs := make([]camera.Descriptor, 0, len(list))
	for i, dev := range list {
		descs = append(descs, camera.Descriptor{
			Index:        i,
			FriendlyName: dev.FriendlyName,
			Transport:    transportOf(dev.PortType),
			Source:       camera.SourceVendor,
			Address:      dev.PortType,
		})
	}

	slog.Debug("mvsdk: devices enumerated", "count", len(descs))
	return descs, nil
}

func transportOf(portType string) camera.Transport {
	p := strings.ToUpper(portType)
	if strings.Contains(p, "NET") || strings.Contains(p, "GIGE") {
		return camera.TransportGigE
	}
	return camera.TransportUSB
}

// Open runs the native start sequence on d: init, capability, ISP format,
// continuous trigger, high frame speed, manual exposure, aligned buffer,
// play. On any failure the partially acquired resources are released.
func (b *Backend) Open(d camera.Descriptor) (camera.Device, error) {
	if err := b.init(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Fresh device info: indices can shift after a replug.
	list, st := b.sdk.EnumerateDevice()
	if st != StatusSuccess && st != StatusNoDeviceFound {
		return nil, statusError("enumerate", st)
	}
	if d.Index < 0 || d.Index >= len(list) {
		return nil, camera.NewError(camera.KindFatal, "open", int(StatusNoDeviceFound),
			StatusNoDeviceFound.UserMessage(),
			fmt.Errorf("mvsdk: camera index %d not found (%d present)", d.Index, len(list)))
	}

	h, st := b.sdk.CameraInit(list[d.Index])
	if err := statusError("init", st); err != nil {
		return nil, err
	}

	dev, err := b.start(h)
	if err != nil {
		if st := b.sdk.UnInit(h); st != StatusSuccess {
			slog.Warn("mvsdk: uninit after failed open", "status", st)
		}
		return nil, err
	}

	slog.Debug("mvsdk: camera started",
		"device", d.String(),
		"mono", dev.mono,
		"width", dev.capability.WidthMax,
		"height", dev.capability.HeightMax,
	)
	return dev, nil
}

func (b *Backend) start(h CameraHandle) (*device, error) {
	capability, st := b.sdk.GetCapability(h)
	if err := statusError("get_capability", st); err != nil {
		return nil, err
	}

	format := MediaTypeBGR8
	channels := 3
	if capability.MonoSensor {
		format = MediaTypeMono8
		channels = 1
	}

	steps := []struct {
		op string
		fn func() Status
	}{
		{"set_isp_out_format", func() Status { return b.sdk.SetIspOutFormat(h, format) }},
		{"set_trigger_mode", func() Status { return b.sdk.SetTriggerMode(h, TriggerContinuous) }},
		{"set_frame_speed", func() Status { return b.sdk.SetFrameSpeed(h, FrameSpeedHigh) }},
		{"set_ae_state", func() Status { return b.sdk.SetAeState(h, false) }},
		{"set_exposure_time", func() Status { return b.sdk.SetExposureTime(h, b.exposureUS) }},
	}
	for _, s := range steps {
		if err := statusError(s.op, s.fn()); err != nil {
			return nil, err
		}
	}

	buf, st := b.sdk.AlignMalloc(capability.WidthMax*capability.HeightMax*channels, 16)
	if err := statusError("align_malloc", st); err != nil {
		return nil, err
	}

	if err := statusError("play", b.sdk.Play(h)); err != nil {
		buf.Free()
		return nil, err
	}

	return newDevice(b.sdk, h, capability, buf), nil
}
