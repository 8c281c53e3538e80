package mvsdk

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
)

func openSim(t *testing.T, sim *Simulator) (*Backend, camera.Device) {
	t.Helper()
	b := New(sim)
	descs, err := b.Enumerate()
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(descs) == 0 {
		t.Fatal("no simulated devices")
	}
	dev, err := b.Open(descs[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return b, dev
}

func TestStatus_KindAndMessage(t *testing.T) {
	tests := []struct {
		status Status
		op     string
		kind   camera.Kind
	}{
		{StatusTimeOut, "get_image_buffer", camera.KindTimeout},
		{StatusDeviceLost, "get_image_buffer", camera.KindFatal},
		{StatusAccessDeny, "init", camera.KindAlreadyInUse},
		{StatusDeviceIsOpened, "init", camera.KindAlreadyInUse},
		{StatusNoDeviceFound, "init", camera.KindEnumeration},
		{StatusFailed, "enumerate", camera.KindEnumeration},
		{StatusGrabFailed, "image_process", camera.KindFatal},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := statusError(tt.op, tt.status)
			if camera.KindOf(err) != tt.kind {
				t.Errorf("kind = %v, want %v", camera.KindOf(err), tt.kind)
			}
			msg := camera.UserMessage(err)
			if strings.Contains(msg, "-") && strings.ContainsAny(msg, "0123456789") {
				t.Errorf("user message leaks a status code: %q", msg)
			}
			if !strings.Contains(err.Error(), tt.status.String()) {
				t.Errorf("log string %q missing status name", err.Error())
			}
		})
	}

	if statusError("play", StatusSuccess) != nil {
		t.Error("success must map to nil")
	}
	if got := Status(-99).String(); got != "STATUS(-99)" {
		t.Errorf("unknown status = %q", got)
	}
	if got := camera.UserMessage(statusError("read", StatusNetSendError)); got != "Network send error. Check camera IP configuration and network connection." {
		t.Errorf("net send message = %q", got)
	}
}

func TestBackend_Enumerate(t *testing.T) {
	sim := NewSimulator(500,
		SimCamera{Name: "MV-GE134GC", PortType: "NET-1000M-192.168.1.10", Width: 8, Height: 4},
		SimCamera{Name: "MV-SUA134GC", PortType: "USB3.0", Width: 8, Height: 4},
	)
	descs, err := New(sim).Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(descs) != 2 {
		t.Fatalf("got %d devices", len(descs))
	}
	if descs[0].Transport != camera.TransportGigE || descs[1].Transport != camera.TransportUSB {
		t.Errorf("transports = %v, %v", descs[0].Transport, descs[1].Transport)
	}
	if descs[0].Index != 0 || descs[1].Index != 1 {
		t.Errorf("indices not sequential: %v", descs)
	}

	d, err := camera.Select(descs, "192.168.1.10")
	if err != nil || d.FriendlyName != "MV-GE134GC" {
		t.Errorf("select by ip = %v, %v", d, err)
	}

	sim.Unplug()
	descs, err = New(sim).Enumerate()
	if err != nil || len(descs) != 0 {
		t.Errorf("unplugged enumerate = %v, %v; want empty list", descs, err)
	}
}

func TestBackend_OpenConfiguresManualExposure(t *testing.T) {
	sim := NewSimulator(1000, SimCamera{Name: "cam", PortType: "USB3.0", Width: 4, Height: 2})
	_, dev := openSim(t, sim)
	defer dev.Close()

	us, auto := sim.Exposure(1)
	if us != DefaultExposureUS || auto {
		t.Errorf("exposure = %v auto=%v, want %v manual", us, auto, DefaultExposureUS)
	}

	c := dev.Capability()
	if c.Mono || c.MaxWidth != 4 || c.MaxHeight != 2 || c.MaxFPS != MaxFPS {
		t.Errorf("capability = %+v", c)
	}
}

func TestDevice_ReadConvertsBGRToRGB(t *testing.T) {
	sim := NewSimulator(1000, SimCamera{Name: "cam", PortType: "USB3.0", Width: 4, Height: 2})
	_, dev := openSim(t, sim)
	defer dev.Close()

	img, err := dev.Read(500 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 4 || img.Height != 2 || img.Channels != 3 || len(img.Pixels) != 24 {
		t.Fatalf("image = %dx%dx%d (%d bytes)", img.Width, img.Height, img.Channels, len(img.Pixels))
	}

	// The simulator writes B=v, G=v+85, R=v+170.
	b, g, r := img.Pixels[2], img.Pixels[1], img.Pixels[0]
	if g != b+85 || r != b+170 {
		t.Errorf("pixel not RGB ordered: r=%d g=%d b=%d", r, g, b)
	}

	if raw, _ := sim.Outstanding(); raw != 0 {
		t.Errorf("%d raw images not released", raw)
	}
}

func TestDevice_Mono(t *testing.T) {
	sim := NewSimulator(1000, SimCamera{Name: "mono", PortType: "USB3.0", Width: 4, Height: 2, Mono: true})
	_, dev := openSim(t, sim)
	defer dev.Close()

	if !dev.Capability().Mono {
		t.Error("expected mono capability")
	}
	img, err := dev.Read(500 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if img.Channels != 1 || len(img.Pixels) != 8 {
		t.Errorf("mono image channels=%d len=%d", img.Channels, len(img.Pixels))
	}
}

func TestDevice_TimeoutAndFatal(t *testing.T) {
	sim := NewSimulator(1000)
	_, dev := openSim(t, sim)
	defer dev.Close()

	sim.Stall(true)
	_, err := dev.Read(5 * time.Millisecond)
	if camera.KindOf(err) != camera.KindTimeout || !errors.Is(err, camera.ErrTimeout) {
		t.Errorf("stall err = %v", err)
	}
	sim.Stall(false)

	sim.InjectFault(StatusDeviceLost)
	_, err = dev.Read(5 * time.Millisecond)
	if camera.KindOf(err) != camera.KindFatal {
		t.Errorf("device lost kind = %v", camera.KindOf(err))
	}
	if camera.UserMessage(err) != camera.MsgConnectionLost {
		t.Errorf("message = %q", camera.UserMessage(err))
	}

	if _, err := dev.Read(500 * time.Millisecond); err != nil {
		t.Errorf("read after transient fault: %v", err)
	}
}

func TestDevice_CloseReleasesEverything(t *testing.T) {
	sim := NewSimulator(1000)
	_, dev := openSim(t, sim)

	if _, bufs := sim.Outstanding(); bufs != 1 {
		t.Fatalf("buffers after open = %d", bufs)
	}
	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}

	raw, bufs := sim.Outstanding()
	if raw != 0 || bufs != 0 || sim.OpenCount() != 0 {
		t.Errorf("leak: raw=%d buffers=%d open=%d", raw, bufs, sim.OpenCount())
	}
	if _, err := dev.Read(time.Millisecond); !errors.Is(err, camera.ErrNotStreaming) {
		t.Errorf("read after close = %v", err)
	}
}

func TestDevice_Controls(t *testing.T) {
	sim := NewSimulator(1000, SimCamera{Name: "cam", PortType: "USB3.0", Width: 8, Height: 4})
	_, dev := openSim(t, sim)
	defer dev.Close()

	if err := dev.SetExposure(5000); err != nil {
		t.Fatal(err)
	}
	if us, _ := sim.Exposure(1); us != 5000 {
		t.Errorf("exposure = %v", us)
	}

	ae := dev.(camera.AutoExposurer)
	if err := ae.SetAutoExposure(true); err != nil {
		t.Fatal(err)
	}
	if _, auto := sim.Exposure(1); !auto {
		t.Error("auto exposure not enabled")
	}

	if err := dev.SetROI(16, 4); err == nil {
		t.Error("expected error for roi beyond sensor")
	}
	if err := dev.SetROI(4, 2); err != nil {
		t.Fatal(err)
	}
	img, err := dev.Read(500 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if img.Width != 4 || img.Height != 2 {
		t.Errorf("roi image = %dx%d", img.Width, img.Height)
	}

	if err := dev.SetGain(-1); err == nil {
		t.Error("expected error for negative gain")
	}
	if err := dev.SetFrameRate(200); err != nil {
		t.Error(err)
	}
}

func TestFrameSpeedFor(t *testing.T) {
	for fps, want := range map[float64]int{200: FrameSpeedHigh, 60: FrameSpeedNormal, 15: FrameSpeedLow} {
		if got := frameSpeedFor(fps); got != want {
			t.Errorf("frameSpeedFor(%v) = %d, want %d", fps, got, want)
		}
	}
}

func TestBackend_OpenErrors(t *testing.T) {
	sim := NewSimulator(1000)
	b := New(sim)

	_, err := b.Open(camera.Descriptor{Index: 3, Source: camera.SourceVendor})
	if camera.KindOf(err) != camera.KindFatal {
		t.Errorf("missing index err = %v", err)
	}

	dev, err := b.Open(camera.Descriptor{Index: 0, Source: camera.SourceVendor})
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	// The SDK itself refuses a second init of the same device.
	_, err = b.Open(camera.Descriptor{Index: 0, Source: camera.SourceVendor})
	if camera.KindOf(err) != camera.KindAlreadyInUse {
		t.Errorf("double init kind = %v", camera.KindOf(err))
	}
	if _, bufs := sim.Outstanding(); bufs != 1 {
		t.Errorf("failed open leaked a buffer: %d", bufs)
	}
}

// TestHandleOverSimulator runs the full handle lifecycle on the simulator.
func TestHandleOverSimulator(t *testing.T) {
	sim := NewSimulator(1000)
	b := New(sim)
	descs, err := b.Enumerate()
	if err != nil {
		t.Fatal(err)
	}

	h := camera.NewHandle(descs[0], b, camera.NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		res := h.Pull(500 * time.Millisecond)
		if res.Kind != camera.ResultFrame {
			t.Fatalf("pull %d: %v %v", i, res.Kind, res.Err)
		}
		if res.Frame.Width() != 640 || res.Frame.Height() != 480 || res.Frame.Channels() != 3 {
			t.Errorf("frame shape %s", res.Frame)
		}
	}
	if got := h.Info(); got != "MV-SIM640C (640x480)" {
		t.Errorf("Info = %q", got)
	}

	h.Close()
	if raw, bufs := sim.Outstanding(); raw != 0 || bufs != 0 || sim.OpenCount() != 0 {
		t.Errorf("leak after close: raw=%d buffers=%d open=%d", raw, bufs, sim.OpenCount())
	}
}
