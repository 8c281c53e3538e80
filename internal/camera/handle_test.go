package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestHandle(b *fakeBackend, r *Registry) *Handle {
	var tick float64
	clock := func() float64 { tick += 0.01; return tick }
	return NewHandle(testDesc, b, r, WithClock(clock))
}

// TestHandle_ThreeFramesSequenced opens a device and pulls three frames.
func TestHandle_ThreeFramesSequenced(t *testing.T) {
	b := &fakeBackend{descs: []Descriptor{testDesc}}
	r := NewRegistry()

	descs, err := b.Enumerate()
	if err != nil || len(descs) != 1 {
		t.Fatalf("enumerate = %v, %v", descs, err)
	}

	h := NewHandle(descs[0], b, r)
	if err := h.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	if h.Status() != StatusStreaming {
		t.Fatalf("status = %v, want streaming", h.Status())
	}

	var lastTS float64
	for want := uint64(1); want <= 3; want++ {
		res := h.Pull(500 * time.Millisecond)
		if res.Kind != ResultFrame {
			t.Fatalf("pull %d: kind=%v err=%v", want, res.Kind, res.Err)
		}
		if res.Frame.Sequence() != want {
			t.Errorf("sequence = %d, want %d", res.Frame.Sequence(), want)
		}
		if res.Frame.Timestamp() <= lastTS {
			t.Errorf("timestamp %f not after %f", res.Frame.Timestamp(), lastTS)
		}
		if res.Frame.TraceID() == "" {
			t.Error("expected trace id")
		}
		lastTS = res.Frame.Timestamp()
	}
}

// TestHandle_AlreadyInUse checks exclusivity across handles sharing a registry.
func TestHandle_AlreadyInUse(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry()

	owner := newTestHandle(b, r)
	if err := owner.Open(); err != nil {
		t.Fatalf("owner open: %v", err)
	}

	second := newTestHandle(b, r)
	err := second.Open()
	if !errors.Is(err, ErrAlreadyInUse) {
		t.Fatalf("second open err = %v, want ErrAlreadyInUse", err)
	}
	if KindOf(err) != KindAlreadyInUse {
		t.Errorf("kind = %v", KindOf(err))
	}
	if second.Status() != StatusClosed {
		t.Errorf("second status = %v, want closed", second.Status())
	}
	if b.openCount() != 1 {
		t.Errorf("backend opened %d times, want 1 (no native init for rejected handle)", b.openCount())
	}

	// Closing the rejected handle must not drop the owner's registration.
	second.Close()
	if !r.InUse(testDesc) {
		t.Fatal("registration lost after closing rejected handle")
	}

	owner.Close()
	if r.InUse(testDesc) {
		t.Fatal("registration leaked after close")
	}
	if err := owner.Open(); err != nil {
		t.Fatalf("owner reopen: %v", err)
	}
	owner.Close()
}

// TestHandle_IsolatedRegistries shows two registries do not interfere.
func TestHandle_IsolatedRegistries(t *testing.T) {
	b := &fakeBackend{}
	a := newTestHandle(b, NewRegistry())
	c := newTestHandle(b, NewRegistry())

	if err := a.Open(); err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	if err := c.Open(); err != nil {
		t.Fatalf("separate registry should allow open: %v", err)
	}
	c.Close()
}

// TestHandle_OpenFailureReleases verifies no leaked registration on native failure.
func TestHandle_OpenFailureReleases(t *testing.T) {
	b := &fakeBackend{openErr: NewError(KindFatal, "open", -16, MsgNoCamera, errors.New("no device"))}
	r := NewRegistry()
	h := newTestHandle(b, r)

	err := h.Open()
	if err == nil {
		t.Fatal("expected open error")
	}
	if r.Len() != 0 {
		t.Errorf("registry holds %d entries after failed open", r.Len())
	}
	if h.Status() != StatusClosed {
		t.Errorf("status = %v, want closed", h.Status())
	}

	// Plain errors from a backend are wrapped as fatal.
	b.openErr = errors.New("boom")
	if err := h.Open(); KindOf(err) != KindFatal {
		t.Errorf("kind = %v, want fatal", KindOf(err))
	}
}

func TestHandle_TimeoutAndFatal(t *testing.T) {
	var calls int
	b := &fakeBackend{script: func() (Image, error) {
		calls++
		switch calls {
		case 1:
			return Image{}, timeoutErr()
		case 2:
			return colorImage(), nil
		default:
			return Image{}, fatalErr()
		}
	}}
	h := newTestHandle(b, NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if res := h.Pull(time.Millisecond); res.Kind != ResultTimeout {
		t.Fatalf("first pull kind = %v", res.Kind)
	}
	if h.Status() != StatusStreaming {
		t.Errorf("timeout changed status to %v", h.Status())
	}

	res := h.Pull(time.Millisecond)
	if res.Kind != ResultFrame || res.Frame.Sequence() != 1 {
		t.Fatalf("second pull = %v seq %d", res.Kind, res.Frame.Sequence())
	}

	res = h.Pull(time.Millisecond)
	if res.Kind != ResultFatal || !errors.Is(res.Err, ErrFatal) {
		t.Fatalf("third pull = %v %v", res.Kind, res.Err)
	}
	if h.Status() != StatusFaulted {
		t.Errorf("status = %v, want faulted", h.Status())
	}

	res = h.Pull(time.Millisecond)
	if res.Kind != ResultFatal || !errors.Is(res.Err, ErrNotStreaming) {
		t.Errorf("pull on faulted handle = %v %v", res.Kind, res.Err)
	}
}

func TestHandle_MalformedImageIsValidationError(t *testing.T) {
	b := &fakeBackend{script: func() (Image, error) {
		return Image{Pixels: make([]byte, 3), Width: 4, Height: 2, Channels: 3}, nil
	}}
	h := newTestHandle(b, NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	res := h.Pull(time.Millisecond)
	if res.Kind != ResultFatal || KindOf(res.Err) != KindValidation {
		t.Fatalf("got %v %v, want validation failure", res.Kind, res.Err)
	}
	if h.Sequence() != 0 {
		t.Errorf("sequence advanced on invalid frame")
	}
}

// TestHandle_CloseIdempotent releases the native device exactly once.
func TestHandle_CloseIdempotent(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry()
	h := newTestHandle(b, r)
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}

	h.Close()
	h.Close()
	h.Close()

	if got := b.devices[0].closed.Load(); got != 1 {
		t.Errorf("device closed %d times, want 1", got)
	}
	if r.Len() != 0 {
		t.Errorf("registry not empty")
	}

	// Closing a never-opened handle is a no-op.
	NewHandle(testDesc, b, r).Close()
}

// TestHandle_CloseDuringPull waits for the in-flight native call and discards its frame.
func TestHandle_CloseDuringPull(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	b := &fakeBackend{}
	h := newTestHandle(b, NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	b.devices[0].readHook = func() {
		close(started)
		<-release
	}

	var res Result
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		res = h.Pull(500 * time.Millisecond)
	}()

	<-started
	closed := make(chan struct{})
	go func() {
		h.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("close returned while native read was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	wg.Wait()
	<-closed

	if res.Kind != ResultFatal || !errors.Is(res.Err, ErrNotStreaming) {
		t.Errorf("in-flight pull = %v %v, want not streaming", res.Kind, res.Err)
	}
	if got := b.devices[0].closed.Load(); got != 1 {
		t.Errorf("device closed %d times", got)
	}
}

func TestHandle_SettersRequireStreaming(t *testing.T) {
	b := &fakeBackend{}
	h := newTestHandle(b, NewRegistry())

	if err := h.SetExposure(1000); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("SetExposure before open = %v", err)
	}

	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := h.SetExposure(5000); err != nil {
		t.Fatalf("SetExposure: %v", err)
	}
	if b.devices[0].exposure != 5000 {
		t.Errorf("exposure = %v", b.devices[0].exposure)
	}
	if err := h.SetROI(0, 10); err == nil {
		t.Error("expected error for zero ROI width")
	}
	if err := h.SetFrameRate(-1); err == nil {
		t.Error("expected error for negative fps")
	}
	if err := h.SetAutoExposure(true); err != nil {
		t.Errorf("unsupported auto exposure should be a no-op: %v", err)
	}
	if got := h.Info(); got != "MV-SUA134GC (4x2)" {
		t.Errorf("Info = %q", got)
	}
}

func TestHandle_ReconnectKeepsRegistration(t *testing.T) {
	b := &fakeBackend{}
	r := NewRegistry()
	h := newTestHandle(b, r)
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if err := h.Reconnect(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !r.InUse(testDesc) {
		t.Error("registration dropped during reconnect")
	}
	if b.openCount() != 2 {
		t.Errorf("opens = %d, want 2", b.openCount())
	}
	if b.devices[0].closed.Load() != 1 {
		t.Error("old device not released")
	}
	if res := h.Pull(time.Millisecond); res.Kind != ResultFrame {
		t.Errorf("pull after reconnect = %v", res.Kind)
	}
}

func TestHandle_ReconnectAfterCloseDoesNotReopen(t *testing.T) {
	b := &fakeBackend{}
	h := newTestHandle(b, NewRegistry())
	if err := h.Open(); err != nil {
		t.Fatal(err)
	}
	h.Close()

	if err := h.Reconnect(context.Background(), time.Millisecond); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("reconnect after close = %v", err)
	}
	if b.openCount() != 1 {
		t.Errorf("device reopened after explicit close")
	}
}
