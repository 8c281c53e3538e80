package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeBackend opens fakeDevices that replay a script of reads.
type fakeBackend struct {
	mu      sync.Mutex
	descs   []Descriptor
	enumErr error
	openErr error
	opens   int
	script  func() (Image, error)
	devices []*fakeDevice
}

func (b *fakeBackend) Source() SourceKind { return SourceVendor }

func (b *fakeBackend) Enumerate() ([]Descriptor, error) {
	if b.enumErr != nil {
		return nil, b.enumErr
	}
	return append([]Descriptor(nil), b.descs...), nil
}

func (b *fakeBackend) Open(d Descriptor) (Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	dev := &fakeDevice{script: b.script}
	b.devices = append(b.devices, dev)
	return dev, nil
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type fakeDevice struct {
	script   func() (Image, error)
	closed   atomic.Int32
	exposure float64
	readHook func()
}

func (d *fakeDevice) Capability() Capability {
	return Capability{Mono: false, MaxWidth: 4, MaxHeight: 2, MaxFPS: 200}
}

func (d *fakeDevice) Read(timeout time.Duration) (Image, error) {
	if d.readHook != nil {
		d.readHook()
	}
	if d.script != nil {
		return d.script()
	}
	return colorImage(), nil
}

func (d *fakeDevice) SetExposure(us float64) error { d.exposure = us; return nil }
func (d *fakeDevice) SetGain(float64) error        { return nil }
func (d *fakeDevice) SetROI(int, int) error        { return nil }
func (d *fakeDevice) SetFrameRate(float64) error   { return nil }

func (d *fakeDevice) Close() error {
	d.closed.Add(1)
	return nil
}

func colorImage() Image {
	return Image{Pixels: make([]byte, 4*2*3), Width: 4, Height: 2, Channels: 3}
}

func timeoutErr() error {
	return NewError(KindTimeout, "read", -12, "", ErrTimeout)
}

func fatalErr() error {
	return NewError(KindFatal, "read", -38, "Camera connection lost. Please check cable and reconnect.", errors.New("device lost"))
}

var testDesc = Descriptor{Index: 0, FriendlyName: "MV-SUA134GC", Transport: TransportUSB, Source: SourceVendor, Address: "USB3-1"}

// fakeReconnector records reconnect calls and returns scripted errors.
type fakeReconnector struct {
	calls   int
	results []error
}

func (f *fakeReconnector) Reconnect(_ context.Context, _ time.Duration) error {
	return f.next()
}

func (f *fakeReconnector) next() error {
	f.calls++
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	return err
}
