package camera

import (
	"fmt"
	"time"
)

// Transport names the physical link reported by enumeration.
type Transport string

const (
	TransportUSB    Transport = "USB"
	TransportGigE   Transport = "GigE"
	TransportWebcam Transport = "webcam"
)

// SourceKind selects the backend that owns a descriptor.
type SourceKind string

const (
	SourceVendor SourceKind = "mvsdk"
	SourceWebcam SourceKind = "webcam"
)

// Descriptor is an enumeration result. It is created fresh on every
// enumeration call and is only used to open a Handle.
type Descriptor struct {
	// Index is the backend-local device index and the exclusivity key.
	Index int
	// FriendlyName is the human readable model name.
	FriendlyName string
	// Transport is the physical link (USB, GigE, webcam).
	Transport Transport
	// Source selects the backend.
	Source SourceKind
	// Address is the port/address string reported by the driver (GigE IP,
	// USB port, /dev/videoN). Used for device preference matching.
	Address string
}

// Key is the registry key. Webcam and vendor indices overlap, so the source
// is part of the key.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%s/%d", d.Source, d.Index)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s #%d %q (%s)", d.Source, d.Index, d.FriendlyName, d.Transport)
}

// Capability describes sensor limits discovered at open time.
type Capability struct {
	Mono      bool
	MaxWidth  int
	MaxHeight int
	MaxFPS    float64
}

// Channels returns 1 for mono sensors and 3 otherwise.
func (c Capability) Channels() int {
	if c.Mono {
		return 1
	}
	return 3
}

// Image is a shaped pixel buffer returned by Device.Read. The Handle turns it
// into a frame.Frame with sequence and timestamp.
type Image struct {
	Pixels   []byte
	Width    int
	Height   int
	Channels int
}

// Backend enumerates and opens devices of one family (vendor SDK or webcam).
//
// Both implementations share the same lifecycle contract so the rest of the
// system selects one by Descriptor.Source and never type-switches on it.
type Backend interface {
	// Source identifies the descriptors this backend opens.
	Source() SourceKind

	// Enumerate lists attached devices.
	//
	// Zero devices is not an error: it returns an empty slice.
	// A driver or initialization failure returns an *Error of KindEnumeration.
	Enumerate() ([]Descriptor, error)

	// Open performs native init, capability query, output format
	// selection, continuous trigger, high frame speed, default manual
	// exposure, buffer allocation and stream start.
	//
	// On failure every partially acquired native resource is released
	// before returning. Exclusivity is not this method's concern: the
	// Handle registers ownership before calling Open.
	Open(d Descriptor) (Device, error)
}

// Device is an opened, streaming native device. Methods are not safe for
// concurrent use; the Handle serializes them.
type Device interface {
	Capability() Capability

	// Read blocks up to timeout for the next image. A timeout returns an
	// *Error of KindTimeout; any other failure is KindFatal.
	Read(timeout time.Duration) (Image, error)

	SetExposure(microseconds float64) error
	SetGain(factor float64) error
	SetROI(width, height int) error
	SetFrameRate(fps float64) error

	// Close releases every native resource. Each resource is released
	// independently; the returned error only reports what failed.
	Close() error
}

// AutoExposurer is implemented by devices that expose an auto-exposure switch.
type AutoExposurer interface {
	SetAutoExposure(enabled bool) error
}
