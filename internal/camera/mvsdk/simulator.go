package mvsdk

import (
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// SimCamera describes one simulated sensor.
type SimCamera struct {
	Name     string
	PortType string
	Width    int
	Height   int
	Mono     bool
}

// Simulator is an in-process SDK. It produces a moving gradient at FPS and
// supports fault injection (stalls, unplug, status codes) for tests and the
// "sim" backend.
type Simulator struct {
	mu      sync.Mutex
	cameras []SimCamera
	fps     float64

	unplugged bool
	faults    []Status
	stall     bool

	nextHandle CameraHandle
	open       map[CameraHandle]*simState
	nextRaw    RawBuffer
	raws       map[RawBuffer][]byte
	buffers    int
}

type simState struct {
	cam        SimCamera
	playing    bool
	width      int
	height     int
	exposureUS float64
	gain       int
	autoExpo   bool
	speed      int
	seq        int
	next       time.Time
}

// NewSimulator returns a simulator with the given cameras producing fps frames
// per second. A single 640x480 color camera is used when none are given.
func NewSimulator(fps float64, cams ...SimCamera) *Simulator {
	if fps <= 0 {
		fps = MaxFPS
	}
	if len(cams) == 0 {
		cams = []SimCamera{{Name: "MV-SIM640C", PortType: "USB3.0", Width: 640, Height: 480}}
	}
	return &Simulator{
		cameras: cams,
		fps:     fps,
		open:    make(map[CameraHandle]*simState),
		raws:    make(map[RawBuffer][]byte),
	}
}

// Unplug makes the cameras disappear: grabs fail with DEVICE_LOST and
// enumeration returns nothing until Replug.
func (s *Simulator) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = true
}

// Replug reverses Unplug.
func (s *Simulator) Replug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unplugged = false
}

// Stall makes every grab time out until called with false.
func (s *Simulator) Stall(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stall = on
}

// InjectFault queues statuses returned by the next grabs, in order.
func (s *Simulator) InjectFault(st ...Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, st...)
}

// OpenCount returns the number of initialized cameras.
func (s *Simulator) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Outstanding returns the number of unreleased raw images and unfreed
// aligned buffers.
func (s *Simulator) Outstanding() (raw, buffers int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raws), s.buffers
}

// Exposure returns the exposure and auto-exposure state of handle h.
func (s *Simulator) Exposure(h CameraHandle) (us float64, auto bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.open[h]; ok {
		return st.exposureUS, st.autoExpo
	}
	return 0, false
}

func (s *Simulator) SdkInit() Status { return StatusSuccess }

func (s *Simulator) EnumerateDevice() ([]DevInfo, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unplugged {
		return nil, StatusSuccess
	}
	out := make([]DevInfo, len(s.cameras))
	for i, c := range s.cameras {
		out[i] = DevInfo{FriendlyName: c.Name, PortType: c.PortType, Instance: i}
	}
	return out, StatusSuccess
}

func (s *Simulator) CameraInit(dev DevInfo) (CameraHandle, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unplugged || dev.Instance < 0 || dev.Instance >= len(s.cameras) {
		return 0, StatusNoDeviceFound
	}
	for _, st := range s.open {
		if st.cam.Name == s.cameras[dev.Instance].Name && st.cam.PortType == s.cameras[dev.Instance].PortType {
			return 0, StatusDeviceIsOpened
		}
	}

	s.nextHandle++
	cam := s.cameras[dev.Instance]
	s.open[s.nextHandle] = &simState{cam: cam, width: cam.Width, height: cam.Height}
	return s.nextHandle, StatusSuccess
}

func (s *Simulator) state(h CameraHandle) (*simState, Status) {
	st, ok := s.open[h]
	if !ok {
		return nil, StatusDeviceIsClosed
	}
	return st, StatusSuccess
}

// with runs fn on the state of h under the lock.
func (s *Simulator) with(h CameraHandle, fn func(*simState) Status) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, code := s.state(h)
	if code != StatusSuccess {
		return code
	}
	return fn(st)
}

func (s *Simulator) GetCapability(h CameraHandle) (SensorCapability, Status) {
	var c SensorCapability
	code := s.with(h, func(st *simState) Status {
		c = SensorCapability{WidthMax: st.cam.Width, HeightMax: st.cam.Height, MonoSensor: st.cam.Mono}
		return StatusSuccess
	})
	return c, code
}

func (s *Simulator) SetIspOutFormat(h CameraHandle, mediaType uint32) Status {
	return s.with(h, func(st *simState) Status {
		if mediaType != MediaTypeMono8 && mediaType != MediaTypeBGR8 {
			return StatusNotSupported
		}
		return StatusSuccess
	})
}

func (s *Simulator) SetTriggerMode(h CameraHandle, mode int) Status {
	return s.with(h, func(*simState) Status {
		if mode != TriggerContinuous {
			return StatusNotSupported
		}
		return StatusSuccess
	})
}

func (s *Simulator) SetFrameSpeed(h CameraHandle, speed int) Status {
	return s.with(h, func(st *simState) Status {
		if speed < FrameSpeedLow || speed > FrameSpeedSuper {
			return StatusParameterOutOfBound
		}
		st.speed = speed
		return StatusSuccess
	})
}

func (s *Simulator) SetAeState(h CameraHandle, auto bool) Status {
	return s.with(h, func(st *simState) Status { st.autoExpo = auto; return StatusSuccess })
}

func (s *Simulator) SetExposureTime(h CameraHandle, us float64) Status {
	return s.with(h, func(st *simState) Status {
		if us <= 0 {
			return StatusParameterInvalid
		}
		st.exposureUS = us
		return StatusSuccess
	})
}

func (s *Simulator) SetAnalogGain(h CameraHandle, gain int) Status {
	return s.with(h, func(st *simState) Status { st.gain = gain; return StatusSuccess })
}

func (s *Simulator) SetImageResolution(h CameraHandle, width, height int) Status {
	return s.with(h, func(st *simState) Status {
		if width <= 0 || height <= 0 || width > st.cam.Width || height > st.cam.Height {
			return StatusParameterOutOfBound
		}
		st.width, st.height = width, height
		return StatusSuccess
	})
}

func (s *Simulator) Play(h CameraHandle) Status {
	return s.with(h, func(st *simState) Status { st.playing = true; return StatusSuccess })
}

func (s *Simulator) Pause(h CameraHandle) Status {
	return s.with(h, func(st *simState) Status { st.playing = false; return StatusSuccess })
}

// GetImageBuffer waits for the next frame slot. If the slot falls after the
// timeout it sleeps for the timeout and returns TIME_OUT.
func (s *Simulator) GetImageBuffer(h CameraHandle, timeoutMs int) (RawBuffer, FrameHead, Status) {
	timeout := time.Duration(timeoutMs) * time.Millisecond

	s.mu.Lock()
	st, code := s.state(h)
	if code != StatusSuccess {
		s.mu.Unlock()
		return 0, FrameHead{}, code
	}
	if s.unplugged {
		s.mu.Unlock()
		return 0, FrameHead{}, StatusDeviceLost
	}
	if len(s.faults) > 0 {
		f := s.faults[0]
		s.faults = s.faults[1:]
		s.mu.Unlock()
		if f == StatusTimeOut {
			time.Sleep(timeout)
		}
		return 0, FrameHead{}, f
	}
	if s.stall || !st.playing {
		s.mu.Unlock()
		time.Sleep(timeout)
		return 0, FrameHead{}, StatusTimeOut
	}

	now := time.Now()
	if st.next.Before(now) {
		st.next = now
	}
	wait := st.next.Sub(now)
	if wait > timeout {
		s.mu.Unlock()
		time.Sleep(timeout)
		return 0, FrameHead{}, StatusTimeOut
	}
	st.next = st.next.Add(time.Duration(float64(time.Second) / s.fps))
	st.seq++

	channels := 3
	media := MediaTypeBGR8
	if st.cam.Mono {
		channels = 1
		media = MediaTypeMono8
	}
	head := FrameHead{MediaType: media, Width: st.width, Height: st.height, Bytes: st.width * st.height * channels}
	raw := gradient(st.width, st.height, channels, st.seq)

	s.nextRaw++
	id := s.nextRaw
	s.raws[id] = raw
	s.mu.Unlock()

	if wait > 0 {
		time.Sleep(wait)
	}
	return id, head, StatusSuccess
}

// gradient draws a diagonal ramp shifted by seq so consecutive frames differ.
func gradient(w, h, ch, seq int) []byte {
	px := make([]byte, w*h*ch)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(x + y + seq*4)
			i := (y*w + x) * ch
			for c := 0; c < ch; c++ {
				px[i+c] = v + byte(c*85)
			}
		}
	}
	return px
}

func (s *Simulator) ImageProcess(h CameraHandle, raw RawBuffer, out FrameBuffer, head FrameHead) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, code := s.state(h); code != StatusSuccess {
		return code
	}
	data, ok := s.raws[raw]
	if !ok {
		return StatusParameterInvalid
	}
	if head.Bytes > out.Size() {
		return StatusSizeDismatch
	}
	copy(out.Bytes(head.Bytes), data)
	return StatusSuccess
}

func (s *Simulator) ReleaseImageBuffer(h CameraHandle, raw RawBuffer) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.raws[raw]; !ok {
		return StatusParameterInvalid
	}
	delete(s.raws, raw)
	return StatusSuccess
}

func (s *Simulator) FlipFrameBuffer(out FrameBuffer, head FrameHead) Status {
	ch := head.Bytes / (head.Width * head.Height)
	frame.FlipVertical(out.Bytes(head.Bytes), head.Width, head.Height, ch)
	return StatusSuccess
}

func (s *Simulator) UnInit(h CameraHandle) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[h]; !ok {
		return StatusDeviceIsClosed
	}
	delete(s.open, h)
	return StatusSuccess
}

func (s *Simulator) AlignMalloc(size, _ int) (FrameBuffer, Status) {
	if size <= 0 {
		return nil, StatusParameterInvalid
	}
	s.mu.Lock()
	s.buffers++
	s.mu.Unlock()
	return &simBuffer{sim: s, data: make([]byte, size)}, StatusSuccess
}

type simBuffer struct {
	sim  *Simulator
	data []byte
	once sync.Once
}

func (b *simBuffer) Bytes(n int) []byte { return b.data[:n] }
func (b *simBuffer) Size() int          { return len(b.data) }

func (b *simBuffer) Free() {
	b.once.Do(func() {
		b.sim.mu.Lock()
		b.sim.buffers--
		b.sim.mu.Unlock()
		b.data = nil
	})
}
