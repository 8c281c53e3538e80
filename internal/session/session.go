package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/capture"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/ringbuffer"
)

// Session is one viewer's hold on the camera: the open handle, its capture
// worker and the buffers the worker fills.
type Session struct {
	viewerID  string
	startedAt time.Time
	once      sync.Once

	handle   *camera.Handle
	policy   *camera.ReconnectPolicy
	capture  *capture.Session
	buffer   *ringbuffer.Buffer
	recorder *clip.Recorder

	// ctl serializes the setters and guards the applied values.
	ctl        sync.Mutex
	targetFPS  float64
	exposureUS float64
	gain       float64
	roi        config.ROI

	// adjustments made while configuring the device at connect.
	adjustments []config.Adjustment
}

// Stats is the session view served by the status APIs.
type Stats struct {
	ViewerID       string              `json:"viewer_id"`
	StartedAt      time.Time           `json:"started_at"`
	Device         string              `json:"device"`
	Status         string              `json:"status"`
	TargetFPS      float64             `json:"target_fps"`
	ExposureUS     float64             `json:"exposure_us"`
	Gain           float64             `json:"gain"`
	ROI            string              `json:"roi"`
	Adjustments    []config.Adjustment `json:"adjustments,omitempty"`
	Recording      bool                `json:"recording"`
	RecordedFrames int                 `json:"recorded_frames"`
	Buffer         ringbuffer.Stats    `json:"buffer"`
	Capture        capture.Stats       `json:"capture"`
}

func (s *Session) ViewerID() string              { return s.viewerID }
func (s *Session) StartedAt() time.Time          { return s.startedAt }
func (s *Session) Handle() *camera.Handle        { return s.handle }
func (s *Session) Buffer() *ringbuffer.Buffer    { return s.buffer }
func (s *Session) Recorder() *clip.Recorder      { return s.recorder }
func (s *Session) CaptureID() string             { return s.capture.ID() }
func (s *Session) Done() <-chan struct{}         { return s.capture.Done() }
func (s *Session) Descriptor() camera.Descriptor { return s.handle.Descriptor() }

// configure applies the initial knobs right after open. The exposure clamp
// uses the effective frame rate.
func (s *Session) configure(cfg Config) error {
	if fps, adj := s.clampFrameRate(s.targetFPS); adj != nil {
		slog.Warn("session: target fps clamped", "adjustment", adj.String())
		s.adjustments = append(s.adjustments, *adj)
		s.targetFPS = fps
	}
	if s.targetFPS <= 0 {
		s.targetFPS = ringbuffer.DefaultTargetFPS
	}

	if err := s.handle.SetFrameRate(s.targetFPS); err != nil {
		return err
	}
	if !cfg.ROI.IsFull() {
		if err := s.handle.SetROI(cfg.ROI.Width, cfg.ROI.Height); err != nil {
			return err
		}
		s.roi = cfg.ROI
	}
	if cfg.AutoExposure {
		if err := s.handle.SetAutoExposure(true); err != nil {
			slog.Warn("session: auto exposure not applied", "error", err)
		}
	} else if s.exposureUS > 0 {
		applied, adj := config.ClampExposure(s.exposureUS, s.targetFPS)
		if adj != nil {
			slog.Warn("session: exposure clamped", "adjustment", adj.String())
			s.adjustments = append(s.adjustments, *adj)
		}
		if err := s.handle.SetExposure(applied); err != nil {
			return err
		}
		s.exposureUS = applied
	}
	if s.gain > 0 {
		if err := s.handle.SetGain(s.gain); err != nil {
			return err
		}
	}
	return nil
}

// SetExposureMS sets a manual exposure in milliseconds. Values beyond 90% of
// the frame period are clamped; the returned adjustment reports the clamp.
func (s *Session) SetExposureMS(ms float64) (*config.Adjustment, error) {
	if ms <= 0 {
		return nil, fmt.Errorf("session: exposure must be positive, got %g ms", ms)
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	applied, adj := config.ClampExposure(ms*1000, s.targetFPS)
	if err := s.handle.SetExposure(applied); err != nil {
		return nil, err
	}
	s.exposureUS = applied
	return adj, nil
}

// SetGain sets the analog gain factor.
func (s *Session) SetGain(factor float64) error {
	if factor < 0 {
		return fmt.Errorf("session: gain must be >= 0, got %g", factor)
	}
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if err := s.handle.SetGain(factor); err != nil {
		return err
	}
	s.gain = factor
	return nil
}

// SetROI changes the output resolution. Full ROI restores the sensor
// maximum. Buffered frames are discarded since a clip cannot mix sizes.
func (s *Session) SetROI(roi config.ROI) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	w, h := roi.Width, roi.Height
	if roi.IsFull() {
		capab, _ := s.handle.Capability()
		w, h = capab.MaxWidth, capab.MaxHeight
	}
	if err := s.handle.SetROI(w, h); err != nil {
		return err
	}
	s.roi = roi
	s.buffer.Clear()
	return nil
}

// Adjustments returns the clamps applied while configuring the device.
func (s *Session) Adjustments() []config.Adjustment {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	return append([]config.Adjustment(nil), s.adjustments...)
}

func (s *Session) clampFrameRate(fps float64) (float64, *config.Adjustment) {
	capab, ok := s.handle.Capability()
	if !ok {
		return fps, nil
	}
	return config.ClampFrameRate(fps, capab.MaxFPS)
}

// SetFrameRate changes the capture rate, resizes the buffer and re-clamps
// the exposure against the new frame period. Rates above the sensor maximum
// are clamped. The returned adjustments list every clamp, frame rate first.
func (s *Session) SetFrameRate(fps float64) ([]config.Adjustment, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("session: frame rate must be positive, got %g", fps)
	}

	s.ctl.Lock()
	defer s.ctl.Unlock()

	var adjs []config.Adjustment
	fps, adj := s.clampFrameRate(fps)
	if adj != nil {
		adjs = append(adjs, *adj)
	}

	if err := s.handle.SetFrameRate(fps); err != nil {
		return nil, err
	}
	s.targetFPS = fps
	s.buffer.SetTargetFPS(fps)

	applied, adj := config.ClampExposure(s.exposureUS, fps)
	if adj != nil {
		adjs = append(adjs, *adj)
		if err := s.handle.SetExposure(applied); err != nil {
			return adjs, err
		}
		s.exposureUS = applied
	}
	return adjs, nil
}

// Stats returns a snapshot for status reporting.
func (s *Session) Stats() Stats {
	s.ctl.Lock()
	st := Stats{
		ViewerID:   s.viewerID,
		StartedAt:  s.startedAt,
		Device:     s.handle.Info(),
		TargetFPS:  s.targetFPS,
		ExposureUS: s.exposureUS,
		Gain:       s.gain,
		ROI:        s.roi.String(),
	}
	if len(s.adjustments) > 0 {
		st.Adjustments = append([]config.Adjustment(nil), s.adjustments...)
	}
	s.ctl.Unlock()

	st.Status = s.handle.Status().String()
	st.Recording = s.recorder.Recording()
	st.RecordedFrames = s.recorder.Len()
	st.Buffer = s.buffer.Stats()
	st.Capture = s.capture.Stats()
	return st
}
