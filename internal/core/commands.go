package core

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
	"github.com/swongvsa/high-speed-camera-testing/internal/control"
	"github.com/swongvsa/high-speed-camera-testing/internal/emitter"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
)

// ErrNoSession is returned by camera commands while no viewer is connected.
var ErrNoSession = errors.New("core: no active camera session")

func (s *Service) session() (*session.Session, error) {
	sess, ok := s.lifecycle.Current()
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"uptime_s":    time.Since(s.started).Seconds(),
		"running":     s.isRunning,
		"config": map[string]interface{}{
			"backend":      s.cfg.Camera.Backend,
			"device":       s.cfg.Camera.Device,
			"target_fps":   s.cfg.Camera.TargetFPS,
			"exposure_ms":  s.cfg.Camera.ExposureMS,
			"roi":          s.cfg.Camera.ROI,
			"window_s":     s.cfg.Buffer.WindowS,
			"playback_fps": s.cfg.Buffer.PlaybackFPS,
			"adjustments":  s.cfg.Adjustments,
		},
	}
	s.mu.RUnlock()

	status["preview"] = s.preview.Stats()
	status["transformers"] = s.chain.Status()
	if s.emitter != nil {
		status["mqtt"] = s.emitter.Stats()
	}
	if sess, ok := s.lifecycle.Current(); ok {
		status["session"] = sess.Stats()
	} else {
		status["session"] = nil
	}
	return status
}

func (s *Service) setExposure(ms float64) (*config.Adjustment, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	adj, err := sess.SetExposureMS(ms)
	if err != nil {
		return nil, err
	}
	s.reportAdjustment(adj)
	return adj, nil
}

func (s *Service) setGain(factor float64) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.SetGain(factor)
}

func (s *Service) setROI(roi config.ROI) error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	return sess.SetROI(roi)
}

func (s *Service) setFrameRate(fps float64) ([]config.Adjustment, error) {
	sess, err := s.session()
	if err != nil {
		return nil, err
	}
	adjs, err := sess.SetFrameRate(fps)
	for i := range adjs {
		s.reportAdjustment(&adjs[i])
	}
	if err != nil {
		return nil, err
	}
	return adjs, nil
}

// setTransformer toggles a preview step. It works without a session since
// the chain outlives viewers.
func (s *Service) setTransformer(name string, enabled bool) error {
	if err := s.chain.SetEnabled(name, enabled); err != nil {
		return err
	}
	slog.Info("core: transformer toggled", "name", name, "enabled", enabled)
	return nil
}

func (s *Service) clearBuffer() error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.Buffer().Clear()
	return nil
}

// exportSlowmo writes the trailing DurationS seconds of the ring buffer, or
// of the recording buffer, at the slow-motion playback rate.
func (s *Service) exportSlowmo(p control.SlowmoParams) (clip.Result, error) {
	sess, err := s.session()
	if err != nil {
		return clip.Result{}, err
	}

	frames := sess.Buffer().All()
	source := "ring_buffer"
	if p.UseRecordingBuffer {
		frames = sess.Recorder().Frames()
		source = "recording"
	}

	res, err := s.exporter.ExportSlowmo(frames, clip.SlowmoRequest{
		Duration:    seconds(p.DurationS),
		PlaybackFPS: p.PlaybackFPS,
		Filename:    p.Filename,
	})
	if err != nil {
		return clip.Result{}, err
	}
	s.metrics.clipExported()
	s.emit(emitter.EventClipExported, map[string]interface{}{
		"path":          res.Path,
		"frames":        res.Frames,
		"slowmo_factor": res.SlowmoFactor,
		"source":        source,
	})
	return res, nil
}

// exportClip writes the trailing d of the ring buffer at its measured rate.
func (s *Service) exportClip(d time.Duration) (clip.Result, error) {
	sess, err := s.session()
	if err != nil {
		return clip.Result{}, err
	}
	res, err := s.exporter.ExportRealtime(sess.Buffer().All(), d)
	if err != nil {
		return clip.Result{}, err
	}
	s.metrics.clipExported()
	s.emit(emitter.EventClipExported, map[string]interface{}{
		"path":   res.Path,
		"frames": res.Frames,
		"source": "ring_buffer",
	})
	return res, nil
}

func (s *Service) startRecording() error {
	sess, err := s.session()
	if err != nil {
		return err
	}
	sess.Recorder().Start()
	s.emit(emitter.EventRecordingStarted, map[string]interface{}{"viewer_id": sess.ViewerID()})
	return nil
}

func (s *Service) stopRecording() (int, error) {
	sess, err := s.session()
	if err != nil {
		return 0, err
	}
	n := sess.Recorder().Stop()
	s.emit(emitter.EventRecordingStopped, map[string]interface{}{
		"viewer_id": sess.ViewerID(),
		"frames":    n,
	})
	return n, nil
}

// shutdownViaControl cancels the run context; main performs the shutdown.
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	cancel := s.cancelCtx
	s.mu.RUnlock()
	if cancel == nil {
		return fmt.Errorf("core: service not running")
	}
	slog.Info("core: shutdown requested via control plane")
	cancel()
	return nil
}

func (s *Service) reportAdjustment(adj *config.Adjustment) {
	if adj == nil {
		return
	}
	s.emit(emitter.EventConfigAdjusted, map[string]interface{}{
		"field":     adj.Field,
		"requested": adj.Requested,
		"applied":   adj.Applied,
		"reason":    adj.Reason,
	})
}

func (s *Service) emit(kind string, data map[string]interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(emitter.Event{Type: kind, Data: data})
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
