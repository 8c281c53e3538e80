package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string         `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64          `json:"uptime_seconds"`
	SessionActive bool           `json:"session_active"`
	MQTTConnected bool           `json:"mqtt_connected"`
	Session       *session.Stats `json:"session,omitempty"`
}

// HealthCheck returns the current health status of the service.
//
// An idle service is healthy. A session whose camera is reconnecting or
// faulted, or a configured broker that is unreachable, is degraded.
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(started).Seconds()),
	}

	if s.emitter != nil && s.emitter.Stats().Connected {
		status.MQTTConnected = true
	}

	if sess, ok := s.lifecycle.Current(); ok {
		st := sess.Stats()
		status.SessionActive = true
		status.Session = &st
		if sess.Handle().Status() != camera.StatusStreaming {
			status.Status = "degraded"
		}
	}

	switch {
	case !running:
		status.Status = "unhealthy"
	case s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
// Returns 200 unless the service is unhealthy.
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	code := http.StatusOK
	if health.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// publishHealth sends HealthCheck to the health topic every interval.
func (s *Service) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(s.HealthCheck())
			if err != nil {
				slog.Error("core: failed to marshal health", "error", err)
				continue
			}
			if err := s.emitter.PublishHealth(payload); err != nil {
				slog.Debug("core: health not published", "error", err)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("core: write response", "error", err)
	}
}
