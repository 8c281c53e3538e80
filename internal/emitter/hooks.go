package emitter

import (
	"log/slog"
	"time"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
)

// SessionHooks publishes session start, end and fault events. Publish
// failures are logged; they never affect the session.
func (e *MQTTEmitter) SessionHooks() session.Hooks {
	return session.Hooks{
		OnStart: func(s *session.Session) {
			e.emit(Event{Type: EventSessionStarted, Data: map[string]interface{}{
				"viewer_id":  s.ViewerID(),
				"capture_id": s.CaptureID(),
				"device":     s.Handle().Info(),
			}})
			for _, adj := range s.Adjustments() {
				e.emit(Event{Type: EventConfigAdjusted, Data: map[string]interface{}{
					"field":     adj.Field,
					"requested": adj.Requested,
					"applied":   adj.Applied,
					"reason":    adj.Reason,
				}})
			}
		},
		OnEnd: func(s *session.Session, cause error) {
			data := map[string]interface{}{
				"viewer_id":  s.ViewerID(),
				"duration_s": time.Since(s.StartedAt()).Seconds(),
			}
			if cause != nil {
				data["kind"] = camera.KindOf(cause).String()
				data["message"] = session.UserMessage(cause)
				e.emit(Event{Type: EventCameraFault, Data: data})
			}
			e.emit(Event{Type: EventSessionEnded, Data: data})
		},
	}
}

// Emit publishes ev and logs failures. Safe to call while disconnected.
func (e *MQTTEmitter) Emit(ev Event) { e.emit(ev) }

func (e *MQTTEmitter) emit(ev Event) {
	if err := e.PublishEvent(ev); err != nil {
		slog.Debug("emitter: event not published", "type", ev.Type, "error", err)
	}
}
