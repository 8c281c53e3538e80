// Package control implements the MQTT control plane: JSON commands arrive on
// the control topic and responses are published to the health topic.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

const (
	statusSuccess = "success"
	statusError   = "error"

	queueSize        = 10
	subscribeTimeout = 5 * time.Second
	publishTimeout   = 2 * time.Second
	shutdownDelay    = 500 * time.Millisecond
)

// CommandCallbacks contains callback functions for commands. A nil callback
// answers "<command> not implemented".
type CommandCallbacks struct {
	OnGetStatus    func() map[string]interface{}
	OnSetExposure  func(ms float64) (*config.Adjustment, error)
	OnSetGain      func(factor float64) error
	OnSetROI       func(roi config.ROI) error
	OnSetFrameRate func(fps float64) ([]config.Adjustment, error)
	OnClearBuffer  func() error
	// Preview transformer toggles
	OnSetTransformer func(name string, enabled bool) error
	// Export commands
	OnExportSlowmo func(SlowmoParams) (clip.Result, error)
	OnExportClip   func(d time.Duration) (clip.Result, error)
	// Recording commands
	OnStartRecording func() error
	OnStopRecording  func() (frames int, err error)
	OnShutdown       func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg      *config.Config
	client   mqtt.Client
	commands chan Command
	now      func() time.Time

	mu        sync.Mutex
	stopped   bool
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, queueSize),
		now:       time.Now,
		callbacks: callbacks,
	}
}

// Start subscribes to the control topic and processes commands until ctx ends.
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("control: subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	slog.Info("control: handler started")
	return nil
}

// Stop unsubscribes and ends command processing. Safe to call twice.
func (h *Handler) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	close(h.commands)
	h.mu.Unlock()

	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.cfg.MQTT.Topics.Control).WaitTimeout(publishTimeout)
	}
	slog.Info("control: handler stopped")
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("control: failed to parse command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     statusError,
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control: command received", "command", cmd.Command)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("control: command queue full, dropping command", "command", cmd.Command)
		h.sendResponse(Response{
			CommandAck: cmd.Command,
			Status:     statusError,
			Error:      "command queue full",
		})
	}
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-h.commands:
			if !ok {
				return
			}
			h.handleCommand(cmd)
		}
	}
}

// handleCommand executes a command and publishes exactly one response.
func (h *Handler) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}
	fail := func(err error) {
		resp.Status = statusError
		resp.Error = ErrorText(err)
		if camera.KindOf(err) != 0 {
			slog.Warn("control: command failed", "command", cmd.Command, "error", err)
		}
	}
	missing := func() {
		resp.Status = statusError
		resp.Error = cmd.Command + " not implemented"
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			missing()
			break
		}
		resp.Status = statusSuccess
		resp.Data = h.callbacks.OnGetStatus()

	case "set_exposure":
		if h.callbacks.OnSetExposure == nil {
			missing()
			break
		}
		var p exposureParams
		if err := decodeParams(cmd.Params, &p, "exposure_ms"); err != nil {
			fail(err)
			break
		}
		adj, err := h.callbacks.OnSetExposure(p.ExposureMS)
		if err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = adjustmentData("exposure_ms", p.ExposureMS, adj, 1000)

	case "set_gain":
		if h.callbacks.OnSetGain == nil {
			missing()
			break
		}
		var p gainParams
		if err := decodeParams(cmd.Params, &p, "gain"); err != nil {
			fail(err)
			break
		}
		if err := h.callbacks.OnSetGain(p.Gain); err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{"gain": p.Gain}

	case "set_roi":
		if h.callbacks.OnSetROI == nil {
			missing()
			break
		}
		var p roiParams
		if err := decodeParams(cmd.Params, &p, "roi"); err != nil {
			fail(err)
			break
		}
		if err := h.callbacks.OnSetROI(p.ROI); err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{
			"roi":     p.ROI.String(),
			"message": "roi applied, buffer cleared",
		}

	case "set_frame_rate":
		if h.callbacks.OnSetFrameRate == nil {
			missing()
			break
		}
		var p frameRateParams
		if err := decodeParams(cmd.Params, &p, "fps"); err != nil {
			fail(err)
			break
		}
		adjs, err := h.callbacks.OnSetFrameRate(p.FPS)
		if err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{
			"requested":  p.FPS,
			"target_fps": p.FPS,
			"clamped":    false,
		}
		for _, adj := range adjs {
			if adj.Field == "target_fps" {
				resp.Data["target_fps"] = adj.Applied
				resp.Data["clamped"] = true
			}
		}
		if len(adjs) > 0 {
			resp.Data["adjustments"] = adjs
		}

	case "export_slowmo":
		if h.callbacks.OnExportSlowmo == nil {
			missing()
			break
		}
		var p SlowmoParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			fail(err)
			break
		}
		res, err := h.callbacks.OnExportSlowmo(p)
		if err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = resultData(res)

	case "export_clip":
		if h.callbacks.OnExportClip == nil {
			missing()
			break
		}
		var p clipParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			fail(err)
			break
		}
		res, err := h.callbacks.OnExportClip(seconds(p.DurationS))
		if err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = resultData(res)

	case "start_recording":
		if h.callbacks.OnStartRecording == nil {
			missing()
			break
		}
		if err := h.callbacks.OnStartRecording(); err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{"recording": true}

	case "stop_recording":
		if h.callbacks.OnStopRecording == nil {
			missing()
			break
		}
		n, err := h.callbacks.OnStopRecording()
		if err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{"recording": false, "frames": n}

	case "set_transformer":
		if h.callbacks.OnSetTransformer == nil {
			missing()
			break
		}
		var p transformerParams
		if err := decodeParams(cmd.Params, &p, "name", "enabled"); err != nil {
			fail(err)
			break
		}
		if err := h.callbacks.OnSetTransformer(p.Name, p.Enabled); err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{"name": p.Name, "enabled": p.Enabled}

	case "clear_buffer":
		if h.callbacks.OnClearBuffer == nil {
			missing()
			break
		}
		if err := h.callbacks.OnClearBuffer(); err != nil {
			fail(err)
			break
		}
		resp.Status = statusSuccess

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			missing()
			break
		}
		slog.Warn("control: shutdown command received")
		resp.Status = statusSuccess
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		// Respond before the process starts tearing down the client.
		h.sendResponse(resp)
		go func() {
			time.Sleep(shutdownDelay)
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("control: shutdown callback failed", "error", err)
			}
		}()
		return

	default:
		resp.Status = statusError
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	h.sendResponse(resp)
}

// sendResponse publishes resp to the health topic.
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("control: failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Health
	qos := h.cfg.MQTT.QoS["health"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		slog.Error("control: response publish timeout", "command_ack", resp.CommandAck)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("control: failed to publish response", "error", err)
		return
	}

	slog.Debug("control: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}

// adjustmentData reports the requested and applied value of a possibly
// clamped setting; unit converts the adjustment's value to the command's unit.
// ErrorText is the caller-facing text for err. Camera errors are reduced to
// their user message; native status codes stay in the log.
func ErrorText(err error) string {
	if camera.KindOf(err) != 0 {
		return camera.UserMessage(err)
	}
	return err.Error()
}

func adjustmentData(field string, requested float64, adj *config.Adjustment, unit float64) map[string]interface{} {
	data := map[string]interface{}{
		field:       requested,
		"requested": requested,
		"clamped":   adj != nil,
	}
	if adj != nil {
		data[field] = adj.Applied / unit
		data["reason"] = adj.Reason
	}
	return data
}

func resultData(r clip.Result) map[string]interface{} {
	return map[string]interface{}{
		"path":              r.Path,
		"frames":            r.Frames,
		"source_duration_s": r.SourceS,
		"capture_fps":       r.CaptureFPS,
		"playback_fps":      r.PlaybackFPS,
		"slowmo_factor":     r.SlowmoFactor,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
