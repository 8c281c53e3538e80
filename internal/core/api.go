package core

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/clip"
	"github.com/swongvsa/high-speed-camera-testing/internal/control"
)

const maxBodySize = 64 << 10

type apiError struct {
	Error string `json:"error"`
}

// errorStatus maps command errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoSession):
		return http.StatusConflict
	case errors.Is(err, clip.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if camera.KindOf(err) != 0 {
		slog.Warn("core: api request failed", "error", err)
	}
	writeJSON(w, errorStatus(err), apiError{Error: control.ErrorText(err)})
}

// decodeBody reads an optional JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, apiError{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, apiError{Error: "method not allowed"})
		return false
	}
	return true
}

// bufferHandler serves GET /api/buffer.
func (s *Service) bufferHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	sess, err := s.session()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Buffer().Stats())
}

// slowmoHandler serves POST /api/clips/slowmo.
func (s *Service) slowmoHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var p control.SlowmoParams
	if !decodeBody(w, r, &p) {
		return
	}
	res, err := s.exportSlowmo(p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// realtimeHandler serves POST /api/clips/realtime.
func (s *Service) realtimeHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var p struct {
		DurationS float64 `json:"duration_s"`
	}
	if !decodeBody(w, r, &p) {
		return
	}
	res, err := s.exportClip(seconds(p.DurationS))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// recordingHandler serves POST /api/recording with action start or stop.
func (s *Service) recordingHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodPost) {
		return
	}
	var p struct {
		Action string `json:"action"`
	}
	if !decodeBody(w, r, &p) {
		return
	}

	switch p.Action {
	case "start":
		if err := s.startRecording(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"recording": true})
	case "stop":
		n, err := s.stopRecording()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"recording": false, "frames": n})
	default:
		writeJSON(w, http.StatusBadRequest, apiError{Error: `action must be "start" or "stop"`})
	}
}

// statusHandler serves GET /api/status.
func (s *Service) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !allow(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, s.getStatus())
}
