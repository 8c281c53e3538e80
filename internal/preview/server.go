// Package preview streams the live camera view to a single browser viewer
// over a websocket.
//
// A connection is a viewer: the upgrade admits it through the session
// lifecycle, frames are sampled from the ring buffer at the preview rate,
// passed through the transform chain, JPEG encoded and sent as binary
// messages. Text messages carry JSON status and error notices.
package preview

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
	"github.com/swongvsa/high-speed-camera-testing/internal/transform"
)

const (
	DefaultFPS = 25.0

	writeWait     = 2 * time.Second
	pongWait      = 30 * time.Second
	pingPeriod    = pongWait * 9 / 10
	statsInterval = time.Second
	sessionGrace  = 2 * time.Second
	maxReadSize   = 4096

	// Close frame payloads are limited to 125 bytes including the code.
	maxCloseReason = 123
)

// Encoder turns a frame into an image payload.
type Encoder interface {
	Encode(f frame.Frame) ([]byte, error)
}

// Sessions is the lifecycle the preview admits viewers through.
type Sessions interface {
	OnConnect(viewerID string) error
	OnDisconnect(viewerID string)
	Current() (*session.Session, bool)
}

// Notice is the JSON body of text messages.
type Notice struct {
	Type     string      `json:"type"` // session, stats, error
	ViewerID string      `json:"viewer_id,omitempty"`
	Message  string      `json:"message,omitempty"`
	Debug    []string    `json:"debug,omitempty"`
	Stats    interface{} `json:"stats,omitempty"`
}

// Config configures a Server.
type Config struct {
	FPS     float64          // Preview sampling rate (default: 25)
	Encoder Encoder          // Required
	Chain   *transform.Chain // Optional
}

// Server upgrades viewers and pumps preview frames to them.
type Server struct {
	cfg      Config
	sessions Sessions
	upgrader websocket.Upgrader

	mu      sync.Mutex
	viewers map[string]*viewer

	framesSent uint64
	blocked    uint64
}

// New returns a preview server.
func New(cfg Config, sessions Sessions) *Server {
	if cfg.FPS <= 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.Chain == nil {
		cfg.Chain = transform.NewChain()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		viewers: make(map[string]*viewer),
	}
}

// Hooks closes the viewer's socket with the user-facing message when its
// session ends on a fault.
func (s *Server) Hooks() session.Hooks {
	return session.Hooks{
		OnEnd: func(sess *session.Session, cause error) {
			s.mu.Lock()
			v := s.viewers[sess.ViewerID()]
			s.mu.Unlock()
			if v == nil {
				return
			}
			if cause != nil {
				v.fail(session.UserMessage(cause))
			}
			v.end()
		},
	}
}

// ServeHTTP handles the websocket upgrade for one viewer.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("preview: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	v := newViewer(uuid.NewString(), conn)
	defer v.close()

	slog.Info("preview: viewer connected", "viewer_id", v.id, "remote", r.RemoteAddr)

	// Registered before OnConnect so a fault during the first frames still
	// finds the viewer.
	s.mu.Lock()
	s.viewers[v.id] = v
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.viewers, v.id)
		s.mu.Unlock()
	}()

	if err := s.sessions.OnConnect(v.id); err != nil {
		s.mu.Lock()
		s.blocked++
		s.mu.Unlock()
		slog.Info("preview: viewer rejected", "viewer_id", v.id, "error", err)
		v.fail(session.UserMessage(err))
		return
	}
	defer s.sessions.OnDisconnect(v.id)

	if err := v.send(Notice{Type: "session", ViewerID: v.id}); err != nil {
		return
	}

	go v.readPump()
	s.pump(v)

	slog.Info("preview: viewer disconnected", "viewer_id", v.id)
}

// pump sends preview frames until the viewer leaves or its session ends.
func (s *Server) pump(v *viewer) {
	frames := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.FPS))
	defer frames.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	var (
		lastSeq uint64
		debug   []string
		lost    time.Time
	)
	for {
		select {
		case <-v.gone:
			return
		case <-v.ended:
			return

		case <-ping.C:
			if err := v.ping(); err != nil {
				return
			}

		case <-stats.C:
			sess, ok := s.current(v.id)
			if !ok {
				if orphaned(&lost) {
					return
				}
				continue
			}
			lost = time.Time{}
			if err := v.send(Notice{Type: "stats", Stats: sess.Stats(), Debug: debug}); err != nil {
				return
			}

		case <-frames.C:
			sess, ok := s.current(v.id)
			if !ok {
				// The end hook closes v.ended and may still be writing
				// the fault notice.
				if orphaned(&lost) {
					return
				}
				continue
			}
			lost = time.Time{}

			f, ok := sess.Buffer().Latest()
			if !ok || f.Sequence() == lastSeq {
				continue
			}
			lastSeq = f.Sequence()

			out, msgs := s.cfg.Chain.Apply(f)
			if len(msgs) > 0 {
				debug = msgs
			}
			payload, err := s.cfg.Encoder.Encode(out)
			if err != nil {
				slog.Warn("preview: encode failed", "viewer_id", v.id, "seq", f.Sequence(), "error", err)
				continue
			}
			if err := v.write(websocket.BinaryMessage, payload); err != nil {
				return
			}
			s.mu.Lock()
			s.framesSent++
			s.mu.Unlock()
		}
	}
}

// orphaned reports whether the session has been gone for longer than
// sessionGrace, starting the clock on first call.
func orphaned(since *time.Time) bool {
	if since.IsZero() {
		*since = time.Now()
		return false
	}
	return time.Since(*since) > sessionGrace
}

func (s *Server) current(viewerID string) (*session.Session, bool) {
	sess, ok := s.sessions.Current()
	if !ok || sess.ViewerID() != viewerID {
		return nil, false
	}
	return sess, true
}

// Stats contains preview counters.
type Stats struct {
	Viewers    int    `json:"viewers"`
	FramesSent uint64 `json:"frames_sent"`
	Blocked    uint64 `json:"blocked"`
}

// Stats returns preview counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Viewers: len(s.viewers), FramesSent: s.framesSent, Blocked: s.blocked}
}

// viewer is one websocket connection. gorilla connections allow one
// concurrent writer, so every write takes wmu.
type viewer struct {
	id   string
	conn *websocket.Conn

	wmu sync.Mutex

	gone     chan struct{} // read side failed
	goneOnce sync.Once
	ended    chan struct{} // session ended
	endOnce  sync.Once
}

func newViewer(id string, conn *websocket.Conn) *viewer {
	return &viewer{
		id:    id,
		conn:  conn,
		gone:  make(chan struct{}),
		ended: make(chan struct{}),
	}
}

// readPump discards client messages and detects disconnects.
func (v *viewer) readPump() {
	defer v.goneOnce.Do(func() { close(v.gone) })

	v.conn.SetReadLimit(maxReadSize)
	_ = v.conn.SetReadDeadline(time.Now().Add(pongWait))
	v.conn.SetPongHandler(func(string) error {
		return v.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := v.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("preview: viewer read error", "viewer_id", v.id, "error", err)
			}
			return
		}
	}
}

func (v *viewer) write(kind int, data []byte) error {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(kind, data)
}

func (v *viewer) send(n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return v.write(websocket.TextMessage, data)
}

func (v *viewer) ping() error {
	v.wmu.Lock()
	defer v.wmu.Unlock()
	return v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// fail sends an error notice followed by a close frame.
func (v *viewer) fail(msg string) {
	if err := v.send(Notice{Type: "error", ViewerID: v.id, Message: msg}); err != nil {
		return
	}
	reason := msg
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	v.wmu.Lock()
	defer v.wmu.Unlock()
	_ = v.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, reason),
		time.Now().Add(writeWait))
}

func (v *viewer) end() { v.endOnce.Do(func() { close(v.ended) }) }

func (v *viewer) close() {
	v.end()
	_ = v.conn.Close()
}
