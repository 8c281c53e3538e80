package preview

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/swongvsa/high-speed-camera-testing/internal/camera"
	"github.com/swongvsa/high-speed-camera-testing/internal/camera/mvsdk"
	"github.com/swongvsa/high-speed-camera-testing/internal/capture"
	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
	"github.com/swongvsa/high-speed-camera-testing/internal/session"
	"github.com/swongvsa/high-speed-camera-testing/internal/transform"
)

// rawEncoder sends the first pixel row; no codec needed.
type rawEncoder struct{}

func (rawEncoder) Encode(f frame.Frame) ([]byte, error) {
	return append([]byte("raw:"), f.Pixels()[:f.Width()]...), nil
}

func testSessionConfig() session.Config {
	return session.Config{
		TargetFPS:   100,
		ExposureUS:  5000,
		Window:      time.Second,
		PlaybackFPS: 30,
		Capture: capture.Config{
			PullTimeout:  100 * time.Millisecond,
			FatalBackoff: 10 * time.Millisecond,
			StopTimeout:  time.Second,
		},
		Reconnect: camera.ReconnectConfig{
			TimeoutLimit:      3,
			Backoff:           10 * time.Millisecond,
			MinInterval:       10 * time.Millisecond,
			MaxFailedAttempts: 1,
		},
	}
}

type harness struct {
	sim *mvsdk.Simulator
	lc  *session.Lifecycle
	srv *Server
	ts  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := mvsdk.NewSimulator(200, mvsdk.SimCamera{Name: "MV-SIM16C", PortType: "USB3.0", Width: 16, Height: 8})
	lc := session.NewLifecycle(testSessionConfig(), camera.NewRegistry(), []camera.Backend{mvsdk.New(sim)})

	chain := transform.NewChain().Add("grayscale", transform.Grayscale)
	srv := New(Config{FPS: 50, Encoder: rawEncoder{}, Chain: chain}, lc)
	lc.AddHooks(srv.Hooks())

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		lc.Close()
	})
	return &harness{sim: sim, lc: lc, srv: srv, ts: ts}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readNotice(t *testing.T, conn *websocket.Conn) Notice {
	t.Helper()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		kind, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		var n Notice
		if err := json.Unmarshal(data, &n); err != nil {
			t.Fatal(err)
		}
		if n.Type == "stats" {
			continue
		}
		return n
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_StreamsFramesToSingleViewer(t *testing.T) {
	h := newHarness(t)

	first := h.dial(t)
	hello := readNotice(t, first)
	if hello.Type != "session" || hello.ViewerID == "" {
		t.Fatalf("hello = %+v", hello)
	}

	var frames int
	for frames < 3 {
		_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
		kind, data, err := first.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		if kind == websocket.BinaryMessage {
			if !strings.HasPrefix(string(data), "raw:") {
				t.Fatalf("payload = %q", data)
			}
			frames++
		}
	}

	second := h.dial(t)
	rejected := readNotice(t, second)
	if rejected.Type != "error" || rejected.Message != session.MsgBlocked {
		t.Errorf("second viewer notice = %+v", rejected)
	}
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := second.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("second viewer close = %v", err)
	}

	if s, ok := h.lc.Current(); !ok || s.ViewerID() != hello.ViewerID {
		t.Error("blocked viewer disturbed the active session")
	}
	if st := h.srv.Stats(); st.Blocked != 1 || st.FramesSent < 3 {
		t.Errorf("stats = %+v", st)
	}

	first.Close()
	waitFor(t, "camera release", func() bool {
		_, ok := h.lc.Current()
		return !ok && h.sim.OpenCount() == 0
	})

	third := h.dial(t)
	if n := readNotice(t, third); n.Type != "session" {
		t.Errorf("viewer after release = %+v", n)
	}
}

func TestServer_FaultClosesViewer(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t)
	if n := readNotice(t, conn); n.Type != "session" {
		t.Fatalf("hello = %+v", n)
	}
	waitFor(t, "first frame", func() bool { return h.srv.Stats().FramesSent > 0 })

	h.sim.Unplug()

	n := readNotice(t, conn)
	if n.Type != "error" || n.Message != camera.MsgConnectionLost {
		t.Errorf("fault notice = %+v", n)
	}
	waitFor(t, "gate release", func() bool {
		_, held := h.lc.Gate().Active()
		return !held
	})
}
