package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/swongvsa/high-speed-camera-testing/internal/config"
)

// doneToken is a completed mqtt.Token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes. Unused mqtt.Client methods panic.
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	sent []message
	err  error
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func connectedEmitter(t *testing.T) (*MQTTEmitter, *fakeClient) {
	t.Helper()
	cfg := &config.Config{InstanceID: "bench-1"}
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	e := NewMQTTEmitter(cfg)
	fc := &fakeClient{}
	e.client = fc
	e.setConnected(true)
	e.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e, fc
}

func TestPublishEvent(t *testing.T) {
	e, fc := connectedEmitter(t)

	err := e.PublishEvent(Event{Type: EventClipExported, Data: map[string]interface{}{"frames": 90}})
	if err != nil {
		t.Fatal(err)
	}

	msgs := fc.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages", len(msgs))
	}
	if msgs[0].topic != "hscam/events/bench-1/clip_exported" || msgs[0].qos != 1 {
		t.Errorf("topic=%s qos=%d", msgs[0].topic, msgs[0].qos)
	}

	var ev Event
	if err := json.Unmarshal(msgs[0].payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.InstanceID != "bench-1" || ev.Timestamp.Year() != 2026 || ev.Data["frames"] != float64(90) {
		t.Errorf("event = %+v", ev)
	}

	st := e.Stats()
	if !st.Connected || st.Published["hscam/events/bench-1/clip_exported"] != 1 || st.Errors != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPublishHealth(t *testing.T) {
	e, fc := connectedEmitter(t)
	if err := e.PublishHealth([]byte(`{"status":"healthy"}`)); err != nil {
		t.Fatal(err)
	}
	if msgs := fc.messages(); len(msgs) != 1 || msgs[0].topic != "hscam/health/bench-1" || msgs[0].qos != 0 {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestPublish_Errors(t *testing.T) {
	e := NewMQTTEmitter(config.Default())
	if err := e.PublishHealth([]byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("unconnected publish = %v", err)
	}

	e, fc := connectedEmitter(t)
	fc.err = errors.New("broker refused")
	if err := e.PublishEvent(Event{Type: EventCameraFault}); err == nil {
		t.Error("expected publish error")
	}
	if e.Stats().Errors != 1 {
		t.Errorf("errors = %d", e.Stats().Errors)
	}

	e.Disconnect()
	if e.Stats().Connected {
		t.Error("still connected after Disconnect")
	}
	e.Emit(Event{Type: EventSessionEnded}) // logged, not returned
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":        "tcp://localhost:1883",
		"tcp://broker:1883":     "tcp://broker:1883",
		"ssl://secure.lan:8883": "ssl://secure.lan:8883",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q) = %q", in, got)
		}
	}
}
