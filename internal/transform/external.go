package transform

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// MaxMessageSize bounds one framed message. A 4K RGB frame is ~25 MB.
const MaxMessageSize = 64 << 20

const (
	defaultExternalTimeout = 500 * time.Millisecond
	externalStopTimeout    = 2 * time.Second
)

// ErrMessageTooLarge is returned when a length prefix exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("transform: message exceeds size limit")

// Request is sent to an external transformer for every preview frame.
type Request struct {
	Width     int     `msgpack:"width"`
	Height    int     `msgpack:"height"`
	Channels  int     `msgpack:"channels"`
	Seq       uint64  `msgpack:"seq"`
	Timestamp float64 `msgpack:"timestamp"`
	Pixels    []byte  `msgpack:"pixels"`
}

// Response is the reply to one Request. Empty Pixels leaves the frame
// unchanged; Channels 0 keeps the input channel count.
type Response struct {
	Pixels   []byte `msgpack:"pixels"`
	Channels int    `msgpack:"channels"`
	Debug    string `msgpack:"debug"`
	Error    string `msgpack:"error"`
}

// WriteMessage writes v as msgpack behind a 4-byte big-endian length prefix.
func WriteMessage(w io.Writer, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("transform: marshal: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	prefix := make([]byte, 4)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	if _, err := w.Write(prefix); err != nil {
		return fmt.Errorf("transform: write length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("transform: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed msgpack message into v. A clean end
// of stream before the prefix returns io.EOF.
func ReadMessage(r io.Reader, v interface{}) error {
	prefix := make([]byte, 4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix)
	if n > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("transform: read message: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("transform: unmarshal: %w", err)
	}
	return nil
}

// ExternalConfig describes a transformer process.
type ExternalConfig struct {
	Name    string
	Command string
	Args    []string
	Env     []string      // Appended to the service environment
	Timeout time.Duration // Per-frame round trip (default: 500ms)
}

// ExternalStats reports the process health.
type ExternalStats struct {
	Frames   uint64 `json:"frames"`
	Failures uint64 `json:"failures"`
	Starts   uint64 `json:"starts"`
	Running  bool   `json:"running"`
}

// External runs frames through a child process speaking length-prefixed
// msgpack on stdin and stdout. The process is started on the first frame
// and restarted after it exits, times out or breaks the protocol. Frames
// are handled one at a time.
type External struct {
	cfg ExternalConfig

	mu     sync.Mutex
	proc   *process
	closed bool

	frames   atomic.Uint64
	failures atomic.Uint64
	starts   atomic.Uint64
}

var _ Transformer = (*External)(nil)

type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	exited chan struct{}
	wg     sync.WaitGroup
}

// NewExternal validates cfg. No process is started until the first frame.
func NewExternal(cfg ExternalConfig) (*External, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("transform: external %q: command is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultExternalTimeout
	}
	return &External{cfg: cfg}, nil
}

// Transform sends f to the process and returns its reply. Any failure
// returns the zero frame so the chain passes f through.
func (e *External) Transform(f frame.Frame) (frame.Frame, string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return frame.Frame{}, ""
	}
	out, msg, err := e.roundTrip(f)
	if err != nil {
		e.failures.Add(1)
		slog.Warn("transform: external step failed",
			"step", e.cfg.Name,
			"seq", f.Sequence(),
			"error", err,
		)
		return frame.Frame{}, ""
	}
	e.frames.Add(1)
	return out, msg
}

func (e *External) roundTrip(f frame.Frame) (frame.Frame, string, error) {
	if e.proc != nil {
		select {
		case <-e.proc.exited:
			e.proc = nil
		default:
		}
	}
	if e.proc == nil {
		p, err := e.spawn()
		if err != nil {
			return frame.Frame{}, "", err
		}
		e.proc = p
	}
	p := e.proc

	req := Request{
		Width:     f.Width(),
		Height:    f.Height(),
		Channels:  f.Channels(),
		Seq:       f.Sequence(),
		Timestamp: f.Timestamp(),
		Pixels:    f.Pixels(),
	}

	type result struct {
		resp Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if r.err = WriteMessage(p.stdin, req); r.err == nil {
			r.err = ReadMessage(p.stdout, &r.resp)
		}
		done <- r
	}()

	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	var r result
	select {
	case r = <-done:
	case <-timer.C:
		// The stream is out of step once a reply is late.
		e.stop(p)
		e.proc = nil
		return frame.Frame{}, "", fmt.Errorf("no reply within %s, process restarted", e.cfg.Timeout)
	}
	if r.err != nil {
		e.stop(p)
		e.proc = nil
		return frame.Frame{}, "", r.err
	}

	resp := r.resp
	if resp.Error != "" {
		return frame.Frame{}, "", fmt.Errorf("process reported: %s", resp.Error)
	}
	if len(resp.Pixels) == 0 {
		return f, resp.Debug, nil
	}
	channels := resp.Channels
	if channels == 0 {
		channels = f.Channels()
	}
	out, err := frame.New(resp.Pixels, f.Width(), f.Height(), channels, frame.Meta{
		Timestamp: f.Timestamp(),
		Sequence:  f.Sequence(),
		TraceID:   f.TraceID(),
	})
	if err != nil {
		return frame.Frame{}, "", err
	}
	return out, resp.Debug, nil
}

func (e *External) spawn() (*process, error) {
	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", e.cfg.Command, err)
	}
	e.starts.Add(1)

	p := &process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		exited: make(chan struct{}),
	}

	slog.Info("transform: external process started",
		"step", e.cfg.Name,
		"pid", cmd.Process.Pid,
	)

	p.wg.Add(1)
	go e.logStderr(p, stderr)

	go func() {
		// Pipes must be drained before Wait.
		p.wg.Wait()
		err := cmd.Wait()
		close(p.exited)
		if err != nil {
			slog.Debug("transform: external process exited", "step", e.cfg.Name, "error", err)
		}
	}()
	return p, nil
}

// logStderr maps "[LEVEL]" markers in the child's log lines onto slog levels.
func (e *External) logStderr(p *process, r io.Reader) {
	defer p.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("transform: external process error", "step", e.cfg.Name, "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("transform: external process warning", "step", e.cfg.Name, "log", line)
		default:
			slog.Debug("transform: external process log", "step", e.cfg.Name, "log", line)
		}
	}
}

// stop closes stdin so the process can exit on its own, then kills it
// after externalStopTimeout.
func (e *External) stop(p *process) {
	p.stdin.Close()
	select {
	case <-p.exited:
		return
	case <-time.After(externalStopTimeout):
	}

	slog.Warn("transform: external process did not exit, killing", "step", e.cfg.Name)
	if err := p.cmd.Process.Kill(); err != nil {
		slog.Error("transform: kill external process", "step", e.cfg.Name, "error", err)
	}
	<-p.exited
}

// Stats returns a snapshot of the counters.
func (e *External) Stats() ExternalStats {
	e.mu.Lock()
	running := e.proc != nil
	e.mu.Unlock()
	return ExternalStats{
		Frames:   e.frames.Load(),
		Failures: e.failures.Load(),
		Starts:   e.starts.Load(),
		Running:  running,
	}
}

// Close stops the process. Later frames pass through untouched.
func (e *External) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.proc != nil {
		e.stop(e.proc)
		e.proc = nil
	}
	return nil
}
