// Package transform runs pluggable frame transformers (segmentation,
// recognition, overlays) on preview frames. Transformers never see the
// capture loop: they receive fully shaped frames sampled from the ring
// buffer and return a new frame plus a debug line.
package transform

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/swongvsa/high-speed-camera-testing/internal/frame"
)

// Transformer returns an annotated copy of f and a short debug string.
// Implementations must not modify f's pixels.
type Transformer interface {
	Transform(f frame.Frame) (frame.Frame, string)
}

// Func adapts a function to Transformer.
type Func func(f frame.Frame) (frame.Frame, string)

func (fn Func) Transform(f frame.Frame) (frame.Frame, string) { return fn(f) }

// ErrUnknownStep is returned when toggling a step the chain does not have.
var ErrUnknownStep = errors.New("transform: unknown step")

// StepStatus describes one step for status reporting.
type StepStatus struct {
	Name     string         `json:"name"`
	Enabled  bool           `json:"enabled"`
	External *ExternalStats `json:"external,omitempty"`
}

type step struct {
	name string
	t    Transformer
}

// Chain applies transformers in order. Steps can be toggled at runtime.
type Chain struct {
	mu       sync.RWMutex
	steps    []step
	disabled map[string]bool
}

// NewChain returns an empty chain.
func NewChain() *Chain {
	return &Chain{disabled: make(map[string]bool)}
}

// Add appends t under name.
func (c *Chain) Add(name string, t Transformer) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step{name: name, t: t})
	return c
}

// SetEnabled toggles the named step.
func (c *Chain) SetEnabled(name string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for _, s := range c.steps {
		if s.name == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q (have %v)", ErrUnknownStep, name, c.namesLocked())
	}
	if enabled {
		delete(c.disabled, name)
	} else {
		c.disabled[name] = true
	}
	return nil
}

// Names returns the step names in order.
func (c *Chain) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

func (c *Chain) namesLocked() []string {
	names := make([]string, len(c.steps))
	for i, s := range c.steps {
		names[i] = s.name
	}
	return names
}

// Status returns every step in order with its enabled flag.
func (c *Chain) Status() []StepStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]StepStatus, len(c.steps))
	for i, s := range c.steps {
		out[i] = StepStatus{Name: s.name, Enabled: !c.disabled[s.name]}
		if ext, ok := s.t.(*External); ok {
			st := ext.Stats()
			out[i].External = &st
		}
	}
	return out
}

// Close closes every step that holds resources.
func (c *Chain) Close() error {
	c.mu.RLock()
	steps := append([]step(nil), c.steps...)
	c.mu.RUnlock()

	var errs []error
	for _, s := range steps {
		if cl, ok := s.t.(io.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Apply runs every enabled step. A step that panics or returns a zero frame
// is skipped and its input passes through unchanged.
func (c *Chain) Apply(f frame.Frame) (frame.Frame, []string) {
	c.mu.RLock()
	steps := make([]step, 0, len(c.steps))
	for _, s := range c.steps {
		if !c.disabled[s.name] {
			steps = append(steps, s)
		}
	}
	c.mu.RUnlock()

	var debug []string
	for _, s := range steps {
		out, msg, err := run(s, f)
		if err != nil {
			slog.Warn("transform: step failed, passing frame through", "step", s.name, "seq", f.Sequence(), "error", err)
			continue
		}
		f = out
		if msg != "" {
			debug = append(debug, s.name+": "+msg)
		}
	}
	return f, debug
}

func run(s step, in frame.Frame) (out frame.Frame, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	out, msg = s.t.Transform(in)
	if out.IsZero() {
		return in, "", fmt.Errorf("returned an empty frame")
	}
	return out, msg, nil
}
