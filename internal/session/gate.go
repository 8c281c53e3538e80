package session

import (
	"log/slog"
	"sync"
	"time"
)

// Info identifies the viewer that owns the camera.
type Info struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

// Gate admits at most one viewer at a time. It does no I/O, so it can turn
// a second viewer away before any camera is touched.
type Gate struct {
	mu     sync.Mutex
	active *Info
	now    func() time.Time
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// TryAcquire admits id if the gate is free or already held by id.
// It never blocks and never fails for any other reason.
func (g *Gate) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil {
		g.active = &Info{ID: id, StartedAt: g.now()}
		slog.Info("session: viewer admitted", "viewer_id", id)
		return true
	}
	if g.active.ID == id {
		return true
	}

	slog.Warn("session: viewer blocked, camera held by another viewer",
		"viewer_id", id,
		"active_id", g.active.ID,
	)
	return false
}

// Release frees the gate if id holds it. Unknown ids are ignored.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active == nil || g.active.ID != id {
		return
	}
	slog.Info("session: viewer released",
		"viewer_id", id,
		"held_for", g.now().Sub(g.active.StartedAt),
	)
	g.active = nil
}

// Active returns the current holder.
func (g *Gate) Active() (Info, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return Info{}, false
	}
	return *g.active, true
}
