package session

import (
	"sync"
	"testing"
	"testing/quick"
)

func TestGate_Exclusive(t *testing.T) {
	g := NewGate()

	if !g.TryAcquire("a") || !g.TryAcquire("a") {
		t.Fatal("same id must be admitted twice")
	}
	if g.TryAcquire("b") {
		t.Fatal("second id admitted while first is active")
	}

	info, ok := g.Active()
	if !ok || info.ID != "a" || info.StartedAt.IsZero() {
		t.Errorf("Active() = %+v, %v", info, ok)
	}

	g.Release("b") // not the holder
	if info, _ := g.Active(); info.ID != "a" {
		t.Error("release by non-holder cleared the gate")
	}

	g.Release("a")
	g.Release("a")
	if _, ok := g.Active(); ok {
		t.Error("gate still active after release")
	}
	if !g.TryAcquire("b") {
		t.Error("b not admitted after a released")
	}
}

// For any sequence of acquire/release calls the gate behaves like a single
// optional slot.
func TestGate_Property_SingleSlot(t *testing.T) {
	type op struct {
		Release bool
		ID      uint8
	}
	f := func(ops []op) bool {
		g := NewGate()
		var holder *string

		for _, o := range ops {
			id := string(rune('a' + o.ID%4))
			if o.Release {
				g.Release(id)
				if holder != nil && *holder == id {
					holder = nil
				}
				continue
			}

			got := g.TryAcquire(id)
			want := holder == nil || *holder == id
			if got != want {
				return false
			}
			if got {
				holder = &id
			}

			info, ok := g.Active()
			if ok != (holder != nil) || (ok && info.ID != *holder) {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestGate_ConcurrentAcquire(t *testing.T) {
	g := NewGate()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted []string
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if g.TryAcquire(id) {
				mu.Lock()
				admitted = append(admitted, id)
				mu.Unlock()
			}
		}(string(rune('A' + i)))
	}
	wg.Wait()

	if len(admitted) != 1 {
		t.Errorf("admitted %v, want exactly one", admitted)
	}
}
