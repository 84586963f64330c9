package actor

import (
	"testing"
)

// fakeChild confirms cleanup synchronously unless told to hold it.
type fakeChild struct {
	id          string
	generation  int
	unreffed    bool
	holdCleanup bool
	pendingDone func()
}

func (c *fakeChild) OnUnreferenced(done func()) {
	c.unreffed = true
	if c.holdCleanup {
		c.pendingDone = done
		return
	}
	done()
}

// inlinePostback runs manager postbacks synchronously; fine for tests, where
// everything happens on one goroutine.
func inlinePostback(name string, fn func() error) {
	_ = fn()
}

func newTestRefManager(holdCleanup bool) (*RefManager[*fakeChild], *[]string) {
	started := []string{}
	generation := 0
	m := NewRefManager(
		"test",
		func(id string) *fakeChild {
			generation++
			return &fakeChild{id: id, generation: generation, holdCleanup: holdCleanup}
		},
		func(id string, obj *fakeChild) {
			started = append(started, id)
		},
		inlinePostback,
	)
	return m, &started
}

func TestRefManagerLifecycle(t *testing.T) {
	m, started := newTestRefManager(false)

	obj := m.GetAndIncref("a")
	if obj == nil || !m.IsStartingOrLive("a") {
		t.Fatal("expected live object after incref")
	}
	if len(*started) != 1 || (*started)[0] != "a" {
		t.Errorf("expected onStarted callback once, got %v", *started)
	}

	// Second incref reuses the same object and doesn't restart it.
	if again := m.GetAndIncref("a"); again != obj {
		t.Error("expected same object from second incref")
	}
	if len(*started) != 1 {
		t.Errorf("expected no second start, got %v", *started)
	}

	m.Decref("a")
	if obj.unreffed {
		t.Error("object unreferenced while a ref remained")
	}
	m.Decref("a")
	if !obj.unreffed {
		t.Error("object not told it was unreferenced at zero refs")
	}
	if m.IsStartingOrLive("a") {
		t.Error("object still live after last decref")
	}
	if len(m.LiveAndStopping()) != 0 {
		t.Error("object still tracked after cleanup completed")
	}
}

func TestRefManagerStoppingStillTracked(t *testing.T) {
	m, _ := newTestRefManager(true)

	obj := m.GetAndIncref("a")
	m.Decref("a")
	if !obj.unreffed {
		t.Fatal("expected unreference")
	}
	// Cleanup hasn't been confirmed: sweeps must still see the object.
	if got := m.LiveAndStopping(); len(got) != 1 || got[0] != obj {
		t.Errorf("expected stopping object to be tracked, got %v", got)
	}
	if m.IsStartingOrLive("a") {
		t.Error("stopping object should not count as live")
	}

	obj.pendingDone()
	if len(m.LiveAndStopping()) != 0 {
		t.Error("object still tracked after cleanup confirmation")
	}
}

func TestRefManagerRestartWhileStopping(t *testing.T) {
	m, _ := newTestRefManager(true)

	first := m.GetAndIncref("a")
	m.Decref("a")

	// Incref while the old instance is still stopping starts a fresh one.
	second := m.GetAndIncref("a")
	if second == first {
		t.Fatal("expected a fresh instance while the old one is stopping")
	}
	if second.generation != 2 {
		t.Errorf("expected second generation, got %d", second.generation)
	}
	if got := m.LiveAndStopping(); len(got) != 2 {
		t.Errorf("expected both instances tracked, got %d", len(got))
	}

	// Old instance's cleanup completing must not disturb the new one.
	first.pendingDone()
	if !m.IsStartingOrLive("a") {
		t.Error("new instance lost when old one finished cleaning up")
	}
	if got := m.LiveAndStopping(); len(got) != 1 || got[0] != second {
		t.Errorf("expected only the new instance tracked, got %v", got)
	}
}

func TestRefManagerDecrefWithoutRefPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on decref with no references")
		}
	}()
	m, _ := newTestRefManager(false)
	m.Decref("never-increffed")
}
