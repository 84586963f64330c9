package actor

import (
	log "github.com/sirupsen/logrus"
)

// RefCounted is implemented by child actors whose lifetime is managed by a
// RefManager.  OnUnreferenced is delivered (via the child's own mailbox) when
// the last reference is dropped; the child must eventually invoke done, at
// which point the manager forgets it.
type RefCounted interface {
	OnUnreferenced(done func())
}

// RefManager owns a set of reference-counted child actors keyed by ID.  It
// is not an actor itself: it must only be accessed from its owning manager's
// goroutine.  Cleanup completions arriving from child goroutines are
// marshalled back via the postback function.
type RefManager[T RefCounted] struct {
	name string

	// create builds and starts a new child for the given ID.
	create func(id string) T
	// onStarted is invoked the first time an object becomes live so the
	// manager can push initial state to it.  May be nil.
	onStarted func(id string, obj T)
	// postback schedules a closure onto the owning manager's goroutine.
	postback func(name string, fn func() error)

	liveByID  map[string]T
	refCounts map[string]int
	// Objects that have been told to clean themselves up but have not yet
	// confirmed.  They must still be counted by cleanup sweeps.  Several
	// generations of the same ID can be stopping at once.
	stoppingByID map[string][]T
}

func NewRefManager[T RefCounted](
	name string,
	create func(id string) T,
	onStarted func(id string, obj T),
	postback func(name string, fn func() error),
) *RefManager[T] {
	return &RefManager[T]{
		name:         name,
		create:       create,
		onStarted:    onStarted,
		postback:     postback,
		liveByID:     map[string]T{},
		refCounts:    map[string]int{},
		stoppingByID: map[string][]T{},
	}
}

// GetAndIncref returns the live child for id, creating and starting it if
// needed.  A stopping instance of the same ID does not block creation; its
// cleanup proceeds independently.
func (m *RefManager[T]) GetAndIncref(id string) T {
	obj, ok := m.liveByID[id]
	if !ok {
		log.WithFields(log.Fields{"manager": m.name, "id": id}).Debug(
			"Creating new reference-counted child")
		obj = m.create(id)
		m.liveByID[id] = obj
		if m.onStarted != nil {
			m.onStarted(id, obj)
		}
	}
	m.refCounts[id]++
	return obj
}

// Decref drops one reference to id.  On the last decref the child is sent
// OnUnreferenced; it stays in the stopping map until it confirms cleanup.
func (m *RefManager[T]) Decref(id string) {
	count, ok := m.refCounts[id]
	if !ok || count <= 0 {
		log.WithFields(log.Fields{"manager": m.name, "id": id}).Panic(
			"Decref of object with no references")
	}
	count--
	if count > 0 {
		m.refCounts[id] = count
		return
	}
	log.WithFields(log.Fields{"manager": m.name, "id": id}).Debug(
		"Reference count now 0, stopping child")
	delete(m.refCounts, id)
	obj := m.liveByID[id]
	delete(m.liveByID, id)
	m.stoppingByID[id] = append(m.stoppingByID[id], obj)
	obj.OnUnreferenced(func() {
		m.postback("cleanup-complete", func() error {
			m.onCleanupComplete(id, obj)
			return nil
		})
	})
}

func (m *RefManager[T]) onCleanupComplete(id string, obj T) {
	log.WithFields(log.Fields{"manager": m.name, "id": id}).Debug(
		"Child cleanup complete")
	stopping := m.stoppingByID[id]
	for i, o := range stopping {
		if any(o) == any(obj) {
			stopping = append(stopping[:i], stopping[i+1:]...)
			break
		}
	}
	if len(stopping) == 0 {
		delete(m.stoppingByID, id)
	} else {
		m.stoppingByID[id] = stopping
	}
}

// IsStartingOrLive reports whether there is a live (possibly still starting)
// child for id.
func (m *RefManager[T]) IsStartingOrLive(id string) bool {
	_, ok := m.liveByID[id]
	return ok
}

// Live returns the live child for id; ok is false if there is none.
func (m *RefManager[T]) Live(id string) (obj T, ok bool) {
	obj, ok = m.liveByID[id]
	return
}

// LiveAndStopping returns every child the manager still knows about: live
// ones and ones that are stopping but have not yet confirmed cleanup.
// Cleanup sweeps must treat the latter as owners of their kernel state.
func (m *RefManager[T]) LiveAndStopping() []T {
	objs := make([]T, 0, len(m.liveByID))
	for _, obj := range m.liveByID {
		objs = append(objs, obj)
	}
	for _, stopping := range m.stoppingByID {
		objs = append(objs, stopping...)
	}
	return objs
}
