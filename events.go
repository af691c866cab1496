package kiera

import "sync"

// Handler receives the event's arguments; the leading args are documented
// per event name (typically new value, then old fields).
type Handler func(args ...interface{})

type listenerEntry struct {
	fn   Handler
	once bool
}

// Emitter is the client's listener fan-out. Emission is synchronous and
// preserves wire order within a shard: a dispatched event reaches every
// listener before the next frame is demultiplexed.
type Emitter struct {
	mu        sync.Mutex
	listeners map[string][]*listenerEntry
}

func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]*listenerEntry)}
}

// On registers fn for event and returns its removal function.
func (e *Emitter) On(event string, fn Handler) (remove func()) {
	entry := &listenerEntry{fn: fn}
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], entry)
	e.mu.Unlock()
	return func() { e.remove(event, entry) }
}

// Once registers fn for a single delivery.
func (e *Emitter) Once(event string, fn Handler) (remove func()) {
	entry := &listenerEntry{fn: fn, once: true}
	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], entry)
	e.mu.Unlock()
	return func() { e.remove(event, entry) }
}

func (e *Emitter) remove(event string, entry *listenerEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, l := range ls {
		if l == entry {
			e.listeners[event] = append(ls[:i], ls[i+1:]...)
			return
		}
	}
}

// ListenerCount reports registered listeners for event.
func (e *Emitter) ListenerCount(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Emit calls every listener registered for event in registration order.
func (e *Emitter) Emit(event string, args ...interface{}) {
	e.mu.Lock()
	ls := e.listeners[event]
	snapshot := make([]*listenerEntry, len(ls))
	copy(snapshot, ls)
	var kept []*listenerEntry
	for _, l := range ls {
		if !l.once {
			kept = append(kept, l)
		}
	}
	e.listeners[event] = kept
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(args...)
	}
}
