package core

import (
	"sync"

	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// EventBus is a multi-listener publish/subscribe hub for the event set
// of spec.md §4.6: info, open, close, error, inclusion, rejection, and
// environment-data. Listeners are invoked synchronously, in
// registration order; a listener that panics is isolated so later
// listeners and future emissions are unaffected.
type EventBus struct {
	mutex     sync.Mutex
	listeners map[types.EventName][]*registration
	nextID    uint64
	log       types.Logger
}

type registration struct {
	id uint64
	fn types.Listener
}

// ListenerHandle identifies one registered listener for RemoveListener.
type ListenerHandle struct {
	name types.EventName
	id   uint64
}

// NewEventBus creates an empty bus.
func NewEventBus(log types.Logger) *EventBus {
	return &EventBus{
		listeners: make(map[types.EventName][]*registration),
		log:       log,
	}
}

// AddListener registers fn for events named name and returns a handle
// usable with RemoveListener.
func (b *EventBus) AddListener(name types.EventName, fn types.Listener) ListenerHandle {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.nextID++
	id := b.nextID
	b.listeners[name] = append(b.listeners[name], &registration{id: id, fn: fn})
	return ListenerHandle{name: name, id: id}
}

// RemoveListener detaches a previously registered listener. Safe to
// call more than once or with a stale handle.
func (b *EventBus) RemoveListener(handle ListenerHandle) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	regs := b.listeners[handle.name]
	for i, r := range regs {
		if r.id == handle.id {
			b.listeners[handle.name] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Emit invokes every listener registered for ev.Name, in registration
// order, isolating any panic to the offending listener.
func (b *EventBus) Emit(ev types.Event) {
	b.mutex.Lock()
	regs := append([]*registration(nil), b.listeners[ev.Name]...)
	b.mutex.Unlock()

	for _, r := range regs {
		b.invoke(r, ev)
	}
}

func (b *EventBus) invoke(r *registration, ev types.Event) {
	defer func() {
		if rec := recover(); rec != nil && b.log != nil {
			b.log.Errorf("event listener for %s panicked: %v", ev.Name, rec)
		}
	}()
	r.fn(ev)
}
