package core

import (
	"context"
	"sync"

	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// EnvironmentListener receives the raw data payload of a command-5
// streaming frame for the digest it was registered against.
type EnvironmentListener func(data []byte)

// SubscriptionHandle identifies one registered listener for Unsubscribe.
type SubscriptionHandle struct {
	digest string
	id     uint64
}

type environmentTopic struct {
	listeners map[uint64]EnvironmentListener
}

// EnvironmentSubscriptions implements the Environment Subscription
// entity of spec.md §3: a ref-counted set of listeners per
// environment digest, backed by the streaming command-5/6 wire
// protocol of spec.md §6. Unlike RequestRouter's pending requests,
// a subscription has no single resolving reply — command 5 replies
// arrive as an open-ended stream, so this type keeps its own digest
// keyed listener sets instead of going through the router.
type EnvironmentSubscriptions struct {
	mutex sync.Mutex

	topics map[string]*environmentTopic
	nextID uint64

	peers  []*PeerSession
	router *RequestRouter
	bus    *EventBus
	log    types.Logger
}

// NewEnvironmentSubscriptions builds an empty subscription set that
// broadcasts over peers and reuses router's first-open barrier.
func NewEnvironmentSubscriptions(peers []*PeerSession, router *RequestRouter, bus *EventBus, log types.Logger) *EnvironmentSubscriptions {
	return &EnvironmentSubscriptions{
		topics: make(map[string]*environmentTopic),
		peers:  peers,
		router: router,
		bus:    bus,
		log:    log,
	}
}

// Subscribe registers listener against digest. The first subscriber
// for a digest triggers a command-5 broadcast to every peer; later
// subscribers to an already-subscribed digest only bump the ref
// count (spec.md §3 "reference-counted by listener count").
func (e *EnvironmentSubscriptions) Subscribe(ctx context.Context, digest string, listener EnvironmentListener) (SubscriptionHandle, error) {
	if err := e.router.awaitAllOpen(ctx); err != nil {
		return SubscriptionHandle{}, err
	}

	e.mutex.Lock()
	topic, found := e.topics[digest]
	first := !found
	if !found {
		topic = &environmentTopic{listeners: make(map[uint64]EnvironmentListener)}
		e.topics[digest] = topic
	}
	e.nextID++
	id := e.nextID
	topic.listeners[id] = listener
	e.mutex.Unlock()

	if first {
		e.broadcast(types.CmdSubscribeEnvironment, digest)
	}
	return SubscriptionHandle{digest: digest, id: id}, nil
}

// Unsubscribe removes handle's listener. Once a digest's listener
// count drops to zero, this sends the command-6 unsubscribe
// broadcast (spec.md §3 "last removal sends unsubscribe") and drops
// the topic entirely.
func (e *EnvironmentSubscriptions) Unsubscribe(handle SubscriptionHandle) {
	e.mutex.Lock()
	topic, found := e.topics[handle.digest]
	if !found {
		e.mutex.Unlock()
		return
	}
	delete(topic.listeners, handle.id)
	last := len(topic.listeners) == 0
	if last {
		delete(e.topics, handle.digest)
	}
	e.mutex.Unlock()

	if last {
		e.broadcast(types.CmdUnsubscribeEnvironment, handle.digest)
	}
}

func (e *EnvironmentSubscriptions) broadcast(cmd types.Command, digest string) {
	env := types.Envelope{Command: cmd, EnvironmentDigest: digest}
	data, err := env.Marshal()
	if err != nil {
		e.log.Warnf("marshaling environment command %d for %s: %v", cmd, digest, err)
		return
	}
	for _, p := range e.peers {
		if err := p.Send(data); err != nil {
			e.log.Warnf("broadcast of environment command %d for %s to %s failed: %v", cmd, digest, p.Endpoint(), err)
		}
	}
}

// HandleData fans an inbound command-5 data frame out to every
// listener registered for env.EnvironmentDigest and mirrors it onto
// the event bus as EventEnvironmentData. A digest with no registered
// listeners is dropped silently: command 5 is a push stream with no
// pending-request correlation to reject against.
func (e *EnvironmentSubscriptions) HandleData(env types.Envelope) {
	e.mutex.Lock()
	topic, found := e.topics[env.EnvironmentDigest]
	var listeners []EnvironmentListener
	if found {
		listeners = make([]EnvironmentListener, 0, len(topic.listeners))
		for _, l := range topic.listeners {
			listeners = append(listeners, l)
		}
	}
	e.mutex.Unlock()
	if !found {
		return
	}

	for _, l := range listeners {
		e.invoke(l, env.Data)
	}

	e.bus.Emit(types.Event{Name: types.EventEnvironmentData, EnvironmentDigest: env.EnvironmentDigest, Data: env.Data})
}

func (e *EnvironmentSubscriptions) invoke(l EnvironmentListener, data []byte) {
	defer func() {
		if rec := recover(); rec != nil && e.log != nil {
			e.log.Errorf("environment listener panicked: %v", rec)
		}
	}()
	l(data)
}
