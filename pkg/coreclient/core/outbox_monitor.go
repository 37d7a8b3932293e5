package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/storage"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// OutboxMonitor is the durable map from transfer digest to serialized
// transfer of spec.md §4.5. Every outstanding digest gets an info
// listener that stays attached until the digest is observed included;
// each time sync reaches full N-of-N agreement it issues a command-4
// status poll and reacts to the reply.
type OutboxMonitor struct {
	mutex sync.Mutex

	store     storage.DurableStore
	router    *RequestRouter
	bus       *EventBus
	log       types.Logger
	metrics   *metrics.Registry
	threshold int // gate: syncStatus > threshold

	listeners map[string]ListenerHandle
}

// NewOutboxMonitor builds a monitor. threshold should be cfg.N()-1, so
// the gate fires only on full N-of-N sync (spec.md §4.5's "the source
// uses strictly greater than 2, meaning full N=3 sync only; preserve
// that").
func NewOutboxMonitor(store storage.DurableStore, router *RequestRouter, bus *EventBus, log types.Logger, m *metrics.Registry, threshold int) *OutboxMonitor {
	return &OutboxMonitor{
		store:     store,
		router:    router,
		bus:       bus,
		log:       log,
		metrics:   m,
		threshold: threshold,
		listeners: make(map[string]ListenerHandle),
	}
}

// Start re-installs listeners for every entry already in the durable
// store at launch (spec.md §4.5 "existing entries at launch").
func (m *OutboxMonitor) Start(ctx context.Context) error {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return err
	}
	for k := range keys {
		m.watch(string(k))
	}
	return nil
}

// Put performs the write-ahead durable record before the caller submits
// command 3 (spec.md §4.5 "a crash between durable write and network
// send can be retried; a crash before write loses only an unreplicated
// attempt").
func (m *OutboxMonitor) Put(ctx context.Context, entry types.OutboxEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := m.store.Put(ctx, []byte(entry.Digest), value); err != nil {
		return err
	}
	m.watch(entry.Digest)
	return nil
}

// Forget detaches the listener and deletes the entry outright. Not
// called automatically on rejection (see SPEC_FULL.md §9); exposed so
// a caller that wants different behavior than the documented hazard
// can opt in after observing one rejection event.
func (m *OutboxMonitor) Forget(digest string) {
	m.detach(digest)
	_ = m.store.Delete(context.Background(), []byte(digest))
}

func (m *OutboxMonitor) watch(digest string) {
	handle := m.bus.AddListener(types.EventInfo, func(ev types.Event) {
		if ev.SyncStatus <= m.threshold {
			return
		}
		m.poll(digest)
	})
	m.mutex.Lock()
	m.listeners[digest] = handle
	m.mutex.Unlock()
}

func (m *OutboxMonitor) detach(digest string) {
	m.mutex.Lock()
	handle, ok := m.listeners[digest]
	delete(m.listeners, digest)
	m.mutex.Unlock()
	if ok {
		m.bus.RemoveListener(handle)
	}
}

func (m *OutboxMonitor) poll(digest string) {
	ctx := context.Background()
	future, err := m.router.SendCommand(ctx, types.Envelope{
		Command:       types.CmdTransferStatus,
		MessageDigest: digest,
	})
	if err != nil {
		m.log.Warnf("outbox status poll for %s failed to send: %v", digest, err)
		return
	}

	go func() {
		result := <-future
		if result.Err != nil {
			m.log.Warnf("outbox status poll for %s rejected: %v", digest, result.Err)
			return
		}
		m.handleStatusReply(digest, result.Reply)
	}()
}

func (m *OutboxMonitor) handleStatusReply(digest string, reply types.Envelope) {
	switch {
	case reply.InclusionState != nil && *reply.InclusionState:
		m.detach(digest)
		if err := m.store.Delete(context.Background(), []byte(digest)); err != nil {
			m.log.Errorf("failed to evict included outbox entry %s: %v", digest, err)
		}
		if m.metrics != nil {
			m.metrics.InclusionsTotal.Inc()
		}
		m.bus.Emit(types.Event{
			Name:          types.EventInclusion,
			MessageDigest: digest,
			Inclusion:     true,
			Tick:          reply.Tick,
			Epoch:         reply.Epoch,
		})
	case reply.Reason != "":
		// Deliberately does not delete the entry or detach the listener:
		// the documented hazard of spec.md §9 is preserved verbatim, so
		// rejection repeats on every future full-sync transition until a
		// caller calls Forget.
		if m.metrics != nil {
			m.metrics.RejectionsTotal.Inc()
		}
		m.bus.Emit(types.Event{
			Name:          types.EventRejection,
			MessageDigest: digest,
			Reason:        reply.Reason,
		})
	default:
		// Neither included nor rejected yet; keep the listener attached
		// for the next sync transition.
	}
}
