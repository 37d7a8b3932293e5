package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

type memStore struct {
	mutex sync.Mutex
	data  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Open() error  { return nil }
func (s *memStore) Close() error { return nil }

func (s *memStore) Put(_ context.Context, key, value []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, key []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.data, string(key))
	return nil
}

func (s *memStore) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.data[string(key)], nil
}

func (s *memStore) Keys(ctx context.Context) (<-chan []byte, error) {
	s.mutex.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	s.mutex.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, k := range keys {
			select {
			case out <- []byte(k):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *memStore) has(key string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, ok := s.data[key]
	return ok
}

func TestOutboxMonitorPutInstallsListenerAndPersists(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	bus := NewEventBus(testLogger())
	monitor := NewOutboxMonitor(store, nil, bus, testLogger(), nil, 2)

	entry := types.OutboxEntry{Digest: "deadbeef", Message: []byte("msg"), Signature: []byte("sig")}
	if err := monitor.Put(context.Background(), entry); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if !store.has("deadbeef") {
		t.Fatal("entry was not persisted")
	}
	monitor.mutex.Lock()
	_, ok := monitor.listeners["deadbeef"]
	monitor.mutex.Unlock()
	if !ok {
		t.Fatal("Put() must install a listener for the new digest")
	}
}

func TestOutboxMonitorStartLoadsExistingEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	_ = store.Put(context.Background(), []byte("existing"), []byte(`{}`))

	bus := NewEventBus(testLogger())
	monitor := NewOutboxMonitor(store, nil, bus, testLogger(), nil, 2)

	if err := monitor.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	monitor.mutex.Lock()
	_, ok := monitor.listeners["existing"]
	monitor.mutex.Unlock()
	if !ok {
		t.Fatal("Start() must install a listener for every entry already in the store")
	}
}

func TestOutboxMonitorBelowThresholdDoesNotPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	bus := NewEventBus(testLogger())
	// router is nil: if the gate were wrong this would panic on poll().
	monitor := NewOutboxMonitor(store, nil, bus, testLogger(), nil, 2)

	_ = monitor.Put(context.Background(), types.OutboxEntry{Digest: "deadbeef"})
	bus.Emit(types.Event{Name: types.EventInfo, SyncStatus: 1})

	time.Sleep(10 * time.Millisecond)
	if !store.has("deadbeef") {
		t.Fatal("entry should be untouched below threshold")
	}
}

func TestOutboxMonitorInclusionDeletesAndEmits(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	bus := NewEventBus(testLogger())
	monitor := NewOutboxMonitor(store, nil, bus, testLogger(), nil, 2)
	_ = monitor.Put(context.Background(), types.OutboxEntry{Digest: "deadbeef"})

	var gotInclusion types.Event
	bus.AddListener(types.EventInclusion, func(ev types.Event) { gotInclusion = ev })

	included := true
	monitor.handleStatusReply("deadbeef", types.Envelope{
		Command:        types.CmdTransferStatus,
		MessageDigest:  "deadbeef",
		InclusionState: &included,
		Epoch:          3,
		Tick:           10,
	})

	if store.has("deadbeef") {
		t.Fatal("included entry must be deleted from the durable store")
	}
	if gotInclusion.MessageDigest != "deadbeef" || gotInclusion.Epoch != 3 {
		t.Fatalf("unexpected inclusion event: %+v", gotInclusion)
	}
	monitor.mutex.Lock()
	_, stillListening := monitor.listeners["deadbeef"]
	monitor.mutex.Unlock()
	if stillListening {
		t.Fatal("included entry's listener must be detached")
	}
}

func TestOutboxMonitorRejectionKeepsEntry(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	bus := NewEventBus(testLogger())
	monitor := NewOutboxMonitor(store, nil, bus, testLogger(), nil, 2)
	_ = monitor.Put(context.Background(), types.OutboxEntry{Digest: "deadbeef"})

	var gotRejection types.Event
	bus.AddListener(types.EventRejection, func(ev types.Event) { gotRejection = ev })

	monitor.handleStatusReply("deadbeef", types.Envelope{
		Command:       types.CmdTransferStatus,
		MessageDigest: "deadbeef",
		Reason:        "insufficient energy",
	})

	if !store.has("deadbeef") {
		t.Fatal("a rejected entry must not be deleted, per the documented hazard")
	}
	if gotRejection.Reason != "insufficient energy" {
		t.Fatalf("unexpected rejection event: %+v", gotRejection)
	}
	monitor.mutex.Lock()
	_, stillListening := monitor.listeners["deadbeef"]
	monitor.mutex.Unlock()
	if !stillListening {
		t.Fatal("a rejected entry's listener must remain attached")
	}
}

func TestOutboxMonitorPollsOnceFullSyncIsReached(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newMemStore()
	router, _ := testRouter(3)
	bus := router.peers[0].bus // same bus every peer session shares
	monitor := NewOutboxMonitor(store, router, bus, testLogger(), nil, 2)
	_ = monitor.Put(context.Background(), types.OutboxEntry{Digest: "deadbeef"})

	done := make(chan struct{})
	bus.AddListener(types.EventInclusion, func(ev types.Event) { close(done) })

	bus.Emit(types.Event{Name: types.EventInfo, SyncStatus: 3})

	// Resolve the status query the gate just issued so the monitor's
	// background goroutine can observe a result and exit.
	reply := types.Envelope{Command: types.CmdTransferStatus, MessageDigest: "deadbeef", InclusionState: boolPtr(true)}
	raw, err := reply.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		router.HandleInbound(0, reply, raw)
		router.HandleInbound(1, reply, raw)
		select {
		case <-done:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	t.Fatal("status poll never resolved to an inclusion event")
}

func boolPtr(b bool) *bool { return &b }
