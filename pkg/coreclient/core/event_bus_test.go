package core

import (
	"testing"

	"github.com/sirupsen/logrus"
	"go.uber.org/goleak"

	"github.com/qubic-go/coreclient/pkg/coreclient/definition"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

func testLogger() types.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return definition.NewLogrus(l)
}

func TestEventBusDeliversToAllListeners(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(testLogger())
	var gotA, gotB types.Event
	bus.AddListener(types.EventOpen, func(ev types.Event) { gotA = ev })
	bus.AddListener(types.EventOpen, func(ev types.Event) { gotB = ev })

	bus.Emit(types.Event{Name: types.EventOpen, Endpoint: "wss://a"})

	if gotA.Endpoint != "wss://a" || gotB.Endpoint != "wss://a" {
		t.Fatalf("not all listeners received the event: %+v %+v", gotA, gotB)
	}
}

func TestEventBusRemoveListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(testLogger())
	calls := 0
	handle := bus.AddListener(types.EventClose, func(ev types.Event) { calls++ })

	bus.Emit(types.Event{Name: types.EventClose})
	bus.RemoveListener(handle)
	bus.Emit(types.Event{Name: types.EventClose})

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestEventBusIsolatesPanickingListener(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(testLogger())
	bus.AddListener(types.EventError, func(ev types.Event) { panic("boom") })
	secondCalled := false
	bus.AddListener(types.EventError, func(ev types.Event) { secondCalled = true })

	bus.Emit(types.Event{Name: types.EventError})

	if !secondCalled {
		t.Fatal("second listener should still run after the first panics")
	}
}

func TestEventBusUnrelatedEventNameIgnored(t *testing.T) {
	defer goleak.VerifyNone(t)

	bus := NewEventBus(testLogger())
	called := false
	bus.AddListener(types.EventOpen, func(ev types.Event) { called = true })

	bus.Emit(types.Event{Name: types.EventClose})

	if called {
		t.Fatal("listener for a different event name must not be invoked")
	}
}
