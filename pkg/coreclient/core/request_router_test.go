package core

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

func testRouter(n int) (*RequestRouter, []*PeerSession) {
	bus := NewEventBus(testLogger())
	cfg := testConfig(n, time.Hour)
	peers := make([]*PeerSession, n)
	for i, ep := range cfg.Computors {
		peers[i] = NewPeerSession(ep, types.DefaultReconnectTimeout, testLogger(), bus, nil)
	}
	router := NewRequestRouter(peers, cfg, testLogger(), nil)
	for i := range peers {
		router.MarkOpen(i)
	}
	return router, peers
}

func TestRequestRouterMissingCorrelationField(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	_, err := router.SendCommand(context.Background(), types.Envelope{Command: types.CmdIdentityNonce})
	if err != ErrMissingCorrelationField {
		t.Fatalf("err = %v, want ErrMissingCorrelationField", err)
	}
}

func TestRequestRouterCoalescesIdenticalPendingRequests(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	env := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1"}
	future1, err := router.SendCommand(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	future2, err := router.SendCommand(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if future1 != future2 {
		t.Fatal("two identical concurrent requests must share one future")
	}
}

func TestRequestRouterResolvesOnQuorum(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	env := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1"}
	future, err := router.SendCommand(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reply := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1", IdentityNonce: 9}
	raw, err := reply.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	router.HandleInbound(0, reply, raw)
	router.HandleInbound(1, reply, raw)

	select {
	case res := <-future:
		if res.Err != nil {
			t.Fatalf("unexpected error in result: %v", res.Err)
		}
		if res.Reply.IdentityNonce != 9 {
			t.Fatalf("IdentityNonce = %d, want 9", res.Reply.IdentityNonce)
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}
}

func TestRequestRouterResolvesWithAgreeingSlotNotFirstFilled(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	env := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1"}
	future, err := router.SendCommand(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	minority := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1", IdentityNonce: 1}
	minorityRaw, err := minority.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	majority := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1", IdentityNonce: 9}
	majorityRaw, err := majority.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	// Peer 0 is the minority reply; peers 1 and 2 agree on the majority
	// value. The resolved reply must come from the agreeing group, not
	// from peer 0 just because it answered first.
	router.HandleInbound(0, minority, minorityRaw)
	router.HandleInbound(1, majority, majorityRaw)
	router.HandleInbound(2, majority, majorityRaw)

	select {
	case res := <-future:
		if res.Err != nil {
			t.Fatalf("unexpected error in result: %v", res.Err)
		}
		if res.Reply.IdentityNonce != 9 {
			t.Fatalf("IdentityNonce = %d, want 9 (the agreeing value)", res.Reply.IdentityNonce)
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}
}

func TestRequestRouterRejectsOnDisagreement(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	env := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1"}
	future, err := router.SendCommand(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, nonce := range []uint64{1, 2, 3} {
		reply := types.Envelope{Command: types.CmdIdentityNonce, Identity: "ID1", IdentityNonce: nonce}
		raw, err := reply.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		router.HandleInbound(i, reply, raw)
	}

	select {
	case res := <-future:
		if res.Err != ErrInvalidResponses {
			t.Fatalf("err = %v, want ErrInvalidResponses", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("future never resolved")
	}
}

func TestRequestRouterTransferSubmissionIsFireAndForget(t *testing.T) {
	defer goleak.VerifyNone(t)
	router, _ := testRouter(3)

	future, err := router.SendCommand(context.Background(), types.Envelope{Command: types.CmdSubmitTransfer, Message: "deadbeef"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if future != nil {
		t.Fatal("transfer submission must not return a future")
	}
}
