package core

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/qubic-go/coreclient/pkg/coreclient/crypto"
	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/storage"
	"github.com/qubic-go/coreclient/pkg/coreclient/transfer"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// Client is the orchestrator: it owns one PeerSession per configured
// computor, a SyncTracker, a RequestRouter, an OutboxMonitor, an
// EnvironmentSubscriptions, and the EventBus all of them publish to and
// consume from. There is no single actor loop: each component guards
// its own state with a mutex, and inbound frames are handled on the
// receiving peer's read goroutine. Every inbound frame is dispatched
// here by command: command 0 goes to the SyncTracker, command 5 goes to
// the EnvironmentSubscriptions, everything else goes to the
// RequestRouter.
type Client struct {
	cfg types.ClientConfiguration

	bus     *EventBus
	peers   []*PeerSession
	sync    *SyncTracker
	router  *RequestRouter
	outbox  *OutboxMonitor
	envSubs *EnvironmentSubscriptions
	store   storage.DurableStore
	builder transfer.Builder

	log     types.Logger
	metrics *metrics.Registry

	mutex   sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// NewClient wires every collaborator together but does not start
// connecting; call Start for that. verifier/builder/store are the
// collaborators spec.md §6 places out of scope for the core itself; a
// nil store opens the default bbolt-backed outbox at cfg.DBPath.
func NewClient(cfg types.ClientConfiguration, verifier crypto.SchnorrqVerifier, builder transfer.Builder, store storage.DurableStore, log types.Logger, reg *metrics.Registry) (*Client, error) {
	if cfg.N() == 0 {
		return nil, fmt.Errorf("coreclient: configuration has no computors")
	}
	if store == nil {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("coreclient: no durable store and no DBPath configured")
		}
		store = storage.NewBoltOutbox(cfg.DBPath)
	}

	bus := NewEventBus(log)
	peers := make([]*PeerSession, cfg.N())
	for i, ep := range cfg.Computors {
		peers[i] = NewPeerSession(ep, cfg.ReconnectTimeoutDuration, log, bus, reg)
	}

	router := NewRequestRouter(peers, cfg.Configuration, log, reg)
	tracker := NewSyncTracker(cfg.Configuration, verifier, bus, log, reg)
	outbox := NewOutboxMonitor(store, router, bus, log, reg, cfg.N()-1)
	envSubs := NewEnvironmentSubscriptions(peers, router, bus, log)

	c := &Client{
		cfg:     cfg,
		bus:     bus,
		peers:   peers,
		sync:    tracker,
		router:  router,
		outbox:  outbox,
		envSubs: envSubs,
		store:   store,
		builder: builder,
		log:     log,
		metrics: reg,
	}

	for i, p := range peers {
		idx := i
		peer := p
		peer.OnMessage(func(raw []byte) {
			c.dispatch(idx, raw)
		})
	}

	return c, nil
}

// Bus exposes the event bus so callers can subscribe to info, open,
// close, error, inclusion, rejection, and environment-data events
// (spec.md §4.6).
func (c *Client) Bus() *EventBus {
	return c.bus
}

// SyncLevel returns the current agreed synchronization level, 0..N.
func (c *Client) SyncLevel() int {
	return c.sync.SyncLevel()
}

// Start opens every peer session, arms the sync watchdog, and replays
// the outbox's durable entries. It must be called exactly once.
func (c *Client) Start(ctx context.Context) error {
	c.mutex.Lock()
	if c.started {
		c.mutex.Unlock()
		return fmt.Errorf("coreclient: client already started")
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mutex.Unlock()

	if err := c.store.Open(); err != nil {
		return fmt.Errorf("coreclient: opening durable store: %w", err)
	}
	if err := c.outbox.Start(ctx); err != nil {
		return fmt.Errorf("coreclient: starting outbox monitor: %w", err)
	}

	c.sync.Start(ctx)

	for i, p := range c.peers {
		idx := i
		peer := p
		c.bus.AddListener(types.EventOpen, func(ev types.Event) {
			if ev.Endpoint == peer.Endpoint() {
				c.router.MarkOpen(idx)
			}
		})
		peer.Open()
	}

	return nil
}

// Terminate shuts down every peer session and stops the sync watchdog.
// The durable outbox is left open for a subsequent process to resume
// from (Close is the caller's responsibility once Terminate returns).
func (c *Client) Terminate() {
	c.mutex.Lock()
	cancel := c.cancel
	c.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
	c.sync.Stop()
	for _, p := range c.peers {
		p.Terminate()
	}
}

// Close releases the durable outbox's underlying file handle. Call
// after Terminate.
func (c *Client) Close() error {
	return c.store.Close()
}

func (c *Client) dispatch(peerIndex int, raw []byte) {
	env, err := types.Unmarshal(raw)
	if err != nil {
		c.log.Warnf("dropping unparseable frame from peer %d: %v", peerIndex, err)
		return
	}
	switch env.Command {
	case types.CmdInfo:
		c.sync.HandleInfo(peerIndex, env)
	case types.CmdSubscribeEnvironment:
		c.envSubs.HandleData(env)
	default:
		c.router.HandleInbound(peerIndex, env, raw)
	}
}

// Query issues a correlated, quorum-resolved command (commands 1, 2, 4,
// 6) and blocks until quorum is reached, all replies disagree, or ctx
// is cancelled. Inbound command-5 frames are dispatched to the
// environment subscriptions, not the router, so a command-5 Query only
// returns when ctx is cancelled.
func (c *Client) Query(ctx context.Context, env types.Envelope) (types.Envelope, error) {
	future, err := c.router.SendCommand(ctx, env)
	if err != nil {
		return types.Envelope{}, err
	}
	select {
	case res := <-future:
		return res.Reply, res.Err
	case <-ctx.Done():
		return types.Envelope{}, ctx.Err()
	}
}

// SubmitTransfer builds a transfer via the configured Builder, writes
// it to the durable outbox ahead of submission, then broadcasts command
// 3 fire-and-forget (spec.md §4.5).
func (c *Client) SubmitTransfer(ctx context.Context, req types.TransferRequest) (types.TransferResult, error) {
	result, err := c.builder.Build(req)
	if err != nil {
		return types.TransferResult{}, err
	}

	entry := types.OutboxEntry{
		Digest:    result.MessageDigest,
		Message:   result.Message,
		Signature: result.Signature,
	}
	if err := c.outbox.Put(ctx, entry); err != nil {
		return types.TransferResult{}, fmt.Errorf("coreclient: write-ahead outbox entry: %w", err)
	}

	_, err = c.router.SendCommand(ctx, types.Envelope{
		Command:   types.CmdSubmitTransfer,
		Message:   base64.StdEncoding.EncodeToString(result.Message),
		Signature: base64.StdEncoding.EncodeToString(result.Signature),
	})
	if err != nil {
		return types.TransferResult{}, err
	}
	return result, nil
}

// SubscribeEnvironment registers listener against the streaming
// command-5 topic identified by digest, broadcasting a subscribe
// frame to every peer the first time digest gains a listener
// (spec.md §3/§6).
func (c *Client) SubscribeEnvironment(ctx context.Context, digest string, listener EnvironmentListener) (SubscriptionHandle, error) {
	return c.envSubs.Subscribe(ctx, digest, listener)
}

// UnsubscribeEnvironment detaches handle, broadcasting a command-6
// unsubscribe frame once digest's last listener is removed.
func (c *Client) UnsubscribeEnvironment(handle SubscriptionHandle) {
	c.envSubs.Unsubscribe(handle)
}
