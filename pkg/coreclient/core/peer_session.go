package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// outstandingEntry is one currently-unresolved request's wire bytes,
// kept in insertion order so PeerSession can replay them on reconnect
// (spec.md §3 Peer.outstanding_requests, §4.2 "replay every currently-
// outstanding request in insertion order").
type outstandingEntry struct {
	key   string
	bytes []byte
}

// PeerSession owns one persistent, message-framed websocket connection
// to a single configured endpoint (spec.md §4.2). Its state machine is
// Connecting -> Open -> (Closing | Failed) -> ReconnectPending ->
// Connecting, with a fixed-interval reconnect timer and no backoff
// (spec.md §9, preserved verbatim as a documented scope decision).
//
// Dial/read-loop/keepalive shape is grounded on
// other_examples/f82399fb_Snider-Mining__pkg-node-transport.go.go,
// adapted from a server-accepting transport to a client dialing a
// single fixed endpoint.
type PeerSession struct {
	mutex sync.Mutex

	endpoint string
	options  map[string]string

	reconnectDelay time.Duration
	log            types.Logger
	bus            *EventBus
	metrics        *metrics.Registry

	state       types.PeerSocketState
	conn        *websocket.Conn
	writeMutex  sync.Mutex
	outstanding []outstandingEntry
	onMessage   func([]byte)

	terminated bool
	ctx        context.Context
	cancel     context.CancelFunc
	invoker    Invoker
}

// NewPeerSession constructs a session for endpoint. Call Open to begin
// connecting.
func NewPeerSession(endpoint types.ComputorEndpoint, reconnectDelay time.Duration, log types.Logger, bus *EventBus, m *metrics.Registry) *PeerSession {
	if reconnectDelay <= 0 {
		reconnectDelay = types.DefaultReconnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerSession{
		endpoint:       endpoint.URL,
		options:        endpoint.Options,
		reconnectDelay: reconnectDelay,
		log:            log,
		bus:            bus,
		metrics:        m,
		state:          types.StateConnecting,
		ctx:            ctx,
		cancel:         cancel,
		invoker:        NewInvoker(),
	}
}

// Endpoint returns the configured URL.
func (p *PeerSession) Endpoint() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.endpoint
}

// SetEndpoint terminates and reopens the session against url, but only
// if it actually differs from the current endpoint (spec.md §4.2).
func (p *PeerSession) SetEndpoint(newURL string) {
	p.mutex.Lock()
	changed := newURL != p.endpoint
	p.mutex.Unlock()
	if !changed {
		return
	}
	p.Terminate()
	p.mutex.Lock()
	p.endpoint = newURL
	p.terminated = false
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.state = types.StateConnecting
	p.mutex.Unlock()
	p.Open()
}

// OnMessage registers the callback invoked for every inbound frame
// that parses as a well-formed envelope.
func (p *PeerSession) OnMessage(cb func([]byte)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.onMessage = cb
}

// Open begins the connect loop. Safe to call once per session (or
// again after Terminate, via SetEndpoint).
func (p *PeerSession) Open() {
	p.invoker.Spawn(p.connectLoop)
}

// Terminate detaches the close callback before closing so no reconnect
// fires (spec.md §4.2 "On Terminate: detach the close callback before
// closing so no reconnect fires; drop reconnect timer"), then closes
// the socket. Outstanding requests are left as-is; they are the Request
// Router's responsibility.
func (p *PeerSession) Terminate() {
	p.mutex.Lock()
	if p.terminated {
		p.mutex.Unlock()
		return
	}
	p.terminated = true
	conn := p.conn
	p.conn = nil
	p.mutex.Unlock()

	p.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send transmits the frame if the session is Open. If it is not, the
// frame is dropped and Send returns nil; Send keeps no buffer of its
// own. Only frames registered with AddOutstanding are sent on the next
// Open transition.
func (p *PeerSession) Send(data []byte) error {
	p.mutex.Lock()
	conn := p.conn
	state := p.state
	p.mutex.Unlock()
	if state != types.StateOpen || conn == nil {
		// Buffered implicitly: the caller is expected to have already
		// registered the bytes via AddOutstanding, which replays on
		// the next Open transition.
		return nil
	}
	return p.writeFrame(conn, data)
}

func (p *PeerSession) writeFrame(conn *websocket.Conn, data []byte) error {
	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// AddOutstanding records key/bytes as an outstanding request so it
// survives reconnects and is replayed in insertion order on every Open
// transition. If key is already outstanding, this is a no-op (the
// Request Router only calls this once per pending request key).
func (p *PeerSession) AddOutstanding(key string, data []byte) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, e := range p.outstanding {
		if e.key == key {
			return
		}
	}
	p.outstanding = append(p.outstanding, outstandingEntry{key: key, bytes: data})
}

// RemoveOutstanding drops key from the replay buffer, called once the
// Request Router resolves or rejects the corresponding pending
// request.
func (p *PeerSession) RemoveOutstanding(key string) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for i, e := range p.outstanding {
		if e.key == key {
			p.outstanding = append(p.outstanding[:i:i], p.outstanding[i+1:]...)
			return
		}
	}
}

// State returns the current lifecycle state.
func (p *PeerSession) State() types.PeerSocketState {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.state
}

// connectLoop dials, reads until failure, and reschedules itself after
// reconnectDelay, until Terminate cancels the context.
func (p *PeerSession) connectLoop() {
	for {
		if p.isTerminated() {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(p.currentContext(), p.endpoint, nil)
		if err != nil {
			p.log.Warnf("peer %s dial failed: %v", p.endpoint, err)
			p.bus.Emit(types.Event{Name: types.EventError, Endpoint: p.endpoint, Err: err})
			if !p.awaitReconnect() {
				return
			}
			continue
		}

		p.mutex.Lock()
		p.conn = conn
		p.state = types.StateOpen
		replay := append([]outstandingEntry(nil), p.outstanding...)
		p.mutex.Unlock()

		p.bus.Emit(types.Event{Name: types.EventOpen, Endpoint: p.endpoint})
		for _, e := range replay {
			if err := p.writeFrame(conn, e.bytes); err != nil {
				p.log.Warnf("peer %s replay of %s failed: %v", p.endpoint, e.key, err)
			}
		}

		p.readLoop(conn)

		if p.isTerminated() {
			return
		}
		p.bus.Emit(types.Event{Name: types.EventClose, Endpoint: p.endpoint})
		if p.metrics != nil {
			p.metrics.ReconnectsTotal.WithLabelValues(p.endpoint).Inc()
		}
		if !p.awaitReconnect() {
			return
		}
	}
}

func (p *PeerSession) isTerminated() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.terminated
}

func (p *PeerSession) currentContext() context.Context {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.ctx
}

// awaitReconnect waits reconnectDelay before the next dial attempt,
// returning false if Terminate fired meanwhile.
func (p *PeerSession) awaitReconnect() bool {
	p.mutex.Lock()
	p.state = types.StateReconnectPending
	ctx := p.ctx
	delay := p.reconnectDelay
	p.mutex.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		p.mutex.Lock()
		p.state = types.StateConnecting
		p.mutex.Unlock()
		return true
	}
}

// readLoop reads frames until the connection fails or a frame fails to
// parse, in which case the socket is closed and reconnect handles
// cleanup (spec.md §4.2 "a malformed frame implies peer/protocol
// corruption; forcing a reconnect is simpler than partial-state
// recovery").
func (p *PeerSession) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !isWellFormedFrame(data) {
			p.log.Warnf("peer %s sent a malformed frame, closing", p.endpoint)
			_ = conn.Close()
			return
		}
		p.mutex.Lock()
		cb := p.onMessage
		p.mutex.Unlock()
		if cb != nil {
			cb(data)
		}
	}
}

func isWellFormedFrame(data []byte) bool {
	var probe struct {
		Command *types.Command `json:"command"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Command != nil
}
