package core

import (
	"context"
	"errors"
	"sync"

	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// ErrInvalidResponses is returned when all N peers replied but no
// subset reached quorum (spec.md §4.4/§7).
var ErrInvalidResponses = errors.New("coreclient: all peers replied without reaching quorum")

// ErrMissingCorrelationField is returned synchronously by SendCommand
// when the payload carries none of identity, messageDigest or
// environmentDigest. spec.md §9 flags the coalescing key as ambiguous
// when a command lacks every correlating field; this module resolves the
// open question by requiring one of them up front instead of silently
// colliding two unrelated in-flight calls that share only the command
// tag (see SPEC_FULL.md §9).
var ErrMissingCorrelationField = errors.New("coreclient: command payload has none of identity, messageDigest, or environmentDigest")

// Result is what a SendCommand future resolves to.
type Result struct {
	Reply types.Envelope
	Err   error
}

type pendingRequest struct {
	key     string
	command types.Command
	slots   []Slot
	future  chan Result
	done    bool
}

// RequestRouter fans logical commands out to every peer session,
// correlates replies by content-derived key, and resolves or rejects
// callers based on the Quorum Comparator (spec.md §4.4).
type RequestRouter struct {
	mutex sync.Mutex

	peers     []*PeerSession
	n         int
	threshold int

	pending map[string]*pendingRequest

	everOpen     []chan struct{}
	everOpenOnce []sync.Once

	log     types.Logger
	metrics *metrics.Registry
}

// NewRequestRouter builds a router over peers, using cfg's derived
// quorum threshold (floor(N/2)+1).
func NewRequestRouter(peers []*PeerSession, cfg types.Configuration, log types.Logger, m *metrics.Registry) *RequestRouter {
	r := &RequestRouter{
		peers:        peers,
		n:            cfg.N(),
		threshold:    cfg.QuorumThreshold(),
		pending:      make(map[string]*pendingRequest),
		everOpen:     make([]chan struct{}, cfg.N()),
		everOpenOnce: make([]sync.Once, cfg.N()),
		log:          log,
		metrics:      m,
	}
	for i := range r.everOpen {
		r.everOpen[i] = make(chan struct{})
	}
	return r
}

// MarkOpen records that peer i has reached Open at least once,
// unblocking any SendCommand waiting on the first-open barrier (spec.md
// §5 "awaiting all peers' first-Open before sending a command").
func (r *RequestRouter) MarkOpen(peerIndex int) {
	if peerIndex < 0 || peerIndex >= len(r.everOpen) {
		return
	}
	r.everOpenOnce[peerIndex].Do(func() {
		close(r.everOpen[peerIndex])
	})
}

func (r *RequestRouter) awaitAllOpen(ctx context.Context) error {
	for _, ch := range r.everOpen {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// SendCommand implements spec.md §4.4. For command 3 (fire-and-forget
// transfer submission) it broadcasts and returns (nil, nil) with no
// future to wait on. For every other command it returns a channel that
// receives exactly one Result once quorum is reached or all N replies
// disagree.
func (r *RequestRouter) SendCommand(ctx context.Context, env types.Envelope) (<-chan Result, error) {
	if err := r.awaitAllOpen(ctx); err != nil {
		return nil, err
	}

	key, ok := env.CorrelationKey()
	if !ok && env.Command != types.CmdSubmitTransfer {
		return nil, ErrMissingCorrelationField
	}

	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	if env.Command == types.CmdSubmitTransfer {
		for _, p := range r.peers {
			if err := p.Send(data); err != nil {
				r.log.Warnf("broadcast of transfer submission to %s failed: %v", p.Endpoint(), err)
			}
		}
		return nil, nil
	}

	r.mutex.Lock()
	if existing, found := r.pending[key]; found {
		r.mutex.Unlock()
		return existing.future, nil
	}
	pr := &pendingRequest{
		key:     key,
		command: env.Command,
		slots:   make([]Slot, r.n),
		future:  make(chan Result, 1),
	}
	r.pending[key] = pr
	r.mutex.Unlock()

	for _, p := range r.peers {
		p.AddOutstanding(key, data)
		if err := p.Send(data); err != nil {
			r.log.Warnf("send to %s failed: %v", p.Endpoint(), err)
		}
	}

	return pr.future, nil
}

// HandleInbound processes a non-info reply received from peer index i.
// raw is the exact bytes as received on the wire; quorum comparison is
// byte-exact over raw, per spec.md §4.1.
func (r *RequestRouter) HandleInbound(peerIndex int, env types.Envelope, raw []byte) {
	key, ok := env.CorrelationKey()
	if !ok {
		return
	}

	r.mutex.Lock()
	pr, found := r.pending[key]
	if !found || pr.done || peerIndex < 0 || peerIndex >= len(pr.slots) {
		r.mutex.Unlock()
		return
	}
	pr.slots[peerIndex] = raw
	agreeing, q := QuorumValue(pr.slots)

	var result *Result
	switch {
	case q >= r.threshold:
		pr.done = true
		reply, decodeErr := decodeEnvelope(agreeing)
		result = &Result{Reply: reply, Err: decodeErr}
		delete(r.pending, key)
	case allFilled(pr.slots):
		pr.done = true
		result = &Result{Err: ErrInvalidResponses}
		delete(r.pending, key)
		if r.metrics != nil {
			r.metrics.QuorumFailuresTotal.Inc()
		}
	}
	r.mutex.Unlock()

	if result != nil {
		for _, p := range r.peers {
			p.RemoveOutstanding(key)
		}
		pr.future <- *result
		close(pr.future)
	}
}

func decodeEnvelope(raw Slot) (types.Envelope, error) {
	return types.Unmarshal(raw)
}

func allFilled(slots []Slot) bool {
	for _, s := range slots {
		if s == nil {
			return false
		}
	}
	return true
}
