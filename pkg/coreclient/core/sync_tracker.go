package core

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/qubic-go/coreclient/pkg/coreclient/crypto"
	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

// SyncTracker consumes signed (epoch, tick) broadcasts from each peer,
// verifies the admin signature, and decides the current synchronization
// level 0..N (spec.md §4.3). A watchdog demotes the level to 0 if no
// verified progress arrives within SynchronizationInterval.
type SyncTracker struct {
	mutex sync.Mutex

	n                int
	verifier         crypto.SchnorrqVerifier
	adminPublicKey   [32]byte
	watchdogInterval time.Duration

	perPeer             []Slot
	latestSyncLevel     int
	latestProgressAt    time.Time

	bus     *EventBus
	log     types.Logger
	metrics *metrics.Registry

	cancel context.CancelFunc
}

// NewSyncTracker builds a tracker for an N-peer configuration.
func NewSyncTracker(cfg types.Configuration, verifier crypto.SchnorrqVerifier, bus *EventBus, log types.Logger, m *metrics.Registry) *SyncTracker {
	return &SyncTracker{
		n:                cfg.N(),
		verifier:         verifier,
		adminPublicKey:   cfg.AdminPublicKey,
		watchdogInterval: cfg.SynchronizationInterval,
		perPeer:          make([]Slot, cfg.N()),
		latestProgressAt: time.Now(),
		bus:              bus,
		log:              log,
		metrics:          m,
	}
}

// Start arms the watchdog; it fires every watchdogInterval until ctx is
// cancelled or Stop is called.
func (t *SyncTracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mutex.Lock()
	t.cancel = cancel
	t.mutex.Unlock()
	go t.watchdog(ctx)
}

// Stop cancels the watchdog.
func (t *SyncTracker) Stop() {
	t.mutex.Lock()
	cancel := t.cancel
	t.mutex.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SyncLevel returns the current agreed sync level.
func (t *SyncTracker) SyncLevel() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.latestSyncLevel
}

// adminSignedPayload builds the exact 6-byte buffer the admin key
// signs: big-endian epoch (4 bytes) at offset 0, big-endian tick
// (2 bytes) at offset 4 (spec.md §4.3/§6).
func adminSignedPayload(epoch uint32, tick uint16) []byte {
	buf := make([]byte, 6)
	binary.BigEndian.PutUint32(buf[0:4], epoch)
	binary.BigEndian.PutUint16(buf[4:6], tick)
	return buf
}

// HandleInfo processes one command-0 frame received from peer index i.
// Verification failures are dropped silently — spec.md §4.3/§7: "a
// lying peer does not advance sync", and it must not be credited with
// progress.
func (t *SyncTracker) HandleInfo(peerIndex int, env types.Envelope) {
	sigBytes, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil || len(sigBytes) != 64 {
		return
	}
	var sig [64]byte
	copy(sig[:], sigBytes)

	payload := adminSignedPayload(env.Epoch, env.Tick)
	if !t.verifier.Verify(t.adminPublicKey, payload, sig) {
		return
	}

	t.mutex.Lock()
	if peerIndex < 0 || peerIndex >= len(t.perPeer) {
		t.mutex.Unlock()
		return
	}
	t.perPeer[peerIndex] = payload
	q := QuorumSize(t.perPeer)

	var emit *types.Event
	if q > t.latestSyncLevel {
		t.latestSyncLevel = q
		t.latestProgressAt = time.Now()
		emit = &types.Event{Name: types.EventInfo, SyncStatus: q, Epoch: env.Epoch, Tick: env.Tick}
	}
	if q == t.n {
		for i := range t.perPeer {
			t.perPeer[i] = nil
		}
		t.latestSyncLevel = 0
	}
	t.mutex.Unlock()

	if t.metrics != nil {
		t.metrics.SyncLevel.Set(float64(q))
	}
	if emit != nil {
		t.bus.Emit(*emit)
	}
}

// watchdog resets sync to 0 and emits info{0} if no verified progress
// has landed within watchdogInterval, rearming unconditionally
// (spec.md §4.3).
func (t *SyncTracker) watchdog(ctx context.Context) {
	if t.watchdogInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkLiveness()
		}
	}
}

func (t *SyncTracker) checkLiveness() {
	t.mutex.Lock()
	stale := time.Since(t.latestProgressAt) > t.watchdogInterval
	if stale {
		t.latestSyncLevel = 0
		for i := range t.perPeer {
			t.perPeer[i] = nil
		}
	}
	t.mutex.Unlock()

	if stale {
		if t.metrics != nil {
			t.metrics.SyncLevel.Set(0)
		}
		t.bus.Emit(types.Event{Name: types.EventInfo, SyncStatus: 0})
	}
}
