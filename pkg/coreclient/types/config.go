package types

import "time"

// ComputorEndpoint is one of the N configured peer endpoints
// (spec.md §6 "computors").
type ComputorEndpoint struct {
	URL     string
	Options map[string]string
}

// Configuration is the connection-core configuration surface of
// spec.md §6. N is len(Computors); the core is built for N=3 but the
// quorum threshold is derived from N rather than hardcoded, so the
// same code generalizes if N changes (spec.md §4.4 rationale).
type Configuration struct {
	Computors []ComputorEndpoint

	// SynchronizationInterval is the watchdog period: if no verified
	// info arrives within this long, sync is demoted to 0.
	SynchronizationInterval time.Duration

	// AdminPublicKey is the 32-byte schnorrq public key that signs
	// command-0 (epoch, tick) broadcasts.
	AdminPublicKey [32]byte

	// ReconnectTimeoutDuration is the fixed peer-session reconnect
	// delay. Default 100ms, no backoff (spec.md §4.2, §9).
	ReconnectTimeoutDuration time.Duration
}

// DefaultReconnectTimeout matches spec.md §4.2's documented default.
const DefaultReconnectTimeout = 100 * time.Millisecond

// N returns the configured peer count.
func (c Configuration) N() int {
	return len(c.Computors)
}

// QuorumThreshold is floor(N/2)+1, generalizing the explicit N=3
// threshold of 2 named in spec.md §4.4.
func (c Configuration) QuorumThreshold() int {
	return c.N()/2 + 1
}

// ClientConfiguration adds the client-layer collaborator inputs
// (identity derivation seed/index, durable outbox location) that sit
// above the connection core (spec.md §6).
type ClientConfiguration struct {
	Configuration

	Seed  string
	Index uint32

	// DBPath is used when NewClient is given a nil store, to open the
	// default bbolt-backed outbox. If a store is passed, DBPath is
	// ignored.
	DBPath string
}
