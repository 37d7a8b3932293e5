// Package crypto declares the two opaque cryptographic collaborators
// spec.md §1/§6 places out of scope for the core: schnorrq-variant
// Ed25519 signature verification and the KangarooTwelve extendable
// output hash. The core never implements these itself; it only calls
// through these interfaces, which a caller wires to whatever real
// implementation the surrounding client/library layer uses.
package crypto

// SchnorrqVerifier verifies a 64-byte schnorrq signature over message
// against a 32-byte public key, returning true iff valid.
type SchnorrqVerifier interface {
	Verify(publicKey [32]byte, message []byte, signature [64]byte) bool
}

// K12Hasher is the KangarooTwelve extendable-output hash collaborator.
type K12Hasher interface {
	// Sum writes outLen bytes of XOF output derived from input.
	Sum(input []byte, outLen int) []byte
}

// VerifierFunc adapts a plain function to SchnorrqVerifier.
type VerifierFunc func(publicKey [32]byte, message []byte, signature [64]byte) bool

func (f VerifierFunc) Verify(publicKey [32]byte, message []byte, signature [64]byte) bool {
	return f(publicKey, message, signature)
}

// HasherFunc adapts a plain function to K12Hasher.
type HasherFunc func(input []byte, outLen int) []byte

func (f HasherFunc) Sum(input []byte, outLen int) []byte {
	return f(input, outLen)
}

// NeverVerifies is a stand-in SchnorrqVerifier that always rejects. It
// exists only so the Sync Tracker can be constructed and tested without
// a real crypto collaborator wired in; production callers must supply
// their own schnorrq.Verify binding.
var NeverVerifies SchnorrqVerifier = VerifierFunc(func([32]byte, []byte, [64]byte) bool {
	return false
})
