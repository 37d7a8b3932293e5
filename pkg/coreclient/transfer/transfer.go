// Package transfer declares the transfer-build collaborator of
// spec.md §6. Byte-layout and signing are out of scope for the core
// (spec.md §1); this package only states the interface the core
// consumes.
package transfer

import "github.com/qubic-go/coreclient/pkg/coreclient/types"

// Builder constructs and signs a transfer from a caller-supplied
// request that already carries the identity nonce and energy it needs
// (spec.md's command 1/2 queries happen before Build is called, via
// the Request Router, by the client layer — not by Builder).
type Builder interface {
	Build(req types.TransferRequest) (types.TransferResult, error)
}

// BuilderFunc adapts a plain function to Builder.
type BuilderFunc func(req types.TransferRequest) (types.TransferResult, error)

func (f BuilderFunc) Build(req types.TransferRequest) (types.TransferResult, error) {
	return f(req)
}
