package types

import "encoding/json"

// Command is the integer tag carried by every frame on the peer wire
// protocol (spec.md §6).
type Command int

const (
	// CmdInfo is the server-pushed signed (epoch, tick) broadcast.
	CmdInfo Command = 0
	// CmdIdentityNonce requests the current nonce for an identity.
	CmdIdentityNonce Command = 1
	// CmdEnergy requests the current energy (balance) for an identity.
	CmdEnergy Command = 2
	// CmdSubmitTransfer is a fire-and-forget transfer submission.
	CmdSubmitTransfer Command = 3
	// CmdTransferStatus polls the inclusion status of a submitted transfer.
	CmdTransferStatus Command = 4
	// CmdSubscribeEnvironment subscribes to a streaming environment topic.
	CmdSubscribeEnvironment Command = 5
	// CmdUnsubscribeEnvironment tears down an environment subscription.
	CmdUnsubscribeEnvironment Command = 6
)

// Envelope is the canonical representation of a wire frame. Fields are
// tagged `omitempty` since each command only populates a subset; the
// canonical bytes sent over the wire are produced by Marshal. The
// correlation key is derived from the envelope's fields (see
// CorrelationKey), and the quorum comparator's byte-exact equality
// check runs over reply bytes as received.
type Envelope struct {
	Command Command `json:"command"`

	// Command 0 (info, inbound only).
	Epoch uint32 `json:"epoch,omitempty"`
	Tick  uint16 `json:"tick,omitempty"`

	// Commands 1/2 (identity-keyed queries).
	Identity      string `json:"identity,omitempty"`
	IdentityNonce uint64 `json:"identityNonce,omitempty"`
	Energy        uint64 `json:"energy,omitempty"`

	// Command 3 (transfer submission) and command 0 (info): both carry a
	// base64 signature, over the transfer message and the (epoch, tick)
	// payload respectively.
	Message   string `json:"message,omitempty"`
	Signature string `json:"signature,omitempty"`

	// Command 4 (transfer status).
	MessageDigest  string `json:"messageDigest,omitempty"`
	InclusionState *bool  `json:"inclusionState,omitempty"`
	Reason         string `json:"reason,omitempty"`

	// Commands 5/6 (environment subscription).
	EnvironmentDigest string          `json:"environmentDigest,omitempty"`
	Data              json.RawMessage `json:"data,omitempty"`
}

// Marshal produces the canonical wire bytes for this envelope. Byte
// equality on this output is what the Quorum Comparator compares.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses raw wire bytes into an Envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(raw, &e)
	return e, err
}

// CorrelationKey returns the content-derived key used to coalesce
// concurrent identical requests and to correlate inbound replies back
// to a pending request: the command tag plus the first non-empty one of
// Identity, MessageDigest, EnvironmentDigest, in that order. ok is false
// whenever the envelope carries none of those fields, whatever its
// command, in which case the caller must reject rather than risk a
// silent collision (see SPEC_FULL.md §9).
func (e Envelope) CorrelationKey() (key string, ok bool) {
	switch {
	case e.Identity != "":
		return correlationKey(e.Command, e.Identity), true
	case e.MessageDigest != "":
		return correlationKey(e.Command, e.MessageDigest), true
	case e.EnvironmentDigest != "":
		return correlationKey(e.Command, e.EnvironmentDigest), true
	default:
		return "", false
	}
}

func correlationKey(cmd Command, field string) string {
	buf := make([]byte, 0, len(field)+8)
	buf = append(buf, byte(cmd))
	buf = append(buf, '|')
	buf = append(buf, field...)
	return string(buf)
}
