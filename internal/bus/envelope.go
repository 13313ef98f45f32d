package bus

// Envelope is the single wire message type carried over a peer's
// bidirectional gRPC stream. A peer connection multiplexes calls, replies
// and signals over this one stream, matching spec.md §5 ("one bus-dispatch
// point that delivers inbound calls/replies/signals to registered
// handlers").
type Envelope struct {
	// Kind distinguishes the three message shapes of spec.md §2.
	Kind EnvelopeKind `json:"kind"`

	// CallID correlates a Reply to its Call; zero for Signal envelopes.
	CallID uint64 `json:"call_id,omitempty"`

	// Path, Interface, Method address a call or a signal (spec.md §6).
	Path      string `json:"path,omitempty"`
	Interface string `json:"interface,omitempty"`
	Method    string `json:"method,omitempty"`

	// Args carries the variant argument vector (a{sv}-shaped) for a Call or
	// a Signal.
	Args map[string]any `json:"args,omitempty"`

	// Reply carries the variant result vector for a Reply.
	Reply map[string]any `json:"reply,omitempty"`

	// ErrKind/ErrMsg carry a typed failure for a Reply (signals never carry
	// errors per spec.md §7 — operational failures are reported via state).
	ErrKind string `json:"err_kind,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`

	// SenderName is the bus name of the peer that sent this envelope,
	// populated by the server on delivery (analogous to a dbus sender
	// field), used for name-owner tracking (spec.md §3 "Lifecycle").
	SenderName string `json:"sender_name,omitempty"`
}

// EnvelopeKind is the discriminator for Envelope.Kind.
type EnvelopeKind string

const (
	KindCall   EnvelopeKind = "call"
	KindReply  EnvelopeKind = "reply"
	KindSignal EnvelopeKind = "signal"
	// KindHello is the first envelope a peer sends on connect, announcing
	// its bus name (an agent's hostname, or a generated client name).
	KindHello EnvelopeKind = "hello"
)
