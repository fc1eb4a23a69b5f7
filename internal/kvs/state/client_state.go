package state

import kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"

// ClientState is the client-level provisioning/auth state referenced by
// spec §3 ("Client state machine: client-level provisioning/auth state,
// leaf-linked to streams"). It gates whether a Client may create or ready
// new streams independent of any individual stream's own handshake.
type ClientState int

const (
	ClientStateNew ClientState = iota
	ClientStateProvisioning
	ClientStateReady
	ClientStateStopping
	ClientStateStopped
)

func (s ClientState) String() string {
	switch s {
	case ClientStateNew:
		return "New"
	case ClientStateProvisioning:
		return "Provisioning"
	case ClientStateReady:
		return "Ready"
	case ClientStateStopping:
		return "Stopping"
	case ClientStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

var clientAccept = map[ClientState]acceptMask{
	ClientStateNew:          maskOf(clientStates(ClientStateNew)...),
	ClientStateProvisioning: maskOf(clientStates(ClientStateNew, ClientStateProvisioning)...),
	ClientStateReady:        maskOf(clientStates(ClientStateProvisioning, ClientStateReady)...),
	ClientStateStopping:     maskOf(clientStates(ClientStateReady, ClientStateProvisioning, ClientStateStopping)...),
	ClientStateStopped:      maskOf(clientStates(ClientStateStopping, ClientStateStopped)...),
}

// clientStates adapts maskOf (built for StreamState) to ClientState by
// reusing the same bit positions; the two enums never mix in one mask.
func clientStates(states ...ClientState) []StreamState {
	out := make([]StreamState, len(states))
	for i, s := range states {
		out[i] = StreamState(s)
	}
	return out
}

// ClientMachine drives a Client's own provisioning/auth lifecycle,
// independent of (and a prerequisite for) any individual Stream's
// handshake. Not safe for concurrent use — the owning Client serializes
// calls under its streamListLock (spec §5 lock order).
type ClientMachine struct {
	current ClientState
}

// NewClientMachine constructs a ClientMachine in ClientStateNew.
func NewClientMachine() *ClientMachine { return &ClientMachine{current: ClientStateNew} }

// Current reports the machine's current state.
func (m *ClientMachine) Current() ClientState { return m.current }

// Transition attempts to move the machine to next.
func (m *ClientMachine) Transition(next ClientState) error {
	mask, ok := clientAccept[next]
	if !ok || !mask.accepts(StreamState(m.current)) {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "state.ClientMachine.Transition", nil)
	}
	m.current = next
	return nil
}
