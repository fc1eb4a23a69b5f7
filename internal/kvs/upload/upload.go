// Package upload implements the upload-handle lifecycle of spec §4.6:
// each outbound streaming HTTP request is represented by an
// UploadHandleInfo whose state advances only via getStreamData calls and
// ACK events, enabling graceful rotation across a streaming-token refresh
// (spec scenario S2).
package upload

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
)

// State is one UploadHandleInfo lifecycle state.
type State int

const (
	StateNew State = iota
	StateReady
	StateStreaming
	StateTerminating
	StateAwaitingAck
	StateAckReceived
	StateTerminated
	StateError
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateReady:
		return "Ready"
	case StateStreaming:
		return "Streaming"
	case StateTerminating:
		return "Terminating"
	case StateAwaitingAck:
		return "AwaitingAck"
	case StateAckReceived:
		return "AckReceived"
	case StateTerminated:
		return "Terminated"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Info is one upload handle's mutable lifecycle record.
type Info struct {
	Handle               handle.Handle
	CreatedAt            time.Time
	StreamStartTimestamp time.Duration // captured lazily, on first served byte
	streamStartCaptured  bool
	LastFragmentTs       time.Duration
	LastPersistedAckTs   time.Duration
	State                State
	AckEnabled           bool
}

// Table is the ordered list of a stream's upload handles (spec §3: "Upload
// handle table"). At most one handle may be Streaming at a time (spec
// invariant §8.5); the table validates each handle's own transitions only,
// and the stream runtime enforces the cross-handle invariant.
type Table struct {
	mu      sync.Mutex
	order   []handle.Handle
	byID    map[handle.Handle]*Info
	limiter *rate.Limiter // transfer-rate limiter shared across handles
}

// NewTable constructs an empty Table. If bytesPerSecond > 0, GetStreamData
// callers should call Allow(n) to pace delivery against it; 0 disables
// rate limiting.
func NewTable(bytesPerSecond int) *Table {
	t := &Table{byID: make(map[handle.Handle]*Info)}
	if bytesPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)
	}
	return t
}

// Allow reports whether n bytes may be sent right now under the transfer
// rate limit (no-op, always true, if no limit was configured).
func (t *Table) Allow(n int) bool {
	if t.limiter == nil {
		return true
	}
	return t.limiter.AllowN(time.Now(), n)
}

// Create registers a new handle in state New, per a successful
// putStreamResult (spec §4.6 event handlers).
func (t *Table) Create(h handle.Handle, ackEnabled bool, now time.Time) *Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := &Info{Handle: h, CreatedAt: now, State: StateNew, AckEnabled: ackEnabled}
	t.byID[h] = info
	t.order = append(t.order, h)
	return info
}

// Get returns the Info for h, if present.
func (t *Table) Get(h handle.Handle) (*Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byID[h]
	return info, ok
}

// StreamingHandle returns the handle currently in state Streaming, if any
// (spec invariant: at most one per stream).
func (t *Table) StreamingHandle() (*Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.order {
		if info := t.byID[h]; info.State == StateStreaming {
			return info, true
		}
	}
	return nil, false
}

// NextReady returns the oldest handle in state Ready or New, the candidate
// to promote to Streaming once the current Streaming handle steps down.
func (t *Table) NextReady() (*Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, h := range t.order {
		info := t.byID[h]
		if info.State == StateReady || info.State == StateNew {
			return info, true
		}
	}
	return nil, false
}

// Advance transitions h to next, validating the transition is forward-only
// along the lifecycle New -> Ready -> Streaming -> {Terminating,
// AwaitingAck} -> {AckReceived, Terminated} -> Terminated, with Error
// reachable from any non-terminal state.
func (t *Table) Advance(h handle.Handle, next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byID[h]
	if !ok {
		return kvserrors.NewKind(kvserrors.KindInvalidArgument, "upload.Advance", nil)
	}
	if !validTransition(info.State, next) {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "upload.Advance", nil)
	}
	info.State = next
	return nil
}

func validTransition(from, to State) bool {
	if to == StateError {
		return from != StateTerminated
	}
	switch from {
	case StateNew:
		return to == StateReady || to == StateStreaming
	case StateReady:
		return to == StateStreaming
	case StateStreaming:
		return to == StateTerminating || to == StateAwaitingAck || to == StateTerminated
	case StateTerminating:
		return to == StateTerminated
	case StateAwaitingAck:
		return to == StateAckReceived || to == StateTerminated
	case StateAckReceived:
		return to == StateTerminated
	default:
		return false
	}
}

// CaptureStreamStart records ts as the handle's stream-start timestamp the
// first time it serves data (used to translate relative ACK timestamps);
// subsequent calls are no-ops.
func (info *Info) CaptureStreamStart(ts time.Duration) {
	if info.streamStartCaptured {
		return
	}
	info.StreamStartTimestamp = ts
	info.streamStartCaptured = true
}

// StreamStartCaptured reports whether CaptureStreamStart has run for this
// handle, i.e. whether it ever served a byte (the connection-state
// indicator spec §4.6 calls InUse).
func (info *Info) StreamStartCaptured() bool {
	return info.streamStartCaptured
}

// Delete removes h from the table. Per spec §3, only valid once h is
// Terminated and has been served a terminal getStreamData.
func (t *Table) Delete(h handle.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.byID[h]
	if !ok {
		return nil
	}
	if info.State != StateTerminated && info.State != StateError {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "upload.Delete", nil)
	}
	delete(t.byID, h)
	for i, id := range t.order {
		if id == h {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of tracked handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}
