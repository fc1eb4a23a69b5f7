// Package state implements the stream-level control-plane state machine of
// spec §4.5: a static table of (state, acceptMask, next, execute,
// retryCount, failureKind) entries driving the describe -> create ->
// tagStream -> getEndpoint -> getToken -> ready -> putStream -> streaming
// handshake, plus the Stopped-state resume mapping and token-rotation
// grace period.
package state

import (
	"context"
	"math/rand"
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
)

// StreamState is one node of the stream control-plane state machine.
type StreamState int

const (
	StreamStateNew StreamState = iota
	StreamStateDescribe
	StreamStateCreate
	StreamStateTagStream
	StreamStateGetEndpoint
	StreamStateGetToken
	StreamStateReady
	StreamStatePutStream
	StreamStateStreaming
	StreamStateStopped
)

func (s StreamState) String() string {
	switch s {
	case StreamStateNew:
		return "New"
	case StreamStateDescribe:
		return "Describe"
	case StreamStateCreate:
		return "Create"
	case StreamStateTagStream:
		return "TagStream"
	case StreamStateGetEndpoint:
		return "GetEndpoint"
	case StreamStateGetToken:
		return "GetToken"
	case StreamStateReady:
		return "Ready"
	case StreamStatePutStream:
		return "PutStream"
	case StreamStateStreaming:
		return "Streaming"
	case StreamStateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// acceptMask is a bitset over StreamState, used to validate that a
// transition into a state is legal from the caller's current state.
type acceptMask uint32

func maskOf(states ...StreamState) acceptMask {
	var m acceptMask
	for _, s := range states {
		m |= 1 << uint(s)
	}
	return m
}

func (m acceptMask) accepts(s StreamState) bool { return m&(1<<uint(s)) != 0 }

// ServiceCallResult classifies the outcome of the most recent service call,
// consulted by the Stopped state's resume mapping.
type ServiceCallResult int

const (
	ResultOK ServiceCallResult = iota
	ResultNotAuthorized
	ResultResourceInUse
	ResultResourceNotFound
	ResultServerInternalError
	ResultTimeout
	ResultAuthGracePeriod
)

// entry is one row of the static state table (spec §4.5/§9).
type entry struct {
	accept     acceptMask
	retryLimit int
	failure    kvserrors.Kind
}

var table = map[StreamState]entry{
	StreamStateNew:         {accept: maskOf(StreamStateNew), retryLimit: 0},
	StreamStateDescribe:    {accept: maskOf(StreamStateNew, StreamStateStopped, StreamStateDescribe), retryLimit: 3, failure: kvserrors.KindInvalidDescribeStreamResponse},
	StreamStateCreate:      {accept: maskOf(StreamStateStopped, StreamStateDescribe, StreamStateCreate), retryLimit: 3, failure: kvserrors.KindInvalidCreateStreamResponse},
	StreamStateTagStream:   {accept: maskOf(StreamStateCreate, StreamStateTagStream), retryLimit: 3, failure: kvserrors.KindServiceCallUnknown},
	StreamStateGetEndpoint: {accept: maskOf(StreamStateDescribe, StreamStateTagStream, StreamStateStopped, StreamStateGetEndpoint), retryLimit: 3, failure: kvserrors.KindServiceCallUnknown},
	StreamStateGetToken:    {accept: maskOf(StreamStateGetEndpoint, StreamStateStopped, StreamStateGetToken), retryLimit: 3, failure: kvserrors.KindInvalidTokenExpiration},
	StreamStateReady:       {accept: maskOf(StreamStateGetToken, StreamStateStopped, StreamStateReady), retryLimit: 0},
	StreamStatePutStream:   {accept: maskOf(StreamStateReady, StreamStatePutStream), retryLimit: 3, failure: kvserrors.KindServiceCallUnknown},
	StreamStateStreaming:   {accept: maskOf(StreamStatePutStream, StreamStateStreaming), retryLimit: 0},
	StreamStateStopped:     {accept: maskOf(StreamStateDescribe, StreamStateCreate, StreamStateTagStream, StreamStateGetEndpoint, StreamStateGetToken, StreamStateReady, StreamStatePutStream, StreamStateStreaming, StreamStateStopped), retryLimit: 0},
}

// Machine drives one stream's control-plane handshake. Not safe for
// concurrent use — the owning Stream serializes calls under its lock.
type Machine struct {
	current      StreamState
	retries      int
	lastResult   ServiceCallResult
	gracePeriod  bool
	tokenExpires time.Time
}

// New constructs a Machine in StreamStateNew.
func New() *Machine {
	return &Machine{current: StreamStateNew}
}

// Current reports the machine's current state.
func (m *Machine) Current() StreamState { return m.current }

// Transition attempts to move the machine to next, validating next's
// accept-mask includes m.current. On success the retry counter resets.
func (m *Machine) Transition(next StreamState) error {
	e, ok := table[next]
	if !ok {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "state.Transition", nil)
	}
	if !e.accept.accepts(m.current) {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "state.Transition", nil)
	}
	m.current = next
	m.retries = 0
	return nil
}

// Fail records a failed attempt to advance out of the current state,
// returning the state's declared error once the retry budget is
// exhausted, or nil if another attempt remains.
func (m *Machine) Fail() error {
	e := table[m.current]
	m.retries++
	if e.retryLimit > 0 && m.retries >= e.retryLimit {
		return kvserrors.NewKind(e.failure, "state.Fail", nil)
	}
	return nil
}

// RecordServiceCallResult stores the most recent service-call outcome,
// consulted by ResumeFromStopped.
func (m *Machine) RecordServiceCallResult(r ServiceCallResult) { m.lastResult = r }

// ResumeFromStopped implements the Stopped -> next mapping of spec §4.5:
// GetEndpoint on success, GetToken on not-authorized, Describe on
// resource-in-use/not-found/server-internal, Ready on timeout.
func (m *Machine) ResumeFromStopped() StreamState {
	switch m.lastResult {
	case ResultOK:
		return StreamStateGetEndpoint
	case ResultNotAuthorized:
		return StreamStateGetToken
	case ResultResourceInUse, ResultResourceNotFound, ResultServerInternalError:
		return StreamStateDescribe
	case ResultTimeout:
		return StreamStateReady
	default:
		return StreamStateDescribe
	}
}

// GraceConfig configures the token-rotation grace period.
type GraceConfig struct {
	GraceThreshold time.Duration // enter grace when remaining lifetime drops below this
	MaxJitter      time.Duration // randomized jitter added to the effective threshold
	Rand           *rand.Rand    // defaults to a package-level source if nil
}

func (c *GraceConfig) applyDefaults() {
	if c.GraceThreshold <= 0 {
		c.GraceThreshold = 30 * time.Second
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(1))
	}
}

// SetToken records a freshly obtained token's expiration, per
// getStreamingTokenResult (spec §4.6 event handlers): "clamp token
// expiration with an enforced max and an optional randomized jitter". If
// token parses as a JWT carrying an "exp" claim earlier than expiresAt,
// the claim wins (see expClaimFromToken).
func (m *Machine) SetToken(token []byte, expiresAt time.Time, maxLifetime time.Duration, cfg GraceConfig) {
	cfg.applyDefaults()
	if exp, ok := expClaimFromToken(token); ok && exp.Before(expiresAt) {
		expiresAt = exp
	}
	clamp := time.Now().Add(maxLifetime)
	if maxLifetime > 0 && expiresAt.After(clamp) {
		expiresAt = clamp
	}
	if cfg.MaxJitter > 0 {
		jitter := time.Duration(cfg.Rand.Int63n(int64(cfg.MaxJitter)))
		expiresAt = expiresAt.Add(-jitter)
	}
	m.tokenExpires = expiresAt
}

// InGracePeriod reports whether the token's remaining lifetime has dropped
// below cfg.GraceThreshold as of now.
func (m *Machine) InGracePeriod(now time.Time, cfg GraceConfig) bool {
	cfg.applyDefaults()
	if m.tokenExpires.IsZero() {
		return false
	}
	return m.tokenExpires.Sub(now) < cfg.GraceThreshold
}

// EnterGracePeriod drives the Stopped -> GetEndpoint -> GetToken -> Ready
// -> PutStream resume sequence described in spec §4.5 for a
// StreamAuthInGracePeriod termination. It advances one step; callers loop
// until Current() == StreamStatePutStream or an error is returned.
func (m *Machine) EnterGracePeriod(ctx context.Context) error {
	if !m.gracePeriod {
		m.gracePeriod = true
		return m.Transition(StreamStateStopped)
	}
	switch m.current {
	case StreamStateStopped:
		return m.Transition(StreamStateGetEndpoint)
	case StreamStateGetEndpoint:
		return m.Transition(StreamStateGetToken)
	case StreamStateGetToken:
		return m.Transition(StreamStateReady)
	case StreamStateReady:
		if err := m.Transition(StreamStatePutStream); err != nil {
			return err
		}
		m.gracePeriod = false
		return nil
	default:
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "state.EnterGracePeriod", nil)
	}
}
