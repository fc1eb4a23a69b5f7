package stream

import (
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
	"github.com/alxayo/go-kvs-producer/internal/kvs/state"
	"github.com/alxayo/go-kvs-producer/internal/kvs/upload"
)

// DescribeStreamResult handles a completed DescribeStream call (spec §4.6
// event handlers): on an active stream, proceed toward Create/GetEndpoint;
// on a stream being deleted, fail fatally: move to Stopped and return a
// StreamIsBeingDeleted error.
func (s *Stream) DescribeStreamResult(result state.ServiceCallResult, desc service.StreamDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		if err := s.sm.Fail(); err != nil {
			return err
		}
		return nil
	}
	if desc.Status == "DELETING" {
		if err := s.sm.Transition(state.StreamStateStopped); err != nil {
			return err
		}
		return kvserrors.NewKind(kvserrors.KindStreamIsBeingDeleted, "stream.DescribeStreamResult", nil)
	}
	if desc.Status == "ACTIVE" {
		return s.sm.Transition(state.StreamStateGetEndpoint)
	}
	return s.sm.Transition(state.StreamStateCreate)
}

// CreateStreamResult stores the stream ARN and advances toward TagStream.
func (s *Stream) CreateStreamResult(result state.ServiceCallResult, arn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		return s.sm.Fail()
	}
	s.arn = arn
	return s.sm.Transition(state.StreamStateTagStream)
}

// TagResourceResult advances TagStream -> GetEndpoint once tagging
// completes (or fails and retries are exhausted), per spec §4.6.
func (s *Stream) TagResourceResult(result state.ServiceCallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		return s.sm.Fail()
	}
	return s.sm.Transition(state.StreamStateGetEndpoint)
}

// GetStreamingEndpointResult stores the streaming endpoint and advances to
// GetToken.
func (s *Stream) GetStreamingEndpointResult(result state.ServiceCallResult, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		return s.sm.Fail()
	}
	s.endpoint = url
	return s.sm.Transition(state.StreamStateGetToken)
}

// GetStreamingTokenResult stores the streaming token, clamping its
// expiration per spec §4.6 ("clamp token expiration with an enforced max
// and an optional randomized jitter"), and advances to Ready.
func (s *Stream) GetStreamingTokenResult(result state.ServiceCallResult, token []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		return s.sm.Fail()
	}
	s.token = token
	s.sm.SetToken(token, expiresAt, s.cfg.MaxTokenLifetime, state.GraceConfig{GraceThreshold: s.cfg.TokenGraceThreshold, MaxJitter: s.cfg.TokenJitterMax})
	return s.sm.Transition(state.StreamStateReady)
}

// PutStreamResult enqueues a new upload handle in state New and steps the
// machine to Streaming, per spec §4.6.
func (s *Stream) PutStreamResult(result state.ServiceCallResult, h handle.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.RecordServiceCallResult(result)
	if result != state.ResultOK {
		return s.sm.Fail()
	}
	s.up.Create(h, s.cfg.AckEnabled, time.Now())
	s.gen.SetStreaming(true)
	return s.sm.Transition(state.StreamStateStreaming)
}

// StreamTerminated marks h Terminated and steps the machine to Stopped
// unless another active handle remains (spec §4.6:
// kinesisVideoStreamTerminated).
func (s *Stream) StreamTerminated(h handle.Handle, result state.ServiceCallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if info, ok := s.up.Get(h); ok && (info.State == upload.StateStreaming || info.State == upload.StateTerminating) {
		if info.StreamStartCaptured() {
			// The connection's state indicator is InUse: the prior upload
			// session produced bytes, so the next getStreamData on a
			// replacement handle must rewind and re-splice a fresh header
			// (spec §4.6: "rollback on reconnect").
			s.rollbackArmed = true
		}
		s.up.Advance(h, upload.StateTerminated)
	}

	anyActive := false
	if _, ok := s.up.StreamingHandle(); ok {
		anyActive = true
	}
	if anyActive {
		return nil
	}

	s.sm.RecordServiceCallResult(result)
	if err := s.sm.Transition(state.StreamStateStopped); err != nil {
		return err
	}
	if result == state.ResultAuthGracePeriod {
		return s.sm.EnterGracePeriod(nil)
	}
	return nil
}

// ResumeFromStopped advances out of Stopped using the last recorded
// service-call result (spec §4.5's resume mapping), for a host restarting
// the handshake after StreamTerminated or a grace-period cycle.
func (s *Stream) ResumeFromStopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Transition(s.sm.ResumeFromStopped())
}
