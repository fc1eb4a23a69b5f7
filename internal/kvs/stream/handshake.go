package stream

import (
	"context"
	"time"

	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
	"github.com/alxayo/go-kvs-producer/internal/kvs/state"
)

// State reports the stream's current control-plane state.
func (s *Stream) State() state.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current()
}

// RunHandshake drives the describe -> create -> tagStream -> getEndpoint ->
// getToken -> ready -> putStream -> streaming sequence of spec §4.5/§4.6 by
// calling cb in the order the state machine expects and feeding each
// outcome back through the matching *Result method. It blocks until the
// stream reaches Streaming, ctx is canceled, or a *Result call reports a
// non-retryable failure (retry budget exhausted). Callers drive this once
// per stream right after client.Client.CreateStream; it is the
// orchestration layer the host-provided service.Callbacks contract assumes
// but does not itself implement.
func (s *Stream) RunHandshake(ctx context.Context, cb service.Callbacks) error {
	const retryBackoff = 200 * time.Millisecond

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch s.State() {
		case state.StreamStateNew:
			s.mu.Lock()
			err := s.sm.Transition(state.StreamStateDescribe)
			s.mu.Unlock()
			if err != nil {
				return err
			}

		case state.StreamStateDescribe:
			desc, err := cb.DescribeStream(ctx, s.cfg.Name)
			result := state.ResultOK
			if err != nil {
				result = state.ResultResourceNotFound
			}
			if err := s.DescribeStreamResult(result, desc); err != nil {
				return err
			}

		case state.StreamStateCreate:
			p := s.cfg.Provisioning
			arn, err := cb.CreateStream(ctx, p.DeviceName, s.cfg.Name, p.ContentType, p.KMSKeyID, p.RetentionPeriod)
			if err != nil {
				if rerr := s.CreateStreamResult(state.ResultServerInternalError, ""); rerr != nil {
					return rerr
				}
				waitBackoff(ctx, retryBackoff)
				continue
			}
			if err := s.CreateStreamResult(state.ResultOK, arn); err != nil {
				return err
			}

		case state.StreamStateTagStream:
			err := cb.TagResource(ctx, s.arnSnapshot(), s.cfg.Provisioning.Tags)
			result := state.ResultOK
			if err != nil {
				result = state.ResultServerInternalError
			}
			if err := s.TagResourceResult(result); err != nil {
				return err
			}

		case state.StreamStateGetEndpoint:
			url, err := cb.GetStreamingEndpoint(ctx, s.cfg.Name, s.cfg.Provisioning.APIName)
			if err != nil {
				if rerr := s.GetStreamingEndpointResult(state.ResultServerInternalError, ""); rerr != nil {
					return rerr
				}
				waitBackoff(ctx, retryBackoff)
				continue
			}
			if err := s.GetStreamingEndpointResult(state.ResultOK, url); err != nil {
				return err
			}

		case state.StreamStateGetToken:
			token, expiresAt, err := cb.GetStreamingToken(ctx, s.cfg.Name, service.AccessModeWrite)
			if err != nil {
				if rerr := s.GetStreamingTokenResult(state.ResultNotAuthorized, nil, time.Time{}); rerr != nil {
					return rerr
				}
				waitBackoff(ctx, retryBackoff)
				continue
			}
			if err := s.GetStreamingTokenResult(state.ResultOK, token, expiresAt); err != nil {
				return err
			}

		case state.StreamStateReady:
			// Ready->PutStream marks the call as in flight; PutStreamResult
			// (called below once cb.PutStream returns) then advances
			// PutStream->Streaming, matching the accept-mask shape of
			// every other step in this handshake.
			if err := s.beginPutStream(); err != nil {
				return err
			}

		case state.StreamStatePutStream:
			p := s.cfg.Provisioning
			h, err := cb.PutStream(ctx, s.cfg.Name, p.ContainerType, time.Now(), p.AbsoluteFragmentTimes, s.cfg.AckEnabled, s.endpointSnapshot())
			if err != nil {
				if rerr := s.PutStreamResult(state.ResultServerInternalError, handle.Invalid); rerr != nil {
					return rerr
				}
				waitBackoff(ctx, retryBackoff)
				continue
			}
			if err := s.PutStreamResult(state.ResultOK, handle.Handle(h)); err != nil {
				return err
			}

		case state.StreamStateStreaming:
			return nil

		case state.StreamStateStopped:
			if err := s.ResumeFromStopped(); err != nil {
				return err
			}

		default:
			return nil
		}
	}
}

func (s *Stream) beginPutStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Transition(state.StreamStatePutStream)
}

func (s *Stream) arnSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.arn
}

func (s *Stream) endpointSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

func waitBackoff(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
