package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/mkv"
	"github.com/alxayo/go-kvs-producer/internal/kvs/order"
	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
	"github.com/alxayo/go-kvs-producer/internal/kvs/state"
	"github.com/alxayo/go-kvs-producer/internal/kvs/store"
)

type fakeCallbacks struct {
	describeErr    error
	describeStatus string // defaults to "ACTIVE" when empty
	putStreamID    uint64
}

func (f *fakeCallbacks) DescribeStream(ctx context.Context, streamName string) (service.StreamDescription, error) {
	if f.describeErr != nil {
		return service.StreamDescription{}, f.describeErr
	}
	status := f.describeStatus
	if status == "" {
		status = "ACTIVE"
	}
	return service.StreamDescription{StreamName: streamName, Status: status}, nil
}

func (f *fakeCallbacks) CreateStream(ctx context.Context, deviceName, streamName, contentType, kmsKeyID string, retention time.Duration) (string, error) {
	return "arn:aws:kinesisvideo:us-west-2:000000000000:stream/" + streamName, nil
}

func (f *fakeCallbacks) TagResource(ctx context.Context, arn string, tags map[string]string) error {
	return nil
}

func (f *fakeCallbacks) GetStreamingEndpoint(ctx context.Context, streamName, apiName string) (string, error) {
	return "https://example.invalid", nil
}

func (f *fakeCallbacks) GetStreamingToken(ctx context.Context, streamName string, mode service.AccessMode) ([]byte, time.Time, error) {
	return []byte("token"), time.Now().Add(time.Hour), nil
}

func (f *fakeCallbacks) PutStream(ctx context.Context, streamName, containerType string, startTime time.Time, absoluteTimes, ackEnabled bool, endpoint string) (uint64, error) {
	return f.putStreamID, nil
}

var _ service.Callbacks = (*fakeCallbacks)(nil)

func newHandshakeTestStream(t *testing.T) *Stream {
	t.Helper()
	heap := store.New(store.Config{Budget: 1 << 20}, handle.New())
	cfg := Config{
		Name:              "handshake-stream",
		ViewCapacityItems: 16,
		Order:             order.Config{Mode: order.ModePassThrough},
		Tracks: []mkv.TrackInfo{
			{TrackID: 1, TrackUID: 1, TrackType: 1, CodecID: "V_MPEG4/ISO/AVC"},
		},
	}
	s, err := New(cfg, heap, nil)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	return s
}

func TestRunHandshakeReachesStreaming(t *testing.T) {
	s := newHandshakeTestStream(t)
	cb := &fakeCallbacks{putStreamID: 99}

	if err := s.RunHandshake(context.Background(), cb); err != nil {
		t.Fatalf("run handshake: %v", err)
	}
	if s.State() != state.StreamStateStreaming {
		t.Fatalf("expected Streaming, got %v", s.State())
	}
}

func TestRunHandshakeCreatesNewStreamThenReachesStreaming(t *testing.T) {
	s := newHandshakeTestStream(t)
	cb := &fakeCallbacks{describeStatus: "NEW", putStreamID: 7}

	if err := s.RunHandshake(context.Background(), cb); err != nil {
		t.Fatalf("run handshake: %v", err)
	}
	if s.State() != state.StreamStateStreaming {
		t.Fatalf("expected Streaming, got %v", s.State())
	}
}

func TestRunHandshakeRetriesThenFailsOnDescribeError(t *testing.T) {
	s := newHandshakeTestStream(t)
	cb := &fakeCallbacks{describeErr: errDescribeTest}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.RunHandshake(ctx, cb)
	if err == nil {
		t.Fatalf("expected a terminal error: either the describe retry budget exhausts, or the context deadline does")
	}
	if s.State() == state.StreamStateStreaming {
		t.Fatalf("stream should never reach Streaming while DescribeStream keeps failing")
	}
}

type testError string

func (e testError) Error() string { return string(e) }

const errDescribeTest = testError("describe failed")
