// Package service defines the host-provided service-callback contract and
// optional notification hooks of spec §6. The library calls Callbacks to
// drive the control-plane handshake and delivers Notifications for
// observability; neither implementation is provided by this module —
// hosts supply their own (e.g. an AWS Kinesis Video Streams client, or a
// local test double).
package service

import (
	"context"
	"time"
)

// StreamDescription is the result of a successful DescribeStream call.
type StreamDescription struct {
	StreamName string
	StreamARN  string
	Status     string
	Version    string
}

// Callbacks is the host-provided service-callback contract (spec §6).
// Every method is synchronous from the library's point of view: the
// stream state machine blocks the relevant state until the call returns
// or ctx is canceled.
type Callbacks interface {
	DescribeStream(ctx context.Context, streamName string) (StreamDescription, error)
	CreateStream(ctx context.Context, deviceName, streamName, contentType, kmsKeyID string, retention time.Duration) (arn string, err error)
	TagResource(ctx context.Context, arn string, tags map[string]string) error
	GetStreamingEndpoint(ctx context.Context, streamName, apiName string) (url string, err error)
	GetStreamingToken(ctx context.Context, streamName string, accessMode AccessMode) (token []byte, expiresAt time.Time, err error)
	PutStream(ctx context.Context, streamName, containerType string, startTime time.Time, absoluteTimes, ackEnabled bool, endpoint string) (uploadHandle uint64, err error)
}

// AccessMode mirrors the streaming token's requested capability.
type AccessMode int

const (
	AccessModeRead AccessMode = iota
	AccessModeWrite
)

// Notifications is the optional set of observability hooks a host may
// implement; a nil method set is equivalent to "not interested" and the
// stream runtime must treat every call as optional (nil-checked before
// invocation).
type Notifications interface {
	OnStreamReady(streamName string)
	OnClientReady()
	OnEndOfStream(streamName string, uploadHandle uint64)
	OnDroppedFrame(streamName string, trackID uint64, timestamp time.Duration)
	OnDroppedFragment(streamName string, timestamp time.Duration)
	OnStorageOverflowPressure(bytesOverLimit int64)
	OnBufferDurationOverflowPressure(streamName string, over time.Duration)
	OnStreamLatencyPressure(streamName string, latency time.Duration)
	OnStreamConnectionStale(streamName string, lastAckTimestamp time.Duration)
	OnStreamErrorReport(streamName string, uploadHandle uint64, fragmentTimecode time.Duration, err error)
	OnFragmentAckReceived(streamName string, uploadHandle uint64, ackType string)
	OnClientShutdown()
	OnStreamShutdown(streamName string)
}

// NoopNotifications is a Notifications implementation that does nothing,
// for hosts that only want a subset of hooks — embed and override.
type NoopNotifications struct{}

func (NoopNotifications) OnStreamReady(string)                                  {}
func (NoopNotifications) OnClientReady()                                        {}
func (NoopNotifications) OnEndOfStream(string, uint64)                          {}
func (NoopNotifications) OnDroppedFrame(string, uint64, time.Duration)          {}
func (NoopNotifications) OnDroppedFragment(string, time.Duration)               {}
func (NoopNotifications) OnStorageOverflowPressure(int64)                       {}
func (NoopNotifications) OnBufferDurationOverflowPressure(string, time.Duration) {}
func (NoopNotifications) OnStreamLatencyPressure(string, time.Duration)         {}
func (NoopNotifications) OnStreamConnectionStale(string, time.Duration)         {}
func (NoopNotifications) OnStreamErrorReport(string, uint64, time.Duration, error) {}
func (NoopNotifications) OnFragmentAckReceived(string, uint64, string)          {}
func (NoopNotifications) OnClientShutdown()                                     {}
func (NoopNotifications) OnStreamShutdown(string)                               {}
