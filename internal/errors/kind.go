package errors

// This file generalizes the one-struct-per-concern pattern above
// (ProtocolError/HandshakeError/...) into a single Kind-parameterized type
// for the producer core (kvs/*), whose error surface (spec §7) is a flat
// classification list rather than a handful of protocol subsystems.

import (
	stdErrors "errors"
	"fmt"
)

// Kind classifies a KindError. Names mirror spec §7 ("Error kinds (abstract)").
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNullArgument
	KindNotEnoughMemory
	KindStoreOutOfMemory
	KindStreamHasBeenStopped
	KindBlockingPutInterrupted
	KindOperationTimedOut
	KindInvalidStreamState
	KindInvalidStreamReadyState
	KindStreamIsBeingDeleted
	KindDuplicateStreamName
	KindDuplicateTrackID
	KindMkvTrackInfoNotFound
	KindEndOfFragmentInvalidState
	KindMultipleConsecutiveEofr
	KindSettingKeyFrameWhileUsingEofr
	KindMaxFrameTimestampDelta
	KindInvalidAckFormat
	KindInvalidTokenExpiration
	KindInvalidDescribeStreamResponse
	KindInvalidCreateStreamResponse
	KindServiceCallClientLimit
	KindServiceCallDeviceLimit
	KindServiceCallStreamLimit
	KindServiceCallNotAuthorized
	KindServiceCallResourceNotFound
	KindServiceCallResourceInUse
	KindServiceCallResourceDeleted
	KindServiceCallTimeout
	KindServiceCallUnknown
	KindAckError
)

var kindNames = map[Kind]string{
	KindUnknown:                       "Unknown",
	KindInvalidArgument:               "InvalidArgument",
	KindNullArgument:                  "NullArgument",
	KindNotEnoughMemory:               "NotEnoughMemory",
	KindStoreOutOfMemory:              "StoreOutOfMemory",
	KindStreamHasBeenStopped:          "StreamHasBeenStopped",
	KindBlockingPutInterrupted:        "BlockingPutInterruptedStreamTerminated",
	KindOperationTimedOut:             "OperationTimedOut",
	KindInvalidStreamState:            "InvalidStreamState",
	KindInvalidStreamReadyState:       "InvalidStreamReadyState",
	KindStreamIsBeingDeleted:          "StreamIsBeingDeleted",
	KindDuplicateStreamName:           "DuplicateStreamName",
	KindDuplicateTrackID:              "DuplicateTrackId",
	KindMkvTrackInfoNotFound:          "MkvTrackInfoNotFound",
	KindEndOfFragmentInvalidState:     "EndOfFragmentFrameInvalidState",
	KindMultipleConsecutiveEofr:       "MultipleConsecutiveEofr",
	KindSettingKeyFrameWhileUsingEofr: "SettingKeyFrameFlagWhileUsingEofr",
	KindMaxFrameTimestampDelta:        "MaxFrameTimestampDeltaBetweenTracks",
	KindInvalidAckFormat:              "InvalidAckFormat",
	KindInvalidTokenExpiration:        "InvalidTokenExpiration",
	KindInvalidDescribeStreamResponse: "InvalidDescribeStreamResponse",
	KindInvalidCreateStreamResponse:   "InvalidCreateStreamResponse",
	KindServiceCallClientLimit:        "ServiceCallClientLimit",
	KindServiceCallDeviceLimit:        "ServiceCallDeviceLimit",
	KindServiceCallStreamLimit:        "ServiceCallStreamLimit",
	KindServiceCallNotAuthorized:      "ServiceCallNotAuthorized",
	KindServiceCallResourceNotFound:   "ServiceCallResourceNotFound",
	KindServiceCallResourceInUse:      "ServiceCallResourceInUse",
	KindServiceCallResourceDeleted:    "ServiceCallResourceDeleted",
	KindServiceCallTimeout:            "ServiceCallTimeout",
	KindServiceCallUnknown:            "ServiceCallUnknown",
	KindAckError:                      "AckError",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// KindError is the producer core's error type: a Kind tag plus the same
// Op/Err shape as ProtocolError and friends above.
type KindError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

func (e *KindError) Is(target error) bool {
	t, ok := target.(*KindError)
	return ok && t.Kind == e.Kind
}

// NewKind constructs a new *KindError of the given kind.
func NewKind(kind Kind, op string, cause error) error {
	return &KindError{Kind: kind, Op: op, Err: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *KindError, else KindUnknown.
func KindOf(err error) Kind {
	var e *KindError
	if stdErrors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Has reports whether err is (or wraps) a *KindError of the given kind.
func Has(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable classifies service-call errors per spec §7's retry predicate:
// timeouts, auth failures, resource-in-use, and internal/unknown errors are
// retried by returning to an earlier state machine state; device/stream
// limits, invalid-argument, and validation errors are not.
func IsRetriable(kind Kind) bool {
	switch kind {
	case KindServiceCallTimeout,
		KindServiceCallNotAuthorized,
		KindServiceCallResourceInUse,
		KindServiceCallUnknown,
		KindOperationTimedOut:
		return true
	default:
		return false
	}
}
