// Package stream implements the per-stream runtime of spec §4.6: putFrame,
// getStreamData, and the event handlers driven by the host's service
// callbacks. It is the integration point for the content store, content
// view, MKV packager, frame-order coordinator, upload-handle table, and
// control-plane state machine.
package stream

import (
	"log/slog"
	"sync"
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/ack"
	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/mkv"
	"github.com/alxayo/go-kvs-producer/internal/kvs/order"
	"github.com/alxayo/go-kvs-producer/internal/kvs/state"
	"github.com/alxayo/go-kvs-producer/internal/kvs/store"
	"github.com/alxayo/go-kvs-producer/internal/kvs/upload"
	"github.com/alxayo/go-kvs-producer/internal/kvs/view"
)

// Status is a non-error outcome of GetStreamData (spec §6: "treated as
// non-error by the host").
type Status int

const (
	StatusFilled Status = iota
	StatusEndOfStream
	StatusAwaitingPersistedAck
	StatusUploadHandleAborted
	StatusNoMoreDataAvailable
)

// StorePressurePolicy selects the availability protocol's behavior when an
// allocation fails (spec §4.6.a).
type StorePressurePolicy int

const (
	PolicyDropTailItem StorePressurePolicy = iota
	PolicyFail
	// PolicyBlock waits on the buffer-availability condvar and retries;
	// offline-ingestion only (spec §4.6.a). The wait aborts if the stream
	// is stopped or shutting down.
	PolicyBlock
)

// Config configures a Stream. Name/Tracks feed the MKV generator;
// everything else tunes runtime policy.
type Config struct {
	Name                       string
	Tracks                     []mkv.TrackInfo
	ViewCapacityItems          int
	StorePressurePolicy        StorePressurePolicy
	SkipNonKeyFrames           bool
	ResetGeneratorOnKeyFrame   bool
	ReplayDuration             time.Duration
	ConnectionStalenessTimeout time.Duration
	AckEnabled                 bool
	AwaitPersistedAck          bool
	MaxTokenLifetime           time.Duration
	TokenGraceThreshold        time.Duration
	TokenJitterMax             time.Duration
	Order                      order.Config // Sink is overwritten by New
	Provisioning               ProvisioningInfo
}

// ProvisioningInfo carries the arguments RunHandshake passes to
// service.Callbacks during CreateStream/TagResource/GetStreamingEndpoint/
// PutStream; it has no effect once the stream reaches Streaming.
type ProvisioningInfo struct {
	DeviceName            string
	ContentType           string
	KMSKeyID              string
	RetentionPeriod       time.Duration
	Tags                  map[string]string
	APIName               string // passed to GetStreamingEndpoint, e.g. "PUT_MEDIA"
	ContainerType         string // passed to PutStream, e.g. "MKV"
	AbsoluteFragmentTimes bool
}

// Diagnostics mirrors the C client's per-stream counters (spec §3:
// "diagnostics counters"), exposed for host observability.
type Diagnostics struct {
	SkippedFrames    uint64
	DroppedFrames    uint64
	DroppedFragments uint64
}

// Stream is the concurrent core of one media stream. Producer and uploader
// sides call PutFrame / GetStreamData respectively, serialized by mu (spec
// §5 lock order: a caller that holds streamListLock acquires it before this
// lock, and this lock is acquired before any client-level lock).
type Stream struct {
	mu sync.Mutex

	cfg Config
	log *slog.Logger

	heap *store.Heap
	view *view.View
	gen  *mkv.Generator
	ord  *order.Coordinator
	ackP *ack.Parser
	sm   *state.Machine
	up   *upload.Table

	cond *sync.Cond // buffer-availability wait (blocking allocation in offline mode)
	stopped bool
	shuttingDown bool

	pendingEOFR       []byte // pre-built end-of-stream tag bytes, set by Stop and drained by fillLoopLocked
	lastBufferingSeen time.Duration
	rollbackArmed     bool // set by StreamTerminated when the closed handle had produced bytes

	arn      string
	endpoint string
	token    []byte

	diag Diagnostics
}

// New constructs a Stream backed by heap for content-store allocations.
func New(cfg Config, heap *store.Heap, log *slog.Logger) (*Stream, error) {
	if cfg.ViewCapacityItems <= 0 {
		cfg.ViewCapacityItems = 4096
	}
	if cfg.ReplayDuration <= 0 {
		cfg.ReplayDuration = 5 * time.Second
	}
	if cfg.ConnectionStalenessTimeout <= 0 {
		cfg.ConnectionStalenessTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Stream{cfg: cfg, log: log.With("stream", cfg.Name), heap: heap, sm: state.New(), up: upload.NewTable(0)}
	s.cond = sync.NewCond(&s.mu)

	s.view = view.New(view.Config{CapacityItems: cfg.ViewCapacityItems, OnRemove: s.onViewItemRemoved})

	gen, err := mkv.NewGenerator(mkv.Config{Tracks: cfg.Tracks, KeyFrameFragmentation: !cfg.Order.Mode.IsPassThrough()})
	if err != nil {
		return nil, err
	}
	s.gen = gen
	s.ackP = ack.New()

	orderCfg := cfg.Order
	orderCfg.Sink = s.putFrameLocked
	if len(orderCfg.TrackIDs) == 0 {
		for _, tr := range cfg.Tracks {
			orderCfg.TrackIDs = append(orderCfg.TrackIDs, tr.TrackID)
		}
	}
	ord, err := order.New(orderCfg)
	if err != nil {
		return nil, err
	}
	s.ord = ord

	return s, nil
}

// onViewItemRemoved frees the underlying store allocation whenever the view
// evicts an item, and broadcasts buffer-availability so any blocked
// allocation can retry (spec §4.6.a).
func (s *Stream) onViewItemRemoved(item view.ViewItem, currentRemoved bool) {
	if currentRemoved {
		s.diag.DroppedFrames++
	}
	if err := s.heap.Free(item.Handle); err != nil {
		s.log.Warn("free evicted allocation failed", "err", err)
	}
	s.cond.Broadcast()
}

// PutFrame feeds f through the frame-order coordinator (spec §4.7), which
// calls back into putFrameLocked once frames are release-ordered.
func (s *Stream) PutFrame(f frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return kvserrors.NewKind(kvserrors.KindStreamHasBeenStopped, "stream.PutFrame", nil)
	}
	return s.ord.PutFrame(f)
}

// putFrameLocked implements spec §4.6's putFrame pipeline, steps 2-9.
// Called with mu held, either directly (PassThrough) or via the order
// coordinator's release callback (still under mu, since Coordinator is not
// itself concurrent-safe and is only ever driven from PutFrame).
func (s *Stream) putFrameLocked(f frame.Frame) error {
	if s.cfg.ResetGeneratorOnKeyFrame && f.IsKeyFrame() {
		s.gen.Reset()
	}
	if s.cfg.SkipNonKeyFrames && !f.IsKeyFrame() && !f.IsEndOfFragment() {
		s.diag.SkippedFrames++
		return nil
	}

	trackID := f.TrackID
	size, info, err := s.gen.Measure(f, trackID)
	if err != nil {
		return err
	}

	var eofrTag []byte
	if f.IsEndOfFragment() {
		tag, terr := s.gen.GenerateTag(mkv.EOFRTagName, "1")
		if terr == nil {
			eofrTag = tag
			size += len(tag)
		}
	}

	h, err := s.acquireLocked(size)
	if err != nil {
		return err
	}

	data, info, err := s.gen.PackageFrame(f, trackID)
	if err != nil {
		s.heap.Free(h)
		return err
	}
	data = append(data, eofrTag...)

	buf, err := s.heap.Map(h)
	if err != nil {
		s.heap.Free(h)
		return err
	}
	copy(buf, data)

	flags := view.Flags(0)
	switch info.State {
	case mkv.StateStartStream:
		flags = view.StreamStart | view.FragmentStart
	case mkv.StateStartCluster:
		flags = view.FragmentStart
	}
	if f.IsEndOfFragment() {
		flags |= view.FragmentEnd
	}

	s.view.Append(f.PTS, f.DTS, f.Duration, h, 0, len(data), flags)

	if _, ok := s.up.StreamingHandle(); ok {
		s.cond.Broadcast()
	} else if _, ok := s.up.NextReady(); ok {
		s.cond.Broadcast()
	}

	return nil
}

// acquireLocked implements the availability protocol (spec §4.6.a).
func (s *Stream) acquireLocked(size int) (handle.Handle, error) {
	for {
		h, err := s.heap.Alloc(size)
		if err == nil {
			return h, nil
		}
		if kvserrors.KindOf(err) != kvserrors.KindStoreOutOfMemory {
			return handle.Invalid, err
		}
		switch s.cfg.StorePressurePolicy {
		case PolicyDropTailItem:
			if s.view.Len() == 0 {
				return handle.Invalid, err
			}
			s.view.TrimTailItems()
		case PolicyBlock:
			if s.stopped || s.shuttingDown {
				return handle.Invalid, kvserrors.NewKind(kvserrors.KindBlockingPutInterrupted, "stream.acquire", nil)
			}
			s.cond.Wait()
			if s.stopped || s.shuttingDown {
				return handle.Invalid, kvserrors.NewKind(kvserrors.KindBlockingPutInterrupted, "stream.acquire", nil)
			}
		default:
			return handle.Invalid, err
		}
	}
}

// SetCodecPrivateData updates trackID's codec private data, rejecting the
// call while a PutStream is in flight (spec §4.3). Used by hosts that reload
// SPS/PPS from disk after a codec negotiation changes mid-run.
func (s *Stream) SetCodecPrivateData(trackID uint64, cpd []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.SetCodecPrivateData(trackID, cpd)
}

// CodecPrivateData returns trackID's current codec private data.
func (s *Stream) CodecPrivateData(trackID uint64) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen.CodecPrivateData(trackID)
}

// Idle reports whether the stream's control-plane machine has returned to
// Stopped and its upload-handle table is empty — the condition a
// maintenance sweep uses to decide a stream is safe to reap. Terminated
// handles are never removed from the table, so a stream that has had an
// upload handle does not report Idle.
func (s *Stream) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.Current() == state.StreamStateStopped && s.up.Len() == 0
}

// Diagnostics returns a snapshot of the stream's diagnostics counters.
func (s *Stream) Diagnostics() Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diag
}

// Stop marks the stream stopped; blocked producers/allocators observe this
// and abort (spec §5 shutdown semantics). It also pre-builds the EOS tag
// that fillLoopLocked writes once, to the streaming upload handle that
// first finds the view exhausted.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if tag, err := s.gen.GenerateTag("AWS_KINESISVIDEO_STREAM_END", "1"); err == nil {
		s.pendingEOFR = tag
	}
	s.cond.Broadcast()
}

// Shutdown marks the stream as tearing down entirely, distinct from Stop:
// blocked allocators and waiters are woken and told to abort permanently
// rather than retry once more storage frees up (spec §5: "cancellation via
// shutdown bit checked by every blocking primitive").
func (s *Stream) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.shuttingDown = true
	s.cond.Broadcast()
}

// IsShuttingDown reports whether Shutdown has been called.
func (s *Stream) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shuttingDown
}
