// Package order implements the frame-order coordinator of spec §4.7:
// per-track FIFO queues that interleave multi-track frames by timestamp
// before they reach the MKV packager, preserving the invariant that a
// cluster is never opened mid-frame across tracks.
package order

import (
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
)

// Mode selects how the coordinator treats incoming frames.
type Mode int

const (
	// ModeOrdered interleaves frames across tracks by timestamp.
	ModeOrdered Mode = iota
	// ModePassThrough forwards every frame immediately, unordered.
	ModePassThrough
)

// IsPassThrough reports whether m is ModePassThrough.
func (m Mode) IsPassThrough() bool { return m == ModePassThrough }

// Sink receives frames in release order. Forward must not block on the
// coordinator's own lock — the owning Stream supplies its putFrame method.
type Sink func(frame.Frame) error

// Config configures a Coordinator.
type Config struct {
	Mode          Mode
	TimecodeScale time.Duration // granularity for tie-break nudging; default 1ms
	MaxQueueDepth int           // per-track bound; default 64
	TrackIDs      []uint64      // tracks the coordinator must see data from before releasing
	Sink          Sink
}

func (c *Config) applyDefaults() {
	if c.TimecodeScale <= 0 {
		c.TimecodeScale = time.Millisecond
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = 64
	}
}

// Coordinator implements the per-track FIFO interleaving described above.
// Not safe for concurrent use — the owning Stream serializes PutFrame calls
// under its own lock (spec §5 lock order).
type Coordinator struct {
	cfg    Config
	queues map[uint64][]frame.Frame
	order  []uint64 // stable track iteration order
}

// New constructs a Coordinator. Sink must be non-nil.
func New(cfg Config) (*Coordinator, error) {
	cfg.applyDefaults()
	if cfg.Sink == nil {
		return nil, kvserrors.NewKind(kvserrors.KindInvalidArgument, "order.New", nil)
	}
	c := &Coordinator{cfg: cfg, queues: make(map[uint64][]frame.Frame)}
	for _, id := range cfg.TrackIDs {
		c.queues[id] = nil
		c.order = append(c.order, id)
	}
	return c, nil
}

// PutFrame feeds f into the coordinator. In ModePassThrough it forwards
// immediately. In ModeOrdered it enqueues f onto its track's queue, then
// releases frames in timestamp order for as long as every known track has
// at least one frame queued. An EndOfFragment sentinel flushes every queue
// (in timestamp order) before being forwarded itself.
func (c *Coordinator) PutFrame(f frame.Frame) error {
	if c.cfg.Mode == ModePassThrough {
		return c.cfg.Sink(f)
	}

	if _, ok := c.queues[f.TrackID]; !ok {
		c.queues[f.TrackID] = nil
		c.order = append(c.order, f.TrackID)
	}

	if f.IsEndOfFragment() {
		if err := c.flushAll(); err != nil {
			return err
		}
		return c.cfg.Sink(f)
	}

	q := c.queues[f.TrackID]
	if len(q) >= c.cfg.MaxQueueDepth {
		return kvserrors.NewKind(kvserrors.KindMaxFrameTimestampDelta, "order.PutFrame", nil)
	}
	c.queues[f.TrackID] = append(q, f)

	return c.drainReady()
}

// drainReady releases frames while every known track has queued data,
// always releasing the globally-earliest (by scaled timestamp, with the
// key/non-key tie-break) frame first.
func (c *Coordinator) drainReady() error {
	for c.allTracksReady() {
		trackID, idx := c.pickRelease()
		f := c.queues[trackID][idx]
		c.queues[trackID] = append(c.queues[trackID][:idx], c.queues[trackID][idx+1:]...)
		if err := c.cfg.Sink(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) allTracksReady() bool {
	if len(c.order) == 0 {
		return false
	}
	for _, id := range c.order {
		if len(c.queues[id]) == 0 {
			return false
		}
	}
	return true
}

// pickRelease finds the frame (by track and index within that track's
// queue) with the smallest MKV-scaled timestamp across all track heads.
// Ties between a non-key and a key frame on different tracks favor the
// non-key; if both candidates are equally eligible after that the key
// frame's timestamp is nudged forward by one timecode unit in place so
// a subsequent comparison (and the packager) never opens a cluster on a
// frame that shares a scaled timestamp with another track's frame.
func (c *Coordinator) pickRelease() (trackID uint64, idx int) {
	bestTrack := c.order[0]
	bestScaled := c.scaledTs(c.queues[bestTrack][0].PTS)
	bestIsKey := c.queues[bestTrack][0].IsKeyFrame()

	for _, id := range c.order[1:] {
		f := c.queues[id][0]
		scaled := c.scaledTs(f.PTS)
		isKey := f.IsKeyFrame()

		switch {
		case scaled < bestScaled:
			bestTrack, bestScaled, bestIsKey = id, scaled, isKey
		case scaled == bestScaled:
			if bestIsKey && !isKey {
				// incumbent is a key frame, challenger is not: nudge the
				// key frame's timestamp forward and prefer the non-key.
				c.nudgeForward(bestTrack, 0)
				bestTrack, bestScaled, bestIsKey = id, scaled, isKey
			} else if !bestIsKey && isKey {
				c.nudgeForward(id, 0)
			}
		}
	}
	return bestTrack, 0
}

func (c *Coordinator) scaledTs(ts time.Duration) int64 {
	return int64(ts / c.cfg.TimecodeScale)
}

func (c *Coordinator) nudgeForward(trackID uint64, idx int) {
	f := c.queues[trackID][idx]
	f.PTS += c.cfg.TimecodeScale
	c.queues[trackID][idx] = f
}

// flushAll releases every queued frame across all tracks in timestamp
// order (used on an EndOfFragment sentinel), ignoring the all-tracks-ready
// gate since the fragment is ending regardless of partial tracks.
func (c *Coordinator) flushAll() error {
	for c.anyQueued() {
		trackID, idx := c.pickReleaseAny()
		f := c.queues[trackID][idx]
		c.queues[trackID] = append(c.queues[trackID][:idx], c.queues[trackID][idx+1:]...)
		if err := c.cfg.Sink(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) anyQueued() bool {
	for _, id := range c.order {
		if len(c.queues[id]) > 0 {
			return true
		}
	}
	return false
}

// pickReleaseAny is pickRelease's counterpart for flushAll: it considers
// only tracks that currently have queued frames.
func (c *Coordinator) pickReleaseAny() (trackID uint64, idx int) {
	found := false
	var bestTrack uint64
	var bestScaled int64
	for _, id := range c.order {
		if len(c.queues[id]) == 0 {
			continue
		}
		scaled := c.scaledTs(c.queues[id][0].PTS)
		if !found || scaled < bestScaled {
			bestTrack, bestScaled, found = id, scaled, true
		}
	}
	return bestTrack, 0
}
