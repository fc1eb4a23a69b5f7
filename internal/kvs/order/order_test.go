package order

import (
	"testing"
	"time"

	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestPassThroughForwardsImmediately(t *testing.T) {
	var got []frame.Frame
	c, err := New(Config{Mode: ModePassThrough, Sink: func(f frame.Frame) error {
		got = append(got, f)
		return nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(5)})
	if len(got) != 1 {
		t.Fatalf("expected immediate forward, got %d frames", len(got))
	}
}

func TestOrderedReleasesEarliestAcrossTracksOnceAllReady(t *testing.T) {
	var got []frame.Frame
	c, err := New(Config{Mode: ModeOrdered, TrackIDs: []uint64{1, 2}, Sink: func(f frame.Frame) error {
		got = append(got, f)
		return nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// video (track 1) frame at 0ms queued, no release yet (audio track empty).
	c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(0), Flags: frame.KeyFrame})
	if len(got) != 0 {
		t.Fatalf("expected no release before all tracks have data, got %d", len(got))
	}
	// audio (track 2) frame at 0ms arrives -> both tracks ready, release earliest.
	c.PutFrame(frame.Frame{TrackID: 2, PTS: ms(0)})
	if len(got) != 1 {
		t.Fatalf("expected exactly one release, got %d", len(got))
	}
}

func TestTieBreakFavorsNonKeyFrame(t *testing.T) {
	var got []frame.Frame
	c, err := New(Config{Mode: ModeOrdered, TrackIDs: []uint64{1, 2}, Sink: func(f frame.Frame) error {
		got = append(got, f)
		return nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(100), Flags: frame.KeyFrame})
	c.PutFrame(frame.Frame{TrackID: 2, PTS: ms(100)}) // non-key, same scaled ts

	if len(got) != 1 {
		t.Fatalf("expected one release, got %d", len(got))
	}
	if got[0].TrackID != 2 {
		t.Fatalf("expected non-key frame (track 2) released first, got track %d", got[0].TrackID)
	}
}

func TestEndOfFragmentFlushesAllQueuedFrames(t *testing.T) {
	var got []frame.Frame
	c, err := New(Config{Mode: ModeOrdered, TrackIDs: []uint64{1, 2}, Sink: func(f frame.Frame) error {
		got = append(got, f)
		return nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(0), Flags: frame.KeyFrame})
	// only track 1 has data; nothing released yet.
	if len(got) != 0 {
		t.Fatalf("expected no release yet, got %d", len(got))
	}
	eofr := frame.EndOfFragmentSentinel(1, ms(33))
	if err := c.PutFrame(eofr); err != nil {
		t.Fatalf("put eofr: %v", err)
	}
	// queued frame flushed, then sentinel forwarded.
	if len(got) != 2 {
		t.Fatalf("expected queued frame + sentinel forwarded, got %d", len(got))
	}
	if !got[1].IsEndOfFragment() {
		t.Fatalf("expected sentinel forwarded last")
	}
}

func TestQueueOverflowReturnsMaxFrameTimestampDelta(t *testing.T) {
	c, err := New(Config{Mode: ModeOrdered, TrackIDs: []uint64{1, 2}, MaxQueueDepth: 2, Sink: func(frame.Frame) error {
		return nil
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	// track 2 never gets data, so track 1's queue just accumulates.
	for i := 0; i < 2; i++ {
		if err := c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(i)}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if err := c.PutFrame(frame.Frame{TrackID: 1, PTS: ms(2)}); err == nil {
		t.Fatalf("expected overflow error")
	}
}
