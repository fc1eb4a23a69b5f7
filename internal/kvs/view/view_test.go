package view

import (
	"testing"
	"time"
)

func msec(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestAppendIndicesStrictlyIncreasing(t *testing.T) {
	v := New(Config{CapacityItems: 100})
	var last uint64
	for i := 0; i < 10; i++ {
		idx := v.Append(msec(i*33), msec(i*33), msec(33), 0, 0, 100, 0)
		if i > 0 && idx != last+1 {
			t.Fatalf("index %d not contiguous after %d", idx, last)
		}
		last = idx
	}
}

func TestGetNextAdvancesAndEmpties(t *testing.T) {
	v := New(Config{CapacityItems: 10})
	v.Append(0, 0, msec(33), 0, 0, 10, StreamStart|FragmentStart)
	v.Append(msec(33), msec(33), msec(33), 0, 0, 10, 0)

	it, ok := v.GetNext()
	if !ok || it.Index != 0 {
		t.Fatalf("expected first item, got %+v ok=%v", it, ok)
	}
	it, ok = v.GetNext()
	if !ok || it.Index != 1 {
		t.Fatalf("expected second item, got %+v ok=%v", it, ok)
	}
	if _, ok := v.GetNext(); ok {
		t.Fatalf("expected Empty after exhausting view")
	}
}

func TestCapacityEvictionFiresRemovalCallback(t *testing.T) {
	var removed []ViewItem
	var currentRemovedFlags []bool
	v := New(Config{CapacityItems: 3, OnRemove: func(item ViewItem, currentRemoved bool) {
		removed = append(removed, item)
		currentRemovedFlags = append(currentRemovedFlags, currentRemoved)
	}})

	for i := 0; i < 5; i++ {
		v.Append(msec(i*33), msec(i*33), msec(33), 0, 0, 10, 0)
	}

	if len(removed) != 2 {
		t.Fatalf("expected 2 evictions, got %d", len(removed))
	}
	if removed[0].Index != 0 || removed[1].Index != 1 {
		t.Fatalf("unexpected eviction order: %+v", removed)
	}
	// current cursor never advanced, so every eviction removed an unserved item.
	for i, v := range currentRemovedFlags {
		if !v {
			t.Fatalf("eviction %d expected currentRemoved=true", i)
		}
	}
	if v.Len() != 3 {
		t.Fatalf("expected 3 retained items, got %d", v.Len())
	}
}

func TestTrimTailPersistedAckScenario(t *testing.T) {
	// S3: fragments F1..F5 (one item each for simplicity); server persists F3.
	v := New(Config{CapacityItems: 10})
	var idx [5]uint64
	for i := 0; i < 5; i++ {
		idx[i] = v.Append(msec(i*1000), msec(i*1000), msec(1000), 0, 0, 10, FragmentStart|FragmentEnd)
	}
	v.TrimTail(idx[3]) // trims F1, F2, F3 (indices < idx[3])

	if v.Len() != 2 {
		t.Fatalf("expected 2 items remaining, got %d", v.Len())
	}
	if _, ok := v.GetItemAt(idx[0]); ok {
		t.Fatalf("expected F1 trimmed")
	}
	if _, ok := v.GetItemAt(idx[3]); !ok {
		t.Fatalf("expected F4 retained")
	}
}

func TestRollbackCurrentRespectsReplayDuration(t *testing.T) {
	v := New(Config{CapacityItems: 10})
	for i := 0; i < 10; i++ {
		v.Append(msec(i*100), msec(i*100), msec(100), 0, 0, 10, 0)
	}
	for i := 0; i < 10; i++ {
		v.GetNext()
	}
	v.RollbackCurrent(msec(250), false, false)
	cur, ok := v.GetCurrent()
	if !ok {
		t.Fatalf("expected a current item after rollback")
	}
	it, _ := v.GetItemAt(cur)
	if it.Timestamp < msec(1000-250) {
		t.Fatalf("rolled back too far: %v", it.Timestamp)
	}
}

func TestRollbackCurrentStopsAtPersistedAck(t *testing.T) {
	v := New(Config{CapacityItems: 10})
	var idx []uint64
	for i := 0; i < 10; i++ {
		idx = append(idx, v.Append(msec(i*100), msec(i*100), msec(100), 0, 0, 10, 0))
	}
	for i := 0; i < 10; i++ {
		v.GetNext()
	}
	// mark index 7 persisted
	if pos, ok := v.findIndexLocked(idx[7]); ok {
		v.items[pos].Flags |= PersistedAckSeen
	}
	v.RollbackCurrent(msec(900), false, true)
	cur, _ := v.GetCurrent()
	if cur < idx[7] {
		t.Fatalf("rollback should not move earlier than persisted ack item, got %d", cur)
	}
}

func TestGetItemWithTimestampClampsToTail(t *testing.T) {
	v := New(Config{CapacityItems: 10})
	v.Append(msec(100), msec(100), msec(33), 0, 0, 10, 0)
	v.Append(msec(133), msec(133), msec(33), 0, 0, 10, 0)

	it, ok := v.GetItemWithTimestamp(msec(0), false)
	if !ok || it.Index != 0 {
		t.Fatalf("expected clamp to tail, got %+v ok=%v", it, ok)
	}
}
