// Package view implements the content view of spec §4.2: an ordered,
// timestamp-indexed sequence of ViewItems over content-store allocations,
// used as the rolling buffer between the producer and uploader sides of a
// Stream. The view owns no bytes itself — items reference allocation
// handles by value, per spec §3's ownership rule.
package view

import (
	"sort"
	"sync"
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
)

// Flags classifies a ViewItem. Values mirror spec §3.
type Flags uint16

const (
	StreamStart Flags = 1 << iota
	FragmentStart
	FragmentEnd
	BufferingAckSeen
	ReceivedAckSeen
	PersistedAckSeen
	Skip
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// ViewItem is one packaged unit of bytes in a stream's rolling buffer.
type ViewItem struct {
	Index        uint64
	Timestamp    time.Duration // PTS-aligned
	AckTimestamp time.Duration // DTS-aligned; correlates to FragmentAck timecodes
	Duration     time.Duration
	Handle       handle.Handle
	Offset       int
	Length       int
	Flags        Flags
}

// RemovalCallback is invoked when an item leaves the tail, either because
// capacity was exceeded or a trim was requested. currentRemoved reports
// whether the evicted item was at or ahead of the view's current cursor —
// i.e. the uploader had not yet served it. Per spec §9 this is the "policy"
// half of the removal split: the view only reports the decision, the
// caller (the owning Stream) performs the "effect" of releasing storage.
type RemovalCallback func(item ViewItem, currentRemoved bool)

// View is a bounded sequence of ViewItems with three logical cursors: tail
// (items[0] once trimmed), current (next byte to upload), and head (next
// append position, i.e. len(items)).
type View struct {
	mu            sync.Mutex
	items         []ViewItem
	currentPos    int // slice index; len(items) means "caught up to head"
	nextIndex     uint64
	capacityItems int
	onRemove      RemovalCallback
}

// Config configures capacity. CapacityItems is a count-based stand-in for
// spec §3's bufferDuration×frameRate derivation — callers compute it from
// their own frame-rate/duration policy and pass the resulting item count.
type Config struct {
	CapacityItems int
	OnRemove      RemovalCallback
}

func (c *Config) applyDefaults() {
	if c.CapacityItems <= 0 {
		c.CapacityItems = 1024
	}
	if c.OnRemove == nil {
		c.OnRemove = func(ViewItem, bool) {}
	}
}

// New creates an empty View.
func New(cfg Config) *View {
	cfg.applyDefaults()
	return &View{capacityItems: cfg.CapacityItems, onRemove: cfg.OnRemove}
}

// Append adds a new item at the head, returning its Index. If the view is
// at capacity the tail item is evicted first (dropped, not spilled — the
// store allocation it references is the caller's to free via onRemove).
func (v *View) Append(ts, ackTs, dur time.Duration, h handle.Handle, offset, length int, flags Flags) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.items) >= v.capacityItems {
		v.evictTailLocked()
	}

	idx := v.nextIndex
	v.nextIndex++
	v.items = append(v.items, ViewItem{
		Index: idx, Timestamp: ts, AckTimestamp: ackTs, Duration: dur,
		Handle: h, Offset: offset, Length: length, Flags: flags,
	})
	return idx
}

// evictTailLocked drops items[0], firing onRemove. Caller holds v.mu.
func (v *View) evictTailLocked() {
	if len(v.items) == 0 {
		return
	}
	evicted := v.items[0]
	currentRemoved := v.currentPos <= 0
	v.items = v.items[1:]
	v.currentPos--
	if v.currentPos < 0 {
		v.currentPos = 0
	}
	v.onRemove(evicted, currentRemoved)
}

// GetNext returns the item at the current cursor and advances it, or
// ok=false ("Empty") if the cursor has caught up to head.
func (v *View) GetNext() (ViewItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.currentPos >= len(v.items) {
		return ViewItem{}, false
	}
	item := v.items[v.currentPos]
	v.currentPos++
	return item, true
}

// Peek returns the item at the current cursor without advancing it.
func (v *View) Peek() (ViewItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.currentPos >= len(v.items) {
		return ViewItem{}, false
	}
	return v.items[v.currentPos], true
}

// GetItemAt returns the item with the given Index, if still retained.
func (v *View) GetItemAt(index uint64) (ViewItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.findIndexLocked(index)
	if !ok {
		return ViewItem{}, false
	}
	return v.items[pos], true
}

func (v *View) findIndexLocked(index uint64) (int, bool) {
	if len(v.items) == 0 {
		return 0, false
	}
	lo, hi := v.items[0].Index, v.items[len(v.items)-1].Index
	if index < lo || index > hi {
		return 0, false
	}
	pos := int(index - lo)
	if pos < 0 || pos >= len(v.items) || v.items[pos].Index != index {
		return 0, false
	}
	return pos, true
}

// GetCurrent returns the Index of the item the cursor currently points to.
// ok is false if the cursor has caught up to head (no current item).
func (v *View) GetCurrent() (uint64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.currentPos >= len(v.items) {
		return 0, false
	}
	return v.items[v.currentPos].Index, true
}

// SetCurrent repositions the current cursor to the item with the given
// Index.
func (v *View) SetCurrent(index uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.findIndexLocked(index)
	if !ok {
		return kvserrors.NewKind(kvserrors.KindInvalidArgument, "view.setCurrent", nil)
	}
	v.currentPos = pos
	return nil
}

// GetItemWithTimestamp finds the item whose [ts, ts+duration) window
// contains the target timestamp (or AckTimestamp window if useAckTs).
// Out-of-range queries are tolerant: a target predating the tail clamps to
// the tail item.
func (v *View) GetItemWithTimestamp(ts time.Duration, useAckTs bool) (ViewItem, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return ViewItem{}, false
	}
	key := func(it ViewItem) time.Duration {
		if useAckTs {
			return it.AckTimestamp
		}
		return it.Timestamp
	}
	if ts <= key(v.items[0]) {
		return v.items[0], true
	}
	pos := sort.Search(len(v.items), func(i int) bool { return key(v.items[i]) > ts }) - 1
	if pos < 0 {
		pos = 0
	}
	if pos >= len(v.items) {
		pos = len(v.items) - 1
	}
	return v.items[pos], true
}

// InWindow reports whether ts falls inside the current→head window,
// i.e. whether it is eligible for ACK correlation right now.
func (v *View) InWindow(ts time.Duration, useAckTs bool) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.currentPos >= len(v.items) {
		return false
	}
	key := func(it ViewItem) time.Duration {
		if useAckTs {
			return it.AckTimestamp
		}
		return it.Timestamp
	}
	head := v.items[len(v.items)-1]
	return ts >= key(v.items[v.currentPos]) && ts <= key(head)+head.Duration
}

// RollbackCurrent moves the current cursor backward so that
// head.ts - current.ts <= replayDuration, where head.ts is the end of the
// newest item (its timestamp plus duration). If onlyToFragmentStart, the
// cursor then advances to the first FragmentStart item at or after that
// position (it stays put if there is none); if onlyToPersistedAck, it
// never moves earlier than the latest item flagged PersistedAckSeen.
func (v *View) RollbackCurrent(replayDuration time.Duration, onlyToFragmentStart, onlyToPersistedAck bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		v.currentPos = 0
		return
	}
	head := v.items[len(v.items)-1]
	target := head.Timestamp + head.Duration - replayDuration

	pos := v.currentPos
	if pos > len(v.items) {
		pos = len(v.items)
	}
	newPos := pos
	for i := pos - 1; i >= 0; i-- {
		if v.items[i].Timestamp < target {
			break
		}
		newPos = i
	}

	if onlyToFragmentStart {
		for i := newPos; i < len(v.items); i++ {
			if v.items[i].Flags.Has(FragmentStart) {
				newPos = i
				break
			}
		}
	}
	if onlyToPersistedAck {
		lastPersisted := -1
		for i := 0; i < pos && i < len(v.items); i++ {
			if v.items[i].Flags.Has(PersistedAckSeen) {
				lastPersisted = i
			}
		}
		if lastPersisted >= 0 && lastPersisted > newPos {
			newPos = lastPersisted
		}
	}
	v.currentPos = newPos
}

// SetItemFlag ORs flag into the item at index, if still retained. Used by
// the stream runtime to record ACK-derived flags (BufferingAckSeen,
// ReceivedAckSeen, PersistedAckSeen, Skip) on a specific item.
func (v *View) SetItemFlag(index uint64, flag Flags) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.findIndexLocked(index)
	if !ok {
		return
	}
	v.items[pos].Flags |= flag
}

// ReplaceItemStorage swaps the storage backing the item at index for a new
// allocation, ORing extraFlags into its flags (e.g. StreamStart, once a
// reconnect fixup has prepended a fresh header). Returns the handle the
// item referenced before the swap so the caller can free it once the swap
// has succeeded, and ok=false if index is no longer retained.
func (v *View) ReplaceItemStorage(index uint64, h handle.Handle, offset, length int, extraFlags Flags) (handle.Handle, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	pos, ok := v.findIndexLocked(index)
	if !ok {
		return handle.Invalid, false
	}
	old := v.items[pos].Handle
	v.items[pos].Handle = h
	v.items[pos].Offset = offset
	v.items[pos].Length = length
	v.items[pos].Flags |= extraFlags
	return old, true
}

// TrimTail drops every item with Index < index from the tail, firing
// onRemove for each. Used after a Persisted ACK to release storage up to
// (and including) the acked fragment boundary.
func (v *View) TrimTail(index uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(v.items) > 0 && v.items[0].Index < index {
		v.evictTailLocked()
	}
}

// TrimTailItems drops exactly the oldest item, if any.
func (v *View) TrimTailItems() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.evictTailLocked()
}

// WindowDuration returns (current→head, tail→head) in wall-clock duration.
func (v *View) WindowDuration() (currentToHead, tailToHead time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.items) == 0 {
		return 0, 0
	}
	head := v.items[len(v.items)-1]
	tailToHead = head.Timestamp + head.Duration - v.items[0].Timestamp
	if tailToHead < 0 {
		tailToHead = 0
	}
	if v.currentPos >= len(v.items) {
		return 0, tailToHead
	}
	currentToHead = head.Timestamp + head.Duration - v.items[v.currentPos].Timestamp
	if currentToHead < 0 {
		currentToHead = 0
	}
	return currentToHead, tailToHead
}

// WindowByteSize returns (current→head, tail→head) in bytes.
func (v *View) WindowByteSize() (currentToHead, tailToHead int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, it := range v.items {
		tailToHead += it.Length
		if i >= v.currentPos {
			currentToHead += it.Length
		}
	}
	return currentToHead, tailToHead
}

// RemoveAll clears the view, firing onRemove for every remaining item.
func (v *View) RemoveAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(v.items) > 0 {
		v.evictTailLocked()
	}
	v.currentPos = 0
}

// Len reports the number of retained items (diagnostics/tests only).
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}
