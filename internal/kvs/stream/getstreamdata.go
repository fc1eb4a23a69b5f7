package stream

import (
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/ack"
	"github.com/alxayo/go-kvs-producer/internal/kvs/handle"
	"github.com/alxayo/go-kvs-producer/internal/kvs/upload"
	"github.com/alxayo/go-kvs-producer/internal/kvs/view"
)

var errUploadHandleNotFound = kvserrors.NewKind(kvserrors.KindInvalidArgument, "stream.uploadHandle", nil)

// FeedAck parses an (possibly partial) ACK payload segment received on the
// connection for upload handle h, applying every FragmentAck completed by
// it. Network callbacks call this directly (spec §4.6 event handlers,
// streamFragmentAckEvent), with parsing delegated to the Stream's own
// ack.Parser so partial network reads correlate correctly across calls.
func (s *Stream) FeedAck(h handle.Handle, segment []byte) error {
	s.mu.Lock()
	acks, err := s.ackP.Feed(segment)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	for _, fa := range acks {
		if err := s.ApplyFragmentAck(h, fa); err != nil {
			return err
		}
	}
	return nil
}

// GetStreamData fills buf with the next bytes available to h, per spec
// §4.6's handle-dispatch and fill-loop. It returns the number of bytes
// written, a Status (non-error outcomes the host should not log as
// errors), and an error for anything else.
func (s *Stream) GetStreamData(h handle.Handle, buf []byte) (int, Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.up.Get(h)
	if !ok {
		return 0, StatusUploadHandleAborted, errUploadHandleNotFound
	}

	switch info.State {
	case upload.StateNew, upload.StateReady:
		if s.stopped && s.view.Len() == 0 {
			s.up.Advance(h, upload.StateTerminated)
			return 0, StatusEndOfStream, nil
		}
		if other, ok := s.up.StreamingHandle(); ok && other.Handle != h {
			return 0, StatusNoMoreDataAvailable, nil
		}
		if s.rollbackArmed {
			serverAppearedAlive := s.cfg.AckEnabled && s.lastBufferingSeen > 0
			s.view.RollbackCurrent(s.cfg.ReplayDuration, false, serverAppearedAlive)
			if err := s.reconnectFixupLocked(); err != nil {
				return 0, StatusFilled, err
			}
			s.rollbackArmed = false
		}
		if cur, ok := s.view.GetCurrent(); ok {
			if item, ok := s.view.GetItemAt(cur); ok {
				info.CaptureStreamStart(item.Timestamp)
			}
		}
		s.up.Advance(h, upload.StateStreaming)

	case upload.StateAwaitingAck:
		if info.LastPersistedAckTs >= info.LastFragmentTs {
			s.up.Advance(h, upload.StateTerminated)
			return 0, StatusEndOfStream, nil
		}
		return 0, StatusAwaitingPersistedAck, nil

	case upload.StateAckReceived:
		s.up.Advance(h, upload.StateTerminated)
		return 0, StatusEndOfStream, nil

	case upload.StateTerminated:
		return 0, StatusEndOfStream, nil

	case upload.StateError:
		return 0, StatusUploadHandleAborted, nil
	}

	return s.fillLoopLocked(h, info, buf)
}

// fillLoopLocked implements spec §4.6's fill loop for a Streaming handle.
func (s *Stream) fillLoopLocked(h handle.Handle, info *upload.Info, buf []byte) (int, Status, error) {
	var n int
	for n < len(buf) {
		cur, ok := s.view.GetCurrent()
		if !ok {
			if s.stopped {
				// No more producer input and nothing left to serve: emit the
				// pending EOFR/EOS blob if one was generated, else finish.
				if len(s.pendingEOFR) > 0 {
					copied := copy(buf[n:], s.pendingEOFR)
					s.pendingEOFR = s.pendingEOFR[copied:]
					n += copied
					continue
				}
				if s.cfg.AwaitPersistedAck && info.LastPersistedAckTs < info.LastFragmentTs {
					s.up.Advance(h, upload.StateAwaitingAck)
					return n, StatusAwaitingPersistedAck, nil
				}
				s.up.Advance(h, upload.StateTerminated)
				return n, StatusEndOfStream, nil
			}
			return n, StatusNoMoreDataAvailable, nil
		}

		item, _ := s.view.GetItemAt(cur)
		if item.Flags.Has(view.Skip) {
			s.view.GetNext()
			continue
		}

		remaining := item.Length
		mem, err := s.heap.Map(item.Handle)
		if err != nil {
			return n, StatusFilled, err
		}
		toCopy := len(buf) - n
		if toCopy > remaining {
			toCopy = remaining
		}
		if toCopy > len(mem)-item.Offset {
			toCopy = len(mem) - item.Offset
		}
		copy(buf[n:n+toCopy], mem[item.Offset:item.Offset+toCopy])
		n += toCopy
		info.LastFragmentTs = item.AckTimestamp

		s.detectStalenessLocked(item)

		s.view.GetNext() // advance past the fully-served item
		if item.Flags.Has(view.FragmentEnd) {
			break
		}
	}
	return n, StatusFilled, nil
}

// reconnectFixupLocked implements spec §4.6's streamStartFixupOnReconnect:
// the item RollbackCurrent just landed on may be a mid-fragment cluster
// with no MKV header of its own, since the rewound connection no longer has
// one buffered. It is rewritten to begin with a freshly generated header,
// the replacement bytes allocated before anything is freed so a failed
// allocation leaves the original item untouched.
func (s *Stream) reconnectFixupLocked() error {
	cur, ok := s.view.GetCurrent()
	if !ok {
		return nil
	}
	item, ok := s.view.GetItemAt(cur)
	if !ok || item.Flags.Has(view.StreamStart) {
		return nil
	}

	header, _, err := s.gen.GenerateHeader()
	if err != nil {
		return err
	}
	oldMem, err := s.heap.Map(item.Handle)
	if err != nil {
		return err
	}
	body := oldMem[item.Offset : item.Offset+item.Length]

	newH, err := s.heap.Alloc(len(header) + len(body))
	if err != nil {
		return err
	}
	newMem, err := s.heap.Map(newH)
	if err != nil {
		s.heap.Free(newH)
		return err
	}
	copy(newMem, header)
	copy(newMem[len(header):], body)

	oldHandle, ok := s.view.ReplaceItemStorage(cur, newH, 0, len(header)+len(body), view.StreamStart)
	if !ok {
		s.heap.Free(newH)
		return nil
	}
	if err := s.heap.Free(oldHandle); err != nil {
		s.log.Warn("free pre-fixup allocation failed", "err", err)
	}
	return nil
}

// detectStalenessLocked implements spec §4.6.c: if no buffering ACK has
// been recorded for items served more than ConnectionStalenessTimeout ago,
// it logs a warning; no Notifications callback is invoked.
func (s *Stream) detectStalenessLocked(served view.ViewItem) {
	if served.Flags.Has(view.BufferingAckSeen) {
		s.lastBufferingSeen = served.Timestamp
		return
	}
	if served.Timestamp-s.lastBufferingSeen > s.cfg.ConnectionStalenessTimeout {
		s.log.Warn("connection appears stale", "item_ts", served.Timestamp, "last_buffering_ack", s.lastBufferingSeen)
	}
}

// ApplyFragmentAck dispatches a parsed FragmentAck per spec §4.6's event
// handler table.
func (s *Stream) ApplyFragmentAck(h handle.Handle, fa ack.FragmentAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.up.Get(h)
	if !ok {
		return errUploadHandleNotFound
	}

	target, ok := s.view.GetItemWithTimestamp(time.Duration(fa.FragmentTimecode)*time.Millisecond, true)
	if !ok {
		return nil
	}

	switch fa.Type {
	case ack.EventBuffering:
		s.setFlagAt(target.Index, view.BufferingAckSeen)
		s.lastBufferingSeen = target.Timestamp

	case ack.EventReceived:
		s.setFlagAt(target.Index, view.ReceivedAckSeen)

	case ack.EventPersisted:
		s.setFlagAt(target.Index, view.PersistedAckSeen)
		info.LastPersistedAckTs = target.AckTimestamp
		s.view.TrimTail(target.Index + 1)
		s.cond.Broadcast()
		if target.AckTimestamp == info.LastFragmentTs && info.State == upload.StateAwaitingAck {
			s.up.Advance(h, upload.StateAckReceived)
			s.cond.Broadcast()
		}

	case ack.EventError:
		s.setFlagAt(target.Index, view.Skip)
		s.log.Warn("fragment ack error", "upload_handle", h, "error_id", fa.ErrorID)
	}
	return nil
}

func (s *Stream) setFlagAt(index uint64, flag view.Flags) {
	s.view.SetItemFlag(index, flag)
}
