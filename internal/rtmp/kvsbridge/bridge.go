// Package kvsbridge adapts an ingested RTMP publish stream into frames fed
// to a kvs/stream.Stream. It implements media.Subscriber so the server's
// existing registry/relay plumbing (internal/rtmp/server,
// internal/rtmp/media) can attach a bridge the same way it attaches any
// other subscriber — no changes to the RTMP ingest path are required.
package kvsbridge

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
	"github.com/alxayo/go-kvs-producer/internal/kvs/stream"
	"github.com/alxayo/go-kvs-producer/internal/rtmp/chunk"
	"github.com/alxayo/go-kvs-producer/internal/rtmp/media"
)

// Bridge converts RTMP audio/video messages (FLV tag encoding, per
// media.ParseVideoMessage / media.ParseAudioMessage) into kvs/frame.Frame
// values and puts them on a Stream. Only AVC video and AAC audio are
// forwarded; other codecs are dropped rather than erroring, since codec
// transcoding is out of scope.
type Bridge struct {
	target       *stream.Stream
	videoTrackID uint64
	audioTrackID uint64
	log          *slog.Logger
}

// New builds a Bridge that feeds target. videoTrackID/audioTrackID must
// match track IDs configured on target's mkv.TrackInfo list.
func New(target *stream.Stream, videoTrackID, audioTrackID uint64, log *slog.Logger) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{target: target, videoTrackID: videoTrackID, audioTrackID: audioTrackID, log: log}
}

var _ media.Subscriber = (*Bridge)(nil)
var _ media.TrySendMessage = (*Bridge)(nil)

// SendMessage implements media.Subscriber.
func (b *Bridge) SendMessage(msg *chunk.Message) error { return b.handle(msg) }

// TrySendMessage implements media.TrySendMessage. PutFrame's own
// availability protocol (spec §4.6.a) already applies backpressure
// policy, so this is never actually non-blocking under PolicyBlock — it
// exists so the relay's non-blocking path doesn't silently drop frames it
// thinks it can't deliver.
func (b *Bridge) TrySendMessage(msg *chunk.Message) bool {
	if err := b.handle(msg); err != nil {
		b.log.Warn("kvsbridge: dropped frame", "err", err)
		return false
	}
	return true
}

func (b *Bridge) handle(msg *chunk.Message) error {
	switch msg.TypeID {
	case 9:
		return b.handleVideo(msg)
	case 8:
		return b.handleAudio(msg)
	default:
		return nil
	}
}

func (b *Bridge) handleVideo(msg *chunk.Message) error {
	if len(msg.Payload) > 0 && msg.Payload[0]&0x0F != 7 {
		return nil // not AVC: dropped
	}
	vm, err := media.ParseVideoMessage(msg.Payload)
	if err != nil {
		return fmt.Errorf("kvsbridge: parse video: %w", err)
	}
	if vm.Codec != media.VideoCodecAVC {
		return nil
	}
	if len(vm.Payload) < 3 {
		return fmt.Errorf("kvsbridge: video payload truncated (need composition time)")
	}
	compositionTime := decodeCompositionTime(vm.Payload[0], vm.Payload[1], vm.Payload[2])
	nal := vm.Payload[3:]

	if vm.PacketType == media.AVCPacketTypeSequenceHeader {
		return b.target.SetCodecPrivateData(b.videoTrackID, nal)
	}

	dts := time.Duration(msg.Timestamp) * time.Millisecond
	pts := dts + time.Duration(compositionTime)*time.Millisecond
	flags := frame.Flags(0)
	if vm.FrameType == media.VideoFrameTypeKey {
		flags |= frame.KeyFrame
	}
	return b.target.PutFrame(frame.Frame{TrackID: b.videoTrackID, PTS: pts, DTS: dts, Flags: flags, Payload: nal})
}

func (b *Bridge) handleAudio(msg *chunk.Message) error {
	if len(msg.Payload) > 0 && msg.Payload[0]>>4 != 10 {
		return nil // not AAC: dropped
	}
	am, err := media.ParseAudioMessage(msg.Payload)
	if err != nil {
		return fmt.Errorf("kvsbridge: parse audio: %w", err)
	}
	if am.Codec != media.AudioCodecAAC {
		return nil
	}
	if am.PacketType == media.AACPacketTypeSequenceHeader {
		return b.target.SetCodecPrivateData(b.audioTrackID, am.Payload)
	}

	ts := time.Duration(msg.Timestamp) * time.Millisecond
	// Audio has no non-reference frames; every AAC raw packet is a
	// decodable unit on its own, so it is always treated as a key frame
	// for fragmentation purposes.
	return b.target.PutFrame(frame.Frame{TrackID: b.audioTrackID, PTS: ts, DTS: ts, Flags: frame.KeyFrame, Payload: am.Payload})
}

// decodeCompositionTime decodes the signed 24-bit big-endian composition
// time offset FLV stores ahead of each AVC NALU payload.
func decodeCompositionTime(b0, b1, b2 byte) int32 {
	v := int32(b0)<<16 | int32(b1)<<8 | int32(b2)
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}
