// Package mkv implements the MKV packager of spec §4.3: an EBML/Matroska
// writer that turns Frames into a self-contained byte stream (Segment,
// Tracks, SegmentInfo, Cluster, SimpleBlock/BlockGroup, Tags), one fragment
// (Cluster) per key frame or explicit EndOfFragment marker.
package mkv

import (
	"bytes"
	"time"

	"github.com/google/uuid"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
)

// GeneratorState tracks where in a fragment the Generator currently is.
type GeneratorState int

const (
	StateNone GeneratorState = iota
	StateStartStream
	StateStartCluster
	StateStartBlock
)

func (s GeneratorState) String() string {
	switch s {
	case StateStartStream:
		return "StartStream"
	case StateStartCluster:
		return "StartCluster"
	case StateStartBlock:
		return "StartBlock"
	default:
		return "None"
	}
}

// TrackInfo describes one Matroska track (spec §4.3).
type TrackInfo struct {
	TrackID           uint64
	TrackUID          uint64
	TrackType         uint8 // 1 = video, 2 = audio
	CodecID           string
	CodecPrivateData  []byte
	NalAdaptationFlag NalAdaptation
}

// NalAdaptation selects the Annex-B<->AVCC conversion the packager applies
// to a track's frame payloads before writing them into a SimpleBlock.
type NalAdaptation uint8

const (
	NalAdaptationNone NalAdaptation = iota
	NalAdaptationAnnexBToAvcc
	NalAdaptationAvccToAnnexB
)

// PackageInfo reports where a frame landed relative to stream/cluster
// timebases, for callers that need to correlate produced bytes with view
// timestamps (the content view append call uses these fields directly).
type PackageInfo struct {
	State                GeneratorState
	StreamStartTimestamp time.Duration
	ClusterPTS           time.Duration
	ClusterDTS           time.Duration
	FramePTS             time.Duration // cluster-relative
	FrameDTS             time.Duration // cluster-relative
	DataOffset           int           // offset of frame payload within produced bytes
}

// Config configures a Generator. TimecodeScale defaults to 1ms, matching
// spec §6's wire format.
type Config struct {
	TimecodeScale         time.Duration
	AbsoluteFragmentTimes bool
	KeyFrameFragmentation bool
	FragmentDuration      time.Duration
	SegmentUUID           uuid.UUID
	Tracks                []TrackInfo
}

func (c *Config) applyDefaults() {
	if c.TimecodeScale <= 0 {
		c.TimecodeScale = time.Millisecond
	}
	if c.SegmentUUID == uuid.Nil {
		c.SegmentUUID = uuid.New()
	}
}

// Generator holds the mutable EBML-writer state for one stream. It is not
// safe for concurrent use; the owning Stream serializes access under its
// own lock.
type Generator struct {
	cfg Config

	streamStarted   bool
	streamStartTs   time.Duration
	clusterOpen     bool
	clusterStartTs  time.Duration
	lastFrameWasEofr bool
	sawKeyFrameSinceReset bool
	streaming       bool // true once PutStream is active; gates SetCodecPrivateData
	tracksByID      map[uint64]*TrackInfo
}

// NewGenerator constructs a Generator from cfg, applying defaults.
func NewGenerator(cfg Config) (*Generator, error) {
	cfg.applyDefaults()
	if len(cfg.Tracks) == 0 {
		return nil, kvserrors.NewKind(kvserrors.KindInvalidArgument, "mkv.NewGenerator", nil)
	}
	byID := make(map[uint64]*TrackInfo, len(cfg.Tracks))
	for i := range cfg.Tracks {
		byID[cfg.Tracks[i].TrackID] = &cfg.Tracks[i]
	}
	return &Generator{cfg: cfg, tracksByID: byID}, nil
}

// SetStreaming toggles whether the stream is actively being put, which
// gates SetCodecPrivateData (spec §4.3: codec private data is immutable
// once a PutStream is in flight).
func (g *Generator) SetStreaming(streaming bool) { g.streaming = streaming }

// SetCodecPrivateData updates the codec private data for trackID. Returns
// an error if the stream is currently streaming.
func (g *Generator) SetCodecPrivateData(trackID uint64, cpd []byte) error {
	if g.streaming {
		return kvserrors.NewKind(kvserrors.KindInvalidStreamState, "mkv.SetCodecPrivateData", nil)
	}
	tr, ok := g.tracksByID[trackID]
	if !ok {
		return kvserrors.NewKind(kvserrors.KindMkvTrackInfoNotFound, "mkv.SetCodecPrivateData", nil)
	}
	tr.CodecPrivateData = cpd
	return nil
}

// CodecPrivateData returns trackID's current codec private data.
func (g *Generator) CodecPrivateData(trackID uint64) ([]byte, bool) {
	tr, ok := g.tracksByID[trackID]
	if !ok {
		return nil, false
	}
	return tr.CodecPrivateData, true
}

// Reset clears all fragment/cluster state, as if the Generator were freshly
// constructed, without forgetting track configuration.
func (g *Generator) Reset() {
	g.streamStarted = false
	g.streamStartTs = 0
	g.clusterOpen = false
	g.clusterStartTs = 0
	g.lastFrameWasEofr = false
	g.sawKeyFrameSinceReset = false
}

// startsNewFragment reports whether f should open a new Cluster: either it
// is a key frame under KeyFrameFragmentation, or it directly follows an
// EndOfFragment sentinel, or the running cluster has exceeded
// FragmentDuration.
func (g *Generator) startsNewFragment(f frame.Frame) bool {
	if !g.clusterOpen {
		return true
	}
	if g.lastFrameWasEofr {
		return true
	}
	if g.cfg.KeyFrameFragmentation && f.IsKeyFrame() {
		return true
	}
	if g.cfg.FragmentDuration > 0 && f.PTS-g.clusterStartTs >= g.cfg.FragmentDuration {
		return true
	}
	return false
}

// Measure reports the byte size and PackageInfo that PackageFrame would
// produce for f, without mutating Generator state or adapting f's payload.
// Used by callers that need to size a content-store allocation before the
// bytes exist (spec §4.3's "measure-only" mode).
func (g *Generator) Measure(f frame.Frame, trackID uint64) (int, PackageInfo, error) {
	info, newCluster, err := g.planFrame(f, trackID)
	if err != nil {
		return 0, PackageInfo{}, err
	}
	size := g.estimateSize(f, newCluster)
	return size, info, nil
}

// PackageFrame serializes f (after NAL adaptation per the track's
// NalAdaptationFlag) into Matroska bytes, opening a new Cluster first if
// startsNewFragment reports true. It mutates Generator state: the next
// call continues from the resulting cluster/stream position.
func (g *Generator) PackageFrame(f frame.Frame, trackID uint64) ([]byte, PackageInfo, error) {
	info, newCluster, err := g.planFrame(f, trackID)
	if err != nil {
		return nil, PackageInfo{}, err
	}

	tr := g.tracksByID[trackID]
	payload := adaptNal(f.Payload, tr.NalAdaptationFlag)

	var buf bytes.Buffer
	if newCluster {
		g.writeClusterStart(&buf, f)
	}
	dataOffset := buf.Len()
	writeSimpleBlock(&buf, trackID, info.FramePTS/g.cfg.TimecodeScale, f.IsKeyFrame(), payload)
	info.DataOffset = dataOffset

	g.lastFrameWasEofr = f.IsEndOfFragment()
	if f.IsKeyFrame() {
		g.sawKeyFrameSinceReset = true
	}
	return buf.Bytes(), info, nil
}

// planFrame computes the PackageInfo for f and reports whether packaging it
// opens a new cluster, without mutating Generator state (both Measure and
// PackageFrame share this so their reported offsets/timestamps agree).
func (g *Generator) planFrame(f frame.Frame, trackID uint64) (PackageInfo, bool, error) {
	if _, ok := g.tracksByID[trackID]; !ok {
		return PackageInfo{}, false, kvserrors.NewKind(kvserrors.KindMkvTrackInfoNotFound, "mkv.planFrame", nil)
	}
	if g.lastFrameWasEofr && f.IsEndOfFragment() {
		return PackageInfo{}, false, kvserrors.NewKind(kvserrors.KindMultipleConsecutiveEofr, "mkv.planFrame", nil)
	}
	if f.IsEndOfFragment() && f.IsKeyFrame() {
		return PackageInfo{}, false, kvserrors.NewKind(kvserrors.KindSettingKeyFrameWhileUsingEofr, "mkv.planFrame", nil)
	}

	newCluster := g.startsNewFragment(f)
	state := StateStartBlock
	streamStartTs := g.streamStartTs
	clusterStartTs := g.clusterStartTs

	if !g.streamStarted {
		streamStartTs = f.PTS
		state = StateStartStream
	}
	if newCluster {
		clusterStartTs = f.PTS
		if state == StateStartBlock {
			state = StateStartCluster
		}
	}

	return PackageInfo{
		State:                state,
		StreamStartTimestamp: streamStartTs,
		ClusterPTS:           clusterStartTs,
		ClusterDTS:           clusterStartTs,
		FramePTS:             f.PTS - clusterStartTs,
		FrameDTS:             f.DTS - clusterStartTs,
	}, newCluster, nil
}

// estimateSize returns an upper bound on PackageFrame's output length for
// f, used by Measure's callers to size an allocation conservatively.
func (g *Generator) estimateSize(f frame.Frame, newCluster bool) int {
	const simpleBlockOverhead = 32
	const clusterOverhead = 64
	size := simpleBlockOverhead + len(f.Payload)
	if newCluster {
		size += clusterOverhead
		if !g.streamStarted {
			header, _ := g.generateHeaderBytes()
			size += len(header)
		}
	}
	return size
}

func (g *Generator) writeClusterStart(buf *bytes.Buffer, f frame.Frame) {
	if !g.streamStarted {
		header, _ := g.generateHeaderBytes()
		buf.Write(header)
		g.streamStarted = true
		g.streamStartTs = f.PTS
	}
	g.clusterOpen = true
	g.clusterStartTs = f.PTS

	var clusterBuf bytes.Buffer
	writeID(&clusterBuf, idCluster)
	clusterBuf.Write([]byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) // unknown-size Cluster
	writeUintElement(&clusterBuf, idTimecode, uint64(f.PTS/g.cfg.TimecodeScale))
	buf.Write(clusterBuf.Bytes())
}

// GenerateHeader produces the EBML header + Segment(Info+Tracks) prologue
// for this Generator's configuration, without opening a Cluster.
func (g *Generator) GenerateHeader() ([]byte, time.Duration, error) {
	b, err := g.generateHeaderBytes()
	return b, g.streamStartTs, err
}

func (g *Generator) generateHeaderBytes() ([]byte, error) {
	var ebmlHdr bytes.Buffer
	{
		var body bytes.Buffer
		writeUintElement(&body, idEBMLVersion, 1)
		writeUintElement(&body, idEBMLReadVer, 1)
		writeUintElement(&body, idMaxIDLen, 4)
		writeUintElement(&body, idMaxSizeLen, 8)
		writeStringElement(&body, idDocType, "matroska")
		writeUintElement(&body, idDocTypeVer, 2)
		writeUintElement(&body, idDocTypeRVer, 2)
		writeElement(&ebmlHdr, idEBML, body.Bytes())
	}

	var segInfo bytes.Buffer
	writeUintElement(&segInfo, idTimecodeScale, uint64(g.cfg.TimecodeScale.Nanoseconds()))
	writeStringElement(&segInfo, idMuxingApp, "go-kvs-producer")
	writeStringElement(&segInfo, idWritingApp, "go-kvs-producer")
	uid := g.cfg.SegmentUUID
	writeElement(&segInfo, idSegmentUID, uid[:])

	var tracks bytes.Buffer
	for _, tr := range g.cfg.Tracks {
		var entry bytes.Buffer
		writeUintElement(&entry, idTrackNumber, tr.TrackID)
		writeUintElement(&entry, idTrackUID, tr.TrackUID)
		writeUintElement(&entry, idTrackType, uint64(tr.TrackType))
		writeStringElement(&entry, idCodecID, tr.CodecID)
		if len(tr.CodecPrivateData) > 0 {
			writeElement(&entry, idCodecPrivate, tr.CodecPrivateData)
		}
		writeElement(&tracks, idTrackEntry, entry.Bytes())
	}

	var segmentBody bytes.Buffer
	writeElement(&segmentBody, idSegmentInfo, segInfo.Bytes())
	writeElement(&segmentBody, idTracks, tracks.Bytes())

	var out bytes.Buffer
	out.Write(ebmlHdr.Bytes())
	writeElement(&out, idSegment, segmentBody.Bytes())
	return out.Bytes(), nil
}

// GenerateTag produces a standalone Tags element carrying one SimpleTag
// name/value pair, used for AWS_KINESISVIDEO_EOFR emission (spec §6) and
// other out-of-band annotations.
func (g *Generator) GenerateTag(name, value string) ([]byte, error) {
	var simpleTag bytes.Buffer
	writeStringElement(&simpleTag, idTagName, name)
	writeStringElement(&simpleTag, idTagStr, value)

	var tag bytes.Buffer
	writeElement(&tag, idSimpleTg, simpleTag.Bytes())

	var tags bytes.Buffer
	writeElement(&tags, idTag, tag.Bytes())

	var out bytes.Buffer
	writeElement(&out, idTags, tags.Bytes())
	return out.Bytes(), nil
}

// EOFRTagName is the tag name the stream runtime writes when it encounters
// an explicit EndOfFragment sentinel (spec §6 wire format).
const EOFRTagName = "AWS_KINESISVIDEO_EOFR"

func writeSimpleBlock(buf *bytes.Buffer, trackID uint64, relativeTs time.Duration, keyFrame bool, payload []byte) {
	var block bytes.Buffer
	writeVint(&block, trackID)
	block.WriteByte(byte(relativeTs >> 8))
	block.WriteByte(byte(relativeTs))
	var flags byte
	if keyFrame {
		flags |= 0x80
	}
	block.WriteByte(flags)
	block.Write(payload)
	writeElement(buf, idSimpleBlk, block.Bytes())
}
