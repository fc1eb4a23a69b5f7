package mkv

import (
	"testing"
	"time"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
	"github.com/alxayo/go-kvs-producer/internal/kvs/frame"
)

func testConfig() Config {
	return Config{
		KeyFrameFragmentation: true,
		Tracks: []TrackInfo{
			{TrackID: 1, TrackUID: 101, TrackType: 1, CodecID: "V_MPEG4/ISO/AVC"},
		},
	}
}

func TestGenerateHeaderProducesSegmentPrologue(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	hdr, _, err := g.GenerateHeader()
	if err != nil {
		t.Fatalf("generate header: %v", err)
	}
	if len(hdr) == 0 {
		t.Fatalf("expected non-empty header")
	}
	if hdr[0] != 0x1A {
		t.Fatalf("expected EBML element ID first, got %x", hdr[0])
	}
}

func TestPackageFrameOpensNewClusterOnKeyFrame(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	kf := frame.Frame{TrackID: 1, PTS: 0, DTS: 0, Flags: frame.KeyFrame, Payload: []byte{1, 2, 3}}
	data, info, err := g.PackageFrame(kf, 1)
	if err != nil {
		t.Fatalf("package key frame: %v", err)
	}
	if info.State != StateStartStream {
		t.Fatalf("expected StateStartStream for first frame, got %v", info.State)
	}
	if len(data) == 0 {
		t.Fatalf("expected non-empty output")
	}

	nonKf := frame.Frame{TrackID: 1, PTS: 33 * time.Millisecond, DTS: 33 * time.Millisecond, Payload: []byte{4, 5}}
	data2, info2, err := g.PackageFrame(nonKf, 1)
	if err != nil {
		t.Fatalf("package non-key frame: %v", err)
	}
	if info2.State != StateStartBlock {
		t.Fatalf("expected StateStartBlock for continuation frame, got %v", info2.State)
	}
	if len(data2) == 0 {
		t.Fatalf("expected non-empty output for continuation frame")
	}
}

func TestMeasureMatchesPackageFrameSize(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	kf := frame.Frame{TrackID: 1, Flags: frame.KeyFrame, Payload: make([]byte, 100)}

	measured, _, err := g.Measure(kf, 1)
	if err != nil {
		t.Fatalf("measure: %v", err)
	}
	data, _, err := g.PackageFrame(kf, 1)
	if err != nil {
		t.Fatalf("package: %v", err)
	}
	if measured < len(data) {
		t.Fatalf("measure underestimated: measured=%d actual=%d", measured, len(data))
	}
}

func TestMultipleConsecutiveEofrRejected(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	kf := frame.Frame{TrackID: 1, Flags: frame.KeyFrame, Payload: []byte{1}}
	if _, _, err := g.PackageFrame(kf, 1); err != nil {
		t.Fatalf("package key frame: %v", err)
	}
	eofr := frame.EndOfFragmentSentinel(1, 33*time.Millisecond)
	if _, _, err := g.PackageFrame(eofr, 1); err != nil {
		t.Fatalf("package first eofr: %v", err)
	}
	eofr2 := frame.EndOfFragmentSentinel(1, 66*time.Millisecond)
	if _, _, err := g.PackageFrame(eofr2, 1); kvserrors.KindOf(err) != kvserrors.KindMultipleConsecutiveEofr {
		t.Fatalf("expected MultipleConsecutiveEofr, got %v", err)
	}
}

func TestKeyFrameWithEofrFlagRejected(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	bad := frame.Frame{TrackID: 1, Flags: frame.KeyFrame | frame.EndOfFragment, Payload: []byte{1}}
	if _, _, err := g.PackageFrame(bad, 1); kvserrors.KindOf(err) != kvserrors.KindSettingKeyFrameWhileUsingEofr {
		t.Fatalf("expected SettingKeyFrameWhileUsingEofr, got %v", err)
	}
}

func TestSetCodecPrivateDataRejectedWhileStreaming(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	g.SetStreaming(true)
	if err := g.SetCodecPrivateData(1, []byte{1, 2, 3}); kvserrors.KindOf(err) != kvserrors.KindInvalidStreamState {
		t.Fatalf("expected InvalidStreamState, got %v", err)
	}
	g.SetStreaming(false)
	if err := g.SetCodecPrivateData(1, []byte{1, 2, 3}); err != nil {
		t.Fatalf("expected success once not streaming, got %v", err)
	}
}

func TestGenerateTagProducesEOFRTag(t *testing.T) {
	g, err := NewGenerator(testConfig())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	tag, err := g.GenerateTag(EOFRTagName, "1")
	if err != nil {
		t.Fatalf("generate tag: %v", err)
	}
	if len(tag) == 0 || tag[0] != 0x12 {
		t.Fatalf("expected Tags element ID first byte 0x12, got %x", tag)
	}
}

func TestAnnexBToAvccRoundTrip(t *testing.T) {
	annexB := []byte{0, 0, 0, 1, 0xAA, 0xBB, 0, 0, 1, 0xCC}
	avcc := annexBToAvcc(annexB)
	back := avccToAnnexB(avcc)
	units := splitAnnexB(back)
	if len(units) != 2 {
		t.Fatalf("expected 2 units after round trip, got %d", len(units))
	}
	if units[0][0] != 0xAA || units[1][0] != 0xCC {
		t.Fatalf("unexpected unit contents: %+v", units)
	}
}
