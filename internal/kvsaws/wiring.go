package kvsaws

import (
	"log/slog"

	"github.com/alxayo/go-kvs-producer/internal/kvs/client"
	"github.com/alxayo/go-kvs-producer/internal/kvs/mkv"
	"github.com/alxayo/go-kvs-producer/internal/kvs/order"
	"github.com/alxayo/go-kvs-producer/internal/kvs/stream"
	"github.com/alxayo/go-kvs-producer/internal/rtmp/kvsbridge"
	"github.com/alxayo/go-kvs-producer/internal/rtmp/server"
)

// VideoTrackID and AudioTrackID are the fixed Matroska track IDs this demo
// assigns every RTMP-sourced stream; a host with richer track negotiation
// would derive these per publish instead.
const (
	VideoTrackID uint64 = 1
	AudioTrackID uint64 = 2
)

// NewPublishHook builds a server.Config.PublishHook that, for every RTMP
// publish, provisions a matching KVS stream on kc and attaches a
// kvsbridge.Bridge as a subscriber so the publisher's media is packaged
// and uploaded the same way a native KVS producer would ingest it.
func NewPublishHook(kc *client.Client, log *slog.Logger) func(streamKey string, s *server.Stream) {
	if log == nil {
		log = slog.Default()
	}
	return func(streamKey string, s *server.Stream) {
		scfg := stream.Config{
			Tracks: []mkv.TrackInfo{
				{TrackID: VideoTrackID, TrackUID: VideoTrackID, TrackType: 1, CodecID: "V_MPEG4/ISO/AVC"},
				{TrackID: AudioTrackID, TrackUID: AudioTrackID, TrackType: 2, CodecID: "A_AAC"},
			},
			AckEnabled: true,
			Order:      order.Config{Mode: order.ModeOrdered},
			Provisioning: stream.ProvisioningInfo{
				ContentType:   "video/x-matroska",
				APIName:       "PUT_MEDIA",
				ContainerType: "MKV",
			},
		}

		kvsStream, created, err := kc.CreateStream(streamKey, scfg)
		if err != nil {
			log.Error("kvsaws: provision stream failed", "stream_key", streamKey, "err", err)
			return
		}
		if created {
			log.Info("kvsaws: provisioned stream", "stream_key", streamKey)
		}

		s.AddSubscriber(kvsbridge.New(kvsStream, VideoTrackID, AudioTrackID, log))
	}
}
