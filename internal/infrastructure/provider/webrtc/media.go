package webrtc

import (
	"errors"
	"io"
	"time"

	"rillcall/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// receiveTrack starts pumping one remote track of a subscription into the sink
func (s *Session) receiveTrack(streamID domain.StreamID, sub *subscription, pc *webrtc.PeerConnection) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("remote track started",
			"stream_id", string(streamID),
			"owner_uid", uint32(sub.owner),
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
		)

		go s.readRTCP(streamID, sub.owner, func() ([]rtcp.Packet, error) {
			packets, _, err := receiver.ReadRTCP()
			return packets, err
		}, nil)

		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go s.requestKeyframes(streamID, pc, track.SSRC(), sub.stop)
		}
		go s.pump(streamID, track)
	}
}

// pump forwards RTP packets until the track ends
func (s *Session) pump(streamID domain.StreamID, track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	kind := track.Kind()
	gate := keyframeGate{mimeType: track.Codec().MimeType, open: kind != webrtc.RTPCodecTypeVideo}
	var count uint64

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debugw("remote track ended", "stream_id", string(streamID), "error", err)
			}
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			s.logger.Warnw("error unmarshaling RTP packet", "stream_id", string(streamID), "error", err)
			continue
		}
		if !gate.admit(packet.Payload) {
			continue
		}
		s.provider.sink.WriteRTP(streamID, kind, packet)

		count++
		if count%1000 == 0 {
			s.logger.Debugw("remote track progress",
				"stream_id", string(streamID),
				"kind", kind.String(),
				"sequence", packet.SequenceNumber,
				"packets", count,
			)
		}
	}
}

// requestKeyframes sends a PLI right away and then on every tick until the
// subscription stops.
func (s *Session) requestKeyframes(streamID domain.StreamID, pc *webrtc.PeerConnection, ssrc webrtc.SSRC, stop <-chan struct{}) {
	ticker := time.NewTicker(s.provider.config.PLIInterval)
	defer ticker.Stop()

	for {
		err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
		if err != nil {
			s.logger.Debugw("stopped keyframe requests", "stream_id", string(streamID), "error", err)
			return
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

// readRTCP drains RTCP for a sender or receiver. Keyframe requests from
// subscribers are passed to the local stream when there is one.
func (s *Session) readRTCP(streamID domain.StreamID, peer domain.UID, read func() ([]rtcp.Packet, error), local *LocalStream) {
	for {
		packets, err := read()
		if err != nil {
			return
		}

		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				s.logger.Debugw("received keyframe request",
					"stream_id", string(streamID),
					"peer_uid", uint32(peer),
				)
				if local != nil {
					local.requestKeyframe()
				}
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					s.logger.Debugw("received receiver report",
						"stream_id", string(streamID),
						"peer_uid", uint32(peer),
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			case *rtcp.SenderReport:
				s.logger.Debugw("received sender report",
					"stream_id", string(streamID),
					"peer_uid", uint32(peer),
					"packet_count", p.PacketCount,
					"octet_count", p.OctetCount,
				)
			case *rtcp.TransportLayerNack:
				s.logger.Debugw("received NACK",
					"stream_id", string(streamID),
					"peer_uid", uint32(peer),
					"nacks", len(p.Nacks),
				)
			}
		}
	}
}
