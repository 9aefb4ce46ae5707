package peer

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the negotiated remote audio. Playback belongs to the UI;
// here the packets are drained so the interceptors keep running, and counted.
type RemoteStream struct {
	ID    string
	Codec string

	packets       atomic.Uint64
	payloadBytes  atomic.Uint64
	lastSeq       atomic.Uint32
	ssrc          atomic.Uint32
	senderReports atomic.Uint64
	byes          atomic.Uint64

	endOnce sync.Once
	ended   chan struct{}
}

// StreamStats is a snapshot of what arrived on a RemoteStream.
type StreamStats struct {
	Packets       uint64 `json:"packets"`
	PayloadBytes  uint64 `json:"payload_bytes"`
	LastSequence  uint16 `json:"last_sequence"`
	SSRC          uint32 `json:"ssrc"`
	SenderReports uint64 `json:"sender_reports"`
	Goodbyes      uint64 `json:"goodbyes"`
}

func newRemoteStream(track *webrtc.TrackRemote) *RemoteStream {
	return &RemoteStream{
		ID:    track.ID(),
		Codec: track.Codec().MimeType,
		ended: make(chan struct{}),
	}
}

func (s *RemoteStream) Stats() StreamStats {
	return StreamStats{
		Packets:       s.packets.Load(),
		PayloadBytes:  s.payloadBytes.Load(),
		LastSequence:  uint16(s.lastSeq.Load()),
		SSRC:          s.ssrc.Load(),
		SenderReports: s.senderReports.Load(),
		Goodbyes:      s.byes.Load(),
	}
}

// Ended is closed when the remote track stops delivering.
func (s *RemoteStream) Ended() <-chan struct{} { return s.ended }

func (s *RemoteStream) record(pkt *rtp.Packet) {
	s.packets.Add(1)
	s.payloadBytes.Add(uint64(len(pkt.Payload)))
	s.lastSeq.Store(uint32(pkt.SequenceNumber))
	s.ssrc.Store(pkt.SSRC)
}

func (s *RemoteStream) recordRTCP(pkts []rtcp.Packet) {
	for _, p := range pkts {
		switch p.(type) {
		case *rtcp.SenderReport:
			s.senderReports.Add(1)
		case *rtcp.Goodbye:
			s.byes.Add(1)
		}
	}
}

func (s *RemoteStream) drainRTP(track *webrtc.TrackRemote) {
	defer s.endOnce.Do(func() { close(s.ended) })
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debugf("PEER: remote track %s: %v", s.ID, err)
			}
			return
		}
		s.record(pkt)
	}
}

func (s *RemoteStream) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		pkts, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		s.recordRTCP(pkts)
	}
}
