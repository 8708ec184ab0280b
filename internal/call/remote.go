package call

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// RemoteStats counts remote media received on the current call.
type RemoteStats struct {
	AudioPackets uint64 `json:"audio_packets"`
	AudioBytes   uint64 `json:"audio_bytes"`
	VideoPackets uint64 `json:"video_packets"`
	VideoBytes   uint64 `json:"video_bytes"`
}

type remoteCounters struct {
	audioPackets, audioBytes atomic.Uint64
	videoPackets, videoBytes atomic.Uint64
}

func (c *remoteCounters) add(kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	n := uint64(len(pkt.Payload))
	if kind == webrtc.RTPCodecTypeVideo {
		c.videoPackets.Add(1)
		c.videoBytes.Add(n)
		return
	}
	c.audioPackets.Add(1)
	c.audioBytes.Add(n)
}

func (c *remoteCounters) snapshot() RemoteStats {
	return RemoteStats{
		AudioPackets: c.audioPackets.Load(),
		AudioBytes:   c.audioBytes.Load(),
		VideoPackets: c.videoPackets.Load(),
		VideoBytes:   c.videoBytes.Load(),
	}
}

// readRemote consumes a remote track until it ends. Video gets a keyframe
// request up front so the first frame decodes without waiting for the
// sender's next interval.
func (p *Peer) readRemote(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := track.Kind()
	if kind == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			log.Debugf("[%s] PLI: %v", p.label, err)
		}
	}

	// RTCP from the receiver must be drained or interceptors stall.
	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !p.closed.Load() {
				log.Debugf("[%s] remote %s read: %v", p.label, kind, err)
			}
			return
		}
		p.stats.add(kind, pkt)
	}
}
