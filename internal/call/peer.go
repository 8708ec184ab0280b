package call

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of *webrtc.PeerConnection the wrapper drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SignalingState() webrtc.SignalingState
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	WriteRTCP(pkts []rtcp.Packet) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerFactory creates one fresh peer connection per call.
type PeerFactory func() (PeerConnection, error)

// ConnState is the wrapper's view of the connection state.
type ConnState string

const (
	ConnNew          ConnState = "NEW"
	ConnConnecting   ConnState = "CONNECTING"
	ConnConnected    ConnState = "CONNECTED"
	ConnDisconnected ConnState = "DISCONNECTED"
	ConnFailed       ConnState = "FAILED"
	ConnClosed       ConnState = "CLOSED"
)

func connStateOf(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}

var errPeerClosed = errors.New("call: peer connection closed")

type trackSender struct {
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal
}

// Peer owns one peer connection and its local media for one call.
type Peer struct {
	pc     PeerConnection
	stream MediaStream
	label  string

	mu      sync.Mutex
	senders map[webrtc.RTPCodecType]trackSender

	closeOnce sync.Once
	closed    atomic.Bool

	stats remoteCounters
}

// NewPeer attaches stream to pc. Every kind the call needs gets either a
// local track or a receive-only transceiver, so the SDP always carries an
// m-line with ICE credentials for it.
func NewPeer(pc PeerConnection, stream MediaStream, media MediaKind, label string) (*Peer, error) {
	p := &Peer{
		pc:      pc,
		stream:  stream,
		label:   label,
		senders: make(map[webrtc.RTPCodecType]trackSender),
	}

	have := map[webrtc.RTPCodecType]bool{}
	if stream != nil {
		for _, t := range stream.Tracks() {
			if t.Kind() == webrtc.RTPCodecTypeVideo && media != MediaVideo {
				continue
			}
			sender, err := pc.AddTrack(t)
			if err != nil {
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			p.senders[t.Kind()] = trackSender{sender: sender, track: t}
			have[t.Kind()] = true
		}
	}

	want := []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}
	if media == MediaVideo {
		want = append(want, webrtc.RTPCodecTypeVideo)
	}
	for _, kind := range want {
		if have[kind] {
			continue
		}
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return nil, fmt.Errorf("add recvonly %s transceiver: %w", kind, err)
		}
		log.Debugf("[%s] no local %s track, receive-only", label, kind)
	}
	return p, nil
}

// OnLocalCandidate reports each locally gathered candidate, JSON-serialized.
func (p *Peer) OnLocalCandidate(fn func(candidate string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Warnf("[%s] encode local candidate: %v", p.label, err)
			return
		}
		fn(string(b))
	})
}

// OnStateChange reports connection-state transitions.
func (p *Peer) OnStateChange(fn func(ConnState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connStateOf(s))
	})
}

// OnRemoteMedia reports the kind ("audio" or "video") of each remote track
// once it starts, then keeps reading it for stats.
func (p *Peer) OnRemoteMedia(fn func(kind string)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		kind := track.Kind().String()
		log.Infof("[%s] remote %s track %s (%s)", p.label, kind, track.ID(), track.Codec().MimeType)
		fn(kind)
		go p.readRemote(track, receiver)
	})
}

// CreateOffer creates an offer, sets it locally and returns its SDP.
func (p *Peer) CreateOffer() (string, error) {
	if p.closed.Load() {
		return "", errPeerClosed
	}
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateStable {
		return "", &NegotiationStateError{Op: "create-offer", State: st.String()}
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return offer.SDP, nil
}

// CreateAnswer answers the applied remote offer, sets the answer locally
// and returns its SDP.
func (p *Peer) CreateAnswer() (string, error) {
	if p.closed.Load() {
		return "", errPeerClosed
	}
	if st := p.pc.SignalingState(); st != webrtc.SignalingStateHaveRemoteOffer {
		return "", &NegotiationStateError{Op: "create-answer", State: st.String()}
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return answer.SDP, nil
}

// SetRemoteDescription applies a remote offer or answer. The current
// signaling state is checked first; a description the state cannot take is
// refused with a NegotiationStateError and nothing is applied.
func (p *Peer) SetRemoteDescription(sdp string, typ webrtc.SDPType) error {
	if p.closed.Load() {
		return errPeerClosed
	}
	st := p.pc.SignalingState()
	var ok bool
	switch typ {
	case webrtc.SDPTypeOffer:
		ok = st == webrtc.SignalingStateStable
	case webrtc.SDPTypeAnswer:
		ok = st == webrtc.SignalingStateHaveLocalOffer
	}
	if !ok {
		return &NegotiationStateError{Op: "set-remote-" + typ.String(), State: st.String()}
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote %s: %w", typ, err)
	}
	return nil
}

// AwaitingAnswer reports whether a local offer is out and unanswered.
func (p *Peer) AwaitingAnswer() bool {
	return !p.closed.Load() && p.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer
}

func (p *Peer) signalingState() string {
	return p.pc.SignalingState().String()
}

// AddICECandidate applies one JSON-serialized remote candidate. Failures
// are logged and returned; callers treat them as advisory.
func (p *Peer) AddICECandidate(candidate string) error {
	if p.closed.Load() {
		return errPeerClosed
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil {
		log.Warnf("[%s] undecodable candidate: %v", p.label, err)
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		log.Warnf("[%s] add candidate: %v", p.label, err)
		return err
	}
	return nil
}

// SetTrackEnabled mutes or unmutes the local track of kind. It is a no-op
// when there is no local track of that kind.
func (p *Peer) SetTrackEnabled(kind webrtc.RTPCodecType, on bool) error {
	p.mu.Lock()
	ts, ok := p.senders[kind]
	p.mu.Unlock()
	if !ok || ts.sender == nil {
		return nil
	}
	var t webrtc.TrackLocal
	if on {
		t = ts.track
	}
	if err := ts.sender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

// Stats returns the remote receive counters.
func (p *Peer) Stats() RemoteStats { return p.stats.snapshot() }

// Close stops local media and closes the connection. Safe to call more
// than once and while an SDP operation is still running.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if p.stream != nil {
			p.stream.Stop()
		}
		if err := p.pc.Close(); err != nil {
			log.Debugf("[%s] close peer connection: %v", p.label, err)
		}
	})
}
