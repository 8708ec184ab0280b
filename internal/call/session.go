package call

import (
	"time"
)

// Status is the call state.
type Status string

const (
	StatusIdle            Status = "IDLE"
	StatusOutgoingRinging Status = "OUTGOING_RINGING"
	StatusIncomingRinging Status = "INCOMING_RINGING"
	StatusConnecting      Status = "CONNECTING"
	StatusConnected       Status = "CONNECTED"
	StatusEnded           Status = "ENDED"
)

// Role is fixed when a session is created.
type Role string

const (
	RoleCaller Role = "CALLER"
	RoleCallee Role = "CALLEE"
)

// MediaKind is the callType carried on CALL_OFFER.
type MediaKind string

const (
	MediaAudio MediaKind = "AUDIO"
	MediaVideo MediaKind = "VIDEO"
)

func (k MediaKind) Valid() bool { return k == MediaAudio || k == MediaVideo }

// EndReason says why a session left the live states.
type EndReason string

const (
	ReasonLocalEnded           EndReason = "local-ended"
	ReasonRemoteEnded          EndReason = "remote-ended"
	ReasonRejected             EndReason = "rejected"
	ReasonBusy                 EndReason = "busy"
	ReasonNoAnswer             EndReason = "no-answer"
	ReasonRingTimeout          EndReason = "ring-timeout"
	ReasonConnectionFailed     EndReason = "connection-failed"
	ReasonTransportUnavailable EndReason = "transport-unavailable"
	ReasonPermissionDenied     EndReason = "permission-denied"
	ReasonNegotiationFailed    EndReason = "negotiation-failed"
	ReasonSuperseded           EndReason = "superseded"
	ReasonShutdown             EndReason = "shutdown"
)

// Session is an immutable snapshot of the call record. Snapshots are what
// leave the manager; the live record never does.
type Session struct {
	ID                   string      `json:"id"`
	PeerID               string      `json:"peer_id"`
	Role                 Role        `json:"role"`
	Media                MediaKind   `json:"media"`
	Status               Status      `json:"status"`
	LocalDescriptionSet  bool        `json:"local_description_set"`
	RemoteDescriptionSet bool        `json:"remote_description_set"`
	AudioMuted           bool        `json:"audio_muted"`
	VideoMuted           bool        `json:"video_muted"`
	CreatedAt            time.Time   `json:"created_at"`
	ConnectedAt          time.Time   `json:"connected_at,omitempty"`
	Remote               RemoteStats `json:"remote"`
}

// Event is published on every call-state change.
type Event struct {
	Session Session   `json:"session"`
	Reason  EndReason `json:"reason,omitempty"`
	// Remote is set when remote media of that kind ("audio"/"video") starts.
	Remote string `json:"remote_media,omitempty"`
	Err    error  `json:"-"`
}

// session is the live record. It is touched only on the manager's loop.
type session struct {
	id     string
	gen    uint64
	peerID string
	role   Role
	media  MediaKind
	status Status

	offerSDP    string
	localSet    bool
	remoteSet   bool
	negotiating bool
	// transportUp records a CONNECTED report that arrived before CONNECTING.
	transportUp bool

	audioMuted bool
	videoMuted bool

	createdAt   time.Time
	connectedAt time.Time

	peer    *Peer
	queue   *candidateQueue
	held    []string
	timers  *timeouts
	waiters []chan error
}

func (s *session) snapshot() Session {
	out := Session{
		ID:                   s.id,
		PeerID:               s.peerID,
		Role:                 s.role,
		Media:                s.media,
		Status:               s.status,
		LocalDescriptionSet:  s.localSet,
		RemoteDescriptionSet: s.remoteSet,
		AudioMuted:           s.audioMuted,
		VideoMuted:           s.videoMuted,
		CreatedAt:            s.createdAt,
		ConnectedAt:          s.connectedAt,
	}
	if s.peer != nil {
		out.Remote = s.peer.Stats()
	}
	return out
}

// live reports whether the session is in a non-terminal state.
func (s *session) live() bool {
	return s.status != StatusEnded && s.status != StatusIdle
}

func (s *session) addWaiter(ch chan error) {
	if ch != nil {
		s.waiters = append(s.waiters, ch)
	}
}

// resolve answers every blocked StartCall/AcceptCall once.
func (s *session) resolve(err error) {
	for _, ch := range s.waiters {
		ch <- err
	}
	s.waiters = nil
}
