package call

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

// Transport is the only surface the call package needs from the message
// layer. The concrete mq adapter lives in internal/app, the only place that
// imports both packages.
type Transport interface {
	// Publish delivers payload to peerID's private signaling address.
	Publish(ctx context.Context, peerID string, payload json.RawMessage) error
	// Subscribe registers fn for every inbound signaling delivery. Deliveries
	// from one sender arrive in send order.
	Subscribe(fn func(Delivery)) (cancel func())
}

// Delivery is one inbound transport message. ID is assigned by the sender's
// transport and is what the duplicate filter keys on. From is supplied by the
// transport's authenticated session, never by the payload.
type Delivery struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// MediaStream is a set of local tracks owned by one call.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
}

// MediaSource acquires local media. Implementations return an error
// wrapping ErrPermissionDenied when capture is refused or impossible.
type MediaSource interface {
	Acquire(ctx context.Context, video, audio bool) (MediaStream, error)
}

// History persists finished calls.
type History interface {
	RecordCall(ctx context.Context, rec Record) error
}

// Record is the persisted summary of one finished call.
type Record struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peer_id"`
	Role        Role      `json:"role"`
	Media       MediaKind `json:"media"`
	Reason      EndReason `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	ConnectedAt time.Time `json:"connected_at"`
	EndedAt     time.Time `json:"ended_at"`
}

// Duration is how long the call was connected, zero if it never was.
func (r Record) Duration() time.Duration {
	if r.ConnectedAt.IsZero() || r.EndedAt.Before(r.ConnectedAt) {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
