package call

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied means local media could not be acquired. No session
	// is created and no signal is sent.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrTransportUnavailable means a critical signal could not be delivered.
	// It is retryable; the call attempt itself is aborted.
	ErrTransportUnavailable = errors.New("call: signaling transport unavailable")

	// ErrConnectionFailed is reported when the peer connection goes
	// FAILED or DISCONNECTED.
	ErrConnectionFailed = errors.New("call: peer connection failed")

	// ErrStaleSignal marks a signal that no longer matches the current session.
	ErrStaleSignal = errors.New("call: stale signal")

	ErrNotIdle        = errors.New("call: a call is already in progress")
	ErrNoIncomingCall = errors.New("call: no incoming call")
	ErrNoActiveCall   = errors.New("call: no active call")
	ErrCallEnded      = errors.New("call: call ended")
	ErrClosed         = errors.New("call: manager closed")
	ErrInvalidPeer    = errors.New("call: invalid peer id")
	ErrInvalidMedia   = errors.New("call: invalid media kind")
)

// NegotiationStateError is returned when an SDP operation is attempted in a
// signaling state that does not allow it.
type NegotiationStateError struct {
	Op    string
	State string
}

func (e *NegotiationStateError) Error() string {
	return fmt.Sprintf("call: %s not allowed in signaling state %q", e.Op, e.State)
}

// IsRetryable reports whether err is a transport failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransportUnavailable)
}

func endedError(reason EndReason) error {
	return fmt.Errorf("%w: %s", ErrCallEnded, reason)
}
