package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var siglog = logging.Logger("signaling")

const (
	laneCap     = 256
	sendTimeout = 15 * time.Second
	drainWait   = 3 * time.Second
)

type outbound struct {
	peerID string
	sig    Signal
	done   func(error)
}

// lane is the FIFO of signals waiting for one peer. Its worker exists only
// while the lane is non-empty.
type lane struct {
	pending []outbound
}

// Signaling adapts a Transport to typed signals. Outbound signals posted
// through Post leave in call order per peer; a slow peer only delays its
// own lane.
type Signaling struct {
	t Transport

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewSignaling wraps t. Lane workers are started on demand by Post.
func NewSignaling(t Transport) *Signaling {
	return &Signaling{
		t:     t,
		lanes: make(map[string]*lane),
	}
}

// Send encodes and publishes sig synchronously. A failed ICE_CANDIDATE is
// logged and swallowed. Any other failure wraps ErrTransportUnavailable.
func (s *Signaling) Send(ctx context.Context, peerID string, sig Signal) error {
	payload, err := EncodeSignal(sig)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sig.Kind(), err)
	}
	if err := s.t.Publish(ctx, peerID, payload); err != nil {
		if sig.Kind() == KindCandidate {
			siglog.Debugf("[%s] candidate dropped: %v", short(peerID), err)
			return nil
		}
		return fmt.Errorf("%w: %s to %s: %v", ErrTransportUnavailable, sig.Kind(), short(peerID), err)
	}
	siglog.Debugf("[%s] sent %s", short(peerID), sig.Kind())
	return nil
}

// Post queues sig behind every signal posted before it to the same peer.
// done, if non-nil, receives the Send result from the lane goroutine, or
// an ErrTransportUnavailable straight away when the signal cannot be queued.
func (s *Signaling) Post(peerID string, sig Signal, done func(error)) {
	ob := outbound{peerID: peerID, sig: sig, done: done}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ob.fail(fmt.Errorf("%w: signaling closed", ErrTransportUnavailable))
		return
	}
	l, running := s.lanes[peerID]
	if !running {
		l = &lane{}
		s.lanes[peerID] = l
	}
	if len(l.pending) >= laneCap {
		s.mu.Unlock()
		ob.fail(fmt.Errorf("%w: %s to %s: outbox full", ErrTransportUnavailable, sig.Kind(), short(peerID)))
		return
	}
	l.pending = append(l.pending, ob)
	if !running {
		s.wg.Add(1)
		go s.worker(peerID, l)
	}
	s.mu.Unlock()
}

func (ob outbound) fail(err error) {
	if ob.done != nil {
		ob.done(err)
		return
	}
	siglog.Warnf("[%s] %v", short(ob.peerID), err)
}

// worker delivers l in order and removes it from the lane table once it
// runs dry. Close does not stop it early: queued signals still go out.
func (s *Signaling) worker(peerID string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.pending) == 0 {
			delete(s.lanes, peerID)
			s.mu.Unlock()
			return
		}
		ob := l.pending[0]
		l.pending[0] = outbound{}
		l.pending = l.pending[1:]
		s.mu.Unlock()

		s.deliver(ob)
	}
}

func (s *Signaling) deliver(ob outbound) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	err := s.Send(ctx, ob.peerID, ob.sig)
	cancel()
	if ob.done != nil {
		ob.done(err)
	} else if err != nil {
		siglog.Warnf("[%s] %v", short(ob.peerID), err)
	}
}

// Listen decodes every delivery and hands it to fn. Malformed payloads are
// logged and dropped; onMalformed, if set, is told about each one.
func (s *Signaling) Listen(fn func(Inbound), onMalformed func(Delivery, error)) (cancel func()) {
	return s.t.Subscribe(func(d Delivery) {
		sig, err := DecodeSignal(d.Payload)
		if err != nil {
			siglog.Warnf("[%s] dropping message %s: %v", short(d.From), d.ID, err)
			if onMalformed != nil {
				onMalformed(d, err)
			}
			return
		}
		fn(Inbound{ID: d.ID, From: d.From, Signal: sig})
	})
}

// Close stops accepting signals and gives the queued ones a short window
// to go out.
func (s *Signaling) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainWait):
			siglog.Warnf("outbox not drained after %s", drainWait)
		}
	})
}
