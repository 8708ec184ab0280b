package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// Options wires a Manager to its collaborators.
type Options struct {
	SelfID    string
	Transport Transport
	Media     MediaSource
	NewPeer   PeerFactory

	// Optional.
	Clock           clock.Clock
	RingTimeout     time.Duration
	NoAnswerTimeout time.Duration
	DedupeWindow    int
	History         History
	Metrics         *Metrics

	// Accepting reports whether incoming calls are wanted right now. Offers
	// arriving while it returns false are answered busy. Nil accepts all.
	Accepting func() bool
}

const loopQueueCap = 256

// Manager is the call state machine. It holds at most one session. All
// session state is owned by a single loop goroutine; inbound signals, timer
// expiries, peer events and async results are posted to it as closures.
type Manager struct {
	selfID  string
	sig     *Signaling
	media   MediaSource
	newPC   PeerFactory
	clk     clock.Clock
	ring    time.Duration
	noAns   time.Duration
	dedupe  *dedupeFilter
	history History
	metrics *Metrics
	accept  func() bool

	queue     chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	unlisten  func()

	// Loop-owned.
	cur *session
	gen uint64

	subMu      sync.Mutex
	subs       map[chan Event]struct{}
	subsClosed bool
}

// New creates a Manager and starts listening for signals immediately.
func New(opts Options) (*Manager, error) {
	switch {
	case opts.SelfID == "":
		return nil, errors.New("call: SelfID is required")
	case opts.Transport == nil:
		return nil, errors.New("call: Transport is required")
	case opts.Media == nil:
		return nil, errors.New("call: Media is required")
	case opts.NewPeer == nil:
		return nil, errors.New("call: NewPeer is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = DefaultRingTimeout
	}
	if opts.NoAnswerTimeout <= 0 {
		opts.NoAnswerTimeout = DefaultNoAnswerTimeout
	}

	m := &Manager{
		selfID:  opts.SelfID,
		sig:     NewSignaling(opts.Transport),
		media:   opts.Media,
		newPC:   opts.NewPeer,
		clk:     opts.Clock,
		ring:    opts.RingTimeout,
		noAns:   opts.NoAnswerTimeout,
		dedupe:  newDedupeFilter(opts.DedupeWindow),
		history: opts.History,
		metrics: opts.Metrics,
		accept:  opts.Accepting,
		queue:   make(chan func(), loopQueueCap),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[chan Event]struct{}),
	}
	go m.run()
	m.unlisten = m.sig.Listen(m.receive, func(Delivery, error) {
		m.metrics.signalDropped(dropMalformed)
	})
	log.Infof("call manager ready for %s", short(m.selfID))
	return m, nil
}

// SelfID returns the local peer id.
func (m *Manager) SelfID() string { return m.selfID }

// ── loop ─────────────────────────────────────────────────────────────────────

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.queue:
			fn()
		case <-m.done:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the manager is closed.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.queue <- fn:
		return true
	case <-m.done:
		return false
	}
}

// do runs fn on the loop and waits for it. ErrClosed means fn never ran.
func (m *Manager) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

func (m *Manager) await(ctx context.Context, wait chan error) error {
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// current returns the session with generation gen if it is still the live one.
func (m *Manager) current(gen uint64) *session {
	if m.cur != nil && m.cur.gen == gen {
		return m.cur
	}
	return nil
}

// async runs work off the loop. The continuation it returns is applied on
// the loop only if s is still the current session, so a late result can
// never touch a closed or replaced session.
func (m *Manager) async(s *session, work func() func()) {
	gen, peer := s.gen, short(s.peerID)
	go func() {
		apply := work()
		m.post(func() {
			if m.current(gen) == nil {
				log.Debugf("[%s] discarding async result for finished session", peer)
				return
			}
			apply()
		})
	}()
}

// sendTracked posts sig and hands the delivery result to then on the loop,
// if the session is still current.
func (m *Manager) sendTracked(s *session, sig Signal, then func(error)) {
	gen, peerID := s.gen, s.peerID
	m.sig.Post(peerID, sig, func(err error) {
		m.post(func() {
			if m.current(gen) == nil {
				if err != nil {
					log.Debugf("[%s] %v (session already gone)", short(peerID), err)
				}
				return
			}
			then(err)
		})
	})
}

// sendDetached posts sig with no follow-up; failures are only logged.
func (m *Manager) sendDetached(peerID string, sig Signal) {
	m.sig.Post(peerID, sig, nil)
}

// ── public API ───────────────────────────────────────────────────────────────

// StartCall calls peerID. It returns once the offer has been delivered or
// the attempt has failed.
func (m *Manager) StartCall(ctx context.Context, peerID string, kind MediaKind) error {
	if peerID == "" || peerID == m.selfID {
		return ErrInvalidPeer
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMedia, kind)
	}

	var busy bool
	if err := m.do(ctx, func() { busy = m.cur != nil }); err != nil {
		return err
	}
	if busy {
		return ErrNotIdle
	}

	stream, err := m.acquire(ctx, kind)
	if err != nil {
		log.Warnf("[%s] start call aborted: %v", short(peerID), err)
		return err
	}

	wait := make(chan error, 1)
	var startErr error
	if err := m.do(ctx, func() { startErr = m.beginOutgoing(peerID, kind, stream, wait) }); err != nil {
		if errors.Is(err, ErrClosed) {
			stream.Stop()
		}
		return err
	}
	if startErr != nil {
		return startErr
	}
	return m.await(ctx, wait)
}

// AcceptCall answers the ringing incoming call. It returns once the answer
// has been delivered or the attempt has failed.
func (m *Manager) AcceptCall(ctx context.Context) error {
	var (
		gen  uint64
		kind MediaKind
		ok   bool
	)
	if err := m.do(ctx, func() {
		if s := m.cur; s != nil && s.status == StatusIncomingRinging {
			gen, kind, ok = s.gen, s.media, true
		}
	}); err != nil {
		return err
	}
	if !ok {
		return ErrNoIncomingCall
	}

	stream, err := m.acquire(ctx, kind)
	if err != nil {
		_ = m.do(ctx, func() {
			if s := m.current(gen); s != nil && s.status == StatusIncomingRinging {
				log.Warnf("[%s] accept aborted: %v", short(s.peerID), err)
				m.sendDetached(s.peerID, Reject{CalleeID: s.peerID})
				m.teardown(s, ReasonPermissionDenied, err)
			}
		})
		return err
	}

	wait := make(chan error, 1)
	var acceptErr error
	if err := m.do(ctx, func() { acceptErr = m.beginAccept(gen, stream, wait) }); err != nil {
		if errors.Is(err, ErrClosed) {
			stream.Stop()
		}
		return err
	}
	if acceptErr != nil {
		return acceptErr
	}
	return m.await(ctx, wait)
}

// RejectCall declines the ringing incoming call.
func (m *Manager) RejectCall(ctx context.Context) error {
	var err error
	if e := m.do(ctx, func() {
		s := m.cur
		if s == nil || s.status != StatusIncomingRinging {
			err = ErrNoIncomingCall
			return
		}
		m.sendDetached(s.peerID, Reject{CalleeID: s.peerID})
		m.teardown(s, ReasonRejected, nil)
	}); e != nil {
		return e
	}
	return err
}

// EndCall hangs up whatever call is in progress.
func (m *Manager) EndCall(ctx context.Context) error {
	var err error
	if e := m.do(ctx, func() {
		s := m.cur
		if s == nil {
			err = ErrNoActiveCall
			return
		}
		m.sendDetached(s.peerID, End{CalleeID: s.peerID})
		m.teardown(s, ReasonLocalEnded, nil)
	}); e != nil {
		return e
	}
	return err
}

// ToggleAudio flips local audio. Returns the new muted state.
func (m *Manager) ToggleAudio(ctx context.Context) (bool, error) {
	return m.toggle(ctx, webrtc.RTPCodecTypeAudio)
}

// ToggleVideo flips local video. Returns the new disabled state.
func (m *Manager) ToggleVideo(ctx context.Context) (bool, error) {
	return m.toggle(ctx, webrtc.RTPCodecTypeVideo)
}

func (m *Manager) toggle(ctx context.Context, kind webrtc.RTPCodecType) (muted bool, err error) {
	if e := m.do(ctx, func() {
		s := m.cur
		if s == nil {
			err = ErrNoActiveCall
			return
		}
		if kind == webrtc.RTPCodecTypeVideo {
			s.videoMuted = !s.videoMuted
			muted = s.videoMuted
		} else {
			s.audioMuted = !s.audioMuted
			muted = s.audioMuted
		}
		if s.peer != nil {
			if err := s.peer.SetTrackEnabled(kind, !muted); err != nil {
				log.Warnf("[%s] %v", short(s.peerID), err)
			}
		}
		log.Infof("[%s] %s muted=%v", short(s.peerID), kind, muted)
		m.publish(s)
	}); e != nil {
		return false, e
	}
	return muted, err
}

// Current returns a snapshot of the session, or an IDLE snapshot.
func (m *Manager) Current(ctx context.Context) (Session, error) {
	out := Session{Status: StatusIdle}
	err := m.do(ctx, func() {
		if m.cur != nil {
			out = m.cur.snapshot()
		}
	})
	return out, err
}

// Subscribe returns a channel of call-state changes. Slow subscribers miss
// events rather than stall the state machine.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.subMu.Lock()
	if m.subsClosed {
		m.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()

	cancel := func() {
		m.subMu.Lock()
		if _, ok := m.subs[ch]; ok {
			delete(m.subs, ch)
			close(ch)
		}
		m.subMu.Unlock()
	}
	return ch, cancel
}

// Close ends any call in progress with CALL_END and stops the manager.
// Idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unlisten != nil {
			m.unlisten()
		}
		_ = m.do(context.Background(), func() {
			if s := m.cur; s != nil {
				m.sendDetached(s.peerID, End{CalleeID: s.peerID})
				m.teardown(s, ReasonShutdown, nil)
			}
		})
		close(m.done)
		<-m.stopped
		m.sig.Close()

		m.subMu.Lock()
		m.subsClosed = true
		for ch := range m.subs {
			close(ch)
		}
		m.subs = nil
		m.subMu.Unlock()
		log.Infof("call manager closed")
	})
}

// ── transitions ──────────────────────────────────────────────────────────────

func (m *Manager) acquire(ctx context.Context, kind MediaKind) (MediaStream, error) {
	stream, err := m.media.Acquire(ctx, kind == MediaVideo, true)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return stream, nil
}

func (m *Manager) newSession(peerID string, role Role, kind MediaKind, st Status) *session {
	m.gen++
	return &session{
		id:        uuid.NewString(),
		gen:       m.gen,
		peerID:    peerID,
		role:      role,
		media:     kind,
		status:    st,
		createdAt: m.clk.Now(),
		queue:     &candidateQueue{},
		timers:    newTimeouts(m.clk),
	}
}

// openPeer creates the peer connection for s and routes its events back to
// the loop, tagged with the session generation. On error stream is stopped.
func (m *Manager) openPeer(s *session, stream MediaStream) (*Peer, error) {
	pc, err := m.newPC()
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	peer, err := NewPeer(pc, stream, s.media, short(s.peerID))
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		_ = pc.Close()
		return nil, err
	}
	gen := s.gen
	peer.OnLocalCandidate(func(c string) { m.post(func() { m.onLocalCandidate(gen, c) }) })
	peer.OnStateChange(func(st ConnState) { m.post(func() { m.onConnState(gen, st) }) })
	peer.OnRemoteMedia(func(kind string) { m.post(func() { m.onRemoteMedia(gen, kind) }) })
	return peer, nil
}

func (m *Manager) beginOutgoing(peerID string, kind MediaKind, stream MediaStream, wait chan error) error {
	if m.cur != nil {
		stream.Stop()
		return ErrNotIdle
	}
	s := m.newSession(peerID, RoleCaller, kind, StatusOutgoingRinging)
	peer, err := m.openPeer(s, stream)
	if err != nil {
		return err
	}
	s.peer = peer
	s.addWaiter(wait)
	m.cur = s
	m.metrics.callStarted(RoleCaller)

	gen := s.gen
	s.timers.startNoAnswer(m.noAns, func() { m.post(func() { m.onNoAnswer(gen) }) })
	log.Infof("[%s] calling (%s)", short(peerID), kind)
	m.publish(s)

	m.async(s, func() func() {
		sdp, err := peer.CreateOffer()
		return func() {
			if err != nil {
				m.teardown(s, ReasonNegotiationFailed, err)
				return
			}
			s.localSet = true
			m.sendTracked(s, Offer{CalleeID: peerID, Media: kind, SDP: sdp}, func(err error) {
				if err != nil {
					m.teardown(s, ReasonTransportUnavailable, err)
					return
				}
				s.resolve(nil)
			})
			m.flushHeld(s)
		}
	})
	return nil
}

func (m *Manager) beginAccept(gen uint64, stream MediaStream, wait chan error) error {
	s := m.current(gen)
	if s == nil || s.status != StatusIncomingRinging {
		stream.Stop()
		return ErrNoIncomingCall
	}
	peer, err := m.openPeer(s, stream)
	if err != nil {
		m.sendDetached(s.peerID, Reject{CalleeID: s.peerID})
		m.teardown(s, ReasonNegotiationFailed, err)
		return err
	}
	s.peer = peer
	m.applyMute(s)
	s.addWaiter(wait)
	log.Infof("[%s] accepted", short(s.peerID))
	m.enterConnecting(s)

	offer := s.offerSDP
	m.async(s, func() func() {
		var sdp string
		err := peer.SetRemoteDescription(offer, webrtc.SDPTypeOffer)
		if err == nil {
			sdp, err = peer.CreateAnswer()
		}
		return func() {
			if err != nil {
				log.Warnf("[%s] cannot answer offer: %v", short(s.peerID), err)
				m.sendDetached(s.peerID, End{CalleeID: s.peerID})
				m.teardown(s, ReasonNegotiationFailed, err)
				return
			}
			s.remoteSet = true
			s.localSet = true
			m.sendTracked(s, Answer{CalleeID: s.peerID, SDP: sdp}, func(err error) {
				if err != nil {
					m.teardown(s, ReasonTransportUnavailable, err)
					return
				}
				s.resolve(nil)
			})
			m.flushHeld(s)
			m.drainQueue(s)
			m.publish(s)
		}
	})
	return nil
}

func (m *Manager) applyMute(s *session) {
	if s.audioMuted {
		_ = s.peer.SetTrackEnabled(webrtc.RTPCodecTypeAudio, false)
	}
	if s.videoMuted {
		_ = s.peer.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false)
	}
}

func (m *Manager) enterConnecting(s *session) {
	s.status = StatusConnecting
	s.timers.stop()
	m.publish(s)
	if s.transportUp {
		m.markConnected(s)
	}
}

func (m *Manager) markConnected(s *session) {
	s.status = StatusConnected
	s.connectedAt = m.clk.Now()
	log.Infof("[%s] connected", short(s.peerID))
	m.publish(s)
}

func (m *Manager) drainQueue(s *session) {
	s.queue.drain(short(s.peerID), s.peer.AddICECandidate)
}

// flushHeld sends local candidates gathered before our own SDP went out.
func (m *Manager) flushHeld(s *session) {
	for _, c := range s.held {
		m.sendDetached(s.peerID, Candidate{CalleeID: s.peerID, Candidate: c})
	}
	s.held = nil
}

// teardown ends s exactly once: timers, peer connection and media go, the
// ENDED and IDLE events are published and the record is persisted.
func (m *Manager) teardown(s *session, reason EndReason, cause error) {
	if m.cur != s || !s.live() {
		return
	}
	s.timers.stop()
	if s.peer != nil {
		s.peer.Close()
	}
	s.status = StatusEnded
	if cause == nil {
		cause = endedError(reason)
	}
	s.resolve(cause)
	snap := s.snapshot()
	m.cur = nil

	m.metrics.callEnded(reason, snap.Remote)
	log.Infof("[%s] call ended: %s", short(s.peerID), reason)
	m.emit(Event{Session: snap, Reason: reason, Err: cause})
	m.emit(Event{Session: Session{Status: StatusIdle}, Reason: reason})
	m.record(s, reason)
}

func (m *Manager) record(s *session, reason EndReason) {
	if m.history == nil {
		return
	}
	rec := Record{
		ID:          s.id,
		PeerID:      s.peerID,
		Role:        s.role,
		Media:       s.media,
		Reason:      reason,
		CreatedAt:   s.createdAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     m.clk.Now(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.history.RecordCall(ctx, rec); err != nil {
			log.Warnf("[%s] record call: %v", short(rec.PeerID), err)
		}
	}()
}

func (m *Manager) publish(s *session) {
	m.emit(Event{Session: s.snapshot()})
}

func (m *Manager) emit(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Debugf("event subscriber full, dropping %s", ev.Session.Status)
		}
	}
}

// ── loop events ──────────────────────────────────────────────────────────────

func (m *Manager) onLocalCandidate(gen uint64, c string) {
	s := m.current(gen)
	if s == nil {
		return
	}
	if !s.localSet {
		s.held = append(s.held, c)
		return
	}
	m.sendDetached(s.peerID, Candidate{CalleeID: s.peerID, Candidate: c})
}

func (m *Manager) onConnState(gen uint64, st ConnState) {
	s := m.current(gen)
	if s == nil {
		return
	}
	log.Debugf("[%s] peer connection %s", short(s.peerID), st)
	switch st {
	case ConnConnected:
		switch s.status {
		case StatusConnecting:
			m.markConnected(s)
		case StatusOutgoingRinging, StatusIncomingRinging:
			s.transportUp = true
		}
	case ConnFailed, ConnDisconnected:
		if s.status == StatusConnecting || s.status == StatusConnected {
			m.teardown(s, ReasonConnectionFailed, fmt.Errorf("%w: %s", ErrConnectionFailed, st))
		}
	}
}

func (m *Manager) onRemoteMedia(gen uint64, kind string) {
	if s := m.current(gen); s != nil {
		m.emit(Event{Session: s.snapshot(), Remote: kind})
	}
}

func (m *Manager) onNoAnswer(gen uint64) {
	s := m.current(gen)
	if s == nil || s.status != StatusOutgoingRinging {
		return
	}
	log.Infof("[%s] no answer after %s", short(s.peerID), m.noAns)
	m.sendDetached(s.peerID, End{CalleeID: s.peerID})
	m.teardown(s, ReasonNoAnswer, nil)
}

func (m *Manager) onRingTimeout(gen uint64) {
	s := m.current(gen)
	if s == nil || s.status != StatusIncomingRinging {
		return
	}
	log.Infof("[%s] unanswered after %s, rejecting", short(s.peerID), m.ring)
	m.sendDetached(s.peerID, Reject{CalleeID: s.peerID})
	m.teardown(s, ReasonRingTimeout, nil)
}

// ── inbound signals ──────────────────────────────────────────────────────────

// receive runs on the transport goroutine. Duplicates are dropped here,
// before anything reaches the state machine.
func (m *Manager) receive(in Inbound) {
	if m.dedupe.seen(in.ID) {
		log.Debugf("[%s] duplicate %s %s", short(in.From), in.Signal.Kind(), in.ID)
		m.metrics.signalDropped(dropDuplicate)
		return
	}
	m.post(func() { m.dispatch(in) })
}

func (m *Manager) dispatch(in Inbound) {
	if in.Signal.Callee() != m.selfID {
		m.drop(in.From, in.Signal.Kind(), "addressed to "+short(in.Signal.Callee()))
		return
	}
	in.Signal.visit(in.From, m)
}

// drop discards a signal that does not match the current session.
func (m *Manager) drop(from string, kind Kind, why string) {
	log.Debugf("[%s] %v: %s (%s)", short(from), ErrStaleSignal, kind, why)
	m.metrics.signalDropped(dropStale)
}

func (m *Manager) onOffer(from string, o Offer) {
	if m.accept != nil && (m.cur == nil || m.cur.peerID != from) && !m.accept() {
		log.Infof("[%s] offer while calls are disabled, replying busy", short(from))
		m.sendDetached(from, Busy{CalleeID: from})
		return
	}
	if s := m.cur; s != nil {
		switch {
		case s.peerID != from:
			log.Infof("[%s] offer while in a call with %s, replying busy", short(from), short(s.peerID))
			m.sendDetached(from, Busy{CalleeID: from})
			return
		case s.role == RoleCallee:
			log.Debugf("[%s] repeated offer ignored", short(from))
			m.metrics.signalDropped(dropDuplicate)
			return
		case s.status != StatusOutgoingRinging:
			m.drop(from, KindOffer, "negotiation already under way")
			return
		case m.selfID > from:
			log.Infof("[%s] call collision, keeping our call", short(from))
			m.sendDetached(from, Busy{CalleeID: from})
			return
		default:
			log.Infof("[%s] call collision, taking their call", short(from))
			m.teardown(s, ReasonSuperseded, nil)
		}
	}

	s := m.newSession(from, RoleCallee, o.Media, StatusIncomingRinging)
	s.offerSDP = o.SDP
	m.cur = s
	m.metrics.callStarted(RoleCallee)
	gen := s.gen
	s.timers.startRing(m.ring, func() { m.post(func() { m.onRingTimeout(gen) }) })
	log.Infof("[%s] incoming %s call", short(from), o.Media)
	m.publish(s)
}

func (m *Manager) onAnswer(from string, a Answer) {
	s := m.cur
	if s == nil || s.peerID != from {
		m.drop(from, KindAnswer, "no session with sender")
		return
	}
	if s.role != RoleCaller || s.status != StatusOutgoingRinging || s.negotiating || s.peer == nil || !s.peer.AwaitingAnswer() {
		state := "closed"
		if s.peer != nil {
			state = s.peer.signalingState()
		}
		log.Warnf("[%s] answer dropped: %v", short(from), &NegotiationStateError{Op: "apply-answer", State: state})
		m.metrics.signalDropped(dropNegotiation)
		return
	}

	s.negotiating = true
	peer := s.peer
	m.async(s, func() func() {
		err := peer.SetRemoteDescription(a.SDP, webrtc.SDPTypeAnswer)
		return func() {
			s.negotiating = false
			if err != nil {
				log.Warnf("[%s] answer rejected: %v", short(from), err)
				m.metrics.signalDropped(dropNegotiation)
				return
			}
			s.remoteSet = true
			m.drainQueue(s)
			m.enterConnecting(s)
		}
	})
}

func (m *Manager) onCandidate(from string, c Candidate) {
	s := m.cur
	if s == nil || s.peerID != from {
		m.drop(from, KindCandidate, "no session with sender")
		return
	}
	if !s.remoteSet {
		if !s.queue.enqueue(c.Candidate) {
			m.drop(from, KindCandidate, "candidate queue full")
		}
		return
	}
	_ = s.peer.AddICECandidate(c.Candidate)
}

func (m *Manager) onEnd(from string, _ End) {
	s := m.cur
	if s == nil || s.peerID != from {
		m.drop(from, KindEnd, "no session with sender")
		return
	}
	m.teardown(s, ReasonRemoteEnded, nil)
}

func (m *Manager) onReject(from string, _ Reject) {
	s := m.cur
	if s == nil || s.peerID != from || s.role != RoleCaller || s.status != StatusOutgoingRinging {
		m.drop(from, KindReject, "not ringing out to sender")
		return
	}
	m.teardown(s, ReasonRejected, nil)
}

func (m *Manager) onBusy(from string, _ Busy) {
	s := m.cur
	if s == nil || s.peerID != from || s.role != RoleCaller || s.status != StatusOutgoingRinging {
		m.drop(from, KindBusy, "not ringing out to sender")
		return
	}
	m.teardown(s, ReasonBusy, nil)
}
