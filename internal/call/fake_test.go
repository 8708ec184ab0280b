package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ── in-memory bus ────────────────────────────────────────────────────────────

// bus delivers synchronously, so a Publish returns after the receiver's
// subscribers have run. That mirrors the mq contract of dispatching before
// the ack.
type bus struct {
	mu    sync.Mutex
	nodes map[string]*busEndpoint
	down  map[string]bool
}

func newBus() *bus {
	return &bus{nodes: map[string]*busEndpoint{}, down: map[string]bool{}}
}

func (b *bus) setDown(peerID string, down bool) {
	b.mu.Lock()
	b.down[peerID] = down
	b.mu.Unlock()
}

func (b *bus) endpoint(id string) *busEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &busEndpoint{bus: b, id: id, subs: map[int]func(Delivery){}}
	b.nodes[id] = ep
	return ep
}

type busEndpoint struct {
	bus *bus
	id  string

	mu   sync.Mutex
	subs map[int]func(Delivery)
	next int
}

func (e *busEndpoint) Publish(_ context.Context, peerID string, payload json.RawMessage) error {
	return e.publishID(uuid.NewString(), peerID, payload)
}

func (e *busEndpoint) publishID(id, peerID string, payload json.RawMessage) error {
	e.bus.mu.Lock()
	dst, ok := e.bus.nodes[peerID]
	down := e.bus.down[peerID]
	e.bus.mu.Unlock()
	if !ok || down {
		return fmt.Errorf("peer %s unreachable", peerID)
	}
	dst.deliver(Delivery{ID: id, From: e.id, Payload: payload})
	return nil
}

func (e *busEndpoint) deliver(d Delivery) {
	e.mu.Lock()
	fns := make([]func(Delivery), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

func (e *busEndpoint) Subscribe(fn func(Delivery)) func() {
	e.mu.Lock()
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// ── scripted remote peer ─────────────────────────────────────────────────────

// rawPeer is a remote endpoint driven by the test instead of a Manager.
type rawPeer struct {
	id string
	ep *busEndpoint

	mu  sync.Mutex
	got []Signal
}

func (r *rawPeer) send(t *testing.T, to string, sig Signal) {
	t.Helper()
	r.sendID(t, uuid.NewString(), to, sig)
}

func (r *rawPeer) sendID(t *testing.T, id, to string, sig Signal) {
	t.Helper()
	payload, err := EncodeSignal(sig)
	require.NoError(t, err)
	require.NoError(t, r.ep.publishID(id, to, payload))
}

func (r *rawPeer) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.got))
	for i, s := range r.got {
		out[i] = s.Kind()
	}
	return out
}

func (r *rawPeer) count(k Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

func (r *rawPeer) first(k Kind) Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.got {
		if s.Kind() == k {
			return s
		}
	}
	return nil
}

func (r *rawPeer) waitKind(t *testing.T, k Kind) Signal {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(k) > 0 }, waitFor, tick, "waiting for %s", k)
	return r.first(k)
}

// ── fake peer connection ─────────────────────────────────────────────────────

type fakePC struct {
	mu         sync.Mutex
	state      webrtc.SignalingState
	remote     []webrtc.SessionDescription
	candidates []string
	recvonly   []webrtc.RTPCodecType
	tracks     int
	closed     bool

	onICE  func(*webrtc.ICECandidate)
	onConn func(webrtc.PeerConnectionState)

	offerGate chan struct{}
	srdGate   chan struct{}
	srdErr    error
	srdCalls  atomic.Int32
}

func newFakePC() *fakePC {
	return &fakePC{state: webrtc.SignalingStateStable}
}

func (f *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if f.offerGate != nil {
		<-f.offerGate
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		f.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		f.state = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.srdCalls.Add(1)
	if f.srdGate != nil {
		<-f.srdGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.srdErr != nil {
		return f.srdErr
	}
	f.remote = append(f.remote, d)
	switch d.Type {
	case webrtc.SDPTypeOffer:
		f.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.state = webrtc.SignalingStateStable
	}
	return nil
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c.Candidate)
	return nil
}

func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks++
	f.mu.Unlock()
	return nil, nil
}

func (f *fakePC) AddTransceiverFromKind(kind webrtc.RTPCodecType, _ ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	f.mu.Lock()
	f.recvonly = append(f.recvonly, kind)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakePC) WriteRTCP([]rtcp.Packet) error { return nil }

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onICE = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onConn = fn
	f.mu.Unlock()
}

func (f *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.state = webrtc.SignalingStateClosed
	return nil
}

func (f *fakePC) emitCandidate(port uint16) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	fn(&webrtc.ICECandidate{
		Foundation: "1",
		Priority:   2130706431,
		Address:    "192.0.2.1",
		Protocol:   webrtc.ICEProtocolUDP,
		Port:       port,
		Typ:        webrtc.ICECandidateTypeHost,
		Component:  1,
	})
}

func (f *fakePC) setConn(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	fn(s)
}

func (f *fakePC) hooked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onICE != nil && f.onConn != nil
}

func (f *fakePC) applied() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakePC) remoteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.remote)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	pcs     []*fakePC
	prepare func(*fakePC)
}

func (ff *fakeFactory) New() (PeerConnection, error) {
	pc := newFakePC()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if ff.prepare != nil {
		ff.prepare(pc)
	}
	ff.pcs = append(ff.pcs, pc)
	return pc, nil
}

func (ff *fakeFactory) count() int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.pcs)
}

func (ff *fakeFactory) last() *fakePC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if len(ff.pcs) == 0 {
		return nil
	}
	return ff.pcs[len(ff.pcs)-1]
}

// ── media and history ────────────────────────────────────────────────────────

type fakeStream struct {
	mu      sync.Mutex
	stopped int
}

func (s *fakeStream) Tracks() []webrtc.TrackLocal { return nil }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

type fakeMedia struct {
	mu      sync.Mutex
	err     error
	streams []*fakeStream
}

func (fm *fakeMedia) Acquire(ctx context.Context, video, audio bool) (MediaStream, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	if fm.err != nil {
		return nil, fm.err
	}
	s := &fakeStream{}
	fm.streams = append(fm.streams, s)
	return s, nil
}

func (fm *fakeMedia) deny(err error) {
	fm.mu.Lock()
	fm.err = err
	fm.mu.Unlock()
}

type fakeHistory struct {
	mu   sync.Mutex
	recs []Record
}

func (h *fakeHistory) RecordCall(_ context.Context, rec Record) error {
	h.mu.Lock()
	h.recs = append(h.recs, rec)
	h.mu.Unlock()
	return nil
}

func (h *fakeHistory) records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Record(nil), h.recs...)
}

// ── harness ──────────────────────────────────────────────────────────────────

type harness struct {
	t   *testing.T
	bus *bus
	clk *clock.Mock
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, bus: newBus(), clk: clock.NewMock()}
}

type node struct {
	m       *Manager
	pcs     *fakeFactory
	media   *fakeMedia
	hist    *fakeHistory
	metrics *Metrics
}

func (h *harness) node(id string) *node {
	return h.nodeWith(id, nil)
}

// nodeWith is node with a chance to adjust the Options before New.
func (h *harness) nodeWith(id string, tweak func(*Options)) *node {
	n := &node{
		pcs:     &fakeFactory{},
		media:   &fakeMedia{},
		hist:    &fakeHistory{},
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	opts := Options{
		SelfID:    id,
		Transport: h.bus.endpoint(id),
		Media:     n.media,
		NewPeer:   n.pcs.New,
		Clock:     h.clk,
		History:   n.hist,
		Metrics:   n.metrics,
	}
	if tweak != nil {
		tweak(&opts)
	}
	m, err := New(opts)
	require.NoError(h.t, err)
	h.t.Cleanup(m.Close)
	n.m = m
	return n
}

func (h *harness) raw(id string) *rawPeer {
	r := &rawPeer{id: id, ep: h.bus.endpoint(id)}
	r.ep.Subscribe(func(d Delivery) {
		sig, err := DecodeSignal(d.Payload)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.got = append(r.got, sig)
		r.mu.Unlock()
	})
	return r
}

// current is also a barrier: every closure posted before it has run.
func current(t *testing.T, m *Manager) Session {
	t.Helper()
	s, err := m.Current(context.Background())
	require.NoError(t, err)
	return s
}

func waitStatus(t *testing.T, m *Manager, want Status) Session {
	t.Helper()
	var got Session
	require.Eventually(t, func() bool {
		s, err := m.Current(context.Background())
		if err != nil {
			return false
		}
		got = s
		return s.Status == want
	}, waitFor, tick, "waiting for %s", want)
	return got
}

// nextEnded reads events until an ENDED one arrives.
func nextEnded(t *testing.T, events <-chan Event) Event {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "event channel closed")
			if ev.Session.Status == StatusEnded {
				return ev
			}
		case <-deadline:
			t.Fatal("no ENDED event")
			return Event{}
		}
	}
}

func candLine(port int) string {
	return fmt.Sprintf("candidate:1 1 udp 2130706431 192.0.2.7 %d typ host", port)
}

func cand(port int) string {
	return fmt.Sprintf(`{"candidate":%q,"sdpMid":"0","sdpMLineIndex":0}`, candLine(port))
}

var errNoCamera = errors.New("no camera")
