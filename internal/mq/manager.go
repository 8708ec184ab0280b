package mq

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/petervdpas/goopcall/internal/proto"
)

var log = logging.Logger("mq")

const (
	// ackTimeout is how long Send waits for the remote ack.
	ackTimeout = 10 * time.Second

	// readTimeout bounds how long an inbound stream may take to deliver its message.
	readTimeout = 30 * time.Second
)

// ErrUnsupported is returned when the peerstore knows the peer does not
// speak the MQ protocol.
var ErrUnsupported = errors.New("mq: protocol not supported by peer")

// Manager owns the MQ stream handler and the topic subscribers.
type Manager struct {
	host host.Host

	seq atomic.Int64

	topicMu   sync.RWMutex
	topicSubs map[int]topicSub
	nextSub   int
}

type topicSub struct {
	prefix string
	fn     func(Message)
}

// New creates a Manager and registers the /goop/mq/1.0.0 stream handler.
func New(h host.Host) *Manager {
	m := &Manager{
		host:      h,
		topicSubs: make(map[int]topicSub),
	}
	h.SetStreamHandler(protocol.ID(proto.MQProtoID), m.handleIncoming)
	log.Infof("registered handler for %s", proto.MQProtoID)
	return m
}

// Close removes the stream handler.
func (m *Manager) Close() {
	m.host.RemoveStreamHandler(protocol.ID(proto.MQProtoID))
}

// peerSupportsMQ returns false only when the peerstore has a non-empty protocol
// list for the peer and the MQ protocol is absent from it. Unknown means try.
func (m *Manager) peerSupportsMQ(pid peer.ID) bool {
	protos, err := m.host.Peerstore().GetProtocols(pid)
	if err != nil || len(protos) == 0 {
		return true
	}
	for _, p := range protos {
		if p == protocol.ID(proto.MQProtoID) {
			return true
		}
	}
	return false
}

// Send opens a stream to peerID, writes one message and waits for the ack.
// It returns the message ID once the remote has dispatched the message.
func (m *Manager) Send(ctx context.Context, peerID, topic string, payload json.RawMessage) (string, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return "", fmt.Errorf("mq: invalid peer id %q: %w", peerID, err)
	}
	if pid == m.host.ID() {
		return "", fmt.Errorf("mq: refusing to send to self")
	}
	if !m.peerSupportsMQ(pid) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, short(peerID))
	}

	msg := MQMsg{
		Type:    MsgTypeMsg,
		ID:      uuid.NewString(),
		Seq:     m.seq.Add(1),
		Topic:   topic,
		Payload: payload,
	}

	dialCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()

	stream, err := m.host.NewStream(dialCtx, pid, protocol.ID(proto.MQProtoID))
	if err != nil {
		return "", fmt.Errorf("mq: open stream to %s: %w", short(peerID), err)
	}
	defer stream.Close()

	deadline := time.Now().Add(ackTimeout)
	if d, ok := dialCtx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = stream.SetDeadline(deadline)

	if err := json.NewEncoder(stream).Encode(msg); err != nil {
		_ = stream.Reset()
		return "", fmt.Errorf("mq: write to %s: %w", short(peerID), err)
	}

	var ack MQAck
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&ack); err != nil {
		_ = stream.Reset()
		return "", fmt.Errorf("mq: waiting for ack from %s: %w", short(peerID), err)
	}
	if ack.Type != MsgTypeAck || ack.ID != msg.ID {
		return "", fmt.Errorf("mq: ack mismatch from %s (got %s, want %s)", short(peerID), ack.ID, msg.ID)
	}

	log.Debugf("sent %s (topic=%s) to %s via %s", msg.ID[:8], topic, short(peerID), connVia(stream))
	return msg.ID, nil
}

// handleIncoming reads one message, hands it to every matching subscriber
// and only then acks. A sender that waits for each ack before its next Send
// therefore gets its messages dispatched in send order.
func (m *Manager) handleIncoming(stream network.Stream) {
	defer stream.Close()

	remotePeer := stream.Conn().RemotePeer().String()
	_ = stream.SetReadDeadline(time.Now().Add(readTimeout))

	var msg MQMsg
	if err := json.NewDecoder(bufio.NewReader(stream)).Decode(&msg); err != nil {
		log.Warnf("decode error from %s: %v", short(remotePeer), err)
		_ = stream.Reset()
		return
	}
	if msg.Type != MsgTypeMsg || msg.ID == "" {
		log.Warnf("dropping malformed message from %s", short(remotePeer))
		_ = stream.Reset()
		return
	}

	m.dispatch(Message{
		ID:      msg.ID,
		Seq:     msg.Seq,
		From:    remotePeer,
		Topic:   msg.Topic,
		Payload: msg.Payload,
		Via:     connVia(stream),
	})

	ack := MQAck{Type: MsgTypeAck, ID: msg.ID, Seq: msg.Seq}
	_ = stream.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := json.NewEncoder(stream).Encode(ack); err != nil {
		log.Debugf("ack write error to %s: %v", short(remotePeer), err)
	}
}

func (m *Manager) dispatch(msg Message) {
	m.topicMu.RLock()
	var fns []func(Message)
	for _, sub := range m.topicSubs {
		if strings.HasPrefix(msg.Topic, sub.prefix) {
			fns = append(fns, sub.fn)
		}
	}
	m.topicMu.RUnlock()

	if len(fns) == 0 {
		log.Debugf("no subscriber for topic %s from %s", msg.Topic, short(msg.From))
		return
	}
	log.Debugf("received %s (topic=%s) from %s", msg.ID[:min(8, len(msg.ID))], msg.Topic, short(msg.From))
	for _, fn := range fns {
		fn(msg)
	}
}

// SubscribeTopic registers fn for messages whose topic has the given prefix.
// fn runs on the stream handler goroutine before the ack is written, so it
// must not block. Returns an unsubscribe function.
func (m *Manager) SubscribeTopic(prefix string, fn func(Message)) func() {
	m.topicMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.topicSubs[id] = topicSub{prefix: prefix, fn: fn}
	m.topicMu.Unlock()

	return func() {
		m.topicMu.Lock()
		delete(m.topicSubs, id)
		m.topicMu.Unlock()
	}
}

// connVia returns "relay:<relayID8>" if the stream is routed through a circuit
// relay, or "direct" otherwise.
func connVia(s network.Stream) string {
	ma := s.Conn().RemoteMultiaddr().String()
	circuitIdx := strings.Index(ma, "/p2p-circuit")
	if circuitIdx < 0 {
		return "direct"
	}
	before := ma[:circuitIdx]
	if p2pIdx := strings.LastIndex(before, "/p2p/"); p2pIdx >= 0 {
		relayID := before[p2pIdx+5:]
		if len(relayID) > 8 {
			relayID = relayID[:8]
		}
		return "relay:" + relayID
	}
	return "relay"
}

func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
