package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/util"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var log = logging.Logger("p2p")

func init() {
	// Dial failures and backoff errors from these go to stderr by default.
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("autonat", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}

// Options configures a Node. Zero values fall back to the proto defaults.
type Options struct {
	ListenPort    int
	KeyFile       string
	MdnsTag       string
	PresenceTopic string
	StaticPeers   []string

	// TTL for presence-learned peer addresses.
	PresenceTTL time.Duration
}

type Node struct {
	Host  host.Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	mdns  mdns.Service

	selfLabel         func() string
	selfCallsDisabled func() bool
	peers             *state.PeerTable

	presenceTTL time.Duration
	static      []peer.AddrInfo
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.h.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		log.Debugf("mdns: connect %s: %v", short(pi.ID.String()), err)
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}

	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}

	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}

	return priv, true, nil
}

// ParseStaticPeers turns /.../p2p/<id> multiaddrs into dialable AddrInfos,
// merging entries that name the same peer.
func ParseStaticPeers(addrs []string) ([]peer.AddrInfo, error) {
	var out []peer.AddrInfo
	index := map[peer.ID]int{}
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("static peer %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(a)
		if err != nil {
			return nil, fmt.Errorf("static peer %q: %w", s, err)
		}
		if i, ok := index[pi.ID]; ok {
			out[i].Addrs = append(out[i].Addrs, pi.Addrs...)
			continue
		}
		index[pi.ID] = len(out)
		out = append(out, *pi)
	}
	return out, nil
}

func New(ctx context.Context, opts Options, peers *state.PeerTable, selfLabel func() string, selfCallsDisabled func() bool) (*Node, error) {
	if opts.MdnsTag == "" {
		opts.MdnsTag = proto.MdnsTag
	}
	if opts.PresenceTopic == "" {
		opts.PresenceTopic = proto.PresenceTopic
	}
	static, err := ParseStaticPeers(opts.StaticPeers)
	if err != nil {
		return nil, err
	}

	priv, isNew, err := loadOrCreateKey(opts.KeyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Infof("generated new identity key: %s", opts.KeyFile)
	} else {
		log.Infof("loaded identity key: %s", opts.KeyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", opts.ListenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, opts.MdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	topic, err := ps.Join(opts.PresenceTopic)
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		_ = md.Close()
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:              h,
		ps:                ps,
		topic:             topic,
		sub:               sub,
		mdns:              md,
		selfLabel:         selfLabel,
		selfCallsDisabled: selfCallsDisabled,
		peers:             peers,
		presenceTTL:       opts.PresenceTTL,
		static:            static,
	}

	// Track live connections so the peer table shows who can actually be dialed.
	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			peers.SetReachable(c.RemotePeer().String(), true)
		},
		DisconnectedF: func(nw network.Network, c network.Conn) {
			if nw.Connectedness(c.RemotePeer()) != network.Connected {
				peers.SetReachable(c.RemotePeer().String(), false)
			}
		},
	})

	return n, nil
}

func (n *Node) Close() error {
	_ = n.mdns.Close()
	n.sub.Cancel()
	_ = n.topic.Close()
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// DialStatic connects to every configured static peer. Failures are logged;
// presence and mDNS may still find the peer later.
func (n *Node) DialStatic(ctx context.Context) {
	for _, pi := range n.static {
		cctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
		err := n.Host.Connect(cctx, pi)
		cancel()
		if err != nil {
			log.Warnf("static peer %s: %v", short(pi.ID.String()), err)
			continue
		}
		log.Infof("connected to static peer %s", short(pi.ID.String()))
	}
}

func (n *Node) presence(typ string) proto.PresenceMsg {
	msg := proto.PresenceMsg{
		Type:   typ,
		PeerID: n.ID(),
		TS:     proto.NowMillis(),
	}
	if typ == proto.TypeOnline || typ == proto.TypeUpdate {
		if n.selfLabel != nil {
			msg.Label = n.selfLabel()
		}
		if n.selfCallsDisabled != nil {
			msg.CallsDisabled = n.selfCallsDisabled()
		}
		msg.Addrs = n.wanAddrs()
	}
	return msg
}

func (n *Node) Publish(ctx context.Context, typ string) {
	b, _ := json.Marshal(n.presence(typ))
	if err := n.topic.Publish(ctx, b); err != nil {
		log.Debugf("publish %s: %v", typ, err)
	}
}

// wanAddrs returns the host's multiaddresses filtered to exclude loopback
// and link-local addresses. Circuit relay addresses are always included.
func (n *Node) wanAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// isCircuitAddr returns true if the multiaddr contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// SubscribeAddressChanges calls onChange whenever the host's listen addresses
// change, so presence can advertise the new set.
func (n *Node) SubscribeAddressChanges(ctx context.Context, onChange func()) {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Warnf("subscribe to address changes: %v", err)
		return
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				onChange()
			}
		}
	}()
}

// addPeerAddrs parses multiaddr strings and adds them to the peerstore.
// Circuit relay addresses get a longer TTL since they outlive individual
// presence heartbeats.
func (n *Node) addPeerAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return
	}
	var direct, circuit []ma.Multiaddr
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		if ip, err := manet.ToIP(a); err == nil {
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
		}
		if isCircuitAddr(a) {
			circuit = append(circuit, a)
		} else {
			direct = append(direct, a)
		}
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 20 * time.Second
	}
	if len(direct) > 0 {
		n.Host.Peerstore().AddAddrs(pid, direct, ttl)
	}
	if len(circuit) > 0 {
		n.Host.Peerstore().AddAddrs(pid, circuit, ttl*10)
	}
}

// handlePresence applies one gossip message to the peer table. It reports
// whether the message was accepted.
func (n *Node) handlePresence(data []byte) (proto.PresenceMsg, bool) {
	var pm proto.PresenceMsg
	if err := json.Unmarshal(data, &pm); err != nil {
		return pm, false
	}
	if pm.PeerID == "" || pm.Type == "" || pm.PeerID == n.ID() {
		return pm, false
	}
	switch pm.Type {
	case proto.TypeOnline, proto.TypeUpdate:
		n.peers.Upsert(pm.PeerID, pm.Label, pm.CallsDisabled)
		n.addPeerAddrs(pm.PeerID, pm.Addrs)
	case proto.TypeOffline:
		n.peers.MarkOffline(pm.PeerID)
	default:
		return pm, false
	}
	return pm, true
}

func (n *Node) RunPresenceLoop(ctx context.Context, onEvent func(msg proto.PresenceMsg)) {
	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}
			pm, ok := n.handlePresence(m.Data)
			if ok && onEvent != nil {
				onEvent(pm)
			}
		}
	}()
}

// RunPresenceHeartbeat republishes our presence every interval and prunes
// peers whose presence has lapsed. It publishes offline when ctx ends.
func (n *Node) RunPresenceHeartbeat(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ttl := n.presenceTTL
	if ttl <= 0 {
		ttl = 4 * interval
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				octx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
				n.Publish(octx, proto.TypeOffline)
				cancel()
				return
			case now := <-t.C:
				n.Publish(ctx, proto.TypeUpdate)
				n.peers.PruneStale(now.Add(-ttl), now.Add(-grace))
			}
		}
	}()
}

func short(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
