package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/mq"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/proto"
	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/storage"
	"github.com/petervdpas/goopcall/internal/util"
	"github.com/petervdpas/goopcall/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config
}

// liveConfig holds the parts of the config that may change while running.
type liveConfig struct {
	mu  sync.RWMutex
	cfg config.Config
}

func (l *liveConfig) get() config.Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *liveConfig) set(c config.Config) {
	l.mu.Lock()
	l.cfg = c
	l.mu.Unlock()
}

// Run starts one peer and blocks until ctx is cancelled.
func Run(ctx context.Context, opt Options) error {
	logBuf := viewer.NewLogBuffer(800)
	pipe := logging.NewPipeReader(logging.PipeFormat(logging.PlaintextOutput))
	defer pipe.Close()
	go func() { _, _ = io.Copy(logBuf, pipe) }()

	if err := opt.Cfg.Log.ApplyLogLevels(); err != nil {
		return fmt.Errorf("log levels: %w", err)
	}

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, opt, logBuf)
}

func runPeer(ctx context.Context, o Options, logs *viewer.LogBuffer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	live := &liveConfig{cfg: o.Cfg}
	cfg := o.Cfg

	selfLabel := func() string { return live.get().Profile.Label }
	selfCallsDisabled := func() bool { return live.get().Profile.CallsDisabled }

	peers := state.NewPeerTable()

	// ── P2P node
	node, err := p2p.New(ctx, p2p.Options{
		ListenPort:    cfg.P2P.ListenPort,
		KeyFile:       util.ResolvePath(o.PeerDir, cfg.Identity.KeyFile),
		MdnsTag:       cfg.P2P.MdnsTag,
		PresenceTopic: cfg.Presence.Topic,
		StaticPeers:   cfg.P2P.Peers,
		PresenceTTL:   cfg.Presence.TTL(),
	}, peers, selfLabel, selfCallsDisabled)
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}
	defer node.Close()
	log.Infof("peer id: %s", node.ID())

	// ── Database
	db, err := storage.Open(o.PeerDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	log.Infof("database: %s", db.Path())
	if n, err := db.PruneCalls(ctx, cfg.Call.HistoryLimit); err != nil {
		log.Warnf("prune call history: %v", err)
	} else if n > 0 {
		log.Infof("pruned %d old call records", n)
	}

	// ── Presence
	node.RunPresenceLoop(ctx, func(m proto.PresenceMsg) {
		log.Debugf("[%s] %s -> %q", m.Type, shortID(m.PeerID), m.Label)
		if m.Type == proto.TypeOffline {
			return
		}
		err := db.UpsertCachedPeer(ctx, storage.CachedPeer{
			PeerID:   m.PeerID,
			Label:    m.Label,
			Addrs:    m.Addrs,
			LastSeen: time.UnixMilli(m.TS),
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("cache peer %s: %v", shortID(m.PeerID), err)
		}
	})
	go watchPeers(ctx, peers)

	node.Publish(ctx, proto.TypeOnline)
	node.RunPresenceHeartbeat(ctx, cfg.Presence.Heartbeat(), cfg.Presence.Grace())
	node.SubscribeAddressChanges(ctx, func() {
		node.Publish(ctx, proto.TypeUpdate)
	})
	go node.DialStatic(ctx)

	// ── Message queue
	mqMgr := mq.New(node.Host)
	defer mqMgr.Close()

	// ── Media and peer connections
	src, err := media.NewSource(media.Options{
		ReceiveOnly:              cfg.Media.ReceiveOnly,
		AllowReceiveOnlyFallback: cfg.Media.AllowReceiveOnlyFallback,
		VideoBitRate:             cfg.Media.VideoBitRate,
		MaxWidth:                 cfg.Media.MaxWidth,
		MaxHeight:                cfg.Media.MaxHeight,
	})
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}
	newPeer, err := call.NewPionFactory(call.PionConfig{
		ICEServers:          cfg.Call.STUNServers,
		MediaEngine:         src.MediaEngine(),
		DisconnectedTimeout: cfg.Call.ICEDisconnected(),
		FailedTimeout:       cfg.Call.ICEFailed(),
		KeepAliveInterval:   cfg.Call.ICEKeepAlive(),
	})
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}

	// ── Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := call.NewMetrics(reg)

	// ── Call manager
	calls, err := call.New(call.Options{
		SelfID:          node.ID(),
		Transport:       newMQTransport(mqMgr),
		Media:           src,
		NewPeer:         newPeer,
		RingTimeout:     cfg.Call.RingTimeout(),
		NoAnswerTimeout: cfg.Call.NoAnswerTimeout(),
		DedupeWindow:    cfg.Call.DedupeWindow,
		History:         db,
		Metrics:         metrics,
		Accepting:       func() bool { return !selfCallsDisabled() },
	})
	if err != nil {
		return fmt.Errorf("call manager: %w", err)
	}
	defer calls.Close()
	go logCallEvents(ctx, calls)

	// ── Config hot reload
	go func() {
		err := config.Watch(ctx, o.CfgPath, func(next config.Config) {
			if err := next.Log.ApplyLogLevels(); err != nil {
				log.Warnf("config reload: %v", err)
			}
			prev := live.get()
			live.set(next)
			if prev.Profile != next.Profile {
				log.Infof("profile changed, announcing")
				node.Publish(ctx, proto.TypeUpdate)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("config watcher stopped: %v", err)
		}
	}()

	// ── Viewer
	viewerErr := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		v := viewer.Viewer{
			SelfID:        node.ID(),
			SelfLabel:     selfLabel,
			CallsDisabled: selfCallsDisabled,
			Addrs: func() []string {
				return lo.Map(node.Host.Addrs(), func(a ma.Multiaddr, _ int) string { return a.String() })
			},
			Peers:        peers,
			Calls:        calls,
			History:      db,
			HistoryLimit: cfg.Call.HistoryLimit,
			Logs:         logs,
			Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}
		go func() { viewerErr <- viewer.Start(ctx, addr, v) }()
		log.Infof("viewer: %s", url)
	}

	select {
	case <-ctx.Done():
	case err := <-viewerErr:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		<-ctx.Done()
	}
	log.Infof("shutting down")
	return nil
}

// watchPeers logs peer table changes.
func watchPeers(ctx context.Context, peers *state.PeerTable) {
	ch := peers.Subscribe()
	defer peers.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			log.Debugf("peer %s %s", evt.Type, shortID(evt.PeerID))
		}
	}
}

// logCallEvents writes one info line per call status change.
func logCallEvents(ctx context.Context, calls *call.Manager) {
	ch, cancel := calls.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s := ev.Session
			switch {
			case ev.Err != nil:
				log.Infof("call %s with %s: %s (%v)", s.Status, shortID(s.PeerID), ev.Reason, ev.Err)
			case ev.Reason != "":
				log.Infof("call %s with %s: %s", s.Status, shortID(s.PeerID), ev.Reason)
			case ev.Remote != "":
				log.Debugf("remote %s from %s", ev.Remote, shortID(s.PeerID))
			default:
				log.Infof("call %s with %s", s.Status, shortID(s.PeerID))
			}
		}
	}
}
