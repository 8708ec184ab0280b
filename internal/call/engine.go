package call

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// PionConfig configures NewPionFactory.
type PionConfig struct {
	// ICEServers are STUN-class URLs, configured once and reused per call.
	ICEServers []string

	// MediaEngine carries the codecs of the local capture pipeline. Nil means
	// pion's default codecs.
	MediaEngine *webrtc.MediaEngine

	// ICE timeouts. Zero values fall back to the defaults below, which are
	// generous so a brief NAT hiccup does not end the call.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
}

const (
	defaultICEDisconnected = 30 * time.Second
	defaultICEFailed       = 120 * time.Second
	defaultICEKeepAlive    = 2 * time.Second
)

// NewPionFactory builds one webrtc.API and returns a factory producing a new
// PeerConnection from it for each call.
func NewPionFactory(cfg PionConfig) (PeerFactory, error) {
	me := cfg.MediaEngine
	if me == nil {
		me = &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, err
	}

	disc, failed, keep := cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval
	if disc <= 0 {
		disc = defaultICEDisconnected
	}
	if failed <= 0 {
		failed = defaultICEFailed
	}
	if keep <= 0 {
		keep = defaultICEKeepAlive
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(disc, failed, keep)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	var servers []webrtc.ICEServer
	if len(cfg.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), cfg.ICEServers...)}}
	}

	return func() (PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, err
		}
		return pc, nil
	}, nil
}
