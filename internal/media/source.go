// Package media supplies local capture for calls.
package media

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("media")

// Options tunes capture.
type Options struct {
	// ReceiveOnly skips capture entirely: every call gets an empty stream and
	// the peer side adds receive-only transceivers.
	ReceiveOnly bool

	// AllowReceiveOnlyFallback turns a failed capture into an empty stream
	// instead of a permission error.
	AllowReceiveOnlyFallback bool

	// VideoBitRate for the VP8 encoder, in bits per second.
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

const (
	defaultVideoBitRate = 1_500_000
	defaultMaxWidth     = 640
	defaultMaxHeight    = 480
)

func (o *Options) applyDefaults() {
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = defaultVideoBitRate
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = defaultMaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = defaultMaxHeight
	}
}

// stream is the call.MediaStream handed to one call.
type stream struct {
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func (s *stream) Tracks() []webrtc.TrackLocal { return s.tracks }

func (s *stream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

func emptyStream() *stream { return &stream{} }
