//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// Source is receive-only on platforms without capture drivers.
type Source struct {
	engine *webrtc.MediaEngine
}

func NewSource(opts Options) (*Source, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	log.Infof("no capture drivers on this platform, calls are receive-only")
	return &Source{engine: me}, nil
}

func (s *Source) MediaEngine() *webrtc.MediaEngine { return s.engine }

func (s *Source) Acquire(ctx context.Context, video, audio bool) (call.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return emptyStream(), nil
}
