//go:build linux

package media

import (
	"context"
	"fmt"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/goopcall/internal/call"
)

// Source captures camera and microphone through pion/mediadevices
// (V4L2 and malgo) and encodes them as VP8 and Opus.
type Source struct {
	opts     Options
	selector *mediadevices.CodecSelector
	engine   *webrtc.MediaEngine
}

// NewSource prepares the encoders. The returned MediaEngine must be the one
// the peer connections are built with so the negotiated codecs match.
func NewSource(opts Options) (*Source, error) {
	opts.applyDefaults()

	vp8, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vp8.BitRate = opts.VideoBitRate

	op, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vp8),
		mediadevices.WithAudioEncoders(&op),
	)
	me := &webrtc.MediaEngine{}
	selector.Populate(me)

	return &Source{opts: opts, selector: selector, engine: me}, nil
}

// MediaEngine returns the codec set matching the capture encoders.
func (s *Source) MediaEngine() *webrtc.MediaEngine { return s.engine }

type attempt struct {
	video, audio bool
}

func (a attempt) String() string {
	var parts []string
	if a.video {
		parts = append(parts, "video")
	}
	if a.audio {
		parts = append(parts, "audio")
	}
	return strings.Join(parts, "+")
}

// Acquire opens the requested devices. A video+audio request falls back to
// video-only and then audio-only, so one busy device does not block the
// other. When nothing can be opened the result wraps call.ErrPermissionDenied
// unless receive-only fallback is allowed.
func (s *Source) Acquire(ctx context.Context, video, audio bool) (call.MediaStream, error) {
	if s.opts.ReceiveOnly || (!video && !audio) {
		return emptyStream(), nil
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Warnf("no capture devices found")
	}
	for _, d := range devices {
		log.Debugf("device kind=%v label=%q", d.Kind, d.Label)
	}

	var attempts []attempt
	switch {
	case video && audio:
		attempts = []attempt{{true, true}, {true, false}, {false, true}}
	case video:
		attempts = []attempt{{true, false}}
	default:
		attempts = []attempt{{false, true}}
	}

	var lastErr error
	for _, a := range attempts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st, err := s.capture(a)
		if err != nil {
			log.Warnf("capture %s failed: %v", a, err)
			lastErr = err
			continue
		}
		return st, nil
	}

	if s.opts.AllowReceiveOnlyFallback {
		log.Warnf("all capture attempts failed, continuing receive-only")
		return emptyStream(), nil
	}
	return nil, fmt.Errorf("%w: %v", call.ErrPermissionDenied, lastErr)
}

func (s *Source) capture(a attempt) (*stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: s.selector}
	if a.video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames that break the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: s.opts.MaxWidth}
			c.Height = prop.IntRanged{Max: s.opts.MaxHeight}
		}
	}
	if a.audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	ms, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, err
	}

	tracks := ms.GetTracks()
	closeAll := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	out := &stream{stop: closeAll}
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local %s track ended: %v", t.Kind(), err)
			}
		})
		out.tracks = append(out.tracks, t)
	}
	log.Infof("captured %s: %d tracks", a, len(tracks))
	return out, nil
}
