package call

import (
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultRingTimeout     = 30 * time.Second
	DefaultNoAnswerTimeout = 45 * time.Second
)

// timeouts holds the two per-session deadlines. Expiry only posts an event
// back to the manager loop; it never touches session state itself.
type timeouts struct {
	clk      clock.Clock
	ring     *clock.Timer
	noAnswer *clock.Timer
}

func newTimeouts(clk clock.Clock) *timeouts {
	return &timeouts{clk: clk}
}

// startRing arms the callee-side ring deadline.
func (t *timeouts) startRing(d time.Duration, fire func()) {
	if t.ring != nil {
		t.ring.Stop()
	}
	t.ring = t.clk.AfterFunc(d, fire)
}

// startNoAnswer arms the caller-side no-answer deadline.
func (t *timeouts) startNoAnswer(d time.Duration, fire func()) {
	if t.noAnswer != nil {
		t.noAnswer.Stop()
	}
	t.noAnswer = t.clk.AfterFunc(d, fire)
}

// stop cancels both timers.
func (t *timeouts) stop() {
	if t.ring != nil {
		t.ring.Stop()
		t.ring = nil
	}
	if t.noAnswer != nil {
		t.noAnswer.Stop()
		t.noAnswer = nil
	}
}
