package app

import (
	"context"
	"encoding/json"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/mq"
)

// mqTransport carries call signals over the mq stream protocol. Each signal
// is one mq message on the call:signal topic; the mq message ID doubles as the
// delivery ID the call core deduplicates on.
type mqTransport struct {
	mq *mq.Manager
}

var _ call.Transport = (*mqTransport)(nil)

func newMQTransport(m *mq.Manager) *mqTransport {
	return &mqTransport{mq: m}
}

func (t *mqTransport) Publish(ctx context.Context, peerID string, payload json.RawMessage) error {
	_, err := t.mq.Send(ctx, peerID, mq.TopicCallSignal, payload)
	return err
}

func (t *mqTransport) Subscribe(fn func(call.Delivery)) (cancel func()) {
	return t.mq.SubscribeTopic(mq.TopicCallSignal, func(msg mq.Message) {
		fn(toDelivery(msg))
	})
}

func toDelivery(msg mq.Message) call.Delivery {
	return call.Delivery{ID: msg.ID, From: msg.From, Payload: msg.Payload}
}
