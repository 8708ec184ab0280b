package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHost(t *testing.T) host.Host {
	t.Helper()
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.DisableRelay(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func connectedPair(t *testing.T) (*Manager, *Manager, host.Host, host.Host) {
	t.Helper()
	h1, h2 := newHost(t), newHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h1.Connect(ctx, peer.AddrInfo{ID: h2.ID(), Addrs: h2.Addrs()}))
	return New(h1), New(h2), h1, h2
}

func TestSendDispatchesBeforeAck(t *testing.T) {
	m1, m2, h1, h2 := connectedPair(t)

	var (
		mu  sync.Mutex
		got []Message
	)
	m2.SubscribeTopic(TopicCallPrefix, func(msg Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	id, err := m1.Send(context.Background(), h2.ID().String(), TopicCallSignal, json.RawMessage(`{"type":"CALL_END","calleeId":"x"}`))
	require.NoError(t, err)

	// Send returned, so dispatch already happened.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.Equal(t, h1.ID().String(), got[0].From)
	assert.Equal(t, TopicCallSignal, got[0].Topic)
	assert.JSONEq(t, `{"type":"CALL_END","calleeId":"x"}`, string(got[0].Payload))
	assert.Equal(t, "direct", got[0].Via)
}

func TestSendPreservesOrder(t *testing.T) {
	m1, m2, _, h2 := connectedPair(t)

	var (
		mu   sync.Mutex
		seqs []int
	)
	m2.SubscribeTopic(TopicCallSignal, func(msg Message) {
		var n int
		_ = json.Unmarshal(msg.Payload, &n)
		mu.Lock()
		seqs = append(seqs, n)
		mu.Unlock()
	})

	want := make([]int, 25)
	for i := range want {
		want[i] = i
		_, err := m1.Send(context.Background(), h2.ID().String(), TopicCallSignal, json.RawMessage(fmt.Sprint(i)))
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seqs)
}

func TestSubscribeTopicPrefixAndCancel(t *testing.T) {
	m1, m2, _, h2 := connectedPair(t)

	var calls, other int
	var mu sync.Mutex
	cancel := m2.SubscribeTopic(TopicCallPrefix, func(Message) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	m2.SubscribeTopic("chat", func(Message) {
		mu.Lock()
		other++
		mu.Unlock()
	})

	ctx := context.Background()
	_, err := m1.Send(ctx, h2.ID().String(), TopicCallSignal, json.RawMessage(`1`))
	require.NoError(t, err)
	cancel()
	_, err = m1.Send(ctx, h2.ID().String(), TopicCallSignal, json.RawMessage(`2`))
	require.NoError(t, err, "unsubscribed topics are still acked")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	assert.Zero(t, other)
}

func TestSendErrors(t *testing.T) {
	h1 := newHost(t)
	m1 := New(h1)
	ctx := context.Background()

	_, err := m1.Send(ctx, "not-a-peer-id", TopicCallSignal, json.RawMessage(`1`))
	assert.Error(t, err)

	_, err = m1.Send(ctx, h1.ID().String(), TopicCallSignal, json.RawMessage(`1`))
	assert.Error(t, err)

	// A valid id with no known addresses cannot be dialed.
	stranger := newHost(t)
	id := stranger.ID().String()
	require.NoError(t, stranger.Close())
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = m1.Send(dctx, id, TopicCallSignal, json.RawMessage(`1`))
	assert.Error(t, err)
}
