package call

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPionPair(t *testing.T, media MediaKind) (*Peer, *Peer) {
	t.Helper()
	factory, err := NewPionFactory(PionConfig{})
	require.NoError(t, err)

	pcA, err := factory()
	require.NoError(t, err)
	pcB, err := factory()
	require.NoError(t, err)

	a, err := NewPeer(pcA, nil, media, "a")
	require.NoError(t, err)
	b, err := NewPeer(pcB, nil, media, "b")
	require.NoError(t, err)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b
}

func TestPeerNegotiation(t *testing.T) {
	a, b := newPionPair(t, MediaVideo)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer, "m=audio")
	assert.Contains(t, offer, "m=video")
	assert.True(t, a.AwaitingAnswer())

	require.NoError(t, b.SetRemoteDescription(offer, webrtc.SDPTypeOffer))
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	assert.False(t, b.AwaitingAnswer())

	require.NoError(t, a.SetRemoteDescription(answer, webrtc.SDPTypeAnswer))
	assert.False(t, a.AwaitingAnswer())
}

func TestPeerRejectsAnswerInStable(t *testing.T) {
	a, b := newPionPair(t, MediaAudio)

	offer, err := a.CreateOffer()
	require.NoError(t, err)
	require.NoError(t, b.SetRemoteDescription(offer, webrtc.SDPTypeOffer))
	answer, err := b.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, a.SetRemoteDescription(answer, webrtc.SDPTypeAnswer))

	err = a.SetRemoteDescription(answer, webrtc.SDPTypeAnswer)
	var nse *NegotiationStateError
	require.True(t, errors.As(err, &nse), "got %v", err)
	assert.Equal(t, "set-remote-answer", nse.Op)
	assert.Equal(t, webrtc.SignalingStateStable.String(), nse.State)

	_, err = a.CreateAnswer()
	require.True(t, errors.As(err, &nse))
	assert.Equal(t, "create-answer", nse.Op)
}

func TestPeerRejectsOfferWhileOfferPending(t *testing.T) {
	a, b := newPionPair(t, MediaAudio)

	offerA, err := a.CreateOffer()
	require.NoError(t, err)
	_, err = b.CreateOffer()
	require.NoError(t, err)

	err = b.SetRemoteDescription(offerA, webrtc.SDPTypeOffer)
	var nse *NegotiationStateError
	require.ErrorAs(t, err, &nse)
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer.String(), nse.State)

	_, err = a.CreateOffer()
	assert.ErrorAs(t, err, &nse)
}

func TestPeerBadCandidate(t *testing.T) {
	a, _ := newPionPair(t, MediaAudio)
	assert.Error(t, a.AddICECandidate("not json"))
}

func TestPeerClosed(t *testing.T) {
	a, _ := newPionPair(t, MediaAudio)
	a.Close()
	a.Close()

	_, err := a.CreateOffer()
	assert.ErrorIs(t, err, errPeerClosed)
	assert.ErrorIs(t, a.SetRemoteDescription("v=0", webrtc.SDPTypeOffer), errPeerClosed)
	assert.ErrorIs(t, a.AddICECandidate(cand(1)), errPeerClosed)
	assert.False(t, a.AwaitingAnswer())
}

func TestNewPeerAddsReceiveOnlyForMissingKinds(t *testing.T) {
	audio := newFakePC()
	_, err := NewPeer(audio, &fakeStream{}, MediaAudio, "x")
	require.NoError(t, err)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio}, audio.recvonly)

	video := newFakePC()
	p, err := NewPeer(video, &fakeStream{}, MediaVideo, "x")
	require.NoError(t, err)
	assert.Equal(t, []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}, video.recvonly)

	assert.NoError(t, p.SetTrackEnabled(webrtc.RTPCodecTypeVideo, false), "no local track is a no-op")
}

func TestPeerCloseStopsStream(t *testing.T) {
	pc := newFakePC()
	st := &fakeStream{}
	p, err := NewPeer(pc, st, MediaAudio, "x")
	require.NoError(t, err)
	p.Close()
	p.Close()
	assert.Equal(t, 1, st.stopped)
	assert.True(t, pc.isClosed())
}

func TestRecordDuration(t *testing.T) {
	var r Record
	assert.Zero(t, r.Duration(), "never connected")

	r.ConnectedAt = time.Unix(100, 0)
	r.EndedAt = time.Unix(142, 0)
	assert.Equal(t, 42*time.Second, r.Duration())
}
