package routes

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/state"
)

type fakeCalls struct {
	mu       sync.Mutex
	session  call.Session
	startErr error
	started  []string
	subs     []chan call.Event
}

func newFakeCalls() *fakeCalls {
	return &fakeCalls{session: call.Session{Status: call.StatusIdle}}
}

func (f *fakeCalls) StartCall(_ context.Context, peerID string, kind call.MediaKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	if !kind.Valid() {
		return call.ErrInvalidMedia
	}
	f.started = append(f.started, peerID+"/"+string(kind))
	f.session = call.Session{ID: "s1", PeerID: peerID, Role: call.RoleCaller, Media: kind, Status: call.StatusOutgoingRinging}
	return nil
}

func (f *fakeCalls) AcceptCall(context.Context) error { return call.ErrNoIncomingCall }
func (f *fakeCalls) RejectCall(context.Context) error { return call.ErrNoIncomingCall }

func (f *fakeCalls) EndCall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Status == call.StatusIdle {
		return call.ErrNoActiveCall
	}
	f.session = call.Session{Status: call.StatusIdle}
	return nil
}

func (f *fakeCalls) ToggleAudio(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Status == call.StatusIdle {
		return false, call.ErrNoActiveCall
	}
	f.session.AudioMuted = !f.session.AudioMuted
	return f.session.AudioMuted, nil
}

func (f *fakeCalls) ToggleVideo(context.Context) (bool, error) { return false, call.ErrNoActiveCall }

func (f *fakeCalls) Current(context.Context) (call.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session, nil
}

func (f *fakeCalls) Subscribe() (<-chan call.Event, func()) {
	ch := make(chan call.Event, 8)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeCalls) emit(e call.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- e
	}
}

func (f *fakeCalls) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type fakeHistory struct{ recs []call.Record }

func (h *fakeHistory) ListCalls(_ context.Context, limit int) ([]call.Record, error) {
	if limit > 0 && limit < len(h.recs) {
		return h.recs[:limit], nil
	}
	return h.recs, nil
}

func (h *fakeHistory) PeerLabels(_ context.Context, ids []string) map[string]string {
	out := map[string]string{}
	for _, id := range ids {
		if id == "p1" {
			out[id] = "Alice"
		}
	}
	return out
}

func newServer(t *testing.T, d Deps) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	Register(mux, d)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestCallStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("acquire: %w", call.ErrPermissionDenied), http.StatusForbidden},
		{fmt.Errorf("send offer: %w", call.ErrTransportUnavailable), http.StatusBadGateway},
		{call.ErrNotIdle, http.StatusConflict},
		{&call.NegotiationStateError{Op: "answer", State: "stable"}, http.StatusConflict},
		{call.ErrNoActiveCall, http.StatusNotFound},
		{call.ErrNoIncomingCall, http.StatusNotFound},
		{call.ErrInvalidPeer, http.StatusBadRequest},
		{call.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, callStatus(c.err), c.err.Error())
	}
}

func TestStartCall(t *testing.T) {
	calls := newFakeCalls()
	srv := newServer(t, Deps{Calls: calls})

	resp, body := post(t, srv, "/api/call/start", `{"peer_id":"p1","media":"audio"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	sess := body["session"].(map[string]any)
	assert.Equal(t, "OUTGOING_RINGING", sess["status"])
	assert.Equal(t, "AUDIO", sess["media"])

	resp, _ = post(t, srv, "/api/call/start", `{"media":"video"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/start", `{"peer_id":"p1","media":"hologram"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/start", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	calls.startErr = fmt.Errorf("send offer: %w", call.ErrTransportUnavailable)
	resp, body = post(t, srv, "/api/call/start", `{"peer_id":"p2"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, true, body["retryable"])

	assert.Equal(t, []string{"p1/AUDIO"}, calls.started)
}

func TestStartCallDefaultsToVideo(t *testing.T) {
	calls := newFakeCalls()
	srv := newServer(t, Deps{Calls: calls})

	resp, _ := post(t, srv, "/api/call/start", `{"peer_id":"p1"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"p1/VIDEO"}, calls.started)
}

func TestStartCallRefusesPeerWithCallsDisabled(t *testing.T) {
	calls := newFakeCalls()
	peers := state.NewPeerTable()
	peers.Upsert("p1", "Alice", true)
	srv := newServer(t, Deps{Calls: calls, Peers: peers})

	resp, _ := post(t, srv, "/api/call/start", `{"peer_id":"p1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, calls.started)
}

func TestActionsWithoutCall(t *testing.T) {
	srv := newServer(t, Deps{Calls: newFakeCalls()})

	for _, path := range []string{"/api/call/accept", "/api/call/reject", "/api/call/end", "/api/call/toggle-audio", "/api/call/toggle-video"} {
		resp, body := post(t, srv, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.NotEmpty(t, body["error"], path)
	}
}

func TestToggleAndEnd(t *testing.T) {
	calls := newFakeCalls()
	srv := newServer(t, Deps{Calls: calls})
	post(t, srv, "/api/call/start", `{"peer_id":"p1"}`)

	resp, body := post(t, srv, "/api/call/toggle-audio", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["muted"])
	assert.Equal(t, true, body["session"].(map[string]any)["audio_muted"])

	resp, body = post(t, srv, "/api/call/end", "{}")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IDLE", body["session"].(map[string]any)["status"])
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newServer(t, Deps{Calls: newFakeCalls()})

	resp, err := http.Get(srv.URL + "/api/call/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = post(t, srv, "/api/call/state", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	t0 := time.UnixMilli(1_700_000_000_000)
	hist := &fakeHistory{recs: []call.Record{
		{ID: "c2", PeerID: "p1", Role: call.RoleCaller, Media: call.MediaVideo, Reason: call.ReasonLocalEnded,
			CreatedAt: t0, ConnectedAt: t0.Add(5 * time.Second), EndedAt: t0.Add(65 * time.Second)},
		{ID: "c1", PeerID: "p2", Role: call.RoleCallee, Media: call.MediaAudio, Reason: call.ReasonNoAnswer,
			CreatedAt: t0, EndedAt: t0.Add(45 * time.Second)},
	}}
	srv := newServer(t, Deps{Calls: newFakeCalls(), History: hist, HistoryLimit: 50})

	resp, err := http.Get(srv.URL + "/api/call/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	var rows []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "c2", rows[0]["id"])
	assert.Equal(t, "Alice", rows[0]["peer_label"])
	assert.InDelta(t, 60.0, rows[0]["duration_seconds"], 0.001)
	assert.Nil(t, rows[1]["peer_label"])
	assert.InDelta(t, 0.0, rows[1]["duration_seconds"], 0.001)

	resp2, err := http.Get(srv.URL + "/api/call/history?limit=1")
	require.NoError(t, err)
	defer resp2.Body.Close()
	rows = nil
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&rows))
	assert.Len(t, rows, 1)
}

func TestSelfAndPeers(t *testing.T) {
	peers := state.NewPeerTable()
	peers.Upsert("p2", "Bob", false)
	peers.Upsert("p1", "Alice", false)
	srv := newServer(t, Deps{
		SelfID:    "me",
		SelfLabel: func() string { return "Me" },
		Addrs:     func() []string { return []string{"/ip4/10.0.0.5/tcp/4001"} },
		Peers:     peers,
	})

	resp, err := http.Get(srv.URL + "/api/self")
	require.NoError(t, err)
	var self map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&self))
	resp.Body.Close()
	assert.Equal(t, "me", self["peer_id"])
	assert.Equal(t, "Me", self["label"])
	assert.Equal(t, false, self["calls_disabled"])
	assert.Equal(t, []any{"/ip4/10.0.0.5/tcp/4001"}, self["addrs"])

	resp, err = http.Get(srv.URL + "/api/peers")
	require.NoError(t, err)
	var list []state.SeenPeer
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 2)
	assert.Equal(t, "Alice", list[0].Label)
	assert.Equal(t, "Bob", list[1].Label)

	peers.Upsert("p3", "Carol", true)
	resp, err = http.Get(srv.URL + "/api/peers?callable=1")
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	resp.Body.Close()
	assert.Equal(t, []string{"p1", "p2"}, ids)
}

func TestEventsSSE(t *testing.T) {
	calls := newFakeCalls()
	srv := newServer(t, Deps{Calls: calls})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	rd := bufio.NewReader(resp.Body)
	next := func() eventJSON {
		t.Helper()
		var ev eventJSON
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, "data: ") {
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
				return ev
			}
		}
	}

	first := next()
	assert.Equal(t, call.StatusIdle, first.Session.Status)

	require.Eventually(t, func() bool { return calls.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	calls.emit(call.Event{
		Session: call.Session{Status: call.StatusEnded, PeerID: "p1"},
		Reason:  call.ReasonBusy,
		Err:     fmt.Errorf("%w: busy", call.ErrCallEnded),
	})
	ev := next()
	assert.Equal(t, call.StatusEnded, ev.Session.Status)
	assert.Equal(t, call.ReasonBusy, ev.Reason)
	assert.Contains(t, ev.Error, "busy")
}

func TestEventsWebsocket(t *testing.T) {
	calls := newFakeCalls()
	srv := newServer(t, Deps{Calls: calls})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var ev eventJSON
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, call.StatusIdle, ev.Session.Status)

	require.Eventually(t, func() bool { return calls.subscribers() == 1 }, time.Second, 10*time.Millisecond)
	calls.emit(call.Event{Session: call.Session{Status: call.StatusConnected, PeerID: "p1"}, Remote: "video"})
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, call.StatusConnected, ev.Session.Status)
	assert.Equal(t, "video", ev.RemoteMedia)
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	srv := newServer(t, Deps{Calls: newFakeCalls()})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/call/ws"
	hdr := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, hdr)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetricsRoute(t *testing.T) {
	srv := newServer(t, Deps{Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("goopcall_calls_active 0\n"))
	})})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
