package routes

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"
	"github.com/samber/lo"

	"github.com/petervdpas/goopcall/internal/call"
)

var log = logging.Logger("viewer")

const (
	// sseHeartbeat keeps idle event streams alive through proxies.
	sseHeartbeat = 25 * time.Second
	wsWriteWait  = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	CheckOrigin:     sameOrigin,
}

// eventJSON is the wire shape of a call.Event on SSE and websocket streams.
type eventJSON struct {
	Session     call.Session   `json:"session"`
	Reason      call.EndReason `json:"reason,omitempty"`
	RemoteMedia string         `json:"remote_media,omitempty"`
	Error       string         `json:"error,omitempty"`
}

func toEventJSON(e call.Event) eventJSON {
	out := eventJSON{Session: e.Session, Reason: e.Reason, RemoteMedia: e.Remote}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return out
}

// callStatus maps call errors onto HTTP status codes.
func callStatus(err error) int {
	var nse *call.NegotiationStateError
	switch {
	case errors.Is(err, call.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, call.ErrTransportUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, call.ErrNotIdle), errors.Is(err, call.ErrCallEnded), errors.As(err, &nse):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoIncomingCall), errors.Is(err, call.ErrNoActiveCall):
		return http.StatusNotFound
	case errors.Is(err, call.ErrInvalidPeer), errors.Is(err, call.ErrInvalidMedia):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeCallError(w http.ResponseWriter, err error) {
	body := map[string]any{"error": err.Error()}
	if call.IsRetryable(err) {
		body["retryable"] = true
	}
	writeJSONStatus(w, callStatus(err), body)
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}
	calls := d.Calls

	// writeState answers with the current snapshot after an action.
	writeState := func(w http.ResponseWriter, r *http.Request, extra map[string]any) {
		s, err := calls.Current(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		body := map[string]any{"session": s}
		for k, v := range extra {
			body[k] = v
		}
		writeJSON(w, body)
	}

	// POST /api/call/start
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID string `json:"peer_id"`
		Media  string `json:"media"`
	}) {
		if req.PeerID == "" {
			writeError(w, http.StatusBadRequest, "missing peer_id")
			return
		}
		kind := call.MediaKind(strings.ToUpper(strings.TrimSpace(req.Media)))
		if kind == "" {
			kind = call.MediaVideo
		}
		if d.Peers != nil {
			if sp, ok := d.Peers.Get(req.PeerID); ok && sp.CallsDisabled {
				writeError(w, http.StatusConflict, "peer does not accept calls")
				return
			}
		}
		if err := calls.StartCall(r.Context(), req.PeerID, kind); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, nil)
	})

	// POST /api/call/accept
	handlePost(mux, "/api/call/accept", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.AcceptCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, nil)
	})

	// POST /api/call/reject
	handlePost(mux, "/api/call/reject", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.RejectCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, nil)
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if err := calls.EndCall(r.Context()); err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, nil)
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, map[string]any{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := calls.ToggleVideo(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}
		writeState(w, r, map[string]any{"disabled": disabled})
	})

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeState(w, r, nil)
	})

	// GET /api/call/history?limit=N
	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeJSON(w, []any{})
			return
		}
		limit := queryInt(r, "limit", d.HistoryLimit)
		recs, err := d.History.ListCalls(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		labels := d.History.PeerLabels(r.Context(), lo.Uniq(lo.Map(recs, func(rec call.Record, _ int) string {
			return rec.PeerID
		})))
		type row struct {
			call.Record
			PeerLabel   string  `json:"peer_label,omitempty"`
			DurationSec float64 `json:"duration_seconds"`
		}
		writeJSON(w, lo.Map(recs, func(rec call.Record, _ int) row {
			return row{Record: rec, PeerLabel: labels[rec.PeerID], DurationSec: rec.Duration().Seconds()}
		}))
	})

	// GET /api/call/events: SSE stream of call-state changes. The first
	// event is the current snapshot.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		ch, cancel := calls.Subscribe()
		defer cancel()

		cur, err := calls.Current(r.Context())
		if err != nil {
			writeCallError(w, err)
			return
		}

		sseHeaders(w)
		_ = writeSSE(w, "call", eventJSON{Session: cur})
		flusher.Flush()

		heartbeat := time.NewTicker(sseHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				_, _ = w.Write([]byte(": ping\n\n"))
				flusher.Flush()
			case e, ok := <-ch:
				if !ok {
					return
				}
				if writeSSE(w, "call", toEventJSON(e)) != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: the same event stream over a websocket.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := calls.Subscribe()
		defer cancel()

		// Drain incoming frames (pings, close) so the peer's close is noticed.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		send := func(e eventJSON) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(e) == nil
		}

		cur, err := calls.Current(r.Context())
		if err != nil || !send(eventJSON{Session: cur}) {
			return
		}
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case e, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
						time.Now().Add(wsWriteWait))
					return
				}
				if !send(toEventJSON(e)) {
					return
				}
			}
		}
	})
}
