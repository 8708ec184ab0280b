// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/state"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
	ServeLogsClear(w http.ResponseWriter, r *http.Request)
}

// Calls is the part of *call.Manager the HTTP API drives.
type Calls interface {
	StartCall(ctx context.Context, peerID string, kind call.MediaKind) error
	AcceptCall(ctx context.Context) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error
	ToggleAudio(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	Current(ctx context.Context) (call.Session, error)
	Subscribe() (<-chan call.Event, func())
}

// History lists finished calls and resolves peer labels for them.
type History interface {
	ListCalls(ctx context.Context, limit int) ([]call.Record, error)
	PeerLabels(ctx context.Context, ids []string) map[string]string
}

type Deps struct {
	SelfID        string
	SelfLabel     func() string
	CallsDisabled func() bool
	Addrs         func() []string
	Peers         *state.PeerTable

	Calls   Calls
	History History
	// Default page size for /api/call/history.
	HistoryLimit int

	Logs    Logs
	Metrics http.Handler
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerSelfRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerCallRoutes(mux, d)

	if d.Metrics != nil {
		mux.Handle("/metrics", d.Metrics)
	}
}
