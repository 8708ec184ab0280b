package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/state"
	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID        string
	SelfLabel     func() string
	CallsDisabled func() bool
	Addrs         func() []string
	Peers         *state.PeerTable

	Calls        routes.Calls
	History      routes.History
	HistoryLimit int

	Logs    *LogBuffer
	Metrics http.Handler
}

// Handler builds the viewer's HTTP handler.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()

	deps := routes.Deps{
		SelfID:        v.SelfID,
		SelfLabel:     v.SelfLabel,
		CallsDisabled: v.CallsDisabled,
		Addrs:         v.Addrs,
		Peers:         v.Peers,
		Calls:         v.Calls,
		History:       v.History,
		HistoryLimit:  v.HistoryLimit,
		Metrics:       v.Metrics,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)

	return noCache(mux)
}

// Start serves the viewer on addr until ctx is cancelled.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on http://%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		// Event streams never finish on their own, so force-close what remains.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}
		return nil
	}
}
