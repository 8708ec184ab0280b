package routes

import (
	"net/http"

	"github.com/petervdpas/goopcall/internal/state"
)

func registerSelfRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/self
	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		disabled := false
		if d.CallsDisabled != nil {
			disabled = d.CallsDisabled()
		}
		addrs := []string{}
		if d.Addrs != nil {
			addrs = append(addrs, d.Addrs()...)
		}
		writeJSON(w, map[string]any{
			"peer_id":        d.SelfID,
			"label":          safeCall(d.SelfLabel),
			"calls_disabled": disabled,
			"addrs":          addrs,
		})
	})
}

func registerPeerRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/peers[?callable=1]
	handleGet(mux, "/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("callable") != "" {
			ids := []string{}
			if d.Peers != nil {
				ids = append(ids, d.Peers.Callable()...)
			}
			writeJSON(w, ids)
			return
		}
		peers := []state.SeenPeer{}
		if d.Peers != nil {
			peers = append(peers, d.Peers.List()...)
		}
		writeJSON(w, peers)
	})
}
