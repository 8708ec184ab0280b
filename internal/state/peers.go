package state

import (
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

type SeenPeer struct {
	ID            string    `json:"id"`
	Label         string    `json:"label,omitempty"`
	CallsDisabled bool      `json:"calls_disabled,omitempty"`
	Reachable     bool      `json:"reachable"`
	LastSeen      time.Time `json:"last_seen"`
	OfflineSince  time.Time `json:"offline_since,omitempty"`
}

// Online reports whether the peer has not been marked offline.
func (p SeenPeer) Online() bool { return p.OfflineSince.IsZero() }

type PeerEvent struct {
	Type   string    `json:"type"` // update|remove
	PeerID string    `json:"peer_id,omitempty"`
	Peer   *SeenPeer `json:"peer,omitempty"`
}

type PeerTable struct {
	mu        sync.Mutex
	now       func() time.Time
	peers     map[string]SeenPeer
	listeners []chan PeerEvent
}

func NewPeerTable() *PeerTable {
	return &PeerTable{
		now:   time.Now,
		peers: map[string]SeenPeer{},
	}
}

// Upsert records a presence announcement. A peer that was offline comes back
// online; otherwise its reachability is preserved.
func (t *PeerTable) Upsert(id, label string, callsDisabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	reachable := true
	if existing, ok := t.peers[id]; ok && existing.Online() {
		reachable = existing.Reachable
	}
	sp := SeenPeer{
		ID:            id,
		Label:         label,
		CallsDisabled: callsDisabled,
		Reachable:     reachable,
		LastSeen:      t.now(),
	}
	t.peers[id] = sp
	t.notify(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[id]; !ok {
		return
	}
	delete(t.peers, id)
	t.notify(PeerEvent{Type: "remove", PeerID: id})
}

func (t *PeerTable) MarkOffline(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || !sp.Online() {
		return
	}
	sp.Reachable = false
	sp.OfflineSince = t.now()
	t.peers[id] = sp
	t.notify(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) SetReachable(id string, reachable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	if !ok || sp.Reachable == reachable {
		return
	}
	sp.Reachable = reachable
	t.peers[id] = sp
	t.notify(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
}

func (t *PeerTable) Get(id string) (SeenPeer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.peers[id]
	return sp, ok
}

// List returns all known peers, online first, then by label and id.
func (t *PeerTable) List() []SeenPeer {
	t.mu.Lock()
	out := lo.Values(t.peers)
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Online() != b.Online() {
			return a.Online()
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		return a.ID < b.ID
	})
	return out
}

// Callable returns the ids of online peers that accept calls.
func (t *PeerTable) Callable() []string {
	ids := lo.FilterMap(t.List(), func(p SeenPeer, _ int) (string, bool) {
		return p.ID, p.Online() && !p.CallsDisabled
	})
	sort.Strings(ids)
	return ids
}

// PruneStale moves online peers with expired TTL to offline state, then removes
// offline peers that have exceeded the grace period.
func (t *PeerTable) PruneStale(ttlCutoff, graceCutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sp := range t.peers {
		switch {
		case sp.Online() && sp.LastSeen.Before(ttlCutoff):
			sp.Reachable = false
			sp.OfflineSince = t.now()
			t.peers[id] = sp
			t.notify(PeerEvent{Type: "update", PeerID: id, Peer: &sp})
		case !sp.Online() && sp.OfflineSince.Before(graceCutoff):
			delete(t.peers, id)
			t.notify(PeerEvent{Type: "remove", PeerID: id})
		}
	}
}

func (t *PeerTable) Subscribe() chan PeerEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan PeerEvent, 16)
	t.listeners = append(t.listeners, ch)
	return ch
}

func (t *PeerTable) Unsubscribe(ch chan PeerEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, listener := range t.listeners {
		if listener == ch {
			close(listener)
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}

func (t *PeerTable) notify(evt PeerEvent) {
	for _, ch := range t.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}
