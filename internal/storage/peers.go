package storage

import (
	"context"
	"encoding/json"
	"time"
)

// CachedPeer is the persistent record of a remote peer's last known state.
// It is written whenever a presence pulse is received and never cleared
// just because the peer goes offline, so call history can still show a label.
type CachedPeer struct {
	PeerID   string    `json:"peer_id"`
	Label    string    `json:"label"`
	Addrs    []string  `json:"addrs,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// UpsertCachedPeer stores or replaces the cached state for a peer. An empty
// address list keeps the previously stored addresses.
func (d *DB) UpsertCachedPeer(ctx context.Context, p CachedPeer) error {
	if p.Addrs == nil {
		p.Addrs = []string{}
	}
	addrs, _ := json.Marshal(p.Addrs)
	seen := p.LastSeen
	if seen.IsZero() {
		seen = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _peer_cache (peer_id, label, addrs, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			label     = excluded.label,
			addrs     = CASE WHEN excluded.addrs = '[]' THEN _peer_cache.addrs ELSE excluded.addrs END,
			last_seen = excluded.last_seen`,
		p.PeerID, p.Label, string(addrs), seen.UnixMilli(),
	)
	return err
}

// GetCachedPeer returns the last known state for a peer, or false if unknown.
func (d *DB) GetCachedPeer(ctx context.Context, peerID string) (CachedPeer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var (
		p         CachedPeer
		addrsJSON string
		lastSeen  int64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT peer_id, label, addrs, last_seen FROM _peer_cache WHERE peer_id = ?`, peerID).
		Scan(&p.PeerID, &p.Label, &addrsJSON, &lastSeen)
	if err != nil {
		return CachedPeer{}, false
	}
	_ = json.Unmarshal([]byte(addrsJSON), &p.Addrs)
	p.LastSeen = time.UnixMilli(lastSeen)
	return p, true
}

// PeerLabels returns the cached label for each of the given ids that has one.
func (d *DB) PeerLabels(ctx context.Context, ids []string) map[string]string {
	out := make(map[string]string, len(ids))
	for _, id := range ids {
		if p, ok := d.GetCachedPeer(ctx, id); ok && p.Label != "" {
			out[id] = p.Label
		}
	}
	return out
}
