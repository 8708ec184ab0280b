package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
)

var _ call.History = (*DB)(nil)

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RecordCall stores a finished call. Recording the same id twice replaces
// the earlier row.
func (d *DB) RecordCall(ctx context.Context, rec call.Record) error {
	if rec.ID == "" || rec.PeerID == "" {
		return fmt.Errorf("record call: id and peer id are required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(id, peer_id, role, media, reason, created_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PeerID, string(rec.Role), string(rec.Media), string(rec.Reason),
		millis(rec.CreatedAt), millis(rec.ConnectedAt), millis(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// ListCalls returns up to limit calls, most recently ended first.
// A non-positive limit returns every row.
func (d *DB) ListCalls(ctx context.Context, limit int) ([]call.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, peer_id, role, media, reason, created_at, connected_at, ended_at
		FROM calls ORDER BY ended_at DESC, created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []call.Record{}
	for rows.Next() {
		var (
			rec                         call.Record
			role, media, reason         string
			created, connected, endedAt int64
		)
		if err := rows.Scan(&rec.ID, &rec.PeerID, &role, &media, &reason, &created, &connected, &endedAt); err != nil {
			return nil, err
		}
		rec.Role = call.Role(role)
		rec.Media = call.MediaKind(media)
		rec.Reason = call.EndReason(reason)
		rec.CreatedAt = fromMillis(created)
		rec.ConnectedAt = fromMillis(connected)
		rec.EndedAt = fromMillis(endedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneCalls keeps only the keep most recently ended calls and returns how
// many rows were removed.
func (d *DB) PruneCalls(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM calls WHERE id NOT IN (
			SELECT id FROM calls ORDER BY ended_at DESC, created_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune calls: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		log.Debugf("pruned %d call records", n)
	}
	return n, nil
}
