package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	// Registers the "postgres" driver for MirrorStore users.
	_ "github.com/lib/pq"

	"github.com/corral-run/corral/pkg/contracts"
)

// MirrorStore copies journal events into Postgres for fleet-wide querying.
// The JSONL file remains the source of truth; the mirror is best-effort and
// write failures never block the appender.
type MirrorStore struct {
	db *sql.DB
}

// NewMirrorStore wraps an open database handle.
func NewMirrorStore(db *sql.DB) *MirrorStore {
	return &MirrorStore{db: db}
}

const mirrorSchema = `
CREATE TABLE IF NOT EXISTS journal_events (
	seq BIGINT PRIMARY KEY,
	event_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload JSONB,
	hash_prev TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS journal_events_session ON journal_events (session_id, seq);
`

// Init creates the mirror table.
func (m *MirrorStore) Init(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, mirrorSchema)
	if err != nil {
		return fmt.Errorf("journal mirror: init: %w", err)
	}
	return nil
}

// Insert writes one event row.
func (m *MirrorStore) Insert(ctx context.Context, ev contracts.JournalEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("journal mirror: marshal payload: %w", err)
	}
	query := `
		INSERT INTO journal_events (seq, event_id, session_id, event_type, payload, hash_prev, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (seq) DO NOTHING
	`
	_, err = m.db.ExecContext(ctx, query,
		ev.Seq, ev.EventID, ev.SessionID, ev.Type, payload, ev.HashPrev, ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("journal mirror: insert: %w", err)
	}
	return nil
}

// LastSeq returns the highest mirrored sequence number, or 0 when empty.
func (m *MirrorStore) LastSeq(ctx context.Context) (uint64, error) {
	row := m.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM journal_events`)
	var seq uint64
	if err := row.Scan(&seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("journal mirror: last seq: %w", err)
	}
	return seq, nil
}

// ReadSession returns mirrored events for a session in sequence order.
func (m *MirrorStore) ReadSession(ctx context.Context, sessionID string, limit int) ([]contracts.JournalEvent, error) {
	query := `
		SELECT seq, event_id, session_id, event_type, payload, hash_prev, ts
		FROM journal_events WHERE session_id = $1 ORDER BY seq
	`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal mirror: read: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.JournalEvent
	for rows.Next() {
		var ev contracts.JournalEvent
		var payload []byte
		if err := rows.Scan(&ev.Seq, &ev.EventID, &ev.SessionID, &ev.Type, &payload, &ev.HashPrev, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("journal mirror: scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("journal mirror: payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal mirror: rows: %w", err)
	}
	return out, nil
}

// Follow attaches the mirror to a journal subscription and copies events
// until ctx is cancelled. Insert failures are counted, not fatal.
func (m *MirrorStore) Follow(ctx context.Context, sub *Subscription) (dropped int) {
	for {
		select {
		case <-ctx.Done():
			return dropped
		case ev, ok := <-sub.Events():
			if !ok {
				return dropped
			}
			if err := m.Insert(ctx, ev); err != nil {
				dropped++
			}
		}
	}
}
