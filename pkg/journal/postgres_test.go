package journal

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
)

func TestMirrorInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewMirrorStore(db)
	ev := contracts.JournalEvent{
		EventID:   "ev-1",
		Timestamp: time.Now().UTC(),
		SessionID: "s1",
		Type:      "step.started",
		Payload:   map[string]any{"step_id": "st-1"},
		Seq:       1,
		HashPrev:  "00",
	}

	mock.ExpectExec("INSERT INTO journal_events").
		WithArgs(ev.Seq, ev.EventID, ev.SessionID, ev.Type, sqlmock.AnyArg(), ev.HashPrev, ev.Timestamp).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Insert(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMirrorLastSeq(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewMirrorStore(db)
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(42))

	seq, err := store.LastSeq(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), seq)
}

func TestMirrorReadSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := NewMirrorStore(db)
	ts := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"seq", "event_id", "session_id", "event_type", "payload", "hash_prev", "ts"}).
		AddRow(1, "ev-1", "s1", "a", []byte(`{"k":"v"}`), "00", ts).
		AddRow(2, "ev-2", "s1", "b", []byte(`{}`), "ab", ts)
	mock.ExpectQuery("SELECT seq, event_id").WithArgs("s1").WillReturnRows(rows)

	events, err := store.ReadSession(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "v", events[0].Payload["k"])
	assert.Equal(t, uint64(2), events[1].Seq)
}
