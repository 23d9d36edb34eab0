package logstore

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/sudocode-ai/execweave/internal/execution/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return s
}

func TestAppendAndReadInIndexOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		entry := model.LogEntry{
			ExecutionID: "exec-1",
			Index:       i,
			Timestamp:   time.Now(),
			Kind:        model.EntryUserMessage,
			Payload:     model.UserMessagePayload{Text: "msg"},
		}
		require.NoError(t, s.Append(ctx, entry, []byte(`{"i":1}`)))
	}

	entries, err := s.Read(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, i, e.Index)
	}
}

func TestReadPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Append(ctx, model.LogEntry{ExecutionID: "exec-1", Index: i, Timestamp: time.Now(), Kind: model.EntryThinking, Payload: model.ThinkingPayload{Text: "x"}}, []byte("{}")))
	}
	page, err := s.Read(ctx, "exec-1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, 2, page[0].Index)
	require.Equal(t, 3, page[1].Index)
}

func TestPurgeByAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, s.Append(ctx, model.LogEntry{ExecutionID: "exec-old", Index: 0, Timestamp: old, Kind: model.EntryThinking, Payload: model.ThinkingPayload{}}, []byte("{}")))
	require.NoError(t, s.Append(ctx, model.LogEntry{ExecutionID: "exec-new", Index: 0, Timestamp: time.Now(), Kind: model.EntryThinking, Payload: model.ThinkingPayload{}}, []byte("{}")))

	n, err := s.Purge(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	remaining, err := s.Read(ctx, "exec-new", 0, 0)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
}

func TestPurgeExecutionRemovesAllEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, model.LogEntry{ExecutionID: "exec-1", Index: 0, Timestamp: time.Now(), Kind: model.EntryThinking, Payload: model.ThinkingPayload{}}, []byte("{}")))
	require.NoError(t, s.PurgeExecution(ctx, "exec-1"))
	remaining, err := s.Read(ctx, "exec-1", 0, 0)
	require.NoError(t, err)
	require.Empty(t, remaining)
}
