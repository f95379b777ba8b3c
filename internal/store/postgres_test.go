package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/config"
	"agentrunner/internal/database"
	"agentrunner/internal/models"
	"agentrunner/internal/store"
)

// setupPostgres connects to the configured database and skips the test when it is unreachable
func setupPostgres(t *testing.T) (*sqlx.DB, *config.ARConfig) {
	t.Helper()

	conf, err := config.LoadConfig()
	require.NoError(t, err)

	db, err := database.New(conf)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() {
		assert.NoError(t, db.Close())
	})

	require.NoError(t, database.Migrate(context.Background(), db))
	return db, conf
}

func TestPostgresStore(t *testing.T) {
	db, conf := setupPostgres(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := store.NewPostgresStore(db, conf.GetDatabaseURL())
	defer s.Close()

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- s.Listen(ctx)
	}()

	run := newRun("9a1f8c2e-5f0e-4a52-9c55-3d5c8c3f6c11")
	_, err := db.Exec(`DELETE FROM agent_runs WHERE conversation_id = $1`, run.ConversationID)
	require.NoError(t, err)

	created, err := s.Create(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, created.Status)

	_, err = s.Create(ctx, run)
	assert.ErrorIs(t, err, store.ErrDuplicate)

	sub, err := s.Subscribe(ctx, store.Filter{RunID: run.ID})
	require.NoError(t, err)

	// give the listener a moment to attach before writing
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, s.Patch(ctx, run.ID, running()))
	require.NoError(t, s.Patch(ctx, run.ID, models.RunPatch{
		ToolOutputs: &models.ToolOutputs{{
			Kind:       models.ToolCall,
			ToolName:   "search_companies",
			ToolCallID: "call-1",
			Input:      models.RawJSON(`{"query": "textile Quito"}`),
			Timestamp:  time.Now().UTC(),
		}},
		InputTokens: ptr(int64(12)),
	}))
	require.NoError(t, s.Patch(ctx, run.ID, completed("found 3 companies")))

	err = s.Patch(ctx, run.ID, models.RunPatch{CurrentNode: ptr("late")})
	assert.ErrorIs(t, err, models.ErrTerminal)
	assert.ErrorIs(t, s.Patch(ctx, "00000000-0000-0000-0000-000000000000", running()), store.ErrNotFound)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.True(t, got.StartedAt.Valid)
	assert.True(t, got.CompletedAt.Valid)
	require.Len(t, got.ToolOutputs, 1)
	assert.Equal(t, "call-1", got.ToolOutputs[0].ToolCallID)
	assert.Equal(t, int64(12), got.InputTokens)

	seen := drainUntilTerminal(t, sub)
	assert.Equal(t, "found 3 companies", seen[len(seen)-1].ResponseContent.String)

	runs, err := s.ListByConversation(ctx, run.ConversationID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	cancel()
	assert.ErrorIs(t, <-listenErr, context.Canceled)
}

func TestPostgresStore_HeartbeatAndListStale(t *testing.T) {
	db, conf := setupPostgres(t)
	ctx := context.Background()

	s := store.NewPostgresStore(db, conf.GetDatabaseURL())
	defer s.Close()

	conversationID := "4b0c2e55-7b7f-4a1e-8f4f-1f1f2a3b4c5d"
	_, err := db.Exec(`DELETE FROM agent_runs WHERE conversation_id = $1`, conversationID)
	require.NoError(t, err)

	old := newRun(conversationID)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	_, err = s.Create(ctx, old)
	require.NoError(t, err)

	beating := newRun(conversationID)
	beating.CreatedAt = time.Now().UTC().Add(-time.Hour)
	_, err = s.Create(ctx, beating)
	require.NoError(t, err)
	require.NoError(t, s.Heartbeat(ctx, beating.ID))

	stale, err := s.ListStale(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)

	var ids []string
	for _, run := range stale {
		ids = append(ids, run.ID)
	}
	assert.Contains(t, ids, old.ID)
	assert.NotContains(t, ids, beating.ID)

	require.NoError(t, s.Patch(ctx, old.ID, models.FailedPatch(models.ErrCodeOrphaned, "stale")))
	assert.ErrorIs(t, s.Heartbeat(ctx, old.ID), models.ErrTerminal)
}
