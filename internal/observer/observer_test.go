package observer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentrunner/internal/models"
	"agentrunner/internal/observer"
	"agentrunner/internal/store"
)

// events records callback invocations
type events struct {
	mu        sync.Mutex
	updates   []models.AgentRun
	completed []string
	failed    []string
	cancelled []string
}

func (e *events) callbacks() observer.Callbacks {
	return observer.Callbacks{
		OnUpdate: func(run models.AgentRun) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.updates = append(e.updates, run)
		},
		OnComplete: func(run models.AgentRun) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.completed = append(e.completed, run.ID)
		},
		OnError: func(run models.AgentRun, message string) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.failed = append(e.failed, message)
		},
		OnCancelled: func(run models.AgentRun) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.cancelled = append(e.cancelled, run.ID)
		},
	}
}

func (e *events) snapshot() (updates []models.AgentRun, completed, failed, cancelled []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.AgentRun(nil), e.updates...),
		append([]string(nil), e.completed...),
		append([]string(nil), e.failed...),
		append([]string(nil), e.cancelled...)
}

// fakeSource lets tests publish arbitrary snapshots, including duplicates and stale ones
type fakeSource struct {
	hub  *store.Hub
	runs []models.AgentRun
}

func (f *fakeSource) Get(_ context.Context, id string) (models.AgentRun, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return models.AgentRun{}, store.ErrNotFound
}

func (f *fakeSource) ListByConversation(_ context.Context, conversationID string) ([]models.AgentRun, error) {
	var runs []models.AgentRun
	for _, r := range f.runs {
		if r.ConversationID == conversationID {
			runs = append(runs, r)
		}
	}
	return runs, nil
}

func (f *fakeSource) Subscribe(ctx context.Context, filter store.Filter) (*store.Subscription, error) {
	return f.hub.Subscribe(ctx, filter)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func pendingRun(id, conversationID string, createdAt time.Time) models.AgentRun {
	return models.NewPendingRun(id, "user-1-"+conversationID, conversationID, "user-1", "gemini-2.5-flash", "high", createdAt)
}

func at(run models.AgentRun, status models.RunStatus, updatedAt time.Time) models.AgentRun {
	run.Status = status
	run.UpdatedAt = updatedAt
	return run
}

func waitDone(t *testing.T, h *observer.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not finish")
	}
}

func TestObserve_Lifecycle(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Create(ctx, pendingRun("run-1", "conv-1", t0))
	require.NoError(t, err)

	var ev events
	h, err := observer.Observe(ctx, st, "run-1", ev.callbacks())
	require.NoError(t, err)
	defer h.Unsubscribe()

	running := models.RunStatusRunning
	node := "think"
	require.NoError(t, st.Patch(ctx, "run-1", models.RunPatch{Status: &running, CurrentNode: &node}))
	completed := models.RunStatusCompleted
	answer := "There is one textile company in Quito."
	require.NoError(t, st.Patch(ctx, "run-1", models.RunPatch{Status: &completed, ResponseContent: &answer}))

	waitDone(t, h)

	updates, done, failed, cancelled := ev.snapshot()
	require.NotEmpty(t, updates)
	assert.Equal(t, models.RunStatusPending, updates[0].Status, "the current state is delivered first")
	last := updates[len(updates)-1]
	assert.Equal(t, models.RunStatusCompleted, last.Status)
	assert.Equal(t, answer, last.ResponseContent.String)
	assert.Equal(t, []string{"run-1"}, done)
	assert.Empty(t, failed)
	assert.Empty(t, cancelled)

	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i-1].Status.CanTransitionTo(updates[i].Status) || updates[i-1].Status == updates[i].Status,
			"status went from %s to %s", updates[i-1].Status, updates[i].Status)
	}
}

func TestObserve_AlreadyFinished(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Create(ctx, pendingRun("run-1", "conv-1", t0))
	require.NoError(t, err)
	require.NoError(t, st.Patch(ctx, "run-1", models.FailedPatch(models.ErrCodeWaitTimeout, models.WaitTimeoutMessage)))

	var ev events
	h, err := observer.Observe(ctx, st, "run-1", ev.callbacks())
	require.NoError(t, err)
	waitDone(t, h)

	updates, done, failed, _ := ev.snapshot()
	assert.Len(t, updates, 1)
	assert.Empty(t, done)
	assert.Equal(t, []string{models.WaitTimeoutMessage}, failed)
}

func TestObserve_UnknownRun(t *testing.T) {
	_, err := observer.Observe(context.Background(), store.NewMemoryStore(), "nope", observer.Callbacks{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestObserve_Cancelled(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Create(ctx, pendingRun("run-1", "conv-1", t0))
	require.NoError(t, err)

	var ev events
	h, err := observer.Observe(ctx, st, "run-1", ev.callbacks())
	require.NoError(t, err)
	require.NoError(t, st.Patch(ctx, "run-1", models.CancelledPatch()))
	waitDone(t, h)

	_, done, failed, cancelled := ev.snapshot()
	assert.Empty(t, done)
	assert.Empty(t, failed)
	assert.Equal(t, []string{"run-1"}, cancelled)
}

func TestObserve_Unsubscribe(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Create(ctx, pendingRun("run-1", "conv-1", t0))
	require.NoError(t, err)

	var ev events
	h, err := observer.Observe(ctx, st, "run-1", ev.callbacks())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		updates, _, _, _ := ev.snapshot()
		return len(updates) == 1
	}, time.Second, 5*time.Millisecond)

	h.Unsubscribe()
	h.Unsubscribe()
	waitDone(t, h)

	require.NoError(t, st.Patch(ctx, "run-1", models.CancelledPatch()))
	time.Sleep(50 * time.Millisecond)

	updates, _, _, cancelled := ev.snapshot()
	assert.Len(t, updates, 1, "no callbacks after unsubscribe")
	assert.Empty(t, cancelled)
}

func TestObserve_TerminalStampedEarlier(t *testing.T) {
	ctx := context.Background()
	running := at(pendingRun("run-1", "conv-1", t0), models.RunStatusRunning, t0.Add(time.Second))
	src := &fakeSource{hub: store.NewHub(), runs: []models.AgentRun{running}}
	defer src.hub.Close()

	var ev events
	h, err := observer.Observe(ctx, src, "run-1", ev.callbacks())
	require.NoError(t, err)
	defer h.Unsubscribe()

	// written by another process whose clock is 30ms behind the worker's
	src.hub.Publish(at(running, models.RunStatusCancelled, t0.Add(970*time.Millisecond)))

	waitDone(t, h)
	updates, _, _, cancelled := ev.snapshot()
	assert.Equal(t, []string{"run-1"}, cancelled)
	assert.Equal(t, models.RunStatusCancelled, updates[len(updates)-1].Status)
}

func TestObserve_TwoObservers(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	_, err := st.Create(ctx, pendingRun("run-1", "conv-1", t0))
	require.NoError(t, err)

	var first, second events
	h1, err := observer.Observe(ctx, st, "run-1", first.callbacks())
	require.NoError(t, err)
	h2, err := observer.Observe(ctx, st, "run-1", second.callbacks())
	require.NoError(t, err)

	running := models.RunStatusRunning
	require.NoError(t, st.Patch(ctx, "run-1", models.RunPatch{Status: &running}))
	require.NoError(t, st.Patch(ctx, "run-1", models.FailedPatch(models.ErrCodeAgent, "model quota exceeded")))

	waitDone(t, h1)
	waitDone(t, h2)

	for _, ev := range []*events{&first, &second} {
		_, done, failed, _ := ev.snapshot()
		assert.Empty(t, done)
		assert.Equal(t, []string{"model quota exceeded"}, failed)
	}
}

func TestObserveConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps runs ordered by creation", func(t *testing.T) {
		st := store.NewMemoryStore()
		_, err := st.Create(ctx, pendingRun("run-b", "conv-1", t0.Add(time.Minute)))
		require.NoError(t, err)
		_, err = st.Create(ctx, pendingRun("run-other", "conv-2", t0))
		require.NoError(t, err)

		var ev events
		h, err := observer.ObserveConversation(ctx, st, "conv-1", ev.callbacks())
		require.NoError(t, err)
		defer h.Unsubscribe()

		// created later but older
		_, err = st.Create(ctx, pendingRun("run-a", "conv-1", t0))
		require.NoError(t, err)
		require.NoError(t, st.Patch(ctx, "run-a", models.CancelledPatch()))
		_, err = st.Create(ctx, pendingRun("run-c", "conv-1", t0.Add(2*time.Minute)))
		require.NoError(t, err)
		running := models.RunStatusRunning
		require.NoError(t, st.Patch(ctx, "run-c", models.RunPatch{Status: &running}))

		require.Eventually(t, func() bool {
			runs := h.Runs()
			return len(runs) == 3 && runs[2].Status == models.RunStatusRunning && runs[0].Status == models.RunStatusCancelled
		}, 2*time.Second, 5*time.Millisecond)

		runs := h.Runs()
		ids := []string{runs[0].ID, runs[1].ID, runs[2].ID}
		assert.Equal(t, []string{"run-a", "run-b", "run-c"}, ids)

		_, _, _, cancelled := ev.snapshot()
		assert.Equal(t, []string{"run-a"}, cancelled)
	})

	t.Run("stale deliveries are skipped", func(t *testing.T) {
		run := pendingRun("run-1", "conv-1", t0)
		src := &fakeSource{hub: store.NewHub(), runs: []models.AgentRun{at(run, models.RunStatusRunning, t0.Add(2*time.Second))}}
		defer src.hub.Close()

		var ev events
		h, err := observer.ObserveConversation(ctx, src, "conv-1", ev.callbacks())
		require.NoError(t, err)
		defer h.Unsubscribe()

		failed := at(run, models.RunStatusFailed, t0.Add(3*time.Second))
		failed.ErrorMessage = null.StringFrom("model quota exceeded")
		src.hub.Publish(at(run, models.RunStatusPending, t0.Add(time.Second)))
		src.hub.Publish(failed)

		require.Eventually(t, func() bool {
			_, _, errs, _ := ev.snapshot()
			return len(errs) == 1
		}, time.Second, 5*time.Millisecond)

		updates, _, errs, _ := ev.snapshot()
		for _, u := range updates {
			assert.NotEqual(t, models.RunStatusPending, u.Status, "older snapshot must not be applied")
		}
		assert.Equal(t, []string{"model quota exceeded"}, errs)
		assert.Equal(t, models.RunStatusFailed, h.Runs()[0].Status)
	})

	t.Run("duplicate terminal deliveries", func(t *testing.T) {
		failed := at(pendingRun("run-1", "conv-1", t0), models.RunStatusFailed, t0.Add(time.Second))
		failed.ErrorMessage = null.StringFrom("model quota exceeded")
		src := &fakeSource{hub: store.NewHub(), runs: []models.AgentRun{failed}}
		defer src.hub.Close()

		var ev events
		h, err := observer.ObserveConversation(ctx, src, "conv-1", ev.callbacks())
		require.NoError(t, err)
		defer h.Unsubscribe()

		// the initial read and the feed both carry the terminal snapshot
		src.hub.Publish(failed)

		require.Eventually(t, func() bool {
			updates, _, _, _ := ev.snapshot()
			return len(updates) == 2
		}, time.Second, 5*time.Millisecond)

		_, _, errs, _ := ev.snapshot()
		assert.Equal(t, []string{"model quota exceeded"}, errs)
		assert.Len(t, h.Runs(), 1)
	})
}
