package observer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"agentrunner/internal/models"
	"agentrunner/internal/store"
)

// Source is the part of the run store an observer reads from
type Source interface {
	Get(ctx context.Context, id string) (models.AgentRun, error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.AgentRun, error)
	Subscribe(ctx context.Context, filter store.Filter) (*store.Subscription, error)
}

// Callbacks are invoked from a single goroutine per Handle, never concurrently. OnUpdate sees
// every snapshot. The terminal hooks fire once per run, however often its terminal snapshot is
// delivered.
type Callbacks struct {
	OnUpdate    func(run models.AgentRun)
	OnComplete  func(run models.AgentRun)
	OnError     func(run models.AgentRun, message string)
	OnCancelled func(run models.AgentRun)
}

type entry struct {
	run      models.AgentRun
	terminal bool
}

// Handle is a live observation. Release it with Unsubscribe.
type Handle struct {
	sub       *store.Subscription
	callbacks Callbacks
	single    bool

	mu    sync.RWMutex
	runs  map[string]*entry
	order []string // run ids by creation time

	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// Observe follows a single run until its terminal snapshot has been handled or the handle is
// released.
func Observe(ctx context.Context, src Source, runID string, cb Callbacks) (*Handle, error) {
	// subscribe before reading the current state so no write falls in between
	sub, err := src.Subscribe(ctx, store.Filter{RunID: runID})
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to run %s: %w", runID, err)
	}

	run, err := src.Get(ctx, runID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("could not load run %s: %w", runID, err)
	}

	h := newHandle(sub, cb, true)
	go h.loop([]models.AgentRun{run})
	return h, nil
}

// ObserveConversation follows every run of a conversation, including runs created later. Runs
// are kept once seen and ordered by creation time.
func ObserveConversation(ctx context.Context, src Source, conversationID string, cb Callbacks) (*Handle, error) {
	sub, err := src.Subscribe(ctx, store.Filter{ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("could not subscribe to conversation %s: %w", conversationID, err)
	}

	runs, err := src.ListByConversation(ctx, conversationID)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("could not list runs of conversation %s: %w", conversationID, err)
	}

	h := newHandle(sub, cb, false)
	go h.loop(runs)
	return h, nil
}

func newHandle(sub *store.Subscription, cb Callbacks, single bool) *Handle {
	return &Handle{
		sub:       sub,
		callbacks: cb,
		single:    single,
		runs:      make(map[string]*entry),
		done:      make(chan struct{}),
	}
}

// Unsubscribe stops callbacks and releases the subscription. It may be called more than once and
// from within a callback.
func (h *Handle) Unsubscribe() {
	h.once.Do(func() {
		h.stopped.Store(true)
		h.sub.Close()
	})
}

// Done is closed once no more callbacks will be invoked
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Runs returns the latest snapshot of every run seen so far, oldest first
func (h *Handle) Runs() []models.AgentRun {
	h.mu.RLock()
	defer h.mu.RUnlock()

	runs := make([]models.AgentRun, 0, len(h.order))
	for _, id := range h.order {
		runs = append(runs, h.runs[id].run.Clone())
	}
	return runs
}

func (h *Handle) loop(seed []models.AgentRun) {
	defer close(h.done)
	defer h.sub.Close()

	for _, run := range seed {
		if h.handle(run) {
			return
		}
	}
	for run := range h.sub.C() {
		if h.handle(run) {
			return
		}
	}
}

// handle applies a snapshot and reports whether observation is over
func (h *Handle) handle(run models.AgentRun) (finished bool) {
	if h.stopped.Load() {
		return true
	}

	h.mu.Lock()
	e, seen := h.runs[run.ID]
	if seen && (run.SupersededBy(e.run) || (e.terminal && !run.Status.IsTerminal())) {
		// stale, the feed and the initial read can overlap
		h.mu.Unlock()
		return false
	}
	firstTerminal := run.Status.IsTerminal() && (!seen || !e.terminal)
	if !seen {
		e = &entry{}
		h.runs[run.ID] = e
		h.insert(run)
	}
	e.run = run.Clone()
	e.terminal = e.terminal || run.Status.IsTerminal()
	h.mu.Unlock()

	if h.callbacks.OnUpdate != nil {
		h.callbacks.OnUpdate(run)
	}
	if firstTerminal && !h.stopped.Load() {
		h.terminal(run)
	}
	return h.single && run.Status.IsTerminal()
}

func (h *Handle) terminal(run models.AgentRun) {
	log.Debug().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Msg("Observed run end")

	switch run.Status {
	case models.RunStatusCompleted:
		if h.callbacks.OnComplete != nil {
			h.callbacks.OnComplete(run)
		}
	case models.RunStatusFailed:
		if h.callbacks.OnError != nil {
			h.callbacks.OnError(run, run.ErrorMessage.String)
		}
	case models.RunStatusCancelled:
		if h.callbacks.OnCancelled != nil {
			h.callbacks.OnCancelled(run)
		}
	}
}

// insert places a new run id by creation time, must be called with the lock held
func (h *Handle) insert(run models.AgentRun) {
	i := sort.Search(len(h.order), func(i int) bool {
		other := h.runs[h.order[i]].run
		if other.CreatedAt.Equal(run.CreatedAt) {
			return other.ID > run.ID
		}
		return other.CreatedAt.After(run.CreatedAt)
	})
	h.order = append(h.order, "")
	copy(h.order[i+1:], h.order[i:])
	h.order[i] = run.ID
}
