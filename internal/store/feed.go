package store

import (
	"context"
	"sync"

	"agentrunner/internal/models"
)

// Hub fans out run snapshots to subscriptions. Publishing never blocks: every subscription keeps
// a mailbox holding the latest snapshot per run, so intermediate writes can be coalesced for slow
// readers. A terminal snapshot is never replaced, and nothing is delivered for a run once its
// terminal snapshot has been queued.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new subscription. It is closed when ctx is done, when Close is called on
// it or when the hub shuts down.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	if err := filter.validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	s := &Subscription{
		filter:   filter,
		hub:      h,
		out:      make(chan models.AgentRun),
		pending:  make(map[string]models.AgentRun),
		finished: make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.pump()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.quit:
		}
	}()

	return s, nil
}

// Publish offers the snapshot to every matching subscription
func (h *Hub) Publish(run models.AgentRun) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs {
		if s.filter.Matches(run) {
			s.offer(run)
		}
	}
}

// Filters lists the filters of the live subscriptions, deduplicated
func (h *Hub) Filters() []Filter {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[Filter]struct{}, len(h.subs))
	filters := make([]Filter, 0, len(h.subs))
	for s := range h.subs {
		if _, ok := seen[s.filter]; ok {
			continue
		}
		seen[s.filter] = struct{}{}
		filters = append(filters, s.filter)
	}
	return filters
}

// Close ends every subscription and rejects new ones
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Subscription is a live change feed. Snapshots are read from C, which is closed after Close.
type Subscription struct {
	filter Filter
	hub    *Hub
	out    chan models.AgentRun

	mu       sync.Mutex
	pending  map[string]models.AgentRun // latest undelivered snapshot per run
	order    []string
	finished map[string]struct{} // runs whose terminal snapshot was queued

	wake      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) C() <-chan models.AgentRun {
	return s.out
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

// Close stops delivery and releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.hub.remove(s)
	})
}

func (s *Subscription) offer(run models.AgentRun) {
	s.mu.Lock()
	if _, done := s.finished[run.ID]; done {
		s.mu.Unlock()
		return
	}
	if queued, ok := s.pending[run.ID]; ok {
		if run.SupersededBy(queued) {
			s.mu.Unlock()
			return
		}
	} else {
		s.order = append(s.order, run.ID)
	}
	s.pending[run.ID] = run.Clone()
	if run.Status.IsTerminal() {
		s.finished[run.ID] = struct{}{}
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (models.AgentRun, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return models.AgentRun{}, false
	}
	id := s.order[0]
	s.order = s.order[1:]
	run := s.pending[id]
	delete(s.pending, id)
	return run, true
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		run, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.quit:
				return
			}
		}

		select {
		case s.out <- run:
		case <-s.quit:
			return
		}
	}
}
