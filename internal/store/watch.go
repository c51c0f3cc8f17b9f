package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// hub fans write notifications out to live queries. Each watch re-runs its
// query on a dedicated goroutine; notifications that arrive while a query is
// running are coalesced into one follow-up run.
type hub struct {
	mu      sync.Mutex
	watches map[uint64]*watch
	nextID  uint64
	list    func(ctx context.Context, q Query) ([]Snapshot, error)
}

func newHub(list func(ctx context.Context, q Query) ([]Snapshot, error)) *hub {
	return &hub{
		watches: make(map[uint64]*watch),
		list:    list,
	}
}

type watch struct {
	id      uint64
	q       Query
	fn      Listener
	hub     *hub
	signal  chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	once    sync.Once
	stopCtx func() bool // guarded by hub.mu
}

func (h *hub) subscribe(ctx context.Context, q Query, fn Listener) *watch {
	h.mu.Lock()
	h.nextID++
	w := &watch{
		id:     h.nextID,
		q:      q,
		fn:     fn,
		hub:    h,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	h.watches[w.id] = w
	h.mu.Unlock()

	stop := context.AfterFunc(ctx, w.Unsubscribe)
	h.mu.Lock()
	w.stopCtx = stop
	h.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
	go w.run()
	return w
}

// notify schedules a refresh of every watch on collection.
func (h *hub) notify(collection string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.watches {
		if w.q.Collection != collection {
			continue
		}
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	ws := make([]*watch, 0, len(h.watches))
	for _, w := range h.watches {
		ws = append(ws, w)
	}
	h.mu.Unlock()

	for _, w := range ws {
		w.Unsubscribe()
	}
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watches)
}

func (w *watch) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.signal:
		}

		docs, err := w.hub.list(context.Background(), w.q)
		if err != nil {
			slog.Warn("live query refresh failed", "collection", w.q.Collection, "error", err)
		}
		if w.closed.Load() {
			return
		}
		w.fn(docs, err)
	}
}

// Unsubscribe implements Subscription.
func (w *watch) Unsubscribe() {
	w.once.Do(func() {
		w.closed.Store(true)
		w.hub.mu.Lock()
		stop := w.stopCtx
		delete(w.hub.watches, w.id)
		w.hub.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(w.done)
	})
}
