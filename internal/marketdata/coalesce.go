package marketdata

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Alltrendsfy/DELFOS-REFATORADO-sub001/internal/config"
)

// CoalescingWriter serializes L2 writes per symbol with latest-wins
// semantics. While a write for a symbol is in flight, newer books for that
// symbol replace the pending payload instead of queueing, so at most one
// follow-up write happens per burst. A weighted semaphore caps concurrent
// writes across all symbols.
type CoalescingWriter struct {
	store  *Store
	sem    *semaphore.Weighted
	logger zerolog.Logger

	mu       sync.Mutex
	pending  map[string]*L2Book
	inflight map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoalescingWriter creates a writer with the given concurrency cap
func NewCoalescingWriter(store *Store, concurrency int) *CoalescingWriter {
	if concurrency <= 0 {
		concurrency = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &CoalescingWriter{
		store:    store,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		logger:   config.NewLogger("l2writer"),
		pending:  make(map[string]*L2Book),
		inflight: make(map[string]bool),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Write schedules a book for persistence. Never blocks on the backend.
func (w *CoalescingWriter) Write(book *L2Book) {
	key := book.Exchange + ":" + book.Symbol

	w.mu.Lock()
	if w.inflight[key] {
		w.pending[key] = book
		w.mu.Unlock()
		return
	}
	w.inflight[key] = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(key, book)
}

func (w *CoalescingWriter) run(key string, book *L2Book) {
	defer w.wg.Done()

	if err := w.sem.Acquire(w.ctx, 1); err != nil {
		w.finish(key)
		return
	}
	err := w.store.WriteL2(w.ctx, book)
	w.sem.Release(1)
	if err != nil {
		w.logger.Warn().Err(err).Str("symbol", book.Symbol).Msg("L2 write failed")
	}

	w.finish(key)
}

// finish releases the in-flight slot for key, scheduling the latest pending
// book if one arrived during the write
func (w *CoalescingWriter) finish(key string) {
	w.mu.Lock()
	next, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	} else {
		w.inflight[key] = false
	}
	w.mu.Unlock()

	if ok {
		w.wg.Add(1)
		go w.run(key, next)
	}
}

// Close drains scheduled writes, then releases the writer's resources.
// Callers must stop issuing Write before closing.
func (w *CoalescingWriter) Close() {
	w.wg.Wait()
	w.cancel()
}
