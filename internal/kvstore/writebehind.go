package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"convsync/internal/domain"
)

// WriteBehindConfig configures a WriteBehind wrapper.
type WriteBehindConfig struct {
	Store        domain.KVStore
	Logger       *slog.Logger
	WriteTimeout time.Duration
	// OnError is called from the worker for every failed write.
	OnError func(key string, err error)
}

type pendingOp struct {
	value  []byte
	delete bool
}

// WriteBehind queues writes and applies them on a background worker so
// callers on the actor loop never block on disk. Only the latest value per
// key is written. Reads see queued values.
type WriteBehind struct {
	store   domain.KVStore
	logger  *slog.Logger
	timeout time.Duration
	onError func(string, error)

	mu       sync.Mutex
	pending  map[string]pendingOp
	inflight map[string]pendingOp
	order    []string
	closed   bool

	wake    chan struct{}
	flushes chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewWriteBehind wraps cfg.Store and starts the writer goroutine.
func NewWriteBehind(cfg WriteBehindConfig) *WriteBehind {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	w := &WriteBehind{
		store:    cfg.Store,
		logger:   cfg.Logger,
		timeout:  cfg.WriteTimeout,
		onError:  cfg.OnError,
		pending:  make(map[string]pendingOp),
		inflight: make(map[string]pendingOp),
		wake:     make(chan struct{}, 1),
		flushes:  make(chan chan struct{}),
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *WriteBehind) Get(ctx context.Context, key string) ([]byte, error) {
	w.mu.Lock()
	op, ok := w.pending[key]
	if !ok {
		op, ok = w.inflight[key]
	}
	w.mu.Unlock()
	if ok {
		if op.delete {
			return nil, domain.ErrNotFound
		}
		return append([]byte(nil), op.value...), nil
	}
	return w.store.Get(ctx, key)
}

// Put queues the write and returns immediately.
func (w *WriteBehind) Put(_ context.Context, key string, value []byte) error {
	return w.enqueue(key, pendingOp{value: append([]byte(nil), value...)})
}

// Delete queues the removal and returns immediately.
func (w *WriteBehind) Delete(_ context.Context, key string) error {
	return w.enqueue(key, pendingOp{delete: true})
}

func (w *WriteBehind) enqueue(key string, op pendingOp) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return errors.New("write-behind store closed")
	}
	if _, queued := w.pending[key]; !queued {
		w.order = append(w.order, key)
	}
	w.pending[key] = op
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every write queued before the call has been applied.
func (w *WriteBehind) Flush(ctx context.Context) error {
	reply := make(chan struct{})
	select {
	case w.flushes <- reply:
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains queued writes and closes the underlying store.
func (w *WriteBehind) Close() error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.done)
	})
	w.wg.Wait()
	return w.store.Close()
}

func (w *WriteBehind) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.wake:
			w.drain()
		case reply := <-w.flushes:
			w.drain()
			close(reply)
		case <-w.done:
			w.drain()
			return
		}
	}
}

func (w *WriteBehind) drain() {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		key := w.order[0]
		w.order = w.order[1:]
		op := w.pending[key]
		delete(w.pending, key)
		w.inflight[key] = op
		w.mu.Unlock()

		w.write(key, op)

		w.mu.Lock()
		delete(w.inflight, key)
		w.mu.Unlock()
	}
}

func (w *WriteBehind) write(key string, op pendingOp) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	var err error
	if op.delete {
		err = w.store.Delete(ctx, key)
	} else {
		err = w.store.Put(ctx, key, op.value)
	}
	if err != nil {
		w.logger.Warn("persist failed", "key", key, "err", err)
		if w.onError != nil {
			w.onError(key, err)
		}
	}
}
