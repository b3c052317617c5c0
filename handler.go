package socketlib

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkPoolSize  = 8
	workQueueCapacity    = 4096
	workEnqueueRetryWait = 10 * time.Millisecond
)

// Handler is the process-wide owner of Endpoints, the logger, and a
// generic work queue (spec.md C7). Matches the original's
// SocketHandler: an unordered_map of sockets under a shared_mutex, a
// thread pool draining a moodycamel::BlockingConcurrentQueue<WorkT>, and
// a monotonic nextId.
type Handler struct {
	nextID atomic.Uint64

	mapMu     writerPreferringRWMutex
	servers   map[uint64]*ServerEndpoint
	clients   map[uint64]*ClientEndpoint

	logger *AsyncLogger

	workQueue lfq.Queue[func()]
	pool      *errgroup.Group
	ctx       context.Context
	cancel    context.CancelFunc

	active    atomic.Bool
	closeOnce sync.Once
}

// NewHandler constructs a Handler with the given worker-pool size (the
// original's SocketHandler(maxThreads) constructor parameter; 0 or
// negative uses defaultWorkPoolSize).
func NewHandler(maxThreads int) *Handler {
	if maxThreads <= 0 {
		maxThreads = defaultWorkPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool, ctx := errgroup.WithContext(ctx)
	h := &Handler{
		servers:   make(map[uint64]*ServerEndpoint),
		clients:   make(map[uint64]*ClientEndpoint),
		logger:    NewDefaultAsyncLogger(),
		workQueue: lfq.NewMPMC[func()](workQueueCapacity),
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
	}
	h.active.Store(true)
	for i := 0; i < maxThreads; i++ {
		h.pool.Go(func() error { h.workerLoop(); return nil })
	}
	return h
}

// Logger exposes the process-wide logger, spec.md §4.7: "Handler exposes
// the common process-wide logger."
func (h *Handler) Logger() *AsyncLogger { return h.logger }

func (h *Handler) validateActive() error {
	if !h.active.Load() {
		return ErrHandlerInactive
	}
	return nil
}

// CreateServerEndpoint allocates a new id and constructs a ServerEndpoint
// under the exclusive map lock, returning a handle owned by the Handler
// (spec.md §4.7). The returned endpoint still needs BindAndListen(addr).
func (h *Handler) CreateServerEndpoint(opts ...Option) (*ServerEndpoint, error) {
	if err := h.validateActive(); err != nil {
		return nil, err
	}
	id := h.nextID.Add(1)
	ep := newServerEndpoint(id, h, opts...)
	h.mapMu.Lock()
	h.servers[id] = ep
	h.mapMu.Unlock()
	return ep, nil
}

// CreateClientEndpoint allocates a new id and constructs a ClientEndpoint
// under the exclusive map lock (spec.md §4.7). The returned endpoint
// still needs Connect(address).
func (h *Handler) CreateClientEndpoint(opts ...Option) (*ClientEndpoint, error) {
	if err := h.validateActive(); err != nil {
		return nil, err
	}
	id := h.nextID.Add(1)
	ep := newClientEndpoint(id, h, opts...)
	h.mapMu.Lock()
	h.clients[id] = ep
	h.mapMu.Unlock()
	return ep, nil
}

// DestroyEndpoint removes and destroys the endpoint with the given id,
// whichever kind it is (spec.md §4.7).
func (h *Handler) DestroyEndpoint(id uint64) error {
	if err := h.validateActive(); err != nil {
		return err
	}
	h.mapMu.Lock()
	srv, isServer := h.servers[id]
	if isServer {
		delete(h.servers, id)
	}
	cli, isClient := h.clients[id]
	if isClient {
		delete(h.clients, id)
	}
	h.mapMu.Unlock()

	switch {
	case isServer:
		return srv.Close()
	case isClient:
		return cli.Close()
	default:
		return nil
	}
}

// QueueWork dispatches fn to the thread pool (spec.md §4.7), used by
// callers (including this package's own accept/connect paths) that need
// to marshal onto a managed goroutine instead of a bare `go func(){}()`.
func (h *Handler) QueueWork(fn func()) {
	for {
		if err := h.workQueue.Enqueue(&fn); err == nil || !lfq.IsWouldBlock(err) {
			return
		}
		time.Sleep(workEnqueueRetryWait)
	}
}

func (h *Handler) workerLoop() {
	backoff := iox.Backoff{}
	for {
		select {
		case <-h.ctx.Done():
			return
		default:
		}
		fn, err := h.workQueue.Dequeue()
		if err != nil {
			backoff.Wait()
			continue
		}
		backoff.Reset()
		h.runGuarded(fn)
	}
}

func (h *Handler) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("handler", "queued work panicked: %v", r)
		}
	}()
	fn()
}

// Close tears down every owned endpoint, stops the work pool, and closes
// the logger. After Close, CreateServerEndpoint, CreateClientEndpoint and
// DestroyEndpoint fail with ErrHandlerInactive ("handler no longer
// active"). QueueWork has no error result: after Close it still enqueues
// fn, and no worker runs it.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		h.active.Store(false)
		h.cancel()

		h.mapMu.Lock()
		servers := h.servers
		clients := h.clients
		h.servers = make(map[uint64]*ServerEndpoint)
		h.clients = make(map[uint64]*ClientEndpoint)
		h.mapMu.Unlock()

		for _, s := range servers {
			_ = s.Close()
		}
		for _, c := range clients {
			_ = c.Close()
		}

		_ = h.pool.Wait()
		h.logger.Close()
	})
	return nil
}
