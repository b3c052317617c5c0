package socketlib

import (
	"context"
	"sync/atomic"
	"time"

	"code.hybscloud.com/iox"
	"golang.org/x/sync/errgroup"
)

// endpointConfig holds the options of §6 configuration table.
type endpointConfig struct {
	bufferSize       int
	noDelay          bool
	workerThreadCount int
}

var defaultEndpointConfig = endpointConfig{
	bufferSize:        512,
	noDelay:           false,
	workerThreadCount: 2,
}

// Endpoint is the shared engine behind ServerEndpoint and ClientEndpoint
// (spec.md C6): it owns the Channel map, the writer-priority RW lock
// guarding it, the read-tick/write-tick worker pool, and the
// connect/listen events. A ServerEndpoint additionally owns an accept
// goroutine (see server.go); ClientEndpoint drives a single Channel
// directly (see client.go).
type Endpoint struct {
	id      uint64
	handler *Handler // non-owning; shared logger/work-queue owner
	logger  *AsyncLogger
	cfg     endpointConfig

	active atomic.Bool

	mapMu    writerPreferringRWMutex
	channels map[int]*Channel

	connectCallback *EventCallback[*Channel, bool]
	listenCallback  *EventCallback[*Channel, *Message]

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	kind string // "server" or "client", for log tags
}

func newEndpoint(id uint64, h *Handler, kind string, opts ...Option) *Endpoint {
	cfg := defaultEndpointConfig
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Endpoint{
		id:              id,
		handler:         h,
		logger:          h.logger,
		cfg:             cfg,
		channels:        make(map[int]*Channel),
		connectCallback: NewUnorderedEventCallback[*Channel, bool](),
		listenCallback:  NewEventCallback[*Channel, *Message](),
		group:           group,
		ctx:             ctx,
		cancel:          cancel,
		kind:            kind,
	}
}

// ID returns the monotonic id assigned by the owning Handler.
func (e *Endpoint) ID() uint64 { return e.id }

// IsActive matches spec.md §6's `Endpoint::isActive()`.
func (e *Endpoint) IsActive() bool { return e.active.Load() }

// ConnectCallback exposes the connect/disconnect subscriber event,
// spec.md §6: `Endpoint::connectCallback += fn(Channel&, bool connected)`.
func (e *Endpoint) ConnectCallback() *EventCallback[*Channel, bool] { return e.connectCallback }

// ListenCallback exposes the inbound-message subscriber event, spec.md
// §6: `Endpoint::listenCallback += fn(Channel&, Message&)`.
func (e *Endpoint) ListenCallback() *EventCallback[*Channel, *Message] { return e.listenCallback }

// Clients returns a snapshot of currently live channels.
func (e *Endpoint) Clients() []*Channel {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	out := make([]*Channel, 0, len(e.channels))
	for _, ch := range e.channels {
		out = append(out, ch)
	}
	return out
}

// channelByFD resolves a fd to a live Channel, used by
// ServerEndpoint.WriteTo (spec.md §4 "Supplemented features").
func (e *Endpoint) channelByFD(fd int) (*Channel, bool) {
	e.mapMu.RLock()
	defer e.mapMu.RUnlock()
	ch, ok := e.channels[fd]
	return ch, ok
}

func (e *Endpoint) insertChannel(ch *Channel) {
	e.mapMu.Lock()
	e.channels[ch.ClientDescriptor()] = ch
	e.mapMu.Unlock()
}

// startWorkers spawns max(workerThreadCount, 1) × 2 goroutines: half
// driving the read-tick loop, half the write-tick loop (spec.md §4.6).
func (e *Endpoint) startWorkers() {
	n := e.cfg.workerThreadCount
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		e.group.Go(func() error { e.readTickLoop(); return nil })
		e.group.Go(func() error { e.writeTickLoop(); return nil })
	}
}

func (e *Endpoint) readTickLoop() {
	buf := make([]byte, e.cfg.bufferSize)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		any := false
		e.mapMu.RLock()
		for _, ch := range e.channels {
			if ch.IsActive() {
				if ch.readData(buf) {
					any = true
				}
			}
		}
		n := len(e.channels)
		e.mapMu.RUnlock()
		if !any {
			sleepTick(n)
		}
	}
}

func (e *Endpoint) writeTickLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		any := false
		e.mapMu.RLock()
		for _, ch := range e.channels {
			if ch.handleWriteQueue() {
				any = true
			}
		}
		n := len(e.channels)
		e.mapMu.RUnlock()
		if !any {
			sleepTick(n)
		}
	}
}

// sleepTick yields for max(N_channels*50µs, 500µs), per spec.md §4.6.
func sleepTick(n int) {
	d := time.Duration(n) * 50 * time.Microsecond
	if d < 500*time.Microsecond {
		d = 500 * time.Microsecond
	}
	time.Sleep(d)
}

// reap removes inactive channels from the map, waits for each Channel to
// fully reclaim, invokes the disconnect callback, and then closes the
// channel's conn itself (spec.md §4.6 "reaper"). Returns the reclaimed
// channels, whose conns are already closed.
func (e *Endpoint) reap() []*Channel {
	e.mapMu.Lock()
	var dead []*Channel
	for fd, ch := range e.channels {
		if !ch.IsActive() {
			dead = append(dead, ch)
			delete(e.channels, fd)
		}
	}
	e.mapMu.Unlock()

	for _, ch := range dead {
		ch.awaitShutdown()
		e.connectCallback.InvokeWithErrorHandler(ch, false, func(recovered any) {
			e.logger.Errorf(e.kind, "disconnect callback panic on fd %d: %v", ch.ClientDescriptor(), recovered)
		})
		_ = ch.conn.Close()
	}
	return dead
}

// notifyStop flips active to false; workers notice within one tick.
func (e *Endpoint) notifyStop() {
	e.active.Store(false)
	e.cancel()
}

// awaitWorkers blocks until every worker goroutine started by
// startWorkers has returned (spec.md §5: "notifyStop... all worker
// threads exit within one tick interval plus join time").
func (e *Endpoint) awaitWorkers() {
	_ = e.group.Wait()
}

// closeAllChannels shuts down every live channel and reaps them,
// draining the map. Used by ServerEndpoint.Close; ClientEndpoint.Close
// shuts down its single Channel directly.
func (e *Endpoint) closeAllChannels() {
	e.mapMu.RLock()
	for _, ch := range e.channels {
		ch.QueueShutdown()
	}
	e.mapMu.RUnlock()
	for {
		e.mapMu.RLock()
		remaining := len(e.channels)
		e.mapMu.RUnlock()
		if remaining == 0 {
			return
		}
		e.reap()
	}
}

// newBackoff returns a fresh iox.Backoff, the pack's shared non-blocking
// retry helper. The accept loop and the read-tick/write-tick loops do not
// use it: they sleep for fixed intervals (50ms, and sleepTick).
func newBackoff() iox.Backoff { return iox.Backoff{} }
