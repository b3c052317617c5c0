package socketlib

import "sync/atomic"

// ClientEndpoint establishes a single outbound connection, represented
// by one Channel (spec.md C6, client variant).
type ClientEndpoint struct {
	*Endpoint
	channel      *Channel
	connectFired atomic.Bool
}

func newClientEndpoint(id uint64, h *Handler, opts ...Option) *ClientEndpoint {
	return &ClientEndpoint{Endpoint: newEndpoint(id, h, "client", opts...)}
}

// Connect loops calling connect; on would-block it sleeps 100µs and
// retries (spec.md §4.6, dialNonBlocking). On non-recoverable error it
// closes the fd and returns the wrapped error without ever touching the
// connect callback — per spec.md §9's resolved open question, a connect
// that never succeeds never fires ConnectCallback(nil, false). On
// success it constructs the single Channel, invokes the connect callback
// on a detached work-queue task, and spawns one read worker and one
// write worker that target this Channel directly.
func (c *ClientEndpoint) Connect(address string) error {
	if !c.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}
	conn, err := dialNonBlocking("tcp", address, c.cfg.noDelay, c.logger, c.kind)
	if err != nil {
		c.active.Store(false)
		return err
	}
	fd, err := fdOf(conn)
	if err != nil {
		conn.Close()
		c.active.Store(false)
		return wrapSetup(err, "resolve connected descriptor")
	}
	ch, err := newChannel(c.Endpoint, conn, fd)
	if err != nil {
		conn.Close()
		c.active.Store(false)
		return wrapSetup(err, "construct channel")
	}
	c.insertChannel(ch)
	c.channel = ch
	c.connectFired.Store(true)

	c.logger.Infof(c.kind, "connected to %s", address)

	c.handler.QueueWork(func() {
		c.connectCallback.InvokeWithErrorHandler(ch, true, func(recovered any) {
			c.logger.Errorf(c.kind, "connect callback panic: %v", recovered)
		})
	})

	c.group.Go(func() error { c.readLoop(ch); return nil })
	c.group.Go(func() error { c.writeLoop(ch); return nil })
	return nil
}

func (c *ClientEndpoint) readLoop(ch *Channel) {
	buf := make([]byte, c.cfg.bufferSize)
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if !ch.IsActive() {
			return
		}
		if !ch.readData(buf) {
			sleepTick(1)
		}
	}
}

func (c *ClientEndpoint) writeLoop(ch *Channel) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}
		if !ch.handleWriteQueue() {
			if !ch.IsActive() {
				return
			}
			sleepTick(1)
		}
	}
}

// Write enqueues msg on the single Channel — spec.md §6's
// `ClientEndpoint::write(Message)`.
func (c *ClientEndpoint) Write(msg Message) error {
	if c.channel == nil {
		return ErrChannelInactive
	}
	c.channel.QueueWrite(msg)
	return nil
}

// Channel returns the single connected Channel, or nil before Connect
// succeeds.
func (c *ClientEndpoint) Channel() *Channel { return c.channel }

// NotifyStop flips active to false; both workers notice within one tick.
func (c *ClientEndpoint) NotifyStop() { c.notifyStop() }

// Close shuts down the Channel, waits for both direction locks to free,
// fires the disconnect callback only if connect previously succeeded
// (spec.md §9 open question), then closes the fd and joins the workers.
func (c *ClientEndpoint) Close() error {
	c.notifyStop()
	if c.channel != nil {
		c.channel.QueueShutdown()
		c.channel.awaitShutdown()
		if c.connectFired.Load() {
			ch := c.channel
			c.connectCallback.InvokeWithErrorHandler(ch, false, func(recovered any) {
				c.logger.Errorf(c.kind, "disconnect callback panic: %v", recovered)
			})
		}
		_ = c.channel.conn.Close()
	}
	c.awaitWorkers()
	return nil
}
