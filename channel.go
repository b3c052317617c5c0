package socketlib

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/sagernet/sing/common/bufio"
	"golang.org/x/sys/unix"
)

// ChannelState is the Channel lifecycle state machine (spec.md §4.5).
type ChannelState int32

const (
	ChannelActive ChannelState = iota
	ChannelClosing
	ChannelReclaimed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelActive:
		return "active"
	case ChannelClosing:
		return "closing"
	case ChannelReclaimed:
		return "reclaimed"
	default:
		return "unknown"
	}
}

const (
	outboundQueueCapacity  = 1024
	writeBatchSize         = 10
	writeDequeueTimeout    = 500 * time.Microsecond
	writeWouldBlockBackoff = 50 * time.Microsecond
)

// Channel is the per-connection state machine (spec.md C5) — the heart of
// the system. One Channel per peer connection; created by the owning
// Endpoint on accept/connect, destroyed once both read and write
// directions have drained and no worker holds either try-lock.
//
// I/O is performed via *net.TCPConn's syscall.RawConn, the same
// SyscallConn().Read(func(fd uintptr) bool {...}) idiom xtaci/kcptun's
// generic.rawCopy uses to issue a raw, non-blocking read against the fd
// underlying a net.Conn — the Go analogue of the original C++'s raw
// ::recv/::send with MSG_DONTWAIT, without giving up net.Conn's deadline
// and address-resolution conveniences.
type Channel struct {
	conn *net.TCPConn
	raw  syscall.RawConn
	fd   int // cached OS descriptor, for ClientDescriptor/logging/map key
	tag  string

	endpoint *Endpoint // non-owning back-reference; read config/active only

	listenEvent *EventCallback[*Channel, *Message]
	logger      *AsyncLogger
	logToken    ProducerToken

	state atomic.Int32 // ChannelState

	outbound lfq.Queue[Message]

	readMu  sync.Mutex
	writeMu sync.Mutex

	remote string
}

// newChannel constructs a Channel over conn, already in non-blocking
// mode: it comes from dialNonBlocking or from the accept loop's
// SOCK_NONBLOCK accept4, wrapped by net.FileConn. The constructor does not spawn per-channel
// goroutines — it only reserves a producer token on the log queue and
// flips active to true (spec.md §4.5).
func newChannel(ep *Endpoint, conn *net.TCPConn, fd int) (*Channel, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}
	ch := &Channel{
		conn:        conn,
		raw:         raw,
		fd:          fd,
		tag:         fmt.Sprintf("channel[%d]", fd),
		endpoint:    ep,
		listenEvent: ep.listenCallback,
		logger:      ep.logger,
		remote:      conn.RemoteAddr().String(),
		outbound:    lfq.NewMPSC[Message](outboundQueueCapacity),
	}
	ch.logToken = ch.logger.Token()
	ch.state.Store(int32(ChannelActive))
	return ch, nil
}

// ClientDescriptor returns the peer file descriptor, matching spec.md §6's
// `Channel::clientDescriptor`.
func (c *Channel) ClientDescriptor() int { return c.fd }

// RemoteAddr returns the resolved peer address string.
func (c *Channel) RemoteAddr() string { return c.remote }

// State returns the current lifecycle state.
func (c *Channel) State() ChannelState { return ChannelState(c.state.Load()) }

// IsActive reports whether the channel is in the Active state, matching
// spec.md §6's `Channel::isActive()`.
func (c *Channel) IsActive() bool { return c.State() == ChannelActive }

// QueueWrite enqueues msg for later delivery by a write-tick worker. If
// the channel is inactive or msg is empty it returns silently (spec.md
// §4.5). Per the "Thread-identity trick for queueWrite" design note, this
// module splits the original's thread-identity inlining into two
// explicit operations: QueueWrite always enqueues; WriteNow (below) is
// for callers that can assert a single-threaded write context.
func (c *Channel) QueueWrite(msg Message) {
	if !c.IsActive() || msg.Empty() {
		return
	}
	for {
		if err := c.outbound.Enqueue(&msg); err == nil || !lfq.IsWouldBlock(err) {
			return
		}
		// Outbound queue full: a write-tick worker will free capacity on
		// its next batch; yield briefly rather than spin.
		time.Sleep(writeWouldBlockBackoff)
	}
}

// WriteNow sends msg immediately on the calling goroutine, bypassing the
// outbound queue. The caller must guarantee no other goroutine is
// concurrently writing this channel (e.g. it IS the write-tick worker
// currently assigned to this channel).
func (c *Channel) WriteNow(msg Message) error {
	if !c.IsActive() || msg.Empty() {
		return nil
	}
	return c.sendBytes(msg.Bytes())
}

// queueShutdown flips active to false. Idempotent, safe from any
// goroutine (spec.md §4.5).
func (c *Channel) queueShutdown() {
	c.state.CompareAndSwap(int32(ChannelActive), int32(ChannelClosing))
}

// QueueShutdown is the host-facing form of queueShutdown.
func (c *Channel) QueueShutdown() { c.queueShutdown() }

// readData is invoked by an Endpoint read-tick worker. It try-acquires
// the read lock; on contention it returns false without blocking.
func (c *Channel) readData(buf []byte) bool {
	if !c.readMu.TryLock() {
		return false
	}
	defer c.readMu.Unlock()

	progressed, err := c.readOnce(buf)
	if err != nil {
		c.handleLoopPanic("read", err)
		return false
	}
	return progressed
}

func (c *Channel) readOnce(buf []byte) (progressed bool, loopErr error) {
	defer func() {
		if r := recover(); r != nil {
			loopErr = fmt.Errorf("panic: %v", r)
		}
	}()

	// Unlike xtaci/kcptun's rawCopy (which returns false on EAGAIN so the
	// runtime parks the goroutine until readable — fine for a dedicated
	// blocking forwarder), this callback always returns true: a single
	// non-blocking attempt that never parks, so one read-tick worker can
	// poll many Channels per tick without blocking on an idle one.
	var n int
	var sysErr error
	err := c.raw.Read(func(fd uintptr) bool {
		n, sysErr = syscall.Read(int(fd), buf)
		return true
	})
	if err != nil {
		sysErr = err
	}

	switch {
	case sysErr == nil && n == 0:
		// peer closed
		c.queueShutdown()
		return false, nil
	case sysErr == syscall.EAGAIN:
		return false, nil
	case sysErr == syscall.ECONNRESET:
		c.queueShutdown()
		return false, nil
	case sysErr != nil:
		c.logToken.Log(LevelError, c.tag, fmt.Sprintf("recv error: %v", sysErr))
		c.queueShutdown()
		return false, nil
	default:
		msg := NewMessage(buf[:n])
		if !c.listenEvent.Empty() {
			c.listenEvent.InvokeWithErrorHandler(c, &msg, func(recovered any) {
				c.logToken.Log(LevelError, c.tag, fmt.Sprintf("listen callback panic: %v", recovered))
			})
		}
		return true, nil
	}
}

// handleWriteQueue is invoked by an Endpoint write-tick worker. It
// try-acquires the write lock, bulk-dequeues up to 10 Messages with a
// 500µs timeout, and sends each (spec.md §4.5).
func (c *Channel) handleWriteQueue() bool {
	if !c.writeMu.TryLock() {
		return false
	}
	defer c.writeMu.Unlock()

	batch := c.dequeueBatch()
	if len(batch) == 0 {
		return false
	}

	if !c.sendBatchVectorised(batch) {
		for _, msg := range batch {
			if err := c.sendBytesGuarded(msg.Bytes()); err != nil {
				break
			}
		}
	}
	return true
}

func (c *Channel) dequeueBatch() []Message {
	batch := make([]Message, 0, writeBatchSize)
	deadline := time.Now().Add(writeDequeueTimeout)
	backoff := iox.Backoff{}
	for len(batch) < writeBatchSize && time.Now().Before(deadline) {
		msg, err := c.outbound.Dequeue()
		if err != nil {
			if len(batch) > 0 {
				break
			}
			backoff.Wait()
			continue
		}
		backoff.Reset()
		batch = append(batch, msg)
	}
	return batch
}

// sendBatchVectorised coalesces a batch into scatter-gather writes,
// generalizing the teacher's (SagerNet-smux) sendLoop technique of
// coalescing one frame's header+payload into a single writev from one
// frame to a whole dequeued batch. sagernet/sing's
// bufio.CreateVectorisedWriter is used only to ask whether c.conn
// supports vectorised I/O at all — the actual writes go through
// c.raw.Write's non-blocking callback, exactly like sendBytes, instead
// of through sing's io.Writer, because that writer's Write ultimately
// calls net.Conn.Write, which parks the calling goroutine in the
// runtime netpoller until the socket is writable. A single wedged peer
// would then stall the whole write-tick worker (and, since it holds
// e.mapMu.RLock while doing so, everything waiting on that
// writer-preferring lock) instead of yielding after one non-blocking
// attempt. Returns false (and sends nothing) when vectorised I/O isn't
// available, so the caller falls back to sequential sendBytesGuarded.
func (c *Channel) sendBatchVectorised(batch []Message) bool {
	if _, ok := bufio.CreateVectorisedWriter(c.conn); !ok {
		return false
	}
	vec := make([][]byte, 0, len(batch))
	for i := range batch {
		if !batch[i].Empty() {
			vec = append(vec, batch[i].Bytes())
		}
	}
	if len(vec) == 0 {
		return true
	}

	for len(vec) > 0 && c.IsActive() {
		// As in readOnce/sendBytes: always return true so this is one
		// non-blocking writev attempt per loop iteration, never a park in
		// the netpoller.
		var n int
		var sysErr error
		err := c.raw.Write(func(fd uintptr) bool {
			n, sysErr = unix.Writev(int(fd), vec)
			return true
		})
		if err != nil {
			sysErr = err
		}
		switch {
		case sysErr == syscall.EAGAIN:
			time.Sleep(writeWouldBlockBackoff)
			continue
		case sysErr != nil:
			c.logToken.Log(LevelError, c.tag, fmt.Sprintf("send error: %v", sysErr))
			c.queueShutdown()
			return true
		default:
			vec = dropWritten(vec, n)
		}
	}
	return true
}

// dropWritten removes the first n written bytes from a vector of
// buffers, dropping fully-consumed entries and trimming a partially
// consumed one, for resuming a short writev on the next attempt.
func dropWritten(vec [][]byte, n int) [][]byte {
	for n > 0 && len(vec) > 0 {
		if n < len(vec[0]) {
			vec[0] = vec[0][n:]
			return vec
		}
		n -= len(vec[0])
		vec = vec[1:]
	}
	return vec
}

func (c *Channel) sendBytesGuarded(p []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logToken.Log(LevelError, c.tag, fmt.Sprintf("panic in send loop: %v", r))
			c.queueShutdown()
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.sendBytes(p)
}

// sendBytes loops sending p until empty or the channel goes inactive,
// retrying in place on would-block (spec.md §4.5).
func (c *Channel) sendBytes(p []byte) error {
	for len(p) > 0 && c.IsActive() {
		// As in readOnce: always return true so this is one non-blocking
		// attempt per loop iteration, and the 50µs retry sleep below (not
		// the runtime's netpoller) governs the would-block wait, matching
		// spec.md §4.5's "sleep 50µs, retry with the same slice".
		var n int
		var sysErr error
		err := c.raw.Write(func(fd uintptr) bool {
			n, sysErr = syscall.Write(int(fd), p)
			return true
		})
		if err != nil {
			sysErr = err
		}
		switch {
		case sysErr == syscall.EAGAIN:
			time.Sleep(writeWouldBlockBackoff)
			continue
		case sysErr != nil:
			c.logToken.Log(LevelError, c.tag, fmt.Sprintf("send error: %v", sysErr))
			c.queueShutdown()
			return sysErr
		default:
			p = p[n:]
		}
	}
	return nil
}

func (c *Channel) handleLoopPanic(loop string, err error) {
	c.logToken.Log(LevelError, c.tag, fmt.Sprintf("%s loop error: %v", loop, err))
	c.queueShutdown()
}

// awaitShutdown sets active to false (idempotent) and blocks until both
// the read and write try-locks are free, ensuring no in-flight tick is
// still touching the fd. Called by the Endpoint reaper before it closes
// the fd (spec.md §9 design-note: "the Endpoint closes the fd only after
// the Channel destructor returns").
func (c *Channel) awaitShutdown() {
	c.queueShutdown()
	c.readMu.Lock()
	c.readMu.Unlock()
	c.writeMu.Lock()
	c.writeMu.Unlock()
	c.state.Store(int32(ChannelReclaimed))
}
