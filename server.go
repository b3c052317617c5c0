package socketlib

import (
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ServerEndpoint accepts many inbound peers, each represented by a
// Channel (spec.md C6, server variant).
type ServerEndpoint struct {
	*Endpoint
	listener *net.TCPListener
	address  string
}

func newServerEndpoint(id uint64, h *Handler, opts ...Option) *ServerEndpoint {
	return &ServerEndpoint{Endpoint: newEndpoint(id, h, "server", opts...)}
}

// BindAndListen requires the endpoint not already be active. It applies
// SO_REUSEADDR|SO_REUSEPORT|SO_KEEPALIVE (and TCP_NODELAY if configured),
// binds to the resolved address, starts the accept loop, listens with a
// backlog of 10, and spawns max(workerThreadCount,1)×2 worker goroutines
// (spec.md §4.6).
func (s *ServerEndpoint) BindAndListen(address string) error {
	if !s.active.CompareAndSwap(false, true) {
		return ErrAlreadyActive
	}
	ln, err := newListeningSocket("tcp", address, s.cfg.noDelay, s.logger, s.kind)
	if err != nil {
		s.active.Store(false)
		return err
	}
	s.listener = ln
	s.address = address
	s.logger.Infof(s.kind, "listening on %s", ln.Addr())

	s.group.Go(func() error { s.acceptLoop(); return nil })
	s.startWorkers()
	return nil
}

// acceptLoop (spec.md §4.6): each iteration first reaps inactive
// channels, then attempts a non-blocking accept; would-block sleeps 50ms.
// On success the new fd is wrapped, a Channel is constructed and inserted
// under the exclusive map lock, then connectCallback fires on a detached
// transient work-queue task so the accept loop is never blocked by host
// code.
func (s *ServerEndpoint) acceptLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		s.reap()

		conn, ok, err := s.tryAccept()
		if err != nil {
			s.logger.Errorf(s.kind, "accept error: %v", err)
			continue
		}
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		fd, ferr := fdOf(conn)
		if ferr != nil {
			s.logger.Errorf(s.kind, "accepted connection without usable fd: %v", ferr)
			conn.Close()
			continue
		}
		ch, cerr := newChannel(s.Endpoint, conn, fd)
		if cerr != nil {
			s.logger.Errorf(s.kind, "channel construction failed for fd %d: %v", fd, cerr)
			conn.Close()
			continue
		}
		s.insertChannel(ch)

		s.handler.QueueWork(func() {
			s.connectCallback.InvokeWithErrorHandler(ch, true, func(recovered any) {
				s.logger.Errorf(s.kind, "connect callback panic on fd %d: %v", fd, recovered)
			})
		})
	}
}

// tryAccept issues one non-blocking accept4 against the listening
// socket, the same raw-fd pattern Channel.readData uses: a single
// attempt that never parks the calling goroutine, so the accept loop can
// interleave with reap() every iteration.
func (s *ServerEndpoint) tryAccept() (*net.TCPConn, bool, error) {
	raw, err := s.listener.SyscallConn()
	if err != nil {
		return nil, false, err
	}

	var nfd int
	var sysErr error
	cerr := raw.Read(func(fd uintptr) bool {
		nfd, _, sysErr = unix.Accept4(int(fd), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		return true
	})
	if cerr != nil {
		sysErr = cerr
	}
	switch {
	case sysErr == unix.EAGAIN || sysErr == unix.EWOULDBLOCK:
		return nil, false, nil
	case sysErr != nil:
		return nil, false, sysErr
	}

	f := os.NewFile(uintptr(nfd), fmt.Sprintf("socketlib-conn-%d", nfd))
	defer f.Close()
	c, cerr2 := net.FileConn(f)
	if cerr2 != nil {
		return nil, false, cerr2
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, false, fmt.Errorf("socketlib: accepted non-TCP connection")
	}
	return tc, true, nil
}

// WriteTo resolves fd to a live Channel under the shared map lock and
// enqueues msg on it — spec.md §6's `ServerEndpoint::write(fd, Message)`.
func (s *ServerEndpoint) WriteTo(fd int, msg Message) error {
	ch, ok := s.channelByFD(fd)
	if !ok {
		return ErrUnknownClient
	}
	ch.QueueWrite(msg)
	return nil
}

// GetClients returns a snapshot of currently connected peers — spec.md §6's
// `ServerEndpoint::getClients()`.
func (s *ServerEndpoint) GetClients() []*Channel { return s.Clients() }

// Addr returns the bound listening address, valid after BindAndListen.
func (s *ServerEndpoint) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// NotifyStop flips active to false; workers and the accept loop notice
// within one tick.
func (s *ServerEndpoint) NotifyStop() { s.notifyStop() }

// Close enumerates channels and closes each, joins the accept goroutine
// and all worker goroutines, then shuts down and closes the listening fd
// (spec.md §4.6 "Close").
func (s *ServerEndpoint) Close() error {
	s.notifyStop()
	s.closeAllChannels()
	s.awaitWorkers()
	if s.listener == nil {
		return nil
	}
	if raw, err := s.listener.SyscallConn(); err == nil {
		_ = raw.Control(func(fd uintptr) { _ = syscall.Shutdown(int(fd), syscall.SHUT_RDWR) })
	}
	return s.listener.Close()
}
