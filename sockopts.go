package socketlib

import (
	"net"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// listenBacklog is the constant backlog from spec.md §6's configuration
// table: "Listen backlog | Constant 10."
const listenBacklog = 10

const connectRetryBackoff = 100 * time.Microsecond

// fdOf extracts the OS file descriptor backing a syscall.Conn, without
// taking ownership or performing I/O — used purely so Channel can expose
// ClientDescriptor()/a map key, matching spec.md's "peer file descriptor"
// attribute.
func fdOf(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, ctrlErr
	}
	return fd, nil
}

// resolveAddr resolves a host:port into the dual-stack family and a
// *net.TCPAddr, matching spec.md §6: "IPv4 and IPv6 accepted; family
// chosen by address resolution."
func resolveAddr(network, address string) (int, *net.TCPAddr, error) {
	addr, err := net.ResolveTCPAddr(network, address)
	if err != nil {
		return 0, nil, wrapSetup(err, "resolve address")
	}
	family := unix.AF_INET
	if addr.IP.To4() == nil {
		family = unix.AF_INET6
	}
	return family, addr, nil
}

// networkNameFor reports the resolved network family as Go's own
// dual-stack dial/listen network names, for the Debug-level diagnostic
// bindAndListen/connect emit once per call.
func networkNameFor(family int) string {
	if family == unix.AF_INET6 {
		return "tcp6"
	}
	return "tcp4"
}

func sockaddrOf(addr *net.TCPAddr, family int) unix.Sockaddr {
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		if addr.Zone != "" {
			if iface, err := net.InterfaceByName(addr.Zone); err == nil {
				sa.ZoneId = uint32(iface.Index)
			}
		}
		return sa
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(sa.Addr[:], ip4)
	return sa
}

// applyServerSocketOptions applies SO_REUSEADDR|SO_REUSEPORT|SO_KEEPALIVE
// and, if noDelay, TCP_NODELAY — spec.md §4.6 bindAndListen contract.
func applyServerSocketOptions(fd int, noDelay bool) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if noDelay {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	}
	return nil
}

// newListeningSocket builds a raw non-blocking listening socket with the
// configured backlog, then wraps it as a *net.TCPListener so the rest of
// the Endpoint can use ordinary net.Conn plumbing (Accept, RemoteAddr,
// SyscallConn for non-blocking reads) on top of it. Logs the resolved
// address family once, at Debug, before touching the socket.
func newListeningSocket(network, address string, noDelay bool, logger *AsyncLogger, tag string) (*net.TCPListener, error) {
	family, addr, err := resolveAddr(network, address)
	if err != nil {
		return nil, err
	}
	logger.Debugf(tag, "bindAndListen resolved %s as %s", address, networkNameFor(family))
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, wrapSetup(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, wrapSetup(err, "set non-blocking")
	}
	if err := applyServerSocketOptions(fd, noDelay); err != nil {
		unix.Close(fd)
		return nil, wrapSetup(err, "set socket options")
	}
	if err := unix.Bind(fd, sockaddrOf(addr, family)); err != nil {
		unix.Close(fd)
		return nil, wrapSetup(err, "bind")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, wrapSetup(err, "listen")
	}

	f := os.NewFile(uintptr(fd), "socketlib-listener")
	defer f.Close()
	ln, err := net.FileListener(f)
	if err != nil {
		return nil, wrapSetup(err, "wrap listener")
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, wrapSetup(errUnsupportedListener, "wrap listener")
	}
	return tl, nil
}

var errUnsupportedListener = &net.OpError{Op: "listen", Err: os.ErrInvalid}

// dialNonBlocking performs a non-blocking connect, retrying the connect
// syscall itself with a 100µs sleep on would-block/in-progress — spec.md
// §4.6 ClientEndpoint.connect's documented loop, rather than a
// poll/select-for-writability wait. Logs the resolved address family
// once, at Debug, before touching the socket.
func dialNonBlocking(network, address string, noDelay bool, logger *AsyncLogger, tag string) (*net.TCPConn, error) {
	family, addr, err := resolveAddr(network, address)
	if err != nil {
		return nil, err
	}
	logger.Debugf(tag, "connect resolved %s as %s", address, networkNameFor(family))
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, wrapSetup(err, "socket")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, wrapSetup(err, "set non-blocking")
	}
	if noDelay {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			unix.Close(fd)
			return nil, wrapSetup(err, "set TCP_NODELAY")
		}
	}

	sa := sockaddrOf(addr, family)
	for {
		err := unix.Connect(fd, sa)
		switch err {
		case nil, unix.EISCONN:
			f := os.NewFile(uintptr(fd), "socketlib-client")
			defer f.Close()
			conn, cerr := net.FileConn(f)
			if cerr != nil {
				return nil, wrapSetup(cerr, "wrap connection")
			}
			tc, ok := conn.(*net.TCPConn)
			if !ok {
				conn.Close()
				return nil, wrapSetup(errUnsupportedListener, "wrap connection")
			}
			return tc, nil
		case unix.EINPROGRESS, unix.EALREADY, unix.EAGAIN, unix.EINTR:
			time.Sleep(connectRetryBackoff)
			continue
		default:
			unix.Close(fd)
			return nil, wrapSetup(err, "connect")
		}
	}
}
