package socketlib

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// Sentinel conditions. These are compared by value, never wrapped, so
// callers on the hot path (readData, handleWriteQueue, accept loops) can
// use errors.Is without paying for a stack capture.
var (
	// ErrWouldBlock mirrors iox.ErrWouldBlock for call sites that don't
	// import iox directly.
	ErrWouldBlock = errors.New("socketlib: operation would block")

	// ErrPeerClosed means the peer performed an orderly shutdown (recv
	// returned 0). Not a failure; triggers queueShutdown.
	ErrPeerClosed = errors.New("socketlib: peer closed connection")

	// ErrPeerReset means the peer tore down the connection (ECONNRESET).
	// Not logged as an unexpected error; triggers queueShutdown.
	ErrPeerReset = errors.New("socketlib: connection reset by peer")

	// ErrChannelInactive is returned by ClientEndpoint.Write when the
	// endpoint has no Channel (Connect has not succeeded). Writes to a
	// Channel that has entered Closing or Reclaimed are dropped silently
	// by QueueWrite instead.
	ErrChannelInactive = errors.New("socketlib: channel is no longer active")

	// ErrEndpointInactive names the condition of an Endpoint after
	// notifyStop. No operation in this package returns it; Endpoint
	// methods called after notifyStop do not fail with an error.
	ErrEndpointInactive = errors.New("socketlib: endpoint is no longer active")

	// ErrHandlerInactive matches spec.md's lifecycle-misuse wording.
	ErrHandlerInactive = errors.New("handler no longer active")

	// ErrUnknownClient is returned by ServerEndpoint.WriteTo for an fd
	// that has no live Channel.
	ErrUnknownClient = errors.New("socketlib: unknown client descriptor")

	// ErrAlreadyActive guards against double bindAndListen/connect.
	ErrAlreadyActive = errors.New("socketlib: endpoint is already active")
)

// wrapSetup annotates a setup-class error (§7.1: address resolution,
// socket creation, bind, listen, non-block configuration) with a stack
// trace and the operation name, matching the OS-error-text contract of
// spec.md §6's error channels.
func wrapSetup(err error, op string) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, "socketlib: %s", op)
}
