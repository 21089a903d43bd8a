package rudp

import (
	"syscall"

	"github.com/pkg/errors"
)

// Sentinel error kinds. Use errors.Is against these; wrapped context
// (peer address, operation, ...) is attached with github.com/pkg/errors.
var (
	// ErrInvalidArgument covers a send on an unbound Endpoint or on a
	// Client that is not connected, an empty payload, an app command
	// that overflows the command byte, an ack of an unsent sequence, or
	// a malformed header.
	ErrInvalidArgument = errors.New("rudp: invalid argument")

	// ErrAddressRequired is returned when an operation needs a resolved
	// remote address and none was set (e.g. Endpoint.Send to an unset
	// Address).
	ErrAddressRequired = errors.New("rudp: address required")

	// ErrOutOfMemory is returned when the configured allocator hook
	// returns nil.
	ErrOutOfMemory = errors.New("rudp: out of memory")

	// ErrCancelled is returned when the event loop fails to register a
	// watcher (e.g. epoll_ctl failure surfaced through the event loop
	// abstraction).
	ErrCancelled = errors.New("rudp: cancelled")

	// ErrPeerDead is returned by Peer.Send once the peer is dead,
	// whether it was dropped or torn down locally. Other Peer methods
	// do not check for it.
	ErrPeerDead = errors.New("rudp: peer is dead")
)

// SocketError wraps an OS-level error returned by a socket syscall
// (socket/bind/recv/sendto).
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string {
	return "rudp: socket " + e.Op + ": " + e.Err.Error()
}

func (e *SocketError) Unwrap() error { return e.Err }

func wrapSocketError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SocketError{Op: op, Err: err}
}

// isEINVAL reports whether err is (or wraps) EINVAL. A send that fails
// for bad-argument reasons must not advance last_out_time, so it cannot
// skew the RTO backoff clock.
func isEINVAL(err error) bool {
	return errors.Is(err, syscall.EINVAL)
}
