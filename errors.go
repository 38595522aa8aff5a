package fio

import "errors"

// Sentinel errors surfaced at the API boundary. Internal
// failures never propagate as panics; callers distinguish categories
// with errors.Is.
var (
	// ErrBadHandle is returned when a Handle fails validity/generation
	// checks: fd out of range, or the stored generation no longer
	// matches (the descriptor was recycled by the OS after a close).
	ErrBadHandle = errors.New("fio: bad or recycled connection handle")

	// ErrClosed is returned by calls against a connection that is
	// known-valid but already closing/closed.
	ErrClosed = errors.New("fio: connection closed")

	// ErrWouldBlock signals a non-fatal transient condition (EAGAIN/
	// EINTR/ENOTCONN on read, or the write-side equivalents); the
	// caller should retry or rely on the poller to redeliver readiness.
	ErrWouldBlock = errors.New("fio: operation would block")

	// ErrEmptyPacket is returned by Write2 when handed a packet with no
	// payload and no file source.
	ErrEmptyPacket = errors.New("fio: empty packet")

	// ErrReactorNotRunning is returned by Start when called while the
	// reactor is already active. No other call returns it.
	ErrReactorNotRunning = errors.New("fio: reactor is not running")

	// ErrAttacked marks a connection the slowloris guard evicted; present
	// mainly for log correlation, since by the time a caller could
	// observe it the handle is already invalid.
	ErrAttacked = errors.New("fio: connection evicted by slowloris guard")
)
