package fio

// Protocol is the user-supplied callback vtable for a connection.
// Exactly one Protocol may be attached to a Handle at a time; OnClose
// is guaranteed to fire exactly once, which is the signal a Protocol
// implementation may free itself.
type Protocol interface {
	// OnData is invoked when the descriptor has become readable and no
	// other OnData for this Handle is currently in flight (the
	// per-connection scheduled-flag enforces strict serialization).
	OnData(h Handle)
	// OnReady is invoked after a write-flush has drained the packet
	// queue and the descriptor is writable again with nothing queued —
	// an opportunity for the protocol to enqueue more output.
	OnReady(h Handle)
	// OnShutdown is called once, during graceful reactor shutdown,
	// before OnClose. The returned grace period (1-254 seconds) keeps
	// the handle valid that long to let output drain; 0 requests
	// immediate close. 255 is reserved (see Ping).
	OnShutdown(h Handle) int
	// OnClose is the universal, exactly-once terminal signal: no
	// further callback for h fires after this.
	OnClose(h Handle)
	// Ping is invoked by the timeout walker when a connection has been
	// idle past its configured timeout. Returning 255 marks the
	// connection eternal (no further timeout enforcement); any other
	// return value is ignored by the reactor, which leaves the
	// connection open and pings it again on later reviews while it
	// stays idle.
	Ping(h Handle) int
}

// eternalPing is the sentinel Ping() return that disables further
// timeout enforcement for a connection.
const eternalPing = 255

// noProtocol is the Protocol Attach installs when it is given nil.
// Every callback is a no-op: OnData does not suspend the connection,
// and Ping returns 0, so the timeout walker does not close an idle
// connection that carries it.
type noProtocol struct{}

func (noProtocol) OnData(Handle)          {}
func (noProtocol) OnReady(Handle)         {}
func (noProtocol) OnShutdown(Handle) int  { return 0 }
func (noProtocol) OnClose(Handle)         {}
func (noProtocol) Ping(Handle) int        { return 0 }
