package fio

import (
	"io"
	"os"

	"github.com/fio-reactor/fio/internal/task"
)

// Read performs a single non-blocking read through the connection's
// installed hook (default: a raw socket read), touching the idle timer
// on success. A zero-length, nil-error result with n==0 never happens
// for the default hook (EAGAIN surfaces as ErrWouldBlock instead) but a
// custom RWHook may legitimately report it; callers treat it as "try
// again later" rather than EOF.
func (r *Reactor) Read(h Handle, buf []byte) (int, error) {
	c, ok := r.table.lookup(h)
	if !ok {
		return 0, ErrBadHandle
	}
	if !c.open.Load() || c.closing.Load() {
		return 0, ErrClosed
	}
	c.socketLock.Lock()
	n, err := c.hook.Read(h, c.hookData, buf)
	c.socketLock.Unlock()

	if err == nil {
		c.touch()
		return n, nil
	}
	if err == io.EOF {
		r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.forceCloseHandle(h) }, nil, nil)
		return n, io.EOF
	}
	if isFatalErr(err) {
		r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.forceCloseHandle(h) }, nil, nil)
	}
	return n, err
}

// Write2 enqueues a packet for asynchronous output: data
// is copied onto the connection's packet list under its socket lock and
// a write-ready task is scheduled at most once until the poller next
// reports writability, exactly mirroring the write-in-flight flag the
// C source keeps per uuid.
func (r *Reactor) Write2(h Handle, buf []byte, urgent bool) error {
	if len(buf) == 0 {
		return ErrEmptyPacket
	}
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	if !c.open.Load() || c.closing.Load() {
		return ErrClosed
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	p := newBufferPacket(cp, nil, urgent)

	c.socketLock.Lock()
	if urgent {
		// Insert after the current head so an already-draining packet is
		// never preempted mid-write: InsertAfter with a nil mark (empty
		// list) falls back to PushFront on its own.
		c.packets.InsertAfter(p, c.packets.Front())
	} else {
		c.packets.PushBack(p)
	}
	c.packetCount++
	c.socketLock.Unlock()

	r.scheduleFlush(h, c)
	return nil
}

// WriteFile enqueues a file-backed packet (sendfile path).
func (r *Reactor) WriteFile(h Handle, f *os.File, offset, length int64, closeAfter, urgent bool) error {
	if length <= 0 {
		return ErrEmptyPacket
	}
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	if !c.open.Load() || c.closing.Load() {
		return ErrClosed
	}
	p := newFilePacket(f, offset, length, closeAfter, urgent)
	c.socketLock.Lock()
	if urgent {
		c.packets.InsertAfter(p, c.packets.Front())
	} else {
		c.packets.PushBack(p)
	}
	c.packetCount++
	c.socketLock.Unlock()

	r.scheduleFlush(h, c)
	return nil
}

func (r *Reactor) scheduleFlush(h Handle, c *conn) {
	if c.writeInFlightOnce.CompareAndSwap(false, true) {
		r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.flush(h) }, nil, nil)
	}
}

// flush drains as much of a connection's packet list as the socket will
// currently accept, implementing the slowloris guard: once a
// connection has slowlorisQueueThreshold or more packets queued, every
// flush observation checks whether the head packet actually advanced
// by at least slowlorisMinProgress bytes since the previous
// observation. A deep backlog that isn't draining is force-closed as a
// suspected slow-read attacker. A shallow backlog is never penalized
// for slow progress, since that's ordinary flow control.
func (r *Reactor) flush(h Handle) {
	c, ok := r.table.lookup(h)
	if !ok || !c.open.Load() {
		return
	}
	defer c.writeInFlightOnce.Store(false)

	c.socketLock.Lock()
	if head := c.packets.Front(); head != nil {
		if head == c.lastHeadPacket && c.packetCount >= slowlorisQueueThreshold {
			progressed := c.bytesAtLastHead - head.remaining()
			if progressed < slowlorisMinProgress {
				c.socketLock.Unlock()
				c.attacked = true
				r.mtr.SlowlorisEvictions.Inc()
				r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.forceCloseHandle(h) }, nil, nil)
				return
			}
		}
		c.lastHeadPacket = head
		c.bytesAtLastHead = head.remaining()
	}
	c.socketLock.Unlock()

	for {
		c.socketLock.Lock()
		p := c.packets.Front()
		if p == nil {
			c.socketLock.Unlock()
			break
		}

		_, err := r.writeOne(h, c, p)
		if err != nil {
			c.socketLock.Unlock()
			if isRetryableWriteErr(err) {
				r.armWriteInterest(h, c)
				return
			}
			r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.forceCloseHandle(h) }, nil, nil)
			return
		}

		done := p.remaining() == 0
		if done {
			c.packets.Remove(p)
			c.packetCount--
			c.lastHeadPacket = nil
		}
		c.socketLock.Unlock()
		if done {
			p.release()
		}
	}

	if c.closing.Load() {
		r.startClose(h, c)
		return
	}
	c.protocolLock.Lock()
	proto := c.protocol
	c.protocolLock.Unlock()
	if proto != nil {
		proto.OnReady(h)
	}
}

const (
	// slowlorisQueueThreshold is the queued-packet depth at which the
	// guard starts paying attention to head-packet progress.
	slowlorisQueueThreshold = 1024
	// slowlorisMinProgress is the minimum number of bytes the head
	// packet must advance between successive flush observations once
	// the queue is past slowlorisQueueThreshold.
	slowlorisMinProgress = 32 * 1024
)

func (r *Reactor) writeOne(h Handle, c *conn, p *packet) (int, error) {
	if p.file != nil {
		if c.hook == defaultRWHook {
			return r.writeFilePacket(h, c, p)
		}
		buf := make([]byte, min(32*1024, p.fileLen))
		fn, ferr := p.file.ReadAt(buf, p.fileOffset)
		if fn == 0 {
			return 0, ferr
		}
		wn, werr := c.hook.Write(h, c.hookData, buf[:fn])
		p.fileOffset += int64(wn)
		p.fileLen -= int64(wn)
		if wn > 0 {
			c.touch()
		}
		return wn, werr
	}
	n, err := c.hook.Write(h, c.hookData, p.buffer[p.offset:])
	if n > 0 {
		p.offset += n
		c.touch()
	}
	return n, err
}

func (r *Reactor) armWriteInterest(h Handle, c *conn) {
	if err := r.pfd.AddWrite(h.FD()); err != nil {
		r.log.Debug().Err(err).Int("fd", h.FD()).Msg("failed to arm write interest")
	}
}

// Flush forces an immediate best-effort drain attempt outside the
// normal write-ready schedule, used by Close to let buffered output go
// out before the descriptor disappears.
func (r *Reactor) Flush(h Handle) {
	r.flush(h)
}

// Suspend disarms all poller interest (read and write) for h until Resume:
// callers implementing backpressure on a slow consumer stop the
// reactor from delivering further OnData until they are ready.
func (r *Reactor) Suspend(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.dataScheduled.Store(true) // borrow the scheduled flag to block redelivery
	return r.pfd.Remove(h.FD())
}

// Resume re-arms read (and, if packets are pending, write) interest
// after Suspend.
func (r *Reactor) Resume(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.dataScheduled.Store(false)
	if c.packetCount > 0 {
		return r.pfd.AddBoth(h.FD())
	}
	return r.pfd.AddRead(h.FD())
}

// TouchHandle resets a connection's idle timer, equivalent to the C
// source's fio_touch.
func (r *Reactor) TouchHandle(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.touch()
	return nil
}

// TimeoutSet installs a per-connection idle timeout, in seconds; 0
// disables per-connection enforcement and falls back to the reactor's
// configured default.
func (r *Reactor) TimeoutSet(h Handle, seconds int) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.timeoutSec.Store(int32(seconds))
	c.eternal.Store(false)
	return nil
}

// TimeoutGet reports the configured per-connection idle timeout.
func (r *Reactor) TimeoutGet(h Handle) (int, error) {
	c, ok := r.table.lookup(h)
	if !ok {
		return 0, ErrBadHandle
	}
	return int(c.timeoutSec.Load()), nil
}

// Link registers a destructor that fires exactly once when h closes
// (uuid_link), returning a token usable with Unlink.
func (r *Reactor) Link(h Handle, obj any, destroy func()) (*linkEntry, error) {
	c, ok := r.table.lookup(h)
	if !ok {
		return nil, ErrBadHandle
	}
	return c.link(obj, destroy), nil
}

// Unlink cancels a registration made with Link before h closes.
func (r *Reactor) Unlink(h Handle, e *linkEntry) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.unlink(e)
	return nil
}

// ForceEvent re-triggers h's OnData as though the descriptor had become
// readable, without waiting for the poller (fio_force_event).
func (r *Reactor) ForceEvent(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	if c.dataScheduled.CompareAndSwap(false, true) {
		r.queue.Enqueue(task.Normal, func(arg1, arg2 any) { r.runOnData(h) }, nil, nil)
	}
	return nil
}

// RWHookSet installs a custom transport hook on h, replacing the
// default raw-socket hook. udata is passed back to every hook
// call unchanged.
func (r *Reactor) RWHookSet(h Handle, hook RWHook, udata any) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.socketLock.Lock()
	c.hook = hook
	c.hookData = udata
	c.socketLock.Unlock()
	return nil
}

// RWHookReplaceUnsafe swaps h's hook without taking the socket lock, for
// use only from inside a currently-executing hook method on the same
// connection (e.g. a TLS handshake hook promoting itself to the steady-
// state record hook once the handshake completes), where the caller
// already holds the lock transitively through Read/Write/Flush.
func (r *Reactor) RWHookReplaceUnsafe(h Handle, hook RWHook, udata any) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	c.hook = hook
	c.hookData = udata
	return nil
}

// PeerAddr returns the remote address captured at Attach/Accept/Connect
// time, or nil if none was supplied.
func (r *Reactor) PeerAddr(h Handle) ([]byte, error) {
	c, ok := r.table.lookup(h)
	if !ok {
		return nil, ErrBadHandle
	}
	return c.peerAddr, nil
}

// IsValid reports whether h still refers to a live, open connection
// (fd-in-range and generation match).
func (r *Reactor) IsValid(h Handle) bool {
	_, ok := r.table.lookup(h)
	return ok
}

// IsClosed reports whether h is valid but already closing/closed;
// unlike IsValid, a bad/recycled handle is also reported closed since
// there is nothing further the caller could do with it either way.
func (r *Reactor) IsClosed(h Handle) bool {
	c, ok := r.table.lookup(h)
	if !ok {
		return true
	}
	return !c.open.Load() || c.closing.Load()
}

// DeferIOTask schedules fn to run on the normal task queue only if h is
// still valid at execution time, skipping it silently otherwise: a
// deferred task bound to a connection's lifetime.
func (r *Reactor) DeferIOTask(h Handle, fn func(Handle)) {
	r.queue.Enqueue(task.Normal, func(arg1, arg2 any) {
		if r.IsValid(h) {
			fn(h)
		}
	}, nil, nil)
}

// Close requests a graceful close of h: the connection's hook is given
// a chance to flush (BeforeClose), remaining queued packets are drained
// as usual, and OnClose fires once teardown completes. Use ForceClose
// to skip straight to teardown.
func (r *Reactor) Close(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	if !c.open.Load() {
		return nil
	}
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	r.queue.Enqueue(task.Urgent, func(arg1, arg2 any) { r.flush(h) }, nil, nil)
	return nil
}

// startClose is invoked once a graceful close's queued output has fully
// drained; it consults the hook's BeforeClose before tearing down.
func (r *Reactor) startClose(h Handle, c *conn) {
	if c.hook.BeforeClose(h, c.hookData) {
		return // hook asked for one more flush pass before real teardown
	}
	r.forceCloseHandle(h)
}

// ForceClose immediately tears a connection down, skipping any
// remaining queued output.
func (r *Reactor) ForceClose(h Handle) error {
	c, ok := r.table.lookup(h)
	if !ok {
		return ErrBadHandle
	}
	r.forceClose(h, c)
	return nil
}

func (r *Reactor) forceCloseHandle(h Handle) {
	if c, ok := r.table.lookup(h); ok {
		r.forceClose(h, c)
	}
}

// forceClose is the single teardown path every close route funnels
// into: remove from the poller, run OnClose exactly once, release
// queued packets, run link destructors, and mark the slot reusable by
// bumping its generation.
func (r *Reactor) forceClose(h Handle, c *conn) {
	if !c.closeFlight.CompareAndSwap(false, true) {
		return
	}
	if !c.open.CompareAndSwap(true, false) {
		c.closeFlight.Store(false)
		return
	}

	r.pfd.Remove(c.fd)

	c.protocolLock.Lock()
	proto := c.protocol
	c.protocolLock.Unlock()
	if proto != nil {
		proto.OnClose(h)
	}
	c.hook.Cleanup(h, c.hookData)

	for {
		p := c.packets.Front()
		if p == nil {
			break
		}
		c.packets.Remove(p)
		p.release()
	}
	c.packetCount = 0

	r.runLinkDestructorsSafely(c)

	closeRawFD(c.fd)
	r.mtr.ConnectionsClosed.Inc()
	c.generation.Add(1)
	c.closeFlight.Store(false)
}

func (r *Reactor) runLinkDestructorsSafely(c *conn) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("link destructor panicked")
		}
	}()
	c.runLinkDestructors()
}

