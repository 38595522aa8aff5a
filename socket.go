package fio

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// raiseAndSizeRLimit raises RLIMIT_NOFILE to its hard ceiling and
// returns the connection table capacity to allocate, capped at
// defaultMaxFDCap so a host with an unbounded hard limit doesn't make
// New allocate an unreasonable table.
func raiseAndSizeRLimit() (int, error) {
	var rl unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rl); err != nil {
		return 0, err
	}
	if rl.Cur < rl.Max {
		raised := rl
		raised.Cur = rl.Max
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &raised); err == nil {
			rl = raised
		}
	}
	capacity := int(rl.Cur)
	if capacity <= 0 || capacity > defaultMaxFDCap {
		capacity = defaultMaxFDCap
	}
	return capacity, nil
}

// Attach wraps an already-open, connected file descriptor in the
// connection table and installs proto as its Protocol.
// The caller retains ownership of addr only for logging; fd's lifetime
// now belongs to the reactor.
func (r *Reactor) Attach(fd int, proto Protocol, addr net.Addr) (Handle, error) {
	if err := setNonblock(fd); err != nil {
		closeRawFD(fd)
		return 0, err
	}
	c, ok := r.table.get(fd)
	if !ok {
		closeRawFD(fd)
		return 0, ErrBadHandle
	}

	c.socketLock.Lock()
	h := c.resetForOpen(fd)
	if proto == nil {
		proto = noProtocol{}
	}
	c.protocol = proto
	if addr != nil {
		c.peerAddr = []byte(addr.String())
	}
	c.r = r
	c.socketLock.Unlock()

	r.table.noteOpen(fd)
	if err := r.pfd.AddRead(fd); err != nil {
		r.forceClose(h, c)
		return 0, err
	}
	return h, nil
}

// Accept performs one non-blocking accept(2) on a listening socket
// previously obtained from Listen, attaching the resulting connection
// with proto installed. Returns ErrWouldBlock when no connection is
// currently pending.
func (r *Reactor) Accept(listenFD int, proto Protocol) (Handle, error) {
	nfd, sa, err := unix.Accept(listenFD)
	if err != nil {
		switch err {
		case unix.EAGAIN, unix.EWOULDBLOCK, unix.EINTR, unix.ECONNABORTED:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
	unix.CloseOnExec(nfd)
	setNoDelay(nfd)
	enlargeBuffers(nfd)

	var addr net.Addr
	if a := sockaddrToTCPAddr(sa); a != nil {
		addr = a
	}
	return r.Attach(nfd, proto, addr)
}

// Listen opens a listening TCP socket bound to addr (host:port), with
// SO_REUSEADDR and a best-effort TCP_FASTOPEN, returning the raw
// descriptor for repeated Accept calls plus a one-shot Remove-on-close
// responsibility left to the caller ("listen" verb).
func (r *Reactor) Listen(network, addr string, backlog int) (int, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return 0, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return 0, ErrBadHandle
	}
	rc, err := tl.SyscallConn()
	if err != nil {
		ln.Close()
		return 0, err
	}
	var fd int
	rc.Control(func(p uintptr) { fd = int(p) })

	dupFD, err := unix.Dup(fd)
	ln.Close()
	if err != nil {
		return 0, err
	}
	setNonblock(dupFD)
	setReuseAddr(dupFD)
	tryEnableFastOpen(dupFD, backlog)
	return dupFD, nil
}

// Connect opens a non-blocking outbound TCP connection to addr,
// blocking the calling goroutine (not a reactor cycle) until the
// kernel reports the connect as complete or timeout elapses, then
// attaches it with proto installed ("connect" verb). It
// waits on the raw descriptor with a direct poll(2) call rather than
// the reactor's poller, since the connection isn't in the table yet.
func (r *Reactor) Connect(addr string, proto Protocol, timeout time.Duration) (Handle, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return 0, err
	}
	fd, err := unix.Socket(addrFamily(raddr), unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	unix.CloseOnExec(fd)
	setNonblock(fd)
	sa := tcpAddrToSockaddr(raddr)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		closeRawFD(fd)
		return 0, err
	}

	if err := waitWritable(fd, timeout); err != nil {
		closeRawFD(fd)
		return 0, err
	}
	if serr, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); serr != 0 {
		closeRawFD(fd)
		return 0, unix.Errno(serr)
	}

	setNoDelay(fd)
	enlargeBuffers(fd)
	return r.Attach(fd, proto, raddr)
}

func addrFamily(a *net.TCPAddr) int {
	if a.IP.To4() == nil {
		return unix.AF_INET6
	}
	return unix.AF_INET
}

func tcpAddrToSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		copy(sa.Addr[:], ip4)
		sa.Port = a.Port
		return &sa
	}
	var sa unix.SockaddrInet6
	copy(sa.Addr[:], a.IP.To16())
	sa.Port = a.Port
	return &sa
}

func sockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}
