package fio

import (
	"io"
	"time"

	"golang.org/x/sys/unix"
)

// rawRead/rawWrite perform the direct syscalls the default R/W hook
// uses, retrying on EINTR and reporting EAGAIN as (0, ErrWouldBlock):
// a non-blocking read on a handle with nothing available reports 0
// rather than blocking the caller. rawRead reports an orderly peer
// shutdown (a zero-byte read) as io.EOF.
func rawRead(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			if n == 0 && len(buf) > 0 {
				return 0, io.EOF
			}
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.ENOTCONN:
			return 0, ErrWouldBlock
		default:
			return 0, err
		}
	}
}

func rawWrite(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err == nil {
			return n, nil
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN, unix.EWOULDBLOCK:
			return n, ErrWouldBlock
		default:
			return n, err
		}
	}
}

// isRetryableWriteErr matches non-fatal write error set.
func isRetryableWriteErr(err error) bool {
	switch err {
	case ErrWouldBlock, unix.EAGAIN, unix.EWOULDBLOCK, unix.EINTR, unix.ENOTCONN,
		unix.EINPROGRESS, unix.ENOSPC, unix.EADDRNOTAVAIL:
		return true
	}
	return false
}

// isFatalErr matches transport-fatal set, forcing a close.
func isFatalErr(err error) bool {
	switch err {
	case unix.EPIPE, unix.EIO, unix.EINVAL, unix.EBADF, unix.EFAULT:
		return true
	}
	return false
}

func setNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func setReuseAddr(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}

func setNoDelay(fd int) error {
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}

const minSocketBuffer = 128 * 1024 // "minimum 128 KiB"

func enlargeBuffers(fd int) {
	if n, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF); n < minSocketBuffer {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, minSocketBuffer)
	}
	if n, _ := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF); n < minSocketBuffer {
		unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, minSocketBuffer)
	}
}

func tryEnableFastOpen(fd int, backlog int) {
	// Best-effort: not all kernels/platforms expose TCP_FASTOPEN.
	defer func() { recover() }()
	unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_FASTOPEN, backlog)
}

// writeFilePacket sends as much of a file-backed packet as the kernel's
// sendfile(2) will currently accept. On platforms/filesystems where
// sendfile is unavailable for this fd pair it falls back to a plain
// read+write copy loop driven by the packet's own offset bookkeeping.
func (r *Reactor) writeFilePacket(h Handle, c *conn, p *packet) (int, error) {
	n, err := unix.Sendfile(c.fd, int(p.file.Fd()), &p.fileOffset, int(p.fileLen))
	if n > 0 {
		p.fileLen -= int64(n)
		c.touch()
	}
	if err == nil {
		return n, nil
	}
	switch err {
	case unix.EAGAIN, unix.EWOULDBLOCK, unix.EINTR:
		return n, ErrWouldBlock
	case unix.EINVAL, unix.ENOSYS:
		return r.copyFilePacketFallback(c, p)
	default:
		return n, err
	}
}

func (r *Reactor) copyFilePacketFallback(c *conn, p *packet) (int, error) {
	buf := make([]byte, 32*1024)
	if int64(len(buf)) > p.fileLen {
		buf = buf[:p.fileLen]
	}
	n, err := p.file.ReadAt(buf, p.fileOffset)
	if n == 0 {
		if err != nil {
			return 0, err
		}
		return 0, ErrWouldBlock
	}
	wn, werr := rawWrite(c.fd, buf[:n])
	p.fileOffset += int64(wn)
	p.fileLen -= int64(wn)
	if werr != nil {
		return wn, werr
	}
	c.touch()
	return wn, nil
}

// closeRawFD closes the OS descriptor, ignoring EBADF (already closed by
// a racing teardown path) and retrying for as long as close reports EINTR.
func closeRawFD(fd int) {
	for {
		err := unix.Close(fd)
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// waitNonBlocking reaps one exited child without blocking, mirroring a
// SIGCHLD handler's customary waitpid(WNOHANG) loop.
func waitNonBlocking(wstatus *int) (int, error) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
	*wstatus = int(ws)
	return pid, err
}

// waitWritable blocks the calling goroutine (not a reactor cycle) on a
// single poll(2) call until fd becomes writable or timeout elapses,
// used only by Connect before a descriptor has entered the table.
func waitWritable(fd int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrWouldBlock
		}
		ms := int(remaining.Milliseconds())
		if ms <= 0 {
			ms = 1
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n > 0 {
			return nil
		}
	}
}
