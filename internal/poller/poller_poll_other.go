//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package poller

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pollPoller is the poll(2) fallback for platforms without epoll or
// kqueue. poll(2) is level-triggered, so one-shot semantics are
// emulated with a shadow interest map: Poll clears a descriptor's
// interest the moment it reports readiness, and AddRead/AddWrite must
// be called again to re-arm it.
type pollPoller struct {
	mu       sync.Mutex
	interest map[int]*unix.PollFd // current armed events per fd
}

func open() (Poller, error) {
	return &pollPoller{interest: make(map[int]*unix.PollFd)}, nil
}

func (p *pollPoller) arm(fd int, events int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.interest[fd]; ok {
		e.Events |= events
	} else {
		p.interest[fd] = &unix.PollFd{Fd: int32(fd), Events: events}
	}
	return nil
}

func (p *pollPoller) AddRead(fd int) error  { return p.arm(fd, unix.POLLIN) }
func (p *pollPoller) AddWrite(fd int) error { return p.arm(fd, unix.POLLOUT) }
func (p *pollPoller) AddBoth(fd int) error  { return p.arm(fd, unix.POLLIN|unix.POLLOUT) }

func (p *pollPoller) Remove(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.interest, fd)
	return nil
}

// Poll copies the active slice under the package lock before polling
//, since the poll(2) syscall must be given a contiguous
// array and cannot observe concurrent map mutation.
func (p *pollPoller) Poll(timeoutMs int, dst []Event) ([]Event, error) {
	p.mu.Lock()
	active := make([]unix.PollFd, 0, len(p.interest))
	fds := make([]int, 0, len(p.interest))
	for fd, e := range p.interest {
		active = append(active, *e)
		fds = append(fds, fd)
	}
	p.mu.Unlock()

	if len(active) == 0 {
		// poll(2) with an empty set still honors the timeout as a sleep.
		if timeoutMs > 0 {
			active = append(active, unix.PollFd{Fd: -1})
		} else {
			return dst, nil
		}
	}

	n, err := unix.Poll(active, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	if n == 0 {
		return dst, nil
	}

	p.mu.Lock()
	for i, e := range active {
		if e.Revents == 0 || e.Fd < 0 {
			continue
		}
		fd := int(e.Fd)
		readable := e.Revents&unix.POLLIN != 0
		writable := e.Revents&unix.POLLOUT != 0
		errFlag := e.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0

		// one-shot: clear exactly the directions that fired
		if cur, ok := p.interest[fds[i]]; ok {
			if readable {
				cur.Events &^= unix.POLLIN
			}
			if writable {
				cur.Events &^= unix.POLLOUT
			}
			if cur.Events == 0 {
				delete(p.interest, fds[i])
			}
		}

		dst = append(dst, Event{FD: fd, Readable: readable, Writable: writable, Error: errFlag})
	}
	p.mu.Unlock()

	return dst, nil
}

func (p *pollPoller) Close() error {
	return nil
}
