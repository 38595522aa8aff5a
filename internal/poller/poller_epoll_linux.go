//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux backend: three epoll fds (one dispatcher
// plus one for read and one for write) partition events so multiple
// worker threads can poll without stealing each other's events.
// readFD and writeFD each hold the one-shot interest list for their
// direction, and both are themselves registered as members of
// dispatchFD. A single epoll_wait on dispatchFD reports which
// direction(s) have pending events without the caller ever needing to
// pick an fd out of a combined, shared interest list — two worker
// threads calling Poll concurrently each drain a disjoint direction.
type epollPoller struct {
	dispatchFD int
	readFD     int
	writeFD    int
}

const errEvents = unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP

func open() (Poller, error) {
	dispatch, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	rfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(dispatch)
		return nil, err
	}
	wfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(dispatch)
		unix.Close(rfd)
		return nil, err
	}
	p := &epollPoller{dispatchFD: dispatch, readFD: rfd, writeFD: wfd}
	if err := unix.EpollCtl(dispatch, unix.EPOLL_CTL_ADD, rfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(rfd)}); err != nil {
		p.Close()
		return nil, err
	}
	if err := unix.EpollCtl(dispatch, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func armOn(epfd, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events | unix.EPOLLONESHOT, Fd: int32(fd)}
	err := unix.EpollCtl(epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	if err == unix.ENOENT {
		err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	return err
}

func (p *epollPoller) AddRead(fd int) error {
	return armOn(p.readFD, fd, unix.EPOLLIN|errEvents)
}

func (p *epollPoller) AddWrite(fd int) error {
	return armOn(p.writeFD, fd, unix.EPOLLOUT|errEvents)
}

func (p *epollPoller) AddBoth(fd int) error {
	if err := p.AddRead(fd); err != nil {
		return err
	}
	return p.AddWrite(fd)
}

func removeFrom(epfd, fd int) error {
	err := unix.EpollCtl(epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Remove(fd int) error {
	err1 := removeFrom(p.readFD, fd)
	err2 := removeFrom(p.writeFD, fd)
	if err1 != nil {
		return err1
	}
	return err2
}

func (p *epollPoller) drain(epfd int, dst []Event, readable, writable bool) ([]Event, error) {
	var raw [256]unix.EpollEvent
	for {
		n, err := unix.EpollWait(epfd, raw[:], 0)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return dst, err
		}
		for i := 0; i < n; i++ {
			e := raw[i]
			dst = append(dst, Event{
				FD:       int(e.Fd),
				Readable: readable && e.Events&unix.EPOLLIN != 0,
				Writable: writable && e.Events&unix.EPOLLOUT != 0,
				Error:    e.Events&errEvents != 0,
			})
		}
		return dst, nil
	}
}

func (p *epollPoller) Poll(timeoutMs int, dst []Event) ([]Event, error) {
	var raw [2]unix.EpollEvent
	n, err := unix.EpollWait(p.dispatchFD, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		switch int(raw[i].Fd) {
		case p.readFD:
			dst, err = p.drain(p.readFD, dst, true, false)
		case p.writeFD:
			dst, err = p.drain(p.writeFD, dst, false, true)
		}
		if err != nil {
			return dst, err
		}
	}
	return dst, nil
}

func (p *epollPoller) Close() error {
	unix.Close(p.readFD)
	unix.Close(p.writeFD)
	return unix.Close(p.dispatchFD)
}
