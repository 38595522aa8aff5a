//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package poller

import (
	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD/Darwin backend: a single kqueue with every
// registered event armed EV_ONESHOT, so each event must be re-added
// after it fires.
type kqueuePoller struct {
	fd int
}

func open() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &kqueuePoller{fd: fd}, nil
}

func (p *kqueuePoller) changes(fd int, filter int16, add bool) error {
	flags := uint16(unix.EV_ADD | unix.EV_ONESHOT)
	if !add {
		flags = unix.EV_DELETE
	}
	kev := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(p.fd, []unix.Kevent_t{kev}, nil, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *kqueuePoller) AddRead(fd int) error {
	return p.changes(fd, unix.EVFILT_READ, true)
}

func (p *kqueuePoller) AddWrite(fd int) error {
	return p.changes(fd, unix.EVFILT_WRITE, true)
}

func (p *kqueuePoller) AddBoth(fd int) error {
	if err := p.AddRead(fd); err != nil {
		return err
	}
	return p.AddWrite(fd)
}

func (p *kqueuePoller) Remove(fd int) error {
	err1 := p.changes(fd, unix.EVFILT_READ, false)
	err2 := p.changes(fd, unix.EVFILT_WRITE, false)
	if err1 != nil {
		return err1
	}
	return err2
}

func (p *kqueuePoller) Poll(timeoutMs int, dst []Event) ([]Event, error) {
	var raw [256]unix.Kevent_t
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMs) * int64(1e6))
		ts = &t
	}
	n, err := unix.Kevent(p.fd, nil, raw[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			FD:       int(e.Ident),
			Readable: e.Filter == unix.EVFILT_READ,
			Writable: e.Filter == unix.EVFILT_WRITE,
			Error:    e.Flags&unix.EV_EOF != 0 || e.Flags&unix.EV_ERROR != 0,
		})
	}
	return dst, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.fd)
}
