//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness backend.
type epollPoller struct {
	epfd int
	buf  []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollPoller{epfd: epfd, buf: make([]unix.EpollEvent, 64)}, nil
}

func epollEvents(interest Event) uint32 {
	var ev uint32
	if interest&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *epollPoller) add(fd int, interest Event) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *epollPoller) mod(fd int, interest Event) error {
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *epollPoller) del(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) wait(evs []pollEvent, timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(p.epfd, p.buf, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}

	if n > len(evs) {
		n = len(evs)
	}
	for i := 0; i < n; i++ {
		e := p.buf[i]
		var ev Event
		// Error and hangup conditions surface through whichever interest
		// is armed, so the owner observes them via read/write results.
		if e.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
			ev |= Readable
		}
		if e.Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			ev |= Writable
		}
		evs[i] = pollEvent{fd: int(e.Fd), ev: ev}
	}
	return n, nil
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
