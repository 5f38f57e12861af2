//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueuePoller is the BSD readiness backend. kqueue keeps one filter per
// (fd, direction) pair, so interest changes are expressed as add/delete
// deltas against the last applied interest.
type kqueuePoller struct {
	kq        int
	buf       []unix.Kevent_t
	interests map[int]Event
}

func newPoller() (poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &kqueuePoller{
		kq:        kq,
		buf:       make([]unix.Kevent_t, 64),
		interests: make(map[int]Event),
	}, nil
}

// apply reconciles the kernel filters for fd with the wanted interest.
func (p *kqueuePoller) apply(fd int, want Event) error {
	have := p.interests[fd]
	var changes []unix.Kevent_t

	flagFor := func(bit Event, filter int16) {
		switch {
		case want&bit != 0 && have&bit == 0:
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, int(filter), unix.EV_ADD|unix.EV_ENABLE)
			changes = append(changes, kev)
		case want&bit == 0 && have&bit != 0:
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, int(filter), unix.EV_DELETE)
			changes = append(changes, kev)
		}
	}
	flagFor(Readable, unix.EVFILT_READ)
	flagFor(Writable, unix.EVFILT_WRITE)

	if len(changes) > 0 {
		if _, err := unix.Kevent(p.kq, changes, nil, nil); err != nil {
			return err
		}
	}
	if want == 0 {
		delete(p.interests, fd)
	} else {
		p.interests[fd] = want
	}
	return nil
}

func (p *kqueuePoller) add(fd int, interest Event) error {
	return p.apply(fd, interest)
}

func (p *kqueuePoller) mod(fd int, interest Event) error {
	return p.apply(fd, interest)
}

func (p *kqueuePoller) del(fd int) error {
	return p.apply(fd, 0)
}

func (p *kqueuePoller) wait(evs []pollEvent, timeout time.Duration) (int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}

	n, err := unix.Kevent(p.kq, nil, p.buf, ts)
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
		switch e.Filter {
		case unix.EVFILT_READ:
			ev = Readable
		case unix.EVFILT_WRITE:
			ev = Writable
		}
		evs[i] = pollEvent{fd: int(e.Ident), ev: ev}
	}
	return n, nil
}

func (p *kqueuePoller) close() error {
	return unix.Close(p.kq)
}
