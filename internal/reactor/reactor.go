// Package reactor provides the readiness-notification event loop the
// dispatcher and the resolver are driven by: file descriptors are
// registered with a read or write interest, an optional inactivity timeout
// and a callback, and the loop invokes callbacks as descriptors become
// ready or time out. One-shot timers share the same loop.
//
// The loop is strictly single-threaded: Register, Modify, Deregister,
// AddTimer and the callbacks themselves must all run on the goroutine that
// calls Tick or Run. Callbacks must not block; waiting is expressed only by
// re-arming interests and timers.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Event is a bit set of readiness conditions delivered to callbacks.
type Event uint8

const (
	// Readable indicates the descriptor has data (or EOF) to read.
	Readable Event = 1 << iota
	// Writable indicates the descriptor accepts writes again.
	Writable
	// Timedout indicates the registration's inactivity timeout expired.
	Timedout
)

// Callback handles a readiness event for one registered descriptor.
type Callback func(ev Event)

// ErrNotRegistered is returned when operating on an unknown descriptor.
var ErrNotRegistered = errors.New("reactor: fd not registered")

// fdReg is the book-keeping for one registered descriptor.
type fdReg struct {
	fd       int
	interest Event
	timeout  time.Duration
	timer    *Timer
	cb       Callback
}

// Reactor multiplexes descriptor readiness and timers over one OS poller
// (epoll on Linux, kqueue on the BSDs).
type Reactor struct {
	logger *slog.Logger
	p      poller
	regs   map[int]*fdReg
	timers timerHeap
	events []pollEvent
	closed bool
}

// New creates a reactor. The logger may be nil.
func New(logger *slog.Logger) (*Reactor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	return &Reactor{
		logger: logger,
		p:      p,
		regs:   make(map[int]*fdReg),
		events: make([]pollEvent, 64),
	}, nil
}

// Register adds fd with the given interest. A timeout > 0 arms an
// inactivity timer that is re-armed on every delivered event and on every
// Modify; when it expires the callback receives Timedout.
func (r *Reactor) Register(fd int, interest Event, timeout time.Duration, cb Callback) error {
	if _, ok := r.regs[fd]; ok {
		return fmt.Errorf("reactor: fd %d already registered", fd)
	}
	if cb == nil {
		return errors.New("reactor: nil callback")
	}
	if err := r.p.add(fd, interest); err != nil {
		return fmt.Errorf("reactor: add fd %d: %w", fd, err)
	}

	reg := &fdReg{fd: fd, interest: interest, timeout: timeout, cb: cb}
	if timeout > 0 {
		reg.timer = r.AddTimer(timeout, func() {
			reg.cb(Timedout)
		})
	}
	r.regs[fd] = reg
	return nil
}

// Modify changes the interest of a registered descriptor and re-arms its
// inactivity timeout.
func (r *Reactor) Modify(fd int, interest Event) error {
	reg, ok := r.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	if reg.interest != interest {
		if err := r.p.mod(fd, interest); err != nil {
			return fmt.Errorf("reactor: mod fd %d: %w", fd, err)
		}
		reg.interest = interest
	}
	r.rearm(reg)
	return nil
}

// Deregister removes a descriptor and cancels its timeout. The descriptor
// itself is left open; closing it is the owner's business.
func (r *Reactor) Deregister(fd int) error {
	reg, ok := r.regs[fd]
	if !ok {
		return ErrNotRegistered
	}
	delete(r.regs, fd)
	if reg.timer != nil {
		reg.timer.Stop()
		reg.timer = nil
	}
	if err := r.p.del(fd); err != nil {
		return fmt.Errorf("reactor: del fd %d: %w", fd, err)
	}
	return nil
}

// Registered reports whether fd currently has a registration.
func (r *Reactor) Registered(fd int) bool {
	_, ok := r.regs[fd]
	return ok
}

// rearm pushes a registration's inactivity deadline into the future.
func (r *Reactor) rearm(reg *fdReg) {
	if reg.timer != nil {
		reg.timer.Reset(reg.timeout)
	}
}

// AddTimer schedules fn to run once on the loop after d.
func (r *Reactor) AddTimer(d time.Duration, fn func()) *Timer {
	t := &Timer{r: r, fn: fn, when: time.Now().Add(d)}
	r.timers.push(t)
	return t
}

// Tick runs one loop iteration: it waits up to maxWait (or until the next
// timer deadline, whichever is sooner) for readiness, dispatches descriptor
// callbacks, then fires expired timers. A negative maxWait waits with no
// bound. It returns the number of descriptor events dispatched.
func (r *Reactor) Tick(maxWait time.Duration) (int, error) {
	wait := maxWait
	if next, ok := r.timers.nextDeadline(); ok {
		until := time.Until(next)
		if until < 0 {
			until = 0
		}
		if wait < 0 || until < wait {
			wait = until
		}
	}

	n, err := r.p.wait(r.events, wait)
	if err != nil {
		return 0, fmt.Errorf("reactor: wait: %w", err)
	}

	dispatched := 0
	for i := 0; i < n; i++ {
		pe := r.events[i]
		// A callback earlier in this batch may have deregistered the fd;
		// the map is the source of truth.
		reg, ok := r.regs[pe.fd]
		if !ok {
			continue
		}
		ev := pe.ev & reg.interest
		if ev == 0 {
			continue
		}
		r.rearm(reg)
		reg.cb(ev)
		dispatched++
	}

	r.fireTimers(time.Now())
	return dispatched, nil
}

// fireTimers runs every timer whose deadline has passed.
func (r *Reactor) fireTimers(now time.Time) {
	for {
		t, ok := r.timers.popExpired(now)
		if !ok {
			return
		}
		t.fn()
	}
}

// Run drives Tick until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	const idleWait = 200 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.Tick(idleWait); err != nil {
			return err
		}
	}
}

// Close releases the poller. Registered descriptors are not closed.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.p.close()
}

// pollEvent is one readiness notification from the platform poller.
type pollEvent struct {
	fd int
	ev Event
}

// poller is the platform readiness backend.
type poller interface {
	add(fd int, interest Event) error
	mod(fd int, interest Event) error
	del(fd int) error
	wait(evs []pollEvent, timeout time.Duration) (int, error)
	close() error
}
