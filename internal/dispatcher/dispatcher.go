// Package dispatcher implements the per-connection buffered I/O state
// machine: one owned socket driven by the reactor, an input buffer cut into
// frames by the active framing policy, an ordered queue of output buffers,
// and zero-copy file transmission.
//
// A dispatcher holds exactly one reactor registration at any time, with
// either read or write interest: read while idle, write while the output
// queue or a file transfer is draining. All callbacks run on the reactor
// goroutine; a frame callback may switch the framing policy mid-stream and
// the remaining buffered bytes are re-framed under the new policy.
package dispatcher

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/reactor"
)

// Policy selects how buffered input is cut into frames.
type Policy uint8

const (
	// PolicyLine yields one frame per '\n'-terminated line.
	PolicyLine Policy = iota
	// PolicyCharacter yields frames of exactly N bytes.
	PolicyCharacter
	// PolicyAny yields whatever is buffered, once per readiness event.
	PolicyAny
)

// String returns the policy name for logging.
func (p Policy) String() string {
	switch p {
	case PolicyLine:
		return "line"
	case PolicyCharacter:
		return "character"
	case PolicyAny:
		return "any"
	default:
		return "policy?"
	}
}

// defaultBufferSize is the input buffer size for line/any policies.
const defaultBufferSize = 8192

// Dispatcher error kinds, delivered through the error callback.
var (
	// ErrOverflow reports a full input buffer with no complete frame.
	ErrOverflow = errors.New("input buffer overflow")
	// ErrTimeout reports an expired inactivity timeout.
	ErrTimeout = errors.New("io timeout")
)

// Callbacks are the user hooks. Frame and Drained return false to
// terminate: no further callbacks fire and the dispatcher tears itself down
// on the next reactor tick. Error implementations are expected to call
// Remove unless they can recover.
type Callbacks struct {
	Frame   func(frame []byte) bool
	Drained func() bool
	Error   func(err error)
}

// outBuf is one queued output region with its write cursor.
type outBuf struct {
	data []byte
	off  int
}

// Dispatcher is the per-connection state machine. Not safe for concurrent
// use; it lives entirely on the reactor goroutine.
type Dispatcher struct {
	r      *reactor.Reactor
	logger *slog.Logger

	fd   int
	peer string

	policy   Policy
	nchars   int
	stripEOL bool
	timeout  time.Duration
	cbs      Callbacks

	in    []byte
	inLen int

	outQ []outBuf
	sf   *sendfileState

	interest reactor.Event
	paused   bool
	wannaDie bool
	removed  bool
}

// New creates a dispatcher owning fd and registers it with read interest.
// nchars is only meaningful for PolicyCharacter. peer is used in log
// records only.
func New(r *reactor.Reactor, logger *slog.Logger, fd int, policy Policy, nchars int,
	cbs Callbacks, timeout time.Duration, peer string) (*Dispatcher, error) {

	if fd < 0 {
		return nil, errors.New("dispatcher: invalid fd")
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		r:        r,
		logger:   logger,
		fd:       fd,
		peer:     peer,
		policy:   policy,
		nchars:   nchars,
		stripEOL: true,
		timeout:  timeout,
		cbs:      cbs,
		interest: reactor.Readable,
	}
	if err := r.Register(fd, reactor.Readable, timeout, d.onEvent); err != nil {
		return nil, err
	}
	return d, nil
}

// SetStripEOL controls whether line frames include their `\r?\n`
// terminator. Stripping is the default.
func (d *Dispatcher) SetStripEOL(strip bool) { d.stripEOL = strip }

// Peer returns the peer identity supplied at creation.
func (d *Dispatcher) Peer() string { return d.peer }

// SetPolicy switches the framing policy. Safe to call from inside a frame
// callback: buffered bytes not yet delivered are re-framed under the new
// policy before any further reads.
func (d *Dispatcher) SetPolicy(policy Policy, nchars int) {
	d.policy = policy
	d.nchars = nchars
	d.growFor(policy, nchars)
	d.logger.Debug("dispatcher policy change", "peer", d.peer, "policy", policy, "nchars", nchars)
}

// growFor resizes the input buffer for a policy change, preserving pending
// bytes.
func (d *Dispatcher) growFor(policy Policy, nchars int) {
	if d.in == nil {
		return
	}
	want := defaultBufferSize
	if policy == PolicyCharacter && nchars+1 > want {
		want = nchars + 1
	}
	if len(d.in) >= want {
		return
	}
	grown := make([]byte, want)
	copy(grown, d.in[:d.inLen])
	d.in = grown
}

// ensureBuffer lazily allocates the input buffer sized for the active
// policy.
func (d *Dispatcher) ensureBuffer() {
	if d.in != nil {
		return
	}
	size := defaultBufferSize
	if d.policy == PolicyCharacter {
		size = d.nchars + 1
	}
	d.in = make([]byte, size)
}

// onEvent is the single reactor callback for the owned descriptor.
func (d *Dispatcher) onEvent(ev reactor.Event) {
	if d.removed {
		return
	}
	switch {
	case ev&reactor.Timedout != 0:
		d.fail(fmt.Errorf("dispatcher: %w", ErrTimeout))

	case ev&reactor.Writable != 0:
		switch {
		case d.sf != nil:
			d.sendfileStep()
		case len(d.outQ) == 0:
			// Spurious writability with nothing queued: go back to reading.
			d.armRead()
		default:
			d.flush(true)
		}

	case ev&reactor.Readable != 0:
		d.readOnce()
	}
}

// =============================================================================
// Read path
// =============================================================================

// readOnce performs a single read into the buffer tail and frames whatever
// is buffered.
func (d *Dispatcher) readOnce() {
	if d.wannaDie {
		d.Remove()
		return
	}

	d.ensureBuffer()
	if d.inLen == len(d.in) {
		d.fail(fmt.Errorf("dispatcher: %w (%d bytes buffered)", ErrOverflow, d.inLen))
		return
	}

	n, err := unix.Read(d.fd, d.in[d.inLen:])
	switch {
	case err == unix.EAGAIN:
		return
	case err != nil:
		d.fail(fmt.Errorf("dispatcher: read: %w", err))
		return
	case n == 0:
		d.fail(io.EOF)
		return
	}
	d.inLen += n

	d.drain()
}

// drain cuts buffered bytes into frames under the current policy. When a
// frame callback changes the policy, the remaining bytes are compacted to
// the buffer head and framing restarts under the new policy.
func (d *Dispatcher) drain() {
restart:
	saved, nchars := d.policy, d.nchars

	switch saved {
	case PolicyLine:
		start := 0
		for i := 0; i < d.inLen; i++ {
			if d.in[i] != '\n' {
				continue
			}
			frame := d.in[start : i+1]
			if d.stripEOL {
				frame = frame[:len(frame)-1]
				if len(frame) > 0 && frame[len(frame)-1] == '\r' {
					frame = frame[:len(frame)-1]
				}
			}
			if !d.deliver(frame) {
				return
			}
			start = i + 1
			if d.policy != saved || d.nchars != nchars {
				d.compact(start)
				d.growFor(d.policy, d.nchars)
				goto restart
			}
		}
		d.compact(start)

	case PolicyCharacter:
		for nchars > 0 && d.inLen >= nchars {
			if !d.deliver(d.in[:nchars]) {
				return
			}
			d.compact(nchars)
			if d.policy != saved || d.nchars != nchars {
				d.growFor(d.policy, d.nchars)
				goto restart
			}
		}

	case PolicyAny:
		if d.inLen == 0 {
			return
		}
		frame := d.in[:d.inLen]
		d.inLen = 0
		if !d.deliver(frame) {
			return
		}
		if d.policy != saved {
			goto restart
		}
	}
}

// deliver invokes the frame callback; a false return raises wanna-die.
func (d *Dispatcher) deliver(frame []byte) bool {
	if d.removed || d.wannaDie || d.cbs.Frame == nil {
		return false
	}
	if !d.cbs.Frame(frame) {
		d.die()
		return false
	}
	return true
}

// compact moves unconsumed bytes to the buffer head.
func (d *Dispatcher) compact(consumed int) {
	if consumed == 0 {
		return
	}
	d.inLen = copy(d.in, d.in[consumed:d.inLen])
}

// =============================================================================
// Write path
// =============================================================================

// Write queues data for transmission. With owned=true the caller
// relinquishes the slice and the dispatcher writes it in place; otherwise
// the bytes are copied. With delayed=true the write is only queued and
// flushed when the socket next signals writability; the drained callback
// then fires once the whole queue empties.
func (d *Dispatcher) Write(data []byte, delayed, owned bool) error {
	if d.removed {
		return errors.New("dispatcher: removed")
	}
	if d.sf != nil {
		return errors.New("dispatcher: write during file transmission")
	}

	if !owned {
		cp := make([]byte, len(data))
		copy(cp, data)
		data = cp
	}
	d.outQ = append(d.outQ, outBuf{data: data})

	if delayed {
		d.armWrite()
		return nil
	}
	d.flush(false)
	return nil
}

// flush writes queued buffers in order until the queue drains or the
// socket pushes back. deferred marks flushes triggered by a writability
// event rather than a direct Write call; only those fire the drained
// callback.
func (d *Dispatcher) flush(deferred bool) {
	for len(d.outQ) > 0 {
		b := &d.outQ[0]
		if b.off >= len(b.data) {
			d.outQ = d.outQ[1:]
			continue
		}

		n, err := unix.Write(d.fd, b.data[b.off:])
		switch {
		case err == unix.EAGAIN:
			d.armWrite()
			return
		case err != nil:
			d.fail(fmt.Errorf("dispatcher: write: %w", err))
			return
		case n == 0:
			d.fail(io.EOF)
			return
		}
		b.off += n
	}

	d.outQ = nil
	d.logger.Debug("output queue drained", "peer", d.peer)

	if deferred && d.cbs.Drained != nil && !d.wannaDie && !d.removed {
		if !d.cbs.Drained() {
			d.die()
			return
		}
	}
	d.armRead()
}

// =============================================================================
// Lifecycle
// =============================================================================

// Pause drops the reactor registration; no callbacks fire until Restore.
func (d *Dispatcher) Pause() {
	if d.paused || d.removed {
		return
	}
	d.paused = true
	_ = d.r.Deregister(d.fd)
}

// Restore re-registers the descriptor with the interest it had when
// paused.
func (d *Dispatcher) Restore() {
	if !d.paused || d.removed {
		return
	}
	d.paused = false
	if err := d.r.Register(d.fd, d.interest, d.timeout, d.onEvent); err != nil {
		d.fail(err)
	}
}

// Remove tears the dispatcher down: the registration is dropped, sendfile
// state released and the owned descriptor closed. Safe to call from within
// any callback; repeated calls are no-ops.
func (d *Dispatcher) Remove() {
	if d.removed {
		return
	}
	d.removed = true
	if !d.paused {
		_ = d.r.Deregister(d.fd)
	}
	d.releaseSendfile()
	_ = unix.Close(d.fd)
	d.outQ = nil
	d.in = nil
}

// die raises wanna-die: callbacks are suppressed and teardown happens on
// the next reactor tick.
func (d *Dispatcher) die() {
	if d.wannaDie || d.removed {
		return
	}
	d.wannaDie = true
	d.logger.Debug("callback requested termination", "peer", d.peer)
	d.r.AddTimer(0, func() {
		if !d.removed {
			d.Remove()
		}
	})
}

// fail routes an error to the user callback. Errors raised after wanna-die
// or removal are dropped per the no-callbacks-after-teardown contract.
func (d *Dispatcher) fail(err error) {
	if d.removed || d.wannaDie {
		return
	}
	if d.cbs.Error != nil {
		d.cbs.Error(err)
	}
}

// armRead switches the registration to read interest.
func (d *Dispatcher) armRead() {
	d.arm(reactor.Readable)
}

// armWrite switches the registration to write interest.
func (d *Dispatcher) armWrite() {
	d.arm(reactor.Writable)
}

func (d *Dispatcher) arm(interest reactor.Event) {
	d.interest = interest
	if d.paused || d.removed {
		return
	}
	if err := d.r.Modify(d.fd, interest); err != nil {
		d.fail(err)
	}
}
