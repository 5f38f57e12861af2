package dispatcher

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// sendfileState tracks an in-progress zero-copy file transmission. The
// platform-specific send implementations advance off; mapped is only used
// where the kernel lacks sendfile and the file is streamed from a
// read-only mapping instead.
type sendfileState struct {
	src    int
	off    int64
	size   int64
	mapped []byte
}

// SendFile transmits size bytes of the file descriptor src to the peer
// without staging them through the output queue. The queue must be empty;
// the drained callback fires when the transfer completes and read interest
// is restored.
func (d *Dispatcher) SendFile(src int, size int64) error {
	if d.removed {
		return errors.New("dispatcher: removed")
	}
	if d.sf != nil {
		return errors.New("dispatcher: file transmission already in progress")
	}
	if len(d.outQ) > 0 {
		return errors.New("dispatcher: output queue not drained")
	}
	if size <= 0 {
		return errors.New("dispatcher: nothing to transmit")
	}

	if _, err := unix.Seek(src, 0, 0); err != nil {
		return fmt.Errorf("dispatcher: seek: %w", err)
	}

	sf := &sendfileState{src: src, size: size}
	if err := sf.prepare(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	d.sf = sf

	d.sendfileStep()
	return nil
}

// sendfileStep pushes one chunk of the file to the socket and re-arms
// write interest while the transfer is incomplete.
func (d *Dispatcher) sendfileStep() {
	sf := d.sf
	n, err := sf.send(d.fd)
	switch {
	case err == unix.EAGAIN:
		d.armWrite()
		return
	case err != nil:
		d.fail(fmt.Errorf("dispatcher: sendfile: %w", err))
		return
	}

	if sf.off < sf.size {
		if n == 0 {
			d.fail(io.EOF)
			return
		}
		d.logger.Debug("partial file transmission", "peer", d.peer, "offset", sf.off, "size", sf.size)
		d.armWrite()
		return
	}

	d.releaseSendfile()
	if d.cbs.Drained != nil && !d.wannaDie {
		if !d.cbs.Drained() {
			d.die()
			return
		}
	}
	d.armRead()
}

// releaseSendfile drops transfer state and any file mapping.
func (d *Dispatcher) releaseSendfile() {
	if d.sf == nil {
		return
	}
	d.sf.release()
	d.sf = nil
}
