//go:build unix && !linux && !darwin && !freebsd

package dispatcher

import "golang.org/x/sys/unix"

// Fallback for platforms without sendfile(2): map the file read-only and
// stream it with plain writes.

func (sf *sendfileState) prepare() error {
	m, err := unix.Mmap(sf.src, 0, int(sf.size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}
	sf.mapped = m
	return nil
}

func (sf *sendfileState) send(out int) (int, error) {
	n, err := unix.Write(out, sf.mapped[sf.off:sf.size])
	if n > 0 {
		sf.off += int64(n)
		return n, nil
	}
	return 0, err
}

func (sf *sendfileState) release() {
	if sf.mapped != nil {
		_ = unix.Munmap(sf.mapped)
		sf.mapped = nil
	}
}
