//go:build linux

package dispatcher

import "golang.org/x/sys/unix"

func (sf *sendfileState) prepare() error { return nil }

// send uses sendfile(2); the kernel advances sf.off by the bytes written.
func (sf *sendfileState) send(out int) (int, error) {
	n, err := unix.Sendfile(out, sf.src, &sf.off, int(sf.size-sf.off))
	if n > 0 {
		return n, nil
	}
	return 0, err
}

func (sf *sendfileState) release() {}
