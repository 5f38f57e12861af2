//go:build darwin || freebsd

package dispatcher

import "golang.org/x/sys/unix"

func (sf *sendfileState) prepare() error { return nil }

// send uses the BSD sendfile(2) family. Unlike Linux, these report bytes
// written without moving the caller's offset, so sf.off is advanced here.
func (sf *sendfileState) send(out int) (int, error) {
	off := sf.off
	n, err := unix.Sendfile(out, sf.src, &off, int(sf.size-sf.off))
	if n > 0 {
		sf.off += int64(n)
		return n, nil
	}
	return 0, err
}

func (sf *sendfileState) release() {}
