package server

import (
	"fmt"
	"log/slog"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/reactor"
)

const listenBacklog = 128

// ConnHandler receives ownership of an accepted, nonblocking connection.
type ConnHandler func(fd int, peer string)

// Listener accepts scan-protocol connections through the reactor: the
// listening socket is registered with read interest and every readiness
// event drains the accept queue.
type Listener struct {
	r      *reactor.Reactor
	logger *slog.Logger
	fd     int
	onConn ConnHandler
	closed bool
}

// Listen binds host:port (nonblocking, SO_REUSEADDR) and registers the
// accept callback. Port 0 picks an ephemeral port, readable via Port.
func Listen(r *reactor.Reactor, logger *slog.Logger, host string, port int, onConn ConnHandler) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}

	addr := netip.IPv4Unspecified()
	if host != "" && host != "0.0.0.0" {
		parsed, err := netip.ParseAddr(host)
		if err != nil || !parsed.Is4() {
			return nil, fmt.Errorf("server: bad listen host %q", host)
		}
		addr = parsed
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("server: socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	unix.CloseOnExec(fd)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

	sa := &unix.SockaddrInet4{Port: port}
	sa.Addr = addr.As4()
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: bind %s:%d: %w", addr, port, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("server: listen: %w", err)
	}

	l := &Listener{r: r, logger: logger, fd: fd, onConn: onConn}
	if err := r.Register(fd, reactor.Readable, 0, l.onReadable); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return l, nil
}

// Port returns the bound port.
func (l *Listener) Port() int {
	sa, err := unix.Getsockname(l.fd)
	if err != nil {
		return 0
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return in4.Port
	}
	return 0
}

// onReadable drains the accept queue.
func (l *Listener) onReadable(reactor.Event) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err == unix.EAGAIN {
			return
		}
		if err == unix.ECONNABORTED || err == unix.EINTR {
			continue
		}
		if err != nil {
			l.logger.Warn("accept failed", "err", err)
			return
		}

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.CloseOnExec(nfd)
		l.onConn(nfd, formatSockaddr(sa))
	}
}

// Close deregisters and closes the listening socket.
func (l *Listener) Close() {
	if l.closed {
		return
	}
	l.closed = true
	_ = l.r.Deregister(l.fd)
	_ = unix.Close(l.fd)
}

// formatSockaddr renders a peer address for logging.
func formatSockaddr(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%s:%d", netip.AddrFrom4(in4.Addr), in4.Port)
	}
	return "unknown"
}
