// Package worker implements the scan-protocol sessions layered on the
// dispatcher. A session speaks a line-oriented command protocol:
//
//	CHECK MSIFT/1.0
//	Content-Length: <n>
//	IP: <client ipv4>
//	From: <envelope sender>
//	<empty line>
//	<n body bytes>
//
// The command and header phase runs under line framing; once the headers
// end the session switches the dispatcher to character framing sized by
// Content-Length, so the body arrives as one frame. While the verdict is
// computed the dispatcher is paused: the connecting address is checked
// against the configured DNS blocklists and its reverse record, and the
// sender domain's MX presence is probed, all through the asynchronous
// resolver. PING answers immediately and MOTD streams the configured
// banner file with sendfile.
package worker

import (
	"log/slog"
	"time"

	"github.com/akorchagin/mailsift/internal/reactor"
	"github.com/akorchagin/mailsift/internal/resolver"
)

// Config tunes the worker's sessions.
type Config struct {
	// MOTDFile is streamed to MOTD commands when set.
	MOTDFile string
	// MaxMessageSize bounds Content-Length.
	MaxMessageSize int
	// DNSBLZones are blocklist suffixes consulted per connecting address.
	DNSBLZones []string
	// SpamThreshold is the score at or above which the verdict reports
	// "Spam: true"; the reply status stays OK either way.
	SpamThreshold float64
}

// DefaultSpamThreshold applies when Config.SpamThreshold is zero.
const DefaultSpamThreshold = 10.0

// Worker creates sessions over accepted connections, sharing the resolver
// and counters.
type Worker struct {
	logger *slog.Logger
	res    *resolver.Resolver
	cfg    Config
	stats  Stats
}

// New creates a worker.
func New(logger *slog.Logger, res *resolver.Resolver, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpamThreshold <= 0 {
		cfg.SpamThreshold = DefaultSpamThreshold
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 10 << 20
	}
	return &Worker{logger: logger, res: res, cfg: cfg}
}

// Stats returns a snapshot of the worker counters.
func (w *Worker) Stats() StatsSnapshot { return w.stats.Snapshot() }

// HandleConn attaches a session to an accepted, nonblocking connection fd.
// The session owns the descriptor from here on.
func (w *Worker) HandleConn(r *reactor.Reactor, fd int, peer string, ioTimeout time.Duration) error {
	s := newSession(w, peer)
	if err := s.attach(r, fd, ioTimeout); err != nil {
		return err
	}
	w.stats.connections.Add(1)
	w.logger.Debug("session opened", "peer", peer)
	return nil
}
