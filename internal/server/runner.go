// Package server assembles the daemon: one reactor, the shared resolver,
// the scan-protocol listener and the worker sessions riding on it.
package server

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/config"
	"github.com/akorchagin/mailsift/internal/reactor"
	"github.com/akorchagin/mailsift/internal/resolver"
	"github.com/akorchagin/mailsift/internal/worker"
)

// serverStateRefresh is how often the nameserver health snapshot for the
// management API is republished.
const serverStateRefresh = 5 * time.Second

// Runner wires the components together and drives the event loop.
type Runner struct {
	logger *slog.Logger

	react    *reactor.Reactor
	res      *resolver.Resolver
	worker   *worker.Worker
	listener *Listener

	// serverStates is republished from the reactor goroutine so the
	// management API can read nameserver health without touching live
	// resolver state.
	serverStates atomic.Pointer[[]resolver.ServerState]
}

// NewRunner creates a runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Setup builds the reactor, resolver, worker and listener per cfg. It must
// be called once before Run.
func (r *Runner) Setup(cfg *config.Config) error {
	react, err := reactor.New(r.logger)
	if err != nil {
		return err
	}

	res, err := resolver.New(react, r.logger, resolver.Options{
		Nameservers:    cfg.DNS.Nameservers,
		Timeout:        cfg.DNSTimeout(),
		MaxRetransmits: cfg.DNS.Retransmits,
	})
	if err != nil {
		react.Close()
		return err
	}

	w := worker.New(r.logger, res, worker.Config{
		MOTDFile:       cfg.Server.MOTDFile,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		DNSBLZones:     cfg.DNSBL.Zones,
	})

	lst, err := Listen(react, r.logger, cfg.Server.Host, cfg.Server.Port, func(fd int, peer string) {
		if herr := w.HandleConn(react, fd, peer, cfg.Server.IOTimeout); herr != nil {
			r.logger.Warn("cannot attach session", "peer", peer, "err", herr)
			unix.Close(fd)
		}
	})
	if err != nil {
		res.Close()
		react.Close()
		return err
	}

	r.react = react
	r.res = res
	r.worker = w
	r.listener = lst
	r.startStateRefresher()

	r.logger.Info("scan listener ready",
		"host", cfg.Server.Host,
		"port", lst.Port(),
		"dnsbl_zones", len(cfg.DNSBL.Zones),
	)
	return nil
}

// startStateRefresher publishes the nameserver snapshot now and on a
// rolling reactor timer.
func (r *Runner) startStateRefresher() {
	var refresh func()
	refresh = func() {
		states := r.res.ServerStates()
		r.serverStates.Store(&states)
		r.react.AddTimer(serverStateRefresh, refresh)
	}
	refresh()
}

// ServerStates returns the last published nameserver health snapshot.
// Safe to call from any goroutine.
func (r *Runner) ServerStates() []resolver.ServerState {
	p := r.serverStates.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Resolver exposes the shared resolver (for the management API).
func (r *Runner) Resolver() *resolver.Resolver { return r.res }

// Worker exposes the worker (for the management API).
func (r *Runner) Worker() *worker.Worker { return r.worker }

// Port returns the bound listener port.
func (r *Runner) Port() int { return r.listener.Port() }

// Run drives the event loop until ctx is cancelled, then tears the
// components down.
func (r *Runner) Run(ctx context.Context) error {
	err := r.react.Run(ctx)

	r.listener.Close()
	r.res.Close()
	_ = r.react.Close()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
