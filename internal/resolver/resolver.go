// Package resolver implements the asynchronous DNS stub resolver: one
// process-wide instance owning a UDP socket per nameserver, a keyed
// permutor allocating transaction IDs, and a map of in-flight requests
// keyed by ID. Queries are issued with Resolve and complete through a
// callback on the reactor goroutine with either a parsed reply or exactly
// one error.
//
// Nameservers rotate with priority-aware round-robin; a server that keeps
// failing inside the error window is parked for the dead time and skipped.
// Requests that time out are retransmitted to the next server under the
// same transaction ID until the retransmit budget runs out.
package resolver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/dns"
	"github.com/akorchagin/mailsift/internal/permutor"
	"github.com/akorchagin/mailsift/internal/reactor"
	"github.com/akorchagin/mailsift/internal/upstream"
)

// Defaults applied by New when Options fields are zero.
const (
	DefaultTimeout        = time.Second
	DefaultMaxRetransmits = 5

	dnsPort = 53
)

// Resolution error kinds.
var (
	// ErrNoServers means no usable nameserver is configured.
	ErrNoServers = errors.New("resolver: no nameservers")
	// ErrServersExhausted means every configured nameserver refused the send.
	ErrServersExhausted = errors.New("resolver: all nameservers failed")
	// ErrMaxRetransmits means the retransmit budget ran out with no reply.
	ErrMaxRetransmits = errors.New("resolver: retransmit limit reached")
)

// RCodeError carries a non-zero response code returned by a server.
type RCodeError struct {
	RCode dns.RCode
}

func (e *RCodeError) Error() string {
	return fmt.Sprintf("resolver: server returned rcode %d", e.RCode)
}

// Callback receives the terminal outcome of one request: a parsed reply on
// success, or an error (with the reply attached for RCodeError). It runs
// on the reactor goroutine and fires exactly once.
type Callback func(rep *dns.Reply, err error)

// Options configures a resolver.
type Options struct {
	// Nameservers lists servers as "ip" or "ip:priority". When empty,
	// ResolvConfPath is consulted.
	Nameservers []string
	// ResolvConfPath defaults to /etc/resolv.conf.
	ResolvConfPath string
	// Port overrides the nameserver port; 0 means 53.
	Port           int
	Timeout        time.Duration
	MaxRetransmits int
	// Policy overrides the failure window used to park failing servers.
	Policy upstream.Policy
}

// server is one configured nameserver with its connected UDP socket.
type server struct {
	name    string
	addr    netip.Addr
	sock    int
	up      upstream.Health
	pending []*request
}

// Up implements upstream.Peer.
func (s *server) Up() *upstream.Health { return &s.up }

// Stats are the resolver's monotonic counters, readable from any
// goroutine.
type Stats struct {
	Queries     atomic.Uint64
	Replies     atomic.Uint64
	Timeouts    atomic.Uint64
	Retransmits atomic.Uint64
	Dropped     atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Queries     uint64 `json:"queries"`
	Replies     uint64 `json:"replies"`
	Timeouts    uint64 `json:"timeouts"`
	Retransmits uint64 `json:"retransmits"`
	Dropped     uint64 `json:"dropped"`
}

// Resolver is the process-wide stub resolver. All methods except Stats
// snapshots must run on the reactor goroutine.
type Resolver struct {
	r      *reactor.Reactor
	logger *slog.Logger

	perm    *permutor.Permutor
	servers []*server
	cursor  int
	policy  upstream.Policy
	port    int

	timeout        time.Duration
	maxRetransmits int

	requests map[uint16]*request
	stats    Stats
	closed   bool
}

// New builds a resolver from the configured nameserver list, falling back
// to resolv.conf, and opens one connected UDP socket per server.
func New(r *reactor.Reactor, logger *slog.Logger, opts Options) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetransmits <= 0 {
		opts.MaxRetransmits = DefaultMaxRetransmits
	}
	if opts.Policy == (upstream.Policy{}) {
		opts.Policy = upstream.DefaultPolicy()
	}
	if opts.Port == 0 {
		opts.Port = dnsPort
	}

	servers, err := buildServers(opts, logger)
	if err != nil {
		return nil, err
	}

	perm, err := permutor.New(0, math.MaxUint16)
	if err != nil {
		return nil, err
	}

	res := &Resolver{
		r:              r,
		logger:         logger,
		perm:           perm,
		servers:        servers,
		policy:         opts.Policy,
		port:           opts.Port,
		timeout:        opts.Timeout,
		maxRetransmits: opts.MaxRetransmits,
		requests:       make(map[uint16]*request),
	}

	for _, s := range servers {
		if err := res.openSocket(s); err != nil {
			// A server without a socket is parked; others may still work.
			logger.Warn("cannot open nameserver socket", "server", s.name, "err", err)
			s.up.Fail(time.Now(), res.policy)
		}
	}

	logger.Info("resolver ready",
		"servers", len(servers),
		"timeout", res.timeout,
		"max_retransmits", res.maxRetransmits,
	)
	return res, nil
}

// buildServers parses the configured list or resolv.conf.
func buildServers(opts Options, logger *slog.Logger) ([]*server, error) {
	entries := opts.Nameservers
	if len(entries) == 0 {
		path := opts.ResolvConfPath
		if path == "" {
			path = resolvConfPath
		}
		var err error
		entries, err = parseResolvConf(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoServers, err)
		}
	}

	servers := make([]*server, 0, len(entries))
	for _, e := range entries {
		s, err := parseServerEntry(e)
		if err != nil {
			logger.Warn("skipping nameserver entry", "entry", e, "err", err)
			continue
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		return nil, ErrNoServers
	}
	return servers, nil
}

// parseServerEntry parses "ip" or "ip:priority".
func parseServerEntry(entry string) (*server, error) {
	host := strings.TrimSpace(entry)
	priority := 0
	if h, p, ok := strings.Cut(host, ":"); ok {
		host = h
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("bad priority %q: %w", p, err)
		}
		priority = n
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, err
	}
	if !addr.Is4() {
		return nil, fmt.Errorf("nameserver %s is not IPv4", addr)
	}
	s := &server{name: host, addr: addr, sock: -1}
	s.up.Priority = priority
	return s, nil
}

// openSocket creates the server's nonblocking connected UDP socket and
// registers it with read interest.
func (res *Resolver) openSocket(s *server) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	unix.CloseOnExec(fd)

	sa := &unix.SockaddrInet4{Port: res.port}
	sa.Addr = s.addr.As4()
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return err
	}

	if err := res.r.Register(fd, reactor.Readable, 0, func(ev reactor.Event) {
		res.onServerEvent(s, ev)
	}); err != nil {
		unix.Close(fd)
		return err
	}
	s.sock = fd
	return nil
}

// pickServer chooses the next live nameserver with an open socket.
func (res *Resolver) pickServer() (*server, bool) {
	now := time.Now()
	for i := 0; i < len(res.servers); i++ {
		s, ok := upstream.Pick(now, &res.cursor, res.servers)
		if !ok {
			return nil, false
		}
		if s.sock >= 0 {
			return s, true
		}
		if err := res.openSocket(s); err == nil {
			return s, true
		}
		s.up.Fail(now, res.policy)
	}
	return nil, false
}

// allocID draws a transaction ID that is not currently in flight.
func (res *Resolver) allocID() uint16 {
	id := uint16(res.perm.Step())
	for tries := 0; tries < 8; tries++ {
		if _, busy := res.requests[id]; !busy {
			break
		}
		id = uint16(res.perm.Step())
	}
	return id
}

// Resolve issues a query. For PTR, arg is an IPv4 address; otherwise a
// domain name. The callback fires exactly once with the terminal outcome.
func (res *Resolver) Resolve(qtype dns.RecordType, arg string, cb Callback) error {
	if res.closed {
		return errors.New("resolver: closed")
	}
	if cb == nil {
		return errors.New("resolver: nil callback")
	}

	qname := arg
	if qtype == dns.TypePTR {
		addr, err := netip.ParseAddr(arg)
		if err != nil {
			return fmt.Errorf("resolver: bad PTR argument %q: %w", arg, err)
		}
		qname, err = dns.PTRName(addr)
		if err != nil {
			return err
		}
	}

	id := res.allocID()
	packet, err := dns.BuildQuery(id, qtype, qname)
	if err != nil {
		return err
	}

	req := &request{
		res:    res,
		id:     id,
		qtype:  qtype,
		qname:  dns.NormalizeName(qname),
		packet: packet,
		cb:     cb,
	}

	if err := req.transmit(); err != nil {
		return err
	}

	res.requests[id] = req
	req.timer = res.r.AddTimer(res.timeout, req.onTimeout)
	res.stats.Queries.Add(1)
	res.logger.Debug("dns query issued",
		"id", id, "type", qtype.String(), "name", qname, "server", req.srv.name)
	return nil
}

// onServerEvent handles readiness on one nameserver socket.
func (res *Resolver) onServerEvent(s *server, ev reactor.Event) {
	if ev&reactor.Writable != 0 {
		res.flushPending(s)
	}
	if ev&reactor.Readable != 0 {
		res.readReplies(s)
	}
}

// flushPending resends requests that hit EAGAIN, in arrival order.
func (res *Resolver) flushPending(s *server) {
	pend := s.pending
	s.pending = nil

	for i, req := range pend {
		if req.done {
			continue
		}
		n, err := unix.Write(s.sock, req.packet)
		switch {
		case err == unix.EAGAIN:
			s.pending = append(s.pending, pend[i:]...)
			res.armServer(s)
			return
		case err != nil:
			res.logger.Warn("dns send failed", "server", s.name, "err", err)
			s.up.Fail(time.Now(), res.policy)
			if terr := req.transmit(); terr != nil {
				req.finish(nil, ErrServersExhausted)
			}
		case n < len(req.packet):
			// Datagram sockets do not short-write; treat as a failure.
			s.up.Fail(time.Now(), res.policy)
			req.finish(nil, ErrServersExhausted)
		}
	}
	res.armServer(s)
}

// armServer keeps read interest and adds write interest while sends are
// parked on the socket.
func (res *Resolver) armServer(s *server) {
	interest := reactor.Readable
	if len(s.pending) > 0 {
		interest |= reactor.Writable
	}
	if err := res.r.Modify(s.sock, interest); err != nil {
		res.logger.Warn("cannot adjust nameserver interest", "server", s.name, "err", err)
	}
}

// readReplies drains every datagram currently queued on the socket.
func (res *Resolver) readReplies(s *server) {
	// One extra byte so oversize datagrams are detectable as truncated.
	var buf [dns.MaxUDPPacketSize + 1]byte
	for {
		n, err := unix.Read(s.sock, buf[:])
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			res.logger.Warn("nameserver read failed", "server", s.name, "err", err)
			return
		}
		if n <= 0 {
			return
		}
		res.dispatchReply(s, buf[:n])
	}
}

// dispatchReply matches one datagram against the in-flight map. Malformed
// or mismatched replies are dropped silently; another server may still
// answer correctly.
func (res *Resolver) dispatchReply(s *server, msg []byte) {
	rep, err := dns.ParseReply(msg)
	if err != nil {
		res.stats.Dropped.Add(1)
		res.logger.Debug("dropping unparseable reply", "server", s.name, "err", err)
		return
	}

	req, ok := res.requests[rep.ID]
	if !ok {
		res.stats.Dropped.Add(1)
		res.logger.Debug("dropping reply with unknown id", "server", s.name, "id", rep.ID)
		return
	}

	// The question must match what was asked; the answering server is not
	// checked, since any configured server may respond after retransmits.
	if rep.Question.Name != req.qname ||
		rep.Question.Type != req.qtype ||
		rep.Question.Class != dns.ClassIN {
		res.stats.Dropped.Add(1)
		res.logger.Debug("dropping reply with mismatched question",
			"server", s.name, "id", rep.ID, "qname", rep.Question.Name)
		return
	}

	s.up.OK()
	res.stats.Replies.Add(1)

	if rep.RCode != dns.RCodeNoError {
		req.finish(rep, &RCodeError{RCode: rep.RCode})
		return
	}
	req.finish(rep, nil)
}

// StatsSnapshot returns current counter values.
func (res *Resolver) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		Queries:     res.stats.Queries.Load(),
		Replies:     res.stats.Replies.Load(),
		Timeouts:    res.stats.Timeouts.Load(),
		Retransmits: res.stats.Retransmits.Load(),
		Dropped:     res.stats.Dropped.Load(),
	}
}

// ServerState describes one nameserver for the management API.
type ServerState struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
	Alive    bool   `json:"alive"`
	Pending  int    `json:"pending"`
}

// ServerStates reports the health of every configured nameserver. Like
// Resolve, it must run on the reactor goroutine; other goroutines should
// read a published snapshot instead.
func (res *Resolver) ServerStates() []ServerState {
	now := time.Now()
	out := make([]ServerState, 0, len(res.servers))
	for _, s := range res.servers {
		out = append(out, ServerState{
			Name:     s.name,
			Priority: s.up.Priority,
			Alive:    s.up.Alive(now),
			Pending:  len(s.pending),
		})
	}
	return out
}

// InFlight reports the number of requests awaiting replies.
func (res *Resolver) InFlight() int { return len(res.requests) }

// Close fails outstanding requests and closes every server socket. The
// sockets live for the process lifetime otherwise.
func (res *Resolver) Close() {
	if res.closed {
		return
	}
	res.closed = true

	for _, req := range res.requests {
		req.finish(nil, ErrServersExhausted)
	}
	for _, s := range res.servers {
		if s.sock >= 0 {
			_ = res.r.Deregister(s.sock)
			_ = unix.Close(s.sock)
			s.sock = -1
		}
	}
}
