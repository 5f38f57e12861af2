package resolver

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/akorchagin/mailsift/internal/dns"
	"github.com/akorchagin/mailsift/internal/reactor"
)

// request is one in-flight query. It is reachable from the resolver's ID
// map and from exactly one timer until finish runs; the server reference
// stays valid for the whole lifetime because servers are never removed.
type request struct {
	res *Resolver

	id     uint16
	qtype  dns.RecordType
	qname  string
	packet []byte

	srv         *server
	retransmits int
	timer       *reactor.Timer
	cb          Callback
	done        bool
}

// transmit sends the packet to the next usable server, rotating on hard
// send failures. EAGAIN parks the request on the server's pending queue
// and arms write interest; the transaction ID is kept across server
// changes since nothing reached the wire yet.
func (req *request) transmit() error {
	res := req.res
	now := time.Now()

	for i := 0; i < len(res.servers); i++ {
		srv, ok := res.pickServer()
		if !ok {
			return ErrServersExhausted
		}
		req.srv = srv

		n, err := unix.Write(srv.sock, req.packet)
		switch {
		case err == unix.EAGAIN:
			srv.pending = append(srv.pending, req)
			res.armServer(srv)
			return nil
		case err != nil:
			res.logger.Warn("dns send failed", "server", srv.name, "err", err)
			srv.up.Fail(now, res.policy)
			continue
		case n < len(req.packet):
			srv.up.Fail(now, res.policy)
			continue
		}
		return nil
	}
	return ErrServersExhausted
}

// onTimeout fires when the per-request timer expires with no matching
// reply: rotate to another server and resend under the same ID, or give up
// once the retransmit budget is spent.
func (req *request) onTimeout() {
	if req.done {
		return
	}
	res := req.res

	req.retransmits++
	if req.retransmits >= res.maxRetransmits {
		res.stats.Timeouts.Add(1)
		res.logger.Debug("dns request expired",
			"id", req.id, "name", req.qname, "retransmits", req.retransmits)
		req.finish(nil, ErrMaxRetransmits)
		return
	}

	res.stats.Retransmits.Add(1)
	if req.srv != nil {
		req.srv.up.Fail(time.Now(), res.policy)
	}
	if err := req.transmit(); err != nil {
		req.finish(nil, err)
		return
	}
	req.timer.Reset(res.timeout)
}

// finish delivers the terminal outcome once: the request leaves the ID map
// first, then its registrations are cancelled, then the callback runs.
func (req *request) finish(rep *dns.Reply, err error) {
	if req.done {
		return
	}
	req.done = true

	delete(req.res.requests, req.id)
	if req.timer != nil {
		req.timer.Stop()
	}
	req.cb(rep, err)
}
