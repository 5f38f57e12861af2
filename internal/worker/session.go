package worker

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/akorchagin/mailsift/internal/dispatcher"
	"github.com/akorchagin/mailsift/internal/dns"
	"github.com/akorchagin/mailsift/internal/helpers"
	"github.com/akorchagin/mailsift/internal/reactor"
)

// Protocol tokens.
const (
	protoTag = "MSIFT/1.0"

	cmdPing  = "PING"
	cmdCheck = "CHECK"
	cmdMOTD  = "MOTD"
)

// session phases.
type sessionState uint8

const (
	stateCommand sessionState = iota
	stateHeaders
	stateBody
)

// session is one scan-protocol conversation.
type session struct {
	w    *Worker
	d    *dispatcher.Dispatcher
	peer string

	state         sessionState
	headers       map[string]string
	contentLength int

	pendingChecks int
	score         float64
	symbols       []string

	motd *os.File
}

func newSession(w *Worker, peer string) *session {
	return &session{w: w, peer: peer, headers: map[string]string{}}
}

// attach creates the dispatcher for the connection, starting in line
// framing for the command phase.
func (s *session) attach(r *reactor.Reactor, fd int, ioTimeout time.Duration) error {
	d, err := dispatcher.New(r, s.w.logger, fd, dispatcher.PolicyLine, 0, dispatcher.Callbacks{
		Frame:   s.onFrame,
		Drained: s.onDrained,
		Error:   s.onError,
	}, ioTimeout, s.peer)
	if err != nil {
		return err
	}
	s.d = d
	return nil
}

// onFrame is the dispatcher frame hook, dispatched by session phase.
func (s *session) onFrame(frame []byte) bool {
	switch s.state {
	case stateCommand:
		return s.onCommand(string(frame))
	case stateHeaders:
		return s.onHeader(string(frame))
	case stateBody:
		return s.onBody(frame)
	}
	return false
}

// onCommand parses "<CMD> MSIFT/1.0".
func (s *session) onCommand(line string) bool {
	if line == "" {
		return true // stray empty line between transactions
	}
	s.w.stats.commands.Add(1)

	cmd, tag, _ := strings.Cut(line, " ")
	if tag != protoTag {
		return s.protocolError("unknown protocol")
	}

	switch strings.ToUpper(cmd) {
	case cmdPing:
		s.respond("PONG", nil)
		return true

	case cmdMOTD:
		return s.serveMOTD()

	case cmdCheck:
		s.state = stateHeaders
		s.headers = map[string]string{}
		s.contentLength = 0
		return true

	default:
		return s.protocolError("unknown command")
	}
}

// onHeader consumes "Key: value" lines; the empty line ends the phase and
// switches framing to the message body.
func (s *session) onHeader(line string) bool {
	if line != "" {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return s.protocolError("malformed header")
		}
		s.headers[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		return true
	}

	cl, err := strconv.ParseInt(s.headers["content-length"], 10, 64)
	if err != nil || cl < 0 {
		return s.protocolError("bad content-length")
	}
	length := helpers.ClampInt64ToInt(cl)
	if length > s.w.cfg.MaxMessageSize {
		return s.protocolError("message too large")
	}

	if length == 0 {
		s.startChecks(nil)
		return true
	}

	s.contentLength = length
	s.state = stateBody
	s.d.SetPolicy(dispatcher.PolicyCharacter, length)
	return true
}

// onBody receives the whole message as one character-framed chunk.
func (s *session) onBody(body []byte) bool {
	s.state = stateCommand
	s.d.SetPolicy(dispatcher.PolicyLine, 0)
	s.startChecks(body)
	return true
}

// startChecks pauses the connection and runs the DNS-based tests for this
// message. The verdict is written once the last lookup completes.
func (s *session) startChecks(body []byte) {
	s.w.stats.checks.Add(1)
	s.score = 0
	s.symbols = nil
	s.pendingChecks = 0

	s.d.Pause()

	if ip, ok := s.clientAddr(); ok {
		s.checkReverse(ip)
		for _, zone := range s.w.cfg.DNSBLZones {
			s.checkDNSBL(ip, zone)
		}
	}
	if domain, ok := s.senderDomain(); ok {
		s.checkMX(domain)
	}
	_ = body // body content feeds the filter pipeline, which lives elsewhere

	if s.pendingChecks == 0 {
		s.finishCheck()
	}
}

// clientAddr extracts the connecting IPv4 address from the IP header.
func (s *session) clientAddr() (netip.Addr, bool) {
	v := s.headers["ip"]
	if v == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(v)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

// senderDomain extracts the domain of the From header.
func (s *session) senderDomain() (string, bool) {
	v := s.headers["from"]
	if v == "" {
		return "", false
	}
	_, domain, ok := strings.Cut(v, "@")
	domain = strings.TrimSpace(strings.TrimSuffix(domain, ">"))
	if !ok || domain == "" {
		return "", false
	}
	return domain, true
}

// checkReverse scores hosts with no reverse record.
func (s *session) checkReverse(ip netip.Addr) {
	s.pendingChecks++
	err := s.w.res.Resolve(dns.TypePTR, ip.String(), func(rep *dns.Reply, err error) {
		if err != nil || len(rep.Answers) == 0 {
			s.hit(1.0, "NO_REVERSE")
		}
		s.checkDone()
	})
	if err != nil {
		s.pendingChecks--
		s.w.logger.Warn("reverse lookup failed to start", "peer", s.peer, "err", err)
	}
}

// checkDNSBL queries one blocklist zone for the address. Any A answer is
// a listing.
func (s *session) checkDNSBL(ip netip.Addr, zone string) {
	s.pendingChecks++
	name := reversedOctets(ip) + "." + zone
	err := s.w.res.Resolve(dns.TypeA, name, func(rep *dns.Reply, err error) {
		if err == nil && len(rep.Answers) > 0 {
			s.w.stats.dnsblHits.Add(1)
			s.hit(2.0, "DNSBL_"+strings.ToUpper(strings.ReplaceAll(zone, ".", "_")))
		}
		s.checkDone()
	})
	if err != nil {
		s.pendingChecks--
		s.w.logger.Warn("dnsbl lookup failed to start", "peer", s.peer, "zone", zone, "err", err)
	}
}

// checkMX scores sender domains with no mail exchanger.
func (s *session) checkMX(domain string) {
	s.pendingChecks++
	err := s.w.res.Resolve(dns.TypeMX, domain, func(rep *dns.Reply, err error) {
		if err != nil || len(rep.Answers) == 0 {
			s.hit(0.5, "NO_MX")
		}
		s.checkDone()
	})
	if err != nil {
		s.pendingChecks--
		s.w.logger.Warn("mx lookup failed to start", "peer", s.peer, "domain", domain, "err", err)
	}
}

func (s *session) hit(score float64, symbol string) {
	s.score += score
	s.symbols = append(s.symbols, symbol)
}

func (s *session) checkDone() {
	s.pendingChecks--
	if s.pendingChecks <= 0 {
		s.finishCheck()
	}
}

// finishCheck resumes the connection and writes the verdict.
func (s *session) finishCheck() {
	spam := s.score >= s.w.cfg.SpamThreshold
	if spam {
		s.w.stats.spam.Add(1)
	}

	extra := []string{
		fmt.Sprintf("Spam: %t ; %.1f / %.1f", spam, s.score, s.w.cfg.SpamThreshold),
	}
	if len(s.symbols) > 0 {
		extra = append(extra, "Symbols: "+strings.Join(s.symbols, ","))
	}

	s.d.Restore()
	s.respond("OK", extra)
	s.w.logger.Debug("check finished",
		"peer", s.peer, "score", s.score, "spam", spam, "symbols", s.symbols)
}

// serveMOTD streams the configured banner file to the peer.
func (s *session) serveMOTD() bool {
	if s.w.cfg.MOTDFile == "" {
		return s.protocolError("no motd configured")
	}
	f, err := os.Open(s.w.cfg.MOTDFile)
	if err != nil {
		s.w.logger.Warn("cannot open motd", "path", s.w.cfg.MOTDFile, "err", err)
		return s.protocolError("motd unavailable")
	}
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		f.Close()
		return s.protocolError("motd unavailable")
	}

	if err := s.d.SendFile(int(f.Fd()), st.Size()); err != nil {
		f.Close()
		s.w.logger.Warn("motd sendfile failed", "peer", s.peer, "err", err)
		return s.protocolError("motd unavailable")
	}
	s.motd = f // held open until the transfer drains
	return true
}

// respond writes a reply block: status line, extra lines, blank line.
func (s *session) respond(status string, extra []string) {
	var b strings.Builder
	b.WriteString(protoTag)
	b.WriteString(" 0 ")
	b.WriteString(status)
	b.WriteString("\r\n")
	for _, line := range extra {
		b.WriteString(line)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	if err := s.d.Write([]byte(b.String()), false, true); err != nil {
		s.w.logger.Warn("response write failed", "peer", s.peer, "err", err)
	}
}

// protocolError reports a violation and terminates the session.
func (s *session) protocolError(reason string) bool {
	s.w.stats.errors.Add(1)
	s.w.logger.Debug("protocol error", "peer", s.peer, "reason", reason)
	msg := fmt.Sprintf("%s 1 ERR %s\r\n\r\n", protoTag, reason)
	_ = s.d.Write([]byte(msg), false, true)
	return false
}

// onDrained fires when a deferred flush or a file transfer completes.
func (s *session) onDrained() bool {
	if s.motd != nil {
		s.motd.Close()
		s.motd = nil
	}
	return true
}

// onError tears the session down on transport errors.
func (s *session) onError(err error) {
	s.w.logger.Debug("session error", "peer", s.peer, "err", err)
	if s.motd != nil {
		s.motd.Close()
		s.motd = nil
	}
	s.d.Remove()
}

// reversedOctets renders an IPv4 address with its octets reversed, the
// form blocklist zones expect.
func reversedOctets(ip netip.Addr) string {
	o := ip.As4()
	return fmt.Sprintf("%d.%d.%d.%d", o[3], o[2], o[1], o[0])
}
