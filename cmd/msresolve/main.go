// msresolve issues one DNS lookup through the daemon's own resolver stack
// (reactor, permutor, wire codec) and prints the parsed answers. Useful
// for poking at nameserver health and blocklist zones from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/akorchagin/mailsift/internal/dns"
	"github.com/akorchagin/mailsift/internal/reactor"
	"github.com/akorchagin/mailsift/internal/resolver"
)

func main() {
	var (
		servers     = flag.String("servers", "", "Comma-separated nameservers ip[:priority]; empty uses /etc/resolv.conf")
		qtypeName   = flag.String("type", "a", "Query type: a, ptr, mx, txt")
		timeout     = flag.Duration("timeout", 2*time.Second, "Per-request timeout")
		retransmits = flag.Int("retransmits", 3, "Retransmit budget")
		quiet       = flag.Bool("quiet", false, "Suppress output; exit status indicates success")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: msresolve [flags] <name-or-ip>")
		os.Exit(2)
	}

	qtype, ok := parseQType(*qtypeName)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown query type %q\n", *qtypeName)
		os.Exit(2)
	}

	rep, err := lookup(*servers, qtype, flag.Arg(0), *timeout, *retransmits)
	if err != nil {
		if !*quiet {
			fmt.Fprintf(os.Stderr, "msresolve: %v\n", err)
		}
		os.Exit(1)
	}
	if *quiet {
		return
	}
	printReply(rep)
}

func parseQType(s string) (dns.RecordType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a":
		return dns.TypeA, true
	case "ptr":
		return dns.TypePTR, true
	case "mx":
		return dns.TypeMX, true
	case "txt":
		return dns.TypeTXT, true
	}
	return 0, false
}

// lookup spins a private reactor until the single request completes.
func lookup(servers string, qtype dns.RecordType, arg string, timeout time.Duration, retransmits int) (*dns.Reply, error) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	react, err := reactor.New(logger)
	if err != nil {
		return nil, err
	}
	defer react.Close()

	var nameservers []string
	for _, s := range strings.Split(servers, ",") {
		if s = strings.TrimSpace(s); s != "" {
			nameservers = append(nameservers, s)
		}
	}

	res, err := resolver.New(react, logger, resolver.Options{
		Nameservers:    nameservers,
		Timeout:        timeout,
		MaxRetransmits: retransmits,
	})
	if err != nil {
		return nil, err
	}
	defer res.Close()

	var (
		rep     *dns.Reply
		repErr  error
		settled bool
	)
	if err := res.Resolve(qtype, arg, func(r *dns.Reply, err error) {
		rep, repErr, settled = r, err, true
	}); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(retransmits+1)*timeout+time.Second)
	defer cancel()
	for !settled {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := react.Tick(100 * time.Millisecond); err != nil {
			return nil, err
		}
	}
	if repErr != nil {
		return rep, repErr
	}
	return rep, nil
}

func printReply(rep *dns.Reply) {
	fmt.Printf("id=%d rcode=%d answers=%d truncated=%t\n",
		rep.ID, rep.RCode, len(rep.Answers), rep.Truncated)

	rows := make([]string, 0, len(rep.Answers))
	for _, ans := range rep.Answers {
		rows = append(rows, formatAnswer(rep.Question.Name, ans))
	}
	sort.Strings(rows)
	for _, row := range rows {
		fmt.Println(row)
	}
}

func formatAnswer(owner string, ans dns.Answer) string {
	switch ans.Type {
	case dns.TypeA:
		return fmt.Sprintf("%s %d IN A %s", owner, ans.TTL, ans.Addr)
	case dns.TypePTR:
		return fmt.Sprintf("%s %d IN PTR %s", owner, ans.TTL, ans.Target)
	case dns.TypeMX:
		return fmt.Sprintf("%s %d IN MX %d %s", owner, ans.TTL, ans.Pref, ans.Target)
	case dns.TypeTXT:
		return fmt.Sprintf("%s %d IN TXT %q", owner, ans.TTL, strings.Join(ans.Text, ""))
	default:
		return fmt.Sprintf("%s %d IN %s (unparsed)", owner, ans.TTL, ans.Type)
	}
}
