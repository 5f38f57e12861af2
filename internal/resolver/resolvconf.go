package resolver

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// resolvConfPath is the system resolver configuration consulted when no
// explicit nameserver list is given.
const resolvConfPath = "/etc/resolv.conf"

// parseResolvConf extracts "nameserver <ip>" entries. Comments and the
// other directives (search, options) are ignored; the resolver only needs
// the server addresses.
func parseResolvConf(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var servers []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || !strings.EqualFold(fields[0], "nameserver") {
			continue
		}
		servers = append(servers, fields[1])
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("no nameserver lines in %s", path)
	}
	return servers, nil
}
