package worker

import "sync/atomic"

// Stats collects scan-protocol counters. Safe for concurrent reads from
// the management API.
type Stats struct {
	connections atomic.Uint64
	commands    atomic.Uint64
	checks      atomic.Uint64
	spam        atomic.Uint64
	dnsblHits   atomic.Uint64
	errors      atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Connections uint64 `json:"connections"`
	Commands    uint64 `json:"commands"`
	Checks      uint64 `json:"checks"`
	Spam        uint64 `json:"spam"`
	DNSBLHits   uint64 `json:"dnsbl_hits"`
	Errors      uint64 `json:"errors"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Connections: s.connections.Load(),
		Commands:    s.commands.Load(),
		Checks:      s.checks.Load(),
		Spam:        s.spam.Load(),
		DNSBLHits:   s.dnsblHits.Load(),
		Errors:      s.errors.Load(),
	}
}
