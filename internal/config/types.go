// Package config loads mailsift configuration with Viper: defaults, an
// optional YAML file, and MAILSIFT_* environment overrides.
//
// Environment variables map dots to underscores:
//   - MAILSIFT_SERVER_HOST   -> server.host
//   - MAILSIFT_DNS_TIMEOUT   -> dns.timeout
//   - MAILSIFT_API_ENABLED   -> api.enabled
package config

import "time"

// ServerConfig covers the scan-protocol listener.
type ServerConfig struct {
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`
	// IOTimeout is the per-connection inactivity timeout.
	IOTimeout time.Duration `yaml:"io_timeout" mapstructure:"io_timeout"`
	// MOTDFile, when present, is served verbatim to MOTD commands.
	MOTDFile string `yaml:"motd_file" mapstructure:"motd_file"`
	// MaxMessageSize bounds the body size accepted by CHECK.
	MaxMessageSize int `yaml:"max_message_size" mapstructure:"max_message_size"`
}

// DNSConfig covers the stub resolver.
type DNSConfig struct {
	// Nameservers are "ip" or "ip:priority" entries; empty means
	// /etc/resolv.conf.
	Nameservers []string `yaml:"nameservers" mapstructure:"nameservers"`
	// Timeout is the per-request timeout in milliseconds.
	Timeout int `yaml:"timeout" mapstructure:"timeout"`
	// Retransmits is the per-request retransmit budget.
	Retransmits int `yaml:"retransmits" mapstructure:"retransmits"`
}

// DNSBLConfig lists the DNS blocklists consulted for connecting hosts.
type DNSBLConfig struct {
	Zones []string `yaml:"zones" mapstructure:"zones"`
}

// LoggingConfig mirrors internal/logging.Config.
type LoggingConfig struct {
	Level      string            `yaml:"level"       mapstructure:"level"`
	JSON       bool              `yaml:"json"        mapstructure:"json"`
	IncludePID bool              `yaml:"include_pid" mapstructure:"include_pid"`
	Fields     map[string]string `yaml:"fields"      mapstructure:"fields"`
}

// APIConfig covers the management HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
}

// Config is the root configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"  mapstructure:"server"`
	DNS     DNSConfig     `yaml:"dns"     mapstructure:"dns"`
	DNSBL   DNSBLConfig   `yaml:"dnsbl"   mapstructure:"dnsbl"`
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`
	API     APIConfig     `yaml:"api"     mapstructure:"api"`
}
