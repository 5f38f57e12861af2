package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Built-in defaults.
const (
	DefaultPort           = 11333
	DefaultIOTimeout      = 60 * time.Second
	DefaultMaxMessageSize = 10 << 20
	DefaultDNSTimeoutMS   = 1000
	DefaultRetransmits    = 5
	DefaultAPIPort        = 11334
)

// Load reads configuration: defaults, then the YAML file at path (if any),
// then MAILSIFT_* environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("MAILSIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	loadServer(v, cfg)
	loadDNS(v, cfg)
	loadDNSBL(v, cfg)
	loadLogging(v, cfg)
	loadAPI(v, cfg)

	if err := normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.io_timeout", "60s")
	v.SetDefault("server.motd_file", "")
	v.SetDefault("server.max_message_size", DefaultMaxMessageSize)

	v.SetDefault("dns.nameservers", []string{})
	v.SetDefault("dns.timeout", DefaultDNSTimeoutMS)
	v.SetDefault("dns.retransmits", DefaultRetransmits)

	v.SetDefault("dnsbl.zones", []string{})

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.fields", map[string]string{})

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", DefaultAPIPort)
}

func loadServer(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.IOTimeout = v.GetDuration("server.io_timeout")
	cfg.Server.MOTDFile = v.GetString("server.motd_file")
	cfg.Server.MaxMessageSize = v.GetInt("server.max_message_size")
}

func loadDNS(v *viper.Viper, cfg *Config) {
	cfg.DNS.Nameservers = listOrSplit(v, "dns.nameservers")
	cfg.DNS.Timeout = v.GetInt("dns.timeout")
	cfg.DNS.Retransmits = v.GetInt("dns.retransmits")
}

func loadDNSBL(v *viper.Viper, cfg *Config) {
	cfg.DNSBL.Zones = listOrSplit(v, "dnsbl.zones")
}

func loadLogging(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.JSON = v.GetBool("logging.json")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.Fields = v.GetStringMapString("logging.fields")
}

func loadAPI(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
}

// listOrSplit reads a key that may be a YAML list or a comma-separated
// string coming from the environment.
func listOrSplit(v *viper.Viper, key string) []string {
	entries := v.GetStringSlice(key)
	if len(entries) == 1 && strings.Contains(entries[0], ",") {
		entries = strings.Split(entries[0], ",")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// normalize validates and fills gaps.
func normalize(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if cfg.Server.IOTimeout <= 0 {
		cfg.Server.IOTimeout = DefaultIOTimeout
	}
	if cfg.Server.MaxMessageSize <= 0 {
		cfg.Server.MaxMessageSize = DefaultMaxMessageSize
	}

	if cfg.DNS.Timeout <= 0 {
		cfg.DNS.Timeout = DefaultDNSTimeoutMS
	}
	if cfg.DNS.Retransmits <= 0 {
		cfg.DNS.Retransmits = DefaultRetransmits
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Fields == nil {
		cfg.Logging.Fields = map[string]string{}
	}

	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
		if cfg.API.Host == "" {
			cfg.API.Host = "127.0.0.1"
		}
	}
	return nil
}

// DNSTimeout returns the resolver timeout as a duration.
func (c *Config) DNSTimeout() time.Duration {
	return time.Duration(c.DNS.Timeout) * time.Millisecond
}
