package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.IOTimeout)
	assert.Empty(t, cfg.DNS.Nameservers)
	assert.Equal(t, DefaultDNSTimeoutMS, cfg.DNS.Timeout)
	assert.Equal(t, DefaultRetransmits, cfg.DNS.Retransmits)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.False(t, cfg.API.Enabled)
	assert.Equal(t, time.Second, cfg.DNSTimeout())
}

func TestLoad_YAMLFile(t *testing.T) {
	body := `
server:
  host: 0.0.0.0
  port: 7044
  io_timeout: 30s
dns:
  nameservers:
    - 10.0.0.1
    - 10.0.0.2:5
  timeout: 500
  retransmits: 2
dnsbl:
  zones:
    - zen.spamhaus.org
logging:
  level: debug
  json: true
api:
  enabled: true
  port: 7045
`
	path := filepath.Join(t.TempDir(), "mailsift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 7044, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.IOTimeout)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2:5"}, cfg.DNS.Nameservers)
	assert.Equal(t, 500*time.Millisecond, cfg.DNSTimeout())
	assert.Equal(t, 2, cfg.DNS.Retransmits)
	assert.Equal(t, []string{"zen.spamhaus.org"}, cfg.DNSBL.Zones)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 7045, cfg.API.Port)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("MAILSIFT_SERVER_PORT", "9999")
	t.Setenv("MAILSIFT_DNS_NAMESERVERS", "10.9.9.9,10.9.9.10")
	t.Setenv("MAILSIFT_LOGGING_LEVEL", "error")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, []string{"10.9.9.9", "10.9.9.10"}, cfg.DNS.Nameservers)
	assert.Equal(t, "ERROR", cfg.Logging.Level)
}

func TestLoad_Validation(t *testing.T) {
	t.Setenv("MAILSIFT_SERVER_PORT", "0")
	_, err := Load("")
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestNormalize_FillsGaps(t *testing.T) {
	cfg := &Config{}
	cfg.Server.Port = 1000
	require.NoError(t, normalize(cfg))
	assert.Equal(t, DefaultIOTimeout, cfg.Server.IOTimeout)
	assert.Equal(t, DefaultMaxMessageSize, cfg.Server.MaxMessageSize)
	assert.Equal(t, DefaultDNSTimeoutMS, cfg.DNS.Timeout)
	assert.NotNil(t, cfg.Logging.Fields)
}
