package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clawlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 600*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "http://127.0.0.1:9222", cfg.Browser.URL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
gateway:
  url: wss://gw.example.com/ws
  token: abc
  timeout: 2m
  read_timeout: 5s
  agent_id: research
browser:
  url: http://localhost:9333
  command_timeout: 15s
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://gw.example.com/ws", cfg.Gateway.URL)
	assert.Equal(t, "abc", cfg.Gateway.Token)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Gateway.ReadTimeout)
	assert.Equal(t, "research", cfg.Gateway.AgentID)
	assert.Equal(t, "gateway-client", cfg.Gateway.ClientID, "unset keys keep defaults")
	assert.Equal(t, "http://localhost:9333", cfg.Browser.URL)
	assert.Equal(t, 15*time.Second, cfg.Browser.CommandTimeout)
	assert.Equal(t, LogConfig{Level: "debug", Format: "json"}, cfg.Log)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
gateway:
  token: from-file
`)
	t.Setenv("CLAWLINK_GATEWAY_TOKEN", "from-env")
	t.Setenv("CLAWLINK_GATEWAY_TIMEOUT", "45s")
	t.Setenv("CLAWLINK_BROWSER_URL", "http://10.0.0.2:9222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Gateway.Token)
	assert.Equal(t, 45*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, "http://10.0.0.2:9222", cfg.Browser.URL)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"gateway http scheme", "gateway:\n  url: http://gw:1\n", "gateway.url must use ws or wss"},
		{"gateway without host", "gateway:\n  url: gw\n", "gateway.url must include scheme and host"},
		{"browser ws scheme", "browser:\n  url: ws://127.0.0.1:9222\n", "browser.url must use http or https"},
		{"zero timeout", "gateway:\n  timeout: 0s\n", "gateway.timeout must be positive"},
		{"negative read timeout", "gateway:\n  read_timeout: -1s\n", "gateway.read_timeout must be positive"},
		{"zero command timeout", "browser:\n  command_timeout: 0s\n", "browser.command_timeout must be positive"},
		{"empty agent", "gateway:\n  agent_id: \"\"\n", "gateway.agent_id"},
		{"log format", "log:\n  format: xml\n", "log.format"},
		{"bad yaml", "gateway: [\n", "read config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
