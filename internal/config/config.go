// Package config loads clawlink settings from defaults, an optional YAML file
// and CLAWLINK_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. CLAWLINK_GATEWAY_TOKEN.
const EnvPrefix = "CLAWLINK"

// Config is the full clawlink configuration.
type Config struct {
	Gateway GatewayConfig `mapstructure:"gateway" yaml:"gateway"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
}

// GatewayConfig configures the agent gateway session.
type GatewayConfig struct {
	URL         string        `mapstructure:"url" yaml:"url"`
	Token       string        `mapstructure:"token" yaml:"token"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	AgentID     string        `mapstructure:"agent_id" yaml:"agent_id"`
	ClientID    string        `mapstructure:"client_id" yaml:"client_id"`
}

// BrowserConfig configures the browser debugging endpoint.
type BrowserConfig struct {
	URL            string        `mapstructure:"url" yaml:"url"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{
			URL:         "ws://127.0.0.1:18789",
			Timeout:     600 * time.Second,
			ReadTimeout: 30 * time.Second,
			AgentID:     "main",
			ClientID:    "gateway-client",
		},
		Browser: BrowserConfig{
			URL:            "http://127.0.0.1:9222",
			CommandTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads configuration from path. An empty path or a missing file leaves the
// defaults in place; environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("gateway.url", cfg.Gateway.URL)
	v.SetDefault("gateway.token", cfg.Gateway.Token)
	v.SetDefault("gateway.timeout", cfg.Gateway.Timeout)
	v.SetDefault("gateway.read_timeout", cfg.Gateway.ReadTimeout)
	v.SetDefault("gateway.agent_id", cfg.Gateway.AgentID)
	v.SetDefault("gateway.client_id", cfg.Gateway.ClientID)
	v.SetDefault("browser.url", cfg.Browser.URL)
	v.SetDefault("browser.command_timeout", cfg.Browser.CommandTimeout)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks endpoint schemes and timeouts.
func (c Config) Validate() error {
	if err := validateURL("gateway.url", c.Gateway.URL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("browser.url", c.Browser.URL, "http", "https"); err != nil {
		return err
	}
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive, got %s", c.Gateway.Timeout)
	}
	if c.Gateway.ReadTimeout <= 0 {
		return fmt.Errorf("gateway.read_timeout must be positive, got %s", c.Gateway.ReadTimeout)
	}
	if c.Browser.CommandTimeout <= 0 {
		return fmt.Errorf("browser.command_timeout must be positive, got %s", c.Browser.CommandTimeout)
	}
	if strings.TrimSpace(c.Gateway.AgentID) == "" {
		return fmt.Errorf("gateway.agent_id must not be empty")
	}
	switch c.Log.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("log.format must be auto, console or json, got %q", c.Log.Format)
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must include scheme and host (e.g. %s://127.0.0.1)", key, schemes[0])
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", key, strings.Join(schemes, " or "), u.Scheme)
}
