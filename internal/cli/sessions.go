package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/grantcarthew/clawlink/internal/browser"
	"github.com/grantcarthew/clawlink/internal/config"
	"github.com/grantcarthew/clawlink/internal/gateway"
	"github.com/grantcarthew/clawlink/internal/logx"
)

// pageDriver is the part of browser.Session the commands use.
type pageDriver interface {
	Open(ctx context.Context, pageURL string) (string, error)
	EnsureTarget(ctx context.Context) error
	Screenshot(ctx context.Context, path string, fullPage bool) (string, error)
	Evaluate(ctx context.Context, expression string) (json.RawMessage, error)
	GetContent(ctx context.Context) (string, error)
	Detach()
}

// agentClient is the part of gateway.Session the commands use.
type agentClient interface {
	SendMessage(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	StreamMessage(ctx context.Context, req gateway.Request, onEvent func(gateway.StreamEvent), onIdle func(gateway.Idle) error) error
	Close() error
}

// SessionFactory creates the sessions commands drive.
type SessionFactory interface {
	Browser(cfg config.Config, log zerolog.Logger) (pageDriver, error)
	Gateway(cfg config.Config, log zerolog.Logger) agentClient
}

type defaultFactory struct{}

func (defaultFactory) Browser(cfg config.Config, log zerolog.Logger) (pageDriver, error) {
	disc, err := browser.NewDiscovery(cfg.Browser.URL, nil)
	if err != nil {
		return nil, err
	}
	return browser.NewSession(disc,
		browser.WithCommandTimeout(cfg.Browser.CommandTimeout),
		browser.WithLogger(log),
	), nil
}

func (defaultFactory) Gateway(cfg config.Config, log zerolog.Logger) agentClient {
	return gateway.NewSession(gateway.Config{
		URL:            cfg.Gateway.URL,
		Token:          cfg.Gateway.Token,
		Timeout:        cfg.Gateway.Timeout,
		ReadTimeout:    cfg.Gateway.ReadTimeout,
		DefaultAgentID: cfg.Gateway.AgentID,
		ClientID:       cfg.Gateway.ClientID,
	}, log)
}

// factory is the package-level session factory, replaced in tests.
var factory SessionFactory = defaultFactory{}

// loadEnv loads configuration and builds the logger. --debug wins over log.level.
func loadEnv() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if Debug {
		level = "debug"
	}
	log, err := logx.New(logx.Options{Level: level, Format: cfg.Log.Format})
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// withBrowser runs fn against a browser session attached to an existing page.
// The tab is left open; only the socket is closed.
func withBrowser(fn func(ctx context.Context, page pageDriver) error) error {
	cfg, log, err := loadEnv()
	if err != nil {
		return outputFailure(err)
	}
	page, err := factory.Browser(cfg, log)
	if err != nil {
		return outputFailure(err)
	}
	defer page.Detach()

	ctx, stop := signalContext()
	defer stop()

	return fn(ctx, page)
}

// withGateway runs fn against a gateway session.
func withGateway(fn func(ctx context.Context, agent agentClient, cfg config.Config) error) error {
	cfg, log, err := loadEnv()
	if err != nil {
		return outputFailure(err)
	}
	agent := factory.Gateway(cfg, log)
	defer agent.Close()

	ctx, stop := signalContext()
	defer stop()

	return fn(ctx, agent, cfg)
}
