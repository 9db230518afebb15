package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/grantcarthew/clawlink/internal/fault"
)

// DefaultHTTPTimeout bounds each discovery request.
const DefaultHTTPTimeout = 10 * time.Second

// Target represents a CDP target (page, worker, etc).
type Target struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	Description  string `json:"description,omitempty"`
	WebSocketURL string `json:"webSocketDebuggerUrl"`
}

// IsPage reports whether the target is a usable page tab.
func (t Target) IsPage() bool {
	return t.Type == "page"
}

// VersionInfo contains browser version information from /json/version.
type VersionInfo struct {
	Browser       string `json:"Browser"`
	ProtocolVer   string `json:"Protocol-Version"`
	UserAgent     string `json:"User-Agent"`
	V8Version     string `json:"V8-Version"`
	WebKitVersion string `json:"WebKit-Version"`
	WebSocketURL  string `json:"webSocketDebuggerUrl"`
}

// Discovery talks to the browser's HTTP debugging endpoints.
type Discovery struct {
	base   *url.URL
	client *http.Client
}

// NewDiscovery returns a Discovery for a browser endpoint such as http://127.0.0.1:9222.
// A nil client gets one with DefaultHTTPTimeout.
func NewDiscovery(endpoint string, client *http.Client) (*Discovery, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fault.New("browser.Discovery", fault.ErrConnection, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fault.Newf("browser.Discovery", fault.ErrConnection, "unsupported scheme %q in %s", u.Scheme, endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return &Discovery{base: u, client: client}, nil
}

// Endpoint returns the browser endpoint URL.
func (d *Discovery) Endpoint() string {
	return d.base.String()
}

// Targets retrieves the list of available targets (GET /json).
func (d *Discovery) Targets(ctx context.Context) ([]Target, error) {
	var targets []Target
	if err := d.do(ctx, "browser.Targets", http.MethodGet, "/json", "", &targets); err != nil {
		return nil, err
	}
	return targets, nil
}

// Version retrieves browser version info (GET /json/version). It doubles as a liveness check.
func (d *Discovery) Version(ctx context.Context) (*VersionInfo, error) {
	var info VersionInfo
	if err := d.do(ctx, "browser.Version", http.MethodGet, "/json/version", "", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// NewTarget opens a new tab at pageURL (PUT /json/new?<url>).
func (d *Discovery) NewTarget(ctx context.Context, pageURL string) (*Target, error) {
	var t Target
	if err := d.do(ctx, "browser.NewTarget", http.MethodPut, "/json/new", url.QueryEscape(pageURL), &t); err != nil {
		return nil, err
	}
	if t.ID == "" || t.WebSocketURL == "" {
		return nil, fault.Newf("browser.NewTarget", fault.ErrBrowser, "browser returned a target without id or debugger URL")
	}
	return &t, nil
}

// CloseTarget closes the tab with the given id (GET /json/close/<id>).
func (d *Discovery) CloseTarget(ctx context.Context, id string) error {
	return d.do(ctx, "browser.CloseTarget", http.MethodGet, "/json/close/"+url.PathEscape(id), "", nil)
}

// do issues one discovery request and decodes a JSON body into out when out is non-nil.
func (d *Discovery) do(ctx context.Context, op, method, path, rawQuery string, out any) error {
	u := *d.base
	u.Path = d.base.Path + path
	u.RawQuery = rawQuery

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fault.New(op, fault.ErrConnection, fmt.Errorf("create request: %w", err))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fault.New(op, fault.ErrConnection, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fault.New(op, fault.ErrConnection, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return fault.Newf(op, fault.ErrBrowser, "unexpected status %d: %.200s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fault.New(op, fault.ErrProtocol, fmt.Errorf("parse response: %w", err))
	}
	return nil
}

// FindPageTarget returns the first page-type target from the list.
func FindPageTarget(targets []Target) *Target {
	for i := range targets {
		if targets[i].IsPage() {
			return &targets[i]
		}
	}
	return nil
}

// FindPageTargetsForHost returns every page target whose URL host equals pageURL's,
// in list order. Hosts are compared case-insensitively including any explicit port.
func FindPageTargetsForHost(targets []Target, pageURL string) []Target {
	want := hostOf(pageURL)
	if want == "" {
		return nil
	}
	var out []Target
	for _, t := range targets {
		if t.IsPage() && hostOf(t.URL) == want {
			out = append(out, t)
		}
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
