package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/grantcarthew/clawlink/internal/cdp"
	"github.com/grantcarthew/clawlink/internal/fault"
)

const (
	// DefaultReadyTimeout bounds WaitForPageReady after Open and Navigate.
	DefaultReadyTimeout = 30 * time.Second

	// DefaultSelectorTimeout bounds WaitForSelector when no timeout is given.
	DefaultSelectorTimeout = 10 * time.Second

	// DefaultPollInterval paces WaitForSelector checks.
	DefaultPollInterval = 100 * time.Millisecond
)

// State is the connection state of a Session.
type State int

const (
	// Disconnected means no target is cached and no socket is open.
	Disconnected State = iota
	// TargetKnown means a target is cached but its debugger socket is closed.
	TargetKnown
	// SocketOpen means the debugger socket of the cached target is open.
	SocketOpen
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case TargetKnown:
		return "target-known"
	case SocketOpen:
		return "socket-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Option configures a Session.
type Option func(*Session)

// WithCommandTimeout sets the per-command deadline.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithReadyTimeout sets how long Open and Navigate wait for document readiness.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.readyTimeout = d
		}
	}
}

// WithPollInterval sets the interval between WaitForSelector checks.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Session) {
		s.base = l
		s.log = l.With().Str("component", "browser").Logger()
	}
}

// Session drives one browser tab over its debugger socket.
// Calls are synchronous and a Session must not be used concurrently.
type Session struct {
	disc         *Discovery
	timeout      time.Duration
	readyTimeout time.Duration
	pollInterval time.Duration
	base         zerolog.Logger
	log          zerolog.Logger

	target *Target
	client *cdp.Client
}

// NewSession returns a Disconnected session for the browser at disc.
func NewSession(disc *Discovery, opts ...Option) *Session {
	s := &Session{
		disc:         disc,
		timeout:      cdp.DefaultTimeout,
		readyTimeout: DefaultReadyTimeout,
		pollInterval: DefaultPollInterval,
		base:         zerolog.Nop(),
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports whether a target is cached and whether its socket is open.
func (s *Session) State() State {
	switch {
	case s.client != nil:
		return SocketOpen
	case s.target != nil:
		return TargetKnown
	default:
		return Disconnected
	}
}

// Target returns the cached target, or nil.
func (s *Session) Target() *Target {
	if s.target == nil {
		return nil
	}
	t := *s.target
	return &t
}

// Version queries the browser's HTTP endpoint.
func (s *Session) Version(ctx context.Context) (*VersionInfo, error) {
	return s.disc.Version(ctx)
}

// Open shows pageURL in a tab and returns the target id. An existing page tab on the
// same host is reused (and re-navigated only when its URL differs); otherwise a new
// tab is created.
func (s *Session) Open(ctx context.Context, pageURL string) (string, error) {
	reuse, err := s.reusableTarget(ctx, pageURL)
	if err != nil {
		// Best-effort lookup: any failure here falls through to a new tab.
		s.log.Debug().Err(err).Msg("tab reuse lookup failed")
		reuse = nil
	}

	if reuse != nil {
		if s.target == nil || s.target.ID != reuse.ID {
			s.dropClient()
			s.target = reuse
		} else {
			s.target.URL = reuse.URL
		}
		s.log.Debug().Str("target", reuse.ID).Str("url", reuse.URL).Msg("reusing tab")

		if reuse.URL != pageURL {
			if err := s.Navigate(ctx, pageURL); err != nil {
				return "", err
			}
			return s.target.ID, nil
		}
		if err := s.waitReady(ctx); err != nil {
			return "", err
		}
		return s.target.ID, nil
	}

	t, err := s.disc.NewTarget(ctx, pageURL)
	if err != nil {
		return "", err
	}
	s.dropClient()
	s.target = t
	s.log.Debug().Str("target", t.ID).Str("url", pageURL).Msg("opened new tab")

	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	return t.ID, nil
}

// reusableTarget looks for a page tab already showing pageURL's host.
func (s *Session) reusableTarget(ctx context.Context, pageURL string) (*Target, error) {
	targets, err := s.disc.Targets(ctx)
	if err != nil {
		return nil, err
	}

	matches := FindPageTargetsForHost(targets, pageURL)

	// The tab we are attached to keeps the socket open; prefer it.
	if s.target != nil {
		for i := range matches {
			if matches[i].ID == s.target.ID {
				t := matches[i]
				if t.WebSocketURL == "" {
					t.WebSocketURL = s.target.WebSocketURL
				}
				return &t, nil
			}
		}
	}
	// The browser hides the debugger URL of tabs another client is attached to.
	for i := range matches {
		if matches[i].WebSocketURL != "" {
			t := matches[i]
			return &t, nil
		}
	}
	return nil, nil
}

// EnsureTarget caches the first available page target when none is cached.
func (s *Session) EnsureTarget(ctx context.Context) error {
	if s.target != nil {
		return nil
	}

	targets, err := s.disc.Targets(ctx)
	if err != nil {
		return err
	}
	t := FindPageTarget(targets)
	if t == nil || t.WebSocketURL == "" {
		return fault.Newf("browser.EnsureTarget", fault.ErrBrowser, "no page target available; open a tab first")
	}
	s.target = t
	s.log.Debug().Str("target", t.ID).Msg("discovered page target")
	return nil
}

// connect opens the debugger socket for the cached target.
func (s *Session) connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	if err := s.EnsureTarget(ctx); err != nil {
		return err
	}

	client, err := cdp.Dial(ctx, s.target.WebSocketURL, cdp.WithTimeout(s.timeout), cdp.WithLogger(s.base))
	if err != nil {
		return err
	}
	s.client = client
	s.log.Debug().Str("target", s.target.ID).Msg("debugger socket open")
	return nil
}

// dropClient closes the socket and keeps the cached target for a later reconnect.
func (s *Session) dropClient() {
	if s.client == nil {
		return
	}
	_ = s.client.Close()
	s.client = nil
}

// SendCommand issues one CDP command against the cached target, connecting first when needed.
// On timeout or connection loss the socket is dropped; the next call reopens it.
func (s *Session) SendCommand(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	result, err := s.client.SendContext(ctx, method, params)
	if err != nil && (fault.IsTimeout(err) || fault.IsConnection(err)) {
		s.log.Debug().Err(err).Msg("dropping debugger socket")
		s.dropClient()
	}
	return result, err
}

// Navigate loads pageURL in the cached tab and waits for readiness.
func (s *Session) Navigate(ctx context.Context, pageURL string) error {
	result, err := s.SendCommand(ctx, "Page.navigate", map[string]any{"url": pageURL})
	if err != nil {
		return err
	}

	var nav struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(result, &nav); err != nil {
		return fault.New("browser.Navigate", fault.ErrProtocol, err)
	}
	if nav.ErrorText != "" {
		return fault.Newf("browser.Navigate", fault.ErrBrowser, "navigation to %s failed: %s", pageURL, nav.ErrorText)
	}
	s.target.URL = pageURL

	return s.waitReady(ctx)
}

// waitReady waits for readiness and only logs when the page is still loading.
func (s *Session) waitReady(ctx context.Context) error {
	ready, err := s.WaitForPageReady(ctx, s.readyTimeout)
	if err != nil {
		return err
	}
	if !ready {
		s.log.Warn().Dur("timeout", s.readyTimeout).Msg("page not ready, continuing")
	}
	return nil
}

// readyScript resolves true once document.readyState is complete, or false when
// the budget in milliseconds runs out. The polling happens in the page.
const readyScript = `new Promise((resolve) => {
	const deadline = Date.now() + %d;
	const check = () => {
		if (document.readyState === 'complete') return resolve(true);
		if (Date.now() >= deadline) return resolve(false);
		setTimeout(check, 50);
	};
	check();
})`

// WaitForPageReady waits in the page until the document is complete. It reports
// false when timeout passes first.
func (s *Session) WaitForPageReady(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+s.timeout)
	defer cancel()

	rv, err := s.evaluate(ctx, "browser.WaitForPageReady", fmt.Sprintf(readyScript, timeout.Milliseconds()), true)
	if err != nil {
		return false, err
	}

	var ready bool
	if err := json.Unmarshal(rv.Value, &ready); err != nil {
		return false, fault.New("browser.WaitForPageReady", fault.ErrProtocol, err)
	}
	return ready, nil
}

// remoteValue is the result field of Runtime.evaluate with returnByValue.
type remoteValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// evaluate runs expression in the page and returns its value.
// A thrown exception is a ProtocolError carrying the JavaScript message.
func (s *Session) evaluate(ctx context.Context, op, expression string, awaitPromise bool) (remoteValue, error) {
	params := map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}
	if awaitPromise {
		params["awaitPromise"] = true
	}

	result, err := s.SendCommand(ctx, "Runtime.evaluate", params)
	if err != nil {
		return remoteValue{}, err
	}

	var resp struct {
		Result           remoteValue `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return remoteValue{}, fault.New(op, fault.ErrProtocol, err)
	}

	if resp.ExceptionDetails != nil {
		msg := resp.ExceptionDetails.Exception.Description
		if msg == "" {
			msg = resp.ExceptionDetails.Text
		}
		return remoteValue{}, fault.Newf(op, fault.ErrProtocol, "javascript exception: %s", msg)
	}

	if resp.Result.Type == "undefined" || len(resp.Result.Value) == 0 {
		resp.Result.Value = json.RawMessage("null")
	}
	return resp.Result, nil
}

// Evaluate runs expression in the page, awaiting a returned promise, and returns
// the JSON value. undefined is returned as null.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	rv, err := s.evaluate(ctx, "browser.Evaluate", expression, true)
	if err != nil {
		return nil, err
	}
	return rv.Value, nil
}

// GetContent returns the serialised document.
func (s *Session) GetContent(ctx context.Context) (string, error) {
	rv, err := s.evaluate(ctx, "browser.GetContent",
		`document.documentElement ? document.documentElement.outerHTML : ""`, false)
	if err != nil {
		return "", err
	}

	var html string
	if err := json.Unmarshal(rv.Value, &html); err != nil {
		return "", fault.New("browser.GetContent", fault.ErrProtocol, err)
	}
	return html, nil
}

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// Type focuses the element matching selector and inserts text at the caret.
func (s *Session) Type(ctx context.Context, selector, text string) error {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return false;
		el.focus();
		return true;
	})()`, jsString(selector))

	rv, err := s.evaluate(ctx, "browser.Type", js, false)
	if err != nil {
		return err
	}
	var found bool
	if err := json.Unmarshal(rv.Value, &found); err != nil {
		return fault.New("browser.Type", fault.ErrProtocol, err)
	}
	if !found {
		return fault.Newf("browser.Type", fault.ErrBrowser, "element not found: %s", selector)
	}

	if text == "" {
		return nil
	}
	_, err = s.SendCommand(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

// Click scrolls the element matching selector into view and clicks its centre.
// It reports whether another element covered that point.
func (s *Session) Click(ctx context.Context, selector string) (covered bool, err error) {
	js := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return {error: 'not_found'};

		el.scrollIntoView({block: 'center', behavior: 'instant'});

		const rect = el.getBoundingClientRect();
		const x = rect.left + rect.width / 2;
		const y = rect.top + rect.height / 2;

		const topEl = document.elementFromPoint(x, y);
		const isCovered = topEl !== el && !el.contains(topEl);

		return {x, y, covered: isCovered};
	})()`, jsString(selector))

	rv, err := s.evaluate(ctx, "browser.Click", js, false)
	if err != nil {
		return false, err
	}

	var pos struct {
		Error   string  `json:"error"`
		X       float64 `json:"x"`
		Y       float64 `json:"y"`
		Covered bool    `json:"covered"`
	}
	if err := json.Unmarshal(rv.Value, &pos); err != nil {
		return false, fault.New("browser.Click", fault.ErrProtocol, err)
	}
	if pos.Error == "not_found" {
		return false, fault.Newf("browser.Click", fault.ErrBrowser, "element not found: %s", selector)
	}

	for _, typ := range []string{"mousePressed", "mouseReleased"} {
		_, err := s.SendCommand(ctx, "Input.dispatchMouseEvent", map[string]any{
			"type":       typ,
			"x":          pos.X,
			"y":          pos.Y,
			"button":     "left",
			"clickCount": 1,
		})
		if err != nil {
			return false, err
		}
	}

	if pos.Covered {
		s.log.Debug().Str("selector", selector).Msg("click target may be covered")
	}
	return pos.Covered, nil
}

// WaitForSelector polls until an element matches selector. It returns false, not
// an error, when timeout passes first; errors are reserved for transport failures
// and cancellation of ctx. A timeout <= 0 uses DefaultSelectorTimeout.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = DefaultSelectorTimeout
	}
	deadline := time.Now().Add(timeout)
	js := fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector))

	// Every check runs under the selector deadline so a slow page cannot
	// stretch the wait to the full command timeout.
	wctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(s.pollInterval), 1)
	for {
		if err := limiter.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// Limiter refuses waits that would pass the deadline.
			return false, nil
		}

		rv, err := s.evaluate(wctx, "browser.WaitForSelector", js, false)
		if err != nil {
			if ctx.Err() == nil && !time.Now().Before(deadline) &&
				(fault.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded)) {
				return false, nil
			}
			return false, err
		}
		var found bool
		if err := json.Unmarshal(rv.Value, &found); err != nil {
			return false, fault.New("browser.WaitForSelector", fault.ErrProtocol, err)
		}
		if found {
			return true, nil
		}

		if time.Now().Add(s.pollInterval).After(deadline) {
			return false, nil
		}
	}
}

// Rect is a CSS pixel rectangle as reported by Page.getLayoutMetrics.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the layout viewport reported by Page.getLayoutMetrics.
type Viewport struct {
	PageX        float64 `json:"pageX"`
	PageY        float64 `json:"pageY"`
	ClientWidth  float64 `json:"clientWidth"`
	ClientHeight float64 `json:"clientHeight"`
}

// LayoutMetrics is the subset of Page.getLayoutMetrics used for full-page capture.
// The css* variants are preferred when the browser reports them.
type LayoutMetrics struct {
	ContentSize       Rect      `json:"contentSize"`
	CSSContentSize    *Rect     `json:"cssContentSize,omitempty"`
	LayoutViewport    Viewport  `json:"layoutViewport"`
	CSSLayoutViewport *Viewport `json:"cssLayoutViewport,omitempty"`
}

// Clip is the capture rectangle passed to Page.captureScreenshot.
type Clip struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Scale  float64 `json:"scale"`
}

// fullPageClip covers the larger of the content and the viewport on each axis,
// so scrollable overflow and short pages are both captured whole.
func fullPageClip(m LayoutMetrics) Clip {
	content := m.ContentSize
	if m.CSSContentSize != nil {
		content = *m.CSSContentSize
	}
	viewport := m.LayoutViewport
	if m.CSSLayoutViewport != nil {
		viewport = *m.CSSLayoutViewport
	}

	return Clip{
		Width:  max(content.Width, viewport.ClientWidth),
		Height: max(content.Height, viewport.ClientHeight),
		Scale:  1,
	}
}

// Screenshot captures the page as PNG. With fullPage the whole scrollable document is
// captured. When path is non-empty the image is written there and path is returned;
// otherwise the base64 image data is returned.
func (s *Session) Screenshot(ctx context.Context, path string, fullPage bool) (string, error) {
	params := map[string]any{"format": "png"}

	if fullPage {
		result, err := s.SendCommand(ctx, "Page.getLayoutMetrics", nil)
		if err != nil {
			return "", err
		}
		var metrics LayoutMetrics
		if err := json.Unmarshal(result, &metrics); err != nil {
			return "", fault.New("browser.Screenshot", fault.ErrProtocol, err)
		}
		params["clip"] = fullPageClip(metrics)
		params["captureBeyondViewport"] = true
	}

	result, err := s.SendCommand(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return "", err
	}

	var shot struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &shot); err != nil {
		return "", fault.New("browser.Screenshot", fault.ErrProtocol, err)
	}
	if shot.Data == "" {
		return "", fault.Newf("browser.Screenshot", fault.ErrBrowser, "browser returned no image data")
	}

	if path == "" {
		return shot.Data, nil
	}

	png, err := base64.StdEncoding.DecodeString(shot.Data)
	if err != nil {
		return "", fault.New("browser.Screenshot", fault.ErrProtocol, fmt.Errorf("decode image data: %w", err))
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("browser.Screenshot: write %s: %w", path, err)
	}
	return path, nil
}

// Close closes the debugger socket, asks the browser to close the tab and clears
// the cached target.
func (s *Session) Close(ctx context.Context) error {
	s.dropClient()

	if s.target == nil {
		return nil
	}
	id := s.target.ID
	s.target = nil

	if err := s.disc.CloseTarget(ctx, id); err != nil {
		return err
	}
	s.log.Debug().Str("target", id).Msg("closed tab")
	return nil
}

// Detach closes the debugger socket but leaves the tab and the cached target in place.
func (s *Session) Detach() {
	s.dropClient()
}

