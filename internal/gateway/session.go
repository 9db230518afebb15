// Package gateway is a client for the agent gateway: a single socket carrying
// request/response calls and streamed agent runs.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/grantcarthew/clawlink/internal/fault"
	"github.com/grantcarthew/clawlink/internal/ws"
)

// Defaults applied by NewSession to zero Config fields.
const (
	DefaultTimeout     = 600 * time.Second
	DefaultReadTimeout = 30 * time.Second
	DefaultAgentID     = "main"
	DefaultClientID    = "gateway-client"

	defaultHandshakeTimeout = 10 * time.Second
	defaultBreakerFailures  = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// ClientVersion is reported to the gateway during the connect handshake.
var ClientVersion = "clawlink/dev"

// Config holds gateway session configuration.
type Config struct {
	// URL is the WebSocket URL, e.g. "ws://127.0.0.1:18789".
	URL string

	// Token is the gateway auth token.
	Token string

	// Timeout bounds one whole exchange.
	Timeout time.Duration

	// ReadTimeout bounds each blocking read inside an exchange.
	ReadTimeout time.Duration

	// DefaultAgentID routes requests that name no agent.
	DefaultAgentID string

	// ClientID identifies this client to the gateway.
	ClientID string

	// Scopes requested from the gateway.
	Scopes []string
}

// Request is one message for an agent.
type Request struct {
	Message string

	// MemoryID continues an earlier conversation. Empty starts a new one.
	MemoryID string

	// AgentID routes the message. Empty uses Config.DefaultAgentID.
	AgentID string
}

// Response is the reply to a Request.
type Response struct {
	Text string

	// MemoryID must be passed as Request.MemoryID to continue the conversation.
	MemoryID string

	RunID string
}

// Conn is the message transport the session drives. *ws.Conn satisfies it.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Session holds one gateway connection, dialled on first use and reused while healthy.
// A Session must not be used concurrently.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	breaker *gobreaker.CircuitBreaker[Conn]
	dial    func(ctx context.Context) (Conn, error)

	conn Conn
}

// NewSession creates a session. No connection is made until the first call.
func NewSession(cfg Config, logger zerolog.Logger) *Session {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.DefaultAgentID == "" {
		cfg.DefaultAgentID = DefaultAgentID
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"operator.admin"}
	}

	s := &Session{
		cfg: cfg,
		log: logger.With().Str("component", "gateway").Logger(),
	}
	s.dial = func(ctx context.Context) (Conn, error) {
		return ws.Dial(ctx, s.cfg.URL, ws.WithReadTimeout(s.cfg.ReadTimeout), ws.WithLogger(logger))
	}
	s.breaker = gobreaker.NewCircuitBreaker[Conn](gobreaker.Settings{
		Name:        "gateway-dial",
		MaxRequests: 1,
		Timeout:     defaultBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultBreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("breaker", name).Stringer("from", from).Stringer("to", to).Msg("circuit breaker state change")
		},
	})
	return s
}

// Config returns the effective configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Connected reports whether a gateway connection is open.
func (s *Session) Connected() bool {
	return s.conn != nil
}

// Close closes the gateway connection. The next call reconnects.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// drop discards a connection that can no longer be trusted.
func (s *Session) drop() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// connect dials and authenticates when no connection is open.
func (s *Session) connect(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}

	s.log.Debug().Str("url", s.cfg.URL).Msg("connecting to gateway")

	conn, err := s.breaker.Execute(func() (Conn, error) {
		hctx, cancel := context.WithTimeout(ctx, defaultHandshakeTimeout)
		defer cancel()

		conn, err := s.dial(hctx)
		if err != nil {
			return nil, err
		}
		if err := s.handshake(hctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fault.New("gateway.connect", fault.ErrConnection, fmt.Errorf("circuit open: %w", err))
		}
		if fault.KindOf(err) == nil {
			return fault.New("gateway.connect", fault.ErrConnection, err)
		}
		return err
	}

	s.conn = conn
	s.log.Debug().Msg("connected to gateway")
	return nil
}

// handshake waits for connect.challenge, sends the connect request and awaits its response.
func (s *Session) handshake(ctx context.Context, conn Conn) error {
	challenge, err := readFrame(ctx, conn)
	if err != nil {
		return fault.New("gateway.connect", fault.ErrConnection, fmt.Errorf("reading challenge: %w", err))
	}
	if challenge.Type != frameEvent || challenge.Event != eventChallenge {
		return fault.Newf("gateway.connect", fault.ErrProtocol, "expected %s, got %s/%s", eventChallenge, challenge.Type, challenge.Event)
	}
	s.log.Debug().Msg("received connect.challenge")

	params := connectParams{
		MinProtocol: Protocol,
		MaxProtocol: Protocol,
		Client: connectClient{
			ID:       s.cfg.ClientID,
			Version:  ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:   "operator",
		Scopes: s.cfg.Scopes,
		Caps:   []string{},
	}
	if s.cfg.Token != "" {
		params.Auth = &connectAuth{Token: s.cfg.Token}
	}

	reqID, err := sendRequest(ctx, conn, "connect", params)
	if err != nil {
		return err
	}

	for {
		resp, err := readFrame(ctx, conn)
		if err != nil {
			return fault.New("gateway.connect", fault.ErrConnection, fmt.Errorf("reading connect response: %w", err))
		}
		// Skip events during handshake
		if resp.Type != frameRes || resp.ID != reqID {
			continue
		}
		if !resp.ok() {
			return fault.Newf("gateway.connect", fault.ErrGateway, "connect rejected: %s", resp.errorMessage())
		}
		return nil
	}
}

// readFrame reads and decodes one frame; used only during the handshake.
func readFrame(ctx context.Context, conn Conn) (frame, error) {
	data, err := conn.Receive(ctx)
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, fault.New("gateway.frame", fault.ErrProtocol, err)
	}
	return f, nil
}

// sendRequest writes a req frame and returns its id.
func sendRequest(ctx context.Context, conn Conn, method string, params any) (string, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshaling %s params: %w", method, err)
	}

	id := uuid.NewString()
	data, err := json.Marshal(frame{Type: frameReq, ID: id, Method: method, Params: raw})
	if err != nil {
		return "", fmt.Errorf("marshaling %s request: %w", method, err)
	}
	if err := conn.Send(ctx, data); err != nil {
		return "", err
	}
	return id, nil
}

// SendMessage sends req and waits for the final reply. Streamed text is not surfaced.
func (s *Session) SendMessage(ctx context.Context, req Request) (*Response, error) {
	var final *Response
	err := s.exchange(ctx, req, func(ev StreamEvent) {
		if c, ok := ev.(Complete); ok {
			final = &c.Response
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	return final, nil
}

// StreamMessage sends req and calls onEvent for every Delta followed by exactly one
// Complete or Error. When the run sends nothing of its own for one read interval,
// even while other gateway traffic arrives, onIdle (if set) is called; a non-nil error from onIdle abandons the exchange and is returned.
// An Error event is also returned as a fault.ErrGateway error.
func (s *Session) StreamMessage(ctx context.Context, req Request, onEvent func(StreamEvent), onIdle func(Idle) error) error {
	if onEvent == nil {
		onEvent = func(StreamEvent) {}
	}
	return s.exchange(ctx, req, onEvent, onIdle)
}

// exchange runs one agent request. Reads are bounded by the read timeout inside an
// outer deadline of Config.Timeout; a read timeout means "nothing yet", not failure.
func (s *Session) exchange(ctx context.Context, req Request, onEvent func(StreamEvent), onIdle func(Idle) error) error {
	const op = "gateway.agent"

	if err := s.connect(ctx); err != nil {
		return err
	}

	start := time.Now()
	deadline := start.Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	memoryID := req.MemoryID
	if memoryID == "" {
		memoryID = uuid.NewString()
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = s.cfg.DefaultAgentID
	}

	params := agentParams{
		Message:        req.Message,
		SessionKey:     memoryID,
		AgentID:        agentID,
		IdempotencyKey: uuid.NewString(),
		Timeout:        int(time.Until(deadline).Seconds()),
	}

	reqID, err := sendRequest(ctx, s.conn, "agent", params)
	if err != nil {
		s.drop()
		return fault.New(op, fault.ErrConnection, err)
	}

	s.log.Debug().
		Str("session", memoryID).
		Str("agent", agentID).
		Str("reqId", reqID).
		Msg("agent request sent")

	var (
		runID string
		text  []byte
	)
	quiet := &quietClock{start: start, since: start, every: s.cfg.ReadTimeout, onIdle: onIdle}

	finish := func(resp Response) error {
		if resp.MemoryID == "" {
			resp.MemoryID = memoryID
		}
		if resp.RunID == "" {
			resp.RunID = runID
		}
		if resp.Text == "" {
			resp.Text = string(text)
		}
		onEvent(Complete{Response: resp})
		s.log.Debug().Str("session", resp.MemoryID).Str("runId", resp.RunID).Msg("agent run complete")
		return nil
	}
	fail := func(msg string) error {
		onEvent(Error{Message: msg})
		return fault.Newf(op, fault.ErrGateway, "%s", msg)
	}

	for {
		// Unrelated traffic keeps the socket busy without advancing the run.
		if err := quiet.due(); err != nil {
			return err
		}
		f, err := s.next(ctx, op, start, deadline, quiet)
		if err != nil {
			return err
		}

		switch f.Type {
		case frameRes:
			if f.ID != reqID {
				continue
			}
			if !f.ok() {
				return fail(f.errorMessage())
			}

			var result agentResult
			if err := json.Unmarshal(f.Payload, &result); err != nil {
				return fault.New(op, fault.ErrProtocol, fmt.Errorf("parsing agent response: %w", err))
			}
			if result.Status == statusAccepted {
				runID = result.RunID
				quiet.reset()
				s.log.Debug().Str("runId", runID).Msg("agent run accepted")
				continue
			}
			return finish(Response{Text: result.text(), MemoryID: result.SessionKey, RunID: result.RunID})

		case frameEvent:
			if f.Event != eventAgent {
				s.log.Trace().Str("event", f.Event).Msg("event ignored")
				continue
			}

			var ev agentEvent
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				s.log.Warn().Err(err).Msg("malformed agent event")
				continue
			}
			if runID == "" || ev.RunID != runID {
				continue
			}
			quiet.reset()

			switch ev.Stream {
			case streamAssistant:
				delta := ev.Data.Delta
				if delta == "" {
					continue
				}
				text = append(text, delta...)
				onEvent(Delta{Text: delta})
			case streamLifecycle:
				if ev.Data.Phase == phaseError {
					msg := ev.Data.Error
					if msg == "" {
						msg = "agent run failed"
					}
					return fail(msg)
				}
				// phaseEnd: the final res carries the authoritative reply.
			}
		}
	}
}

// next waits for the next frame before deadline. Each read is bounded by the read
// timeout; when one expires the idle hook runs and the wait resumes.
func (s *Session) next(ctx context.Context, op string, start, deadline time.Time, quiet *quietClock) (frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return frame{}, fmt.Errorf("%s: %w", op, err)
		}
		if !time.Now().Before(deadline) {
			return frame{}, fault.Newf(op, fault.ErrTimeout, "no reply after %s", time.Since(start).Round(time.Second))
		}

		rctx, cancel := context.WithDeadline(ctx, deadline)
		data, err := s.conn.Receive(rctx)
		cancel()

		if err != nil {
			switch {
			case fault.IsTimeout(err):
				if err := quiet.fire(); err != nil {
					return frame{}, err
				}
				continue
			case errors.Is(err, context.Canceled):
				return frame{}, fmt.Errorf("%s: %w", op, err)
			case errors.Is(err, io.EOF):
				s.drop()
				return frame{}, &fault.Error{Op: op, Kind: fault.ErrConnection, Detail: "gateway closed the connection", Err: err}
			default:
				s.drop()
				if fault.KindOf(err) == nil {
					return frame{}, fault.New(op, fault.ErrConnection, err)
				}
				return frame{}, err
			}
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.log.Warn().Err(err).Msg("gateway parse error")
			continue
		}
		return f, nil
	}
}

// quietClock tracks how long a run has gone without a frame of its own. Frames
// for other runs and unrelated events do not count as progress.
type quietClock struct {
	start  time.Time
	since  time.Time
	every  time.Duration
	onIdle func(Idle) error
}

func (q *quietClock) reset() {
	q.since = time.Now()
}

// due fires the idle hook once the run has been quiet for at least every.
func (q *quietClock) due() error {
	if q.every <= 0 || time.Since(q.since) < q.every {
		return nil
	}
	return q.fire()
}

func (q *quietClock) fire() error {
	q.since = time.Now()
	if q.onIdle == nil {
		return nil
	}
	return q.onIdle(Idle{Elapsed: time.Since(q.start)})
}
