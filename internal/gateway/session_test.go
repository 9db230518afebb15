package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantcarthew/clawlink/internal/fault"
)

const testToken = "secret-token"

// run is one agent request as seen by the fake gateway.
type run struct {
	reqID  string
	runID  string
	params agentParams
}

// script writes the gateway's side of one agent run.
type script func(ctx context.Context, g *peer, r run)

// peer is the fake gateway's end of one connection.
type peer struct {
	c *websocket.Conn
}

func (p *peer) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return p.c.Write(ctx, websocket.MessageText, data)
}

func (p *peer) res(ctx context.Context, id string, ok bool, payload any, ferr *frameError) error {
	raw, _ := json.Marshal(payload)
	return p.write(ctx, frame{Type: frameRes, ID: id, OK: &ok, Payload: raw, Error: ferr})
}

func (p *peer) event(ctx context.Context, name string, payload any) error {
	raw, _ := json.Marshal(payload)
	return p.write(ctx, frame{Type: frameEvent, Event: name, Payload: raw})
}

func (p *peer) ack(ctx context.Context, r run) error {
	return p.res(ctx, r.reqID, true, map[string]any{"runId": r.runID, "status": statusAccepted}, nil)
}

func (p *peer) delta(ctx context.Context, r run, text string) error {
	return p.event(ctx, eventAgent, map[string]any{
		"runId": r.runID, "stream": streamAssistant, "data": map[string]any{"delta": text},
	})
}

func (p *peer) lifecycle(ctx context.Context, r run, phase, msg string) error {
	data := map[string]any{"phase": phase}
	if msg != "" {
		data["error"] = msg
	}
	return p.event(ctx, eventAgent, map[string]any{"runId": r.runID, "stream": streamLifecycle, "data": data})
}

func (p *peer) final(ctx context.Context, r run, text string) error {
	return p.res(ctx, r.reqID, true, map[string]any{
		"runId":      r.runID,
		"status":     "ok",
		"sessionKey": r.params.SessionKey,
		"result":     map[string]any{"payloads": []map[string]any{{"text": text}}},
	}, nil)
}

// fakeGateway speaks the gateway protocol and keeps per-session conversation history.
type fakeGateway struct {
	srv *httptest.Server

	mu       sync.Mutex
	script   script
	connects int
	connect  []connectParams
	runs     []run
	history  map[string][]string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{history: make(map[string][]string)}
	g.script = g.replyWithTurn
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *fakeGateway) session(t *testing.T, mutate ...func(*Config)) *Session {
	t.Helper()

	cfg := Config{URL: g.url(), Token: testToken, Timeout: 5 * time.Second, ReadTimeout: time.Second}
	for _, m := range mutate {
		m(&cfg)
	}
	s := NewSession(cfg, zerolog.Nop())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (g *fakeGateway) setScript(sc script) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = sc
}

func (g *fakeGateway) recordedRuns() []run {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]run(nil), g.runs...)
}

func (g *fakeGateway) connectCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connects
}

// replyWithTurn streams the reply "turn N: <message>" where N counts messages in the session.
func (g *fakeGateway) replyWithTurn(ctx context.Context, p *peer, r run) {
	g.mu.Lock()
	g.history[r.params.SessionKey] = append(g.history[r.params.SessionKey], r.params.Message)
	turn := len(g.history[r.params.SessionKey])
	g.mu.Unlock()

	reply := fmt.Sprintf("turn %d: %s", turn, r.params.Message)
	_ = p.ack(ctx, r)
	_ = p.delta(ctx, r, reply)
	_ = p.lifecycle(ctx, r, phaseEnd, "")
	_ = p.final(ctx, r, reply)
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	p := &peer{c: c}

	if err := p.event(ctx, eventChallenge, map[string]any{"nonce": "n-1", "ts": time.Now().UnixMilli()}); err != nil {
		return
	}

	var hello frame
	if err := readInto(ctx, c, &hello); err != nil || hello.Method != "connect" {
		return
	}
	var params connectParams
	_ = json.Unmarshal(hello.Params, &params)

	g.mu.Lock()
	g.connects++
	g.connect = append(g.connect, params)
	g.mu.Unlock()

	if params.Auth == nil || params.Auth.Token != testToken {
		_ = p.res(ctx, hello.ID, false, nil, &frameError{Code: "UNAUTHORIZED", Message: "invalid token"})
		return
	}
	if err := p.res(ctx, hello.ID, true, map[string]any{"protocol": Protocol}, nil); err != nil {
		return
	}
	_ = p.event(ctx, "tick", map[string]any{"ts": 1})

	for {
		var req frame
		if err := readInto(ctx, c, &req); err != nil {
			return
		}
		if req.Method != "agent" {
			continue
		}

		var ap agentParams
		_ = json.Unmarshal(req.Params, &ap)

		g.mu.Lock()
		rn := run{reqID: req.ID, runID: fmt.Sprintf("run-%d", len(g.runs)+1), params: ap}
		g.runs = append(g.runs, rn)
		sc := g.script
		g.mu.Unlock()

		sc(ctx, p, rn)
	}
}

func readInto(ctx context.Context, c *websocket.Conn, f *frame) error {
	_, data, err := c.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, f)
}

func TestSession_SendMessage(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	s := g.session(t)

	resp, err := s.SendMessage(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "turn 1: hello", resp.Text)
	assert.NotEmpty(t, resp.MemoryID, "a new conversation still gets a key")
	assert.Equal(t, "run-1", resp.RunID)

	runs := g.recordedRuns()
	require.Len(t, runs, 1)
	assert.Equal(t, DefaultAgentID, runs[0].params.AgentID)
	assert.Equal(t, resp.MemoryID, runs[0].params.SessionKey)
	assert.NotEmpty(t, runs[0].params.IdempotencyKey)
	assert.Positive(t, runs[0].params.Timeout)

	g.mu.Lock()
	hello := g.connect[0]
	g.mu.Unlock()
	assert.Equal(t, Protocol, hello.MinProtocol)
	assert.Equal(t, "operator", hello.Role)
	assert.Equal(t, DefaultClientID, hello.Client.ID)
}

func TestSession_SendMessage_Continuity(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	s := g.session(t)
	ctx := context.Background()

	first, err := s.SendMessage(ctx, Request{Message: "my name is Ada"})
	require.NoError(t, err)

	second, err := s.SendMessage(ctx, Request{Message: "what is my name?", MemoryID: first.MemoryID})
	require.NoError(t, err)
	assert.Equal(t, "turn 2: what is my name?", second.Text, "gateway saw one conversation")
	assert.Equal(t, first.MemoryID, second.MemoryID)

	fresh, err := s.SendMessage(ctx, Request{Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "turn 1: hi", fresh.Text)
	assert.NotEqual(t, first.MemoryID, fresh.MemoryID)

	assert.Equal(t, 1, g.connectCount(), "connection is reused")
}

func TestSession_SendMessage_RoutesAgent(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	s := g.session(t, func(c *Config) { c.DefaultAgentID = "ops" })
	ctx := context.Background()

	_, err := s.SendMessage(ctx, Request{Message: "a"})
	require.NoError(t, err)
	_, err = s.SendMessage(ctx, Request{Message: "b", AgentID: "research"})
	require.NoError(t, err)

	runs := g.recordedRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, "ops", runs[0].params.AgentID)
	assert.Equal(t, "research", runs[1].params.AgentID)
}

func TestSession_StreamMessage_DeltasThenComplete(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
		// Another run's output on the same socket must be ignored.
		_ = p.delta(ctx, run{runID: "other"}, "noise")
		for _, d := range []string{"Hel", "lo, ", "world"} {
			_ = p.delta(ctx, r, d)
		}
		_ = p.event(ctx, "health", map[string]any{"ok": true})
		_ = p.lifecycle(ctx, r, phaseEnd, "")
		_ = p.final(ctx, r, "Hello, world")
	})
	s := g.session(t)

	var events []StreamEvent
	err := s.StreamMessage(context.Background(), Request{Message: "greet"}, func(ev StreamEvent) {
		events = append(events, ev)
	}, nil)
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, Delta{Text: "Hel"}, events[0])
	assert.Equal(t, Delta{Text: "lo, "}, events[1])
	assert.Equal(t, Delta{Text: "world"}, events[2])

	done, ok := events[3].(Complete)
	require.True(t, ok, "last event is %T", events[3])
	assert.Equal(t, "Hello, world", done.Response.Text)
	assert.NotEmpty(t, done.Response.MemoryID)
}

func TestSession_StreamMessage_ErrorEvent(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
		_ = p.delta(ctx, r, "partial")
		_ = p.lifecycle(ctx, r, phaseError, "model overloaded")
	})
	s := g.session(t)

	var events []StreamEvent
	err := s.StreamMessage(context.Background(), Request{Message: "x"}, func(ev StreamEvent) {
		events = append(events, ev)
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrGateway)
	assert.Contains(t, err.Error(), "model overloaded")

	require.Len(t, events, 2)
	assert.Equal(t, Delta{Text: "partial"}, events[0])
	assert.Equal(t, Error{Message: "model overloaded"}, events[1])
	assert.True(t, s.Connected(), "a gateway error keeps the connection")
}

func TestSession_SendMessage_RejectedRequest(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.res(ctx, r.reqID, false, nil, &frameError{Code: "INVALID_REQUEST", Message: "unknown agent"})
	})
	s := g.session(t)

	_, err := s.SendMessage(context.Background(), Request{Message: "x", AgentID: "ghost"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrGateway)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestSession_StreamMessage_IdleBetweenReads(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
		time.Sleep(200 * time.Millisecond)
		_ = p.delta(ctx, r, "slow")
		_ = p.final(ctx, r, "slow")
	})
	s := g.session(t, func(c *Config) { c.ReadTimeout = 40 * time.Millisecond })

	var idles []Idle
	var events []StreamEvent
	err := s.StreamMessage(context.Background(), Request{Message: "x"},
		func(ev StreamEvent) { events = append(events, ev) },
		func(idle Idle) error {
			idles = append(idles, idle)
			return nil
		})
	require.NoError(t, err)

	assert.NotEmpty(t, idles, "read timeouts surface as idle ticks")
	for i := 1; i < len(idles); i++ {
		assert.GreaterOrEqual(t, idles[i].Elapsed, idles[i-1].Elapsed)
	}
	require.Len(t, events, 2)
	assert.IsType(t, Complete{}, events[1])
}

func TestSession_StreamMessage_IdleDespiteUnrelatedEvents(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
		for i := 0; i < 15; i++ {
			time.Sleep(25 * time.Millisecond)
			_ = p.event(ctx, "tick", map[string]any{"ts": i})
		}
		_ = p.delta(ctx, r, "late")
		_ = p.final(ctx, r, "late")
	})
	s := g.session(t, func(c *Config) { c.ReadTimeout = 40 * time.Millisecond })

	var idles []Idle
	var events []StreamEvent
	err := s.StreamMessage(context.Background(), Request{Message: "x"},
		func(ev StreamEvent) { events = append(events, ev) },
		func(idle Idle) error {
			idles = append(idles, idle)
			return nil
		})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(idles), 2, "ticks do not hide a silent run")
	assert.Less(t, len(idles), 15, "idle fires per quiet period, not per tick")
	for i := 1; i < len(idles); i++ {
		assert.GreaterOrEqual(t, idles[i].Elapsed, idles[i-1].Elapsed)
	}
	require.Len(t, events, 2)
	assert.Equal(t, Delta{Text: "late"}, events[0])
	assert.IsType(t, Complete{}, events[1])
}

func TestSession_StreamMessage_IdleHookAborts(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
	})
	s := g.session(t, func(c *Config) { c.ReadTimeout = 20 * time.Millisecond })

	errInterrupted := errors.New("interrupted")
	err := s.StreamMessage(context.Background(), Request{Message: "x"}, nil, func(Idle) error {
		return errInterrupted
	})
	assert.ErrorIs(t, err, errInterrupted)
}

func TestSession_OverallTimeout(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
	})
	s := g.session(t, func(c *Config) {
		c.Timeout = 150 * time.Millisecond
		c.ReadTimeout = 40 * time.Millisecond
	})

	start := time.Now()
	_, err := s.SendMessage(context.Background(), Request{Message: "x"})
	require.Error(t, err)
	assert.True(t, fault.IsTimeout(err), "got %v", err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSession_ContextCancel(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
	})
	s := g.session(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.SendMessage(ctx, Request{Message: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSession_AuthRejected(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	s := g.session(t, func(c *Config) { c.Token = "wrong" })

	_, err := s.SendMessage(context.Background(), Request{Message: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, fault.ErrGateway)
	assert.Contains(t, err.Error(), "invalid token")
	assert.False(t, s.Connected())
}

func TestSession_ReconnectsAfterDisconnect(t *testing.T) {
	t.Parallel()

	g := newFakeGateway(t)
	g.setScript(func(ctx context.Context, p *peer, r run) {
		_ = p.ack(ctx, r)
		_ = p.c.CloseNow()
	})
	s := g.session(t)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, Request{Message: "x"})
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err), "got %v", err)
	assert.False(t, s.Connected())

	g.setScript(g.replyWithTurn)
	resp, err := s.SendMessage(ctx, Request{Message: "again"})
	require.NoError(t, err)
	assert.Equal(t, "turn 1: again", resp.Text)
	assert.Equal(t, 2, g.connectCount())
}

func TestSession_DialBreakerOpens(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewSession(Config{URL: "ws://" + addr}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < defaultBreakerFailures; i++ {
		_, err := s.SendMessage(ctx, Request{Message: "x"})
		require.Error(t, err)
		assert.True(t, fault.IsConnection(err))
		assert.NotContains(t, err.Error(), "circuit open")
	}

	_, err = s.SendMessage(ctx, Request{Message: "x"})
	require.Error(t, err)
	assert.True(t, fault.IsConnection(err))
	assert.Contains(t, err.Error(), "circuit open")
}

func TestNewSession_Defaults(t *testing.T) {
	t.Parallel()

	s := NewSession(Config{URL: "ws://127.0.0.1:1"}, zerolog.Nop())
	cfg := s.Config()

	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultReadTimeout, cfg.ReadTimeout)
	assert.Equal(t, DefaultAgentID, cfg.DefaultAgentID)
	assert.Equal(t, DefaultClientID, cfg.ClientID)
	assert.Equal(t, []string{"operator.admin"}, cfg.Scopes)
	assert.NoError(t, s.Close())
}
