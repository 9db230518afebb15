package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/grantcarthew/clawlink/internal/fault"
	"github.com/grantcarthew/clawlink/internal/ws"
)

// DefaultTimeout is the default timeout for CDP commands.
const DefaultTimeout = 30 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the deadline Send applies to each command.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) {
		c.base = l
		c.log = l.With().Str("component", "cdp").Logger()
	}
}

// Client is a synchronous CDP client. Each command blocks until its response
// arrives; events seen while waiting go to subscribers and are then dropped.
// A Client is not safe for concurrent use.
type Client struct {
	conn    Conn
	timeout time.Duration
	base    zerolog.Logger
	log     zerolog.Logger

	nextID    int64
	pending   *PendingCommand
	listeners map[string][]func(Event)

	// err is set once the connection is unusable; later calls return it.
	err    error
	closed bool
}

// NewClient creates a new CDP client with the given connection.
func NewClient(conn Conn, opts ...Option) *Client {
	c := &Client{
		conn:      conn,
		timeout:   DefaultTimeout,
		base:      zerolog.Nop(),
		log:       zerolog.Nop(),
		listeners: make(map[string][]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dial connects to a CDP endpoint and returns a new client.
func Dial(ctx context.Context, wsURL string, opts ...Option) (*Client, error) {
	c := NewClient(nil, opts...)

	conn, err := ws.Dial(ctx, wsURL, ws.WithReadTimeout(c.timeout), ws.WithLogger(c.base))
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// Timeout returns the per-command deadline used by Send.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Pending returns the command currently awaiting a response, or nil.
func (c *Client) Pending() *PendingCommand {
	return c.pending
}

// Send sends a CDP command and waits for the response.
// Uses the client timeout.
func (c *Client) Send(method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.SendContext(ctx, method, params)
}

// SendContext sends a CDP command and reads messages until the matching response
// arrives or ctx is done. When ctx carries no deadline the client timeout applies.
func (c *Client) SendContext(ctx context.Context, method string, params any) (json.RawMessage, error) {
	op := "cdp." + method

	if c.closed {
		return nil, fault.Newf(op, fault.ErrConnection, "client is closed")
	}
	if c.err != nil {
		return nil, fault.New(op, fault.ErrConnection, c.err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	c.nextID++
	id := c.nextID

	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to marshal request: %w", op, err)
	}

	c.pending = &PendingCommand{ID: id, Method: method, Issued: time.Now()}
	defer func() { c.pending = nil }()

	if err := c.conn.Send(ctx, data); err != nil {
		return nil, c.fail(op, err)
	}
	c.log.Debug().Int64("id", id).Str("method", method).Msg("command sent")

	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			if fault.IsTimeout(err) && !expired(ctx) {
				// Read timeout shorter than the command deadline.
				continue
			}
			return nil, c.awaitError(ctx, op, err)
		}

		resp, evt, err := parseMessage(data)
		if err != nil {
			return nil, fault.New(op, fault.ErrProtocol, err)
		}

		if evt != nil {
			c.log.Debug().Str("event", evt.Method).Int64("awaiting", id).Msg("event discarded")
			c.dispatchEvent(evt)
			continue
		}

		if resp.ID != id {
			c.log.Debug().Int64("id", resp.ID).Int64("awaiting", id).Msg("stale response discarded")
			continue
		}

		c.log.Debug().Int64("id", id).Str("method", method).
			Dur("elapsed", time.Since(c.pending.Issued)).Msg("response received")

		if resp.Error != nil {
			return nil, fault.New(op, fault.ErrProtocol, resp.Error)
		}
		return resp.Result, nil
	}
}

// awaitError classifies a failed read while a command is outstanding.
func (c *Client) awaitError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, io.EOF):
		c.err = err
		return &fault.Error{Op: op, Kind: fault.ErrConnection, Detail: "connection closed while awaiting response", Err: err}
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	case fault.IsTimeout(err):
		elapsed := time.Duration(0)
		if c.pending != nil {
			elapsed = time.Since(c.pending.Issued).Round(time.Millisecond)
		}
		return &fault.Error{Op: op, Kind: fault.ErrTimeout, Detail: fmt.Sprintf("no response after %s", elapsed), Err: err}
	default:
		return c.fail(op, err)
	}
}

// fail records a transport failure so later calls report it without touching the socket.
func (c *Client) fail(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}

	kind := fault.KindOf(err)
	if kind == nil {
		kind = fault.ErrConnection
	}
	if kind == fault.ErrConnection || kind == fault.ErrProtocol {
		c.err = err
	}
	return fault.New(op, kind, err)
}

func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

// Subscribe registers a handler for CDP events matching the given method.
// Handlers run synchronously while a command is awaiting its response.
func (c *Client) Subscribe(method string, handler func(Event)) {
	c.listeners[method] = append(c.listeners[method], handler)
}

// dispatchEvent calls all registered handlers for an event.
func (c *Client) dispatchEvent(evt *Event) {
	for _, handler := range c.listeners[evt.Method] {
		handler(*evt)
	}
}

// Err returns the failure that made the client unusable, if any.
func (c *Client) Err() error {
	return c.err
}

// Close closes the client connection.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
