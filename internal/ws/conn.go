package ws

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/grantcarthew/clawlink/internal/fault"
)

// DefaultReadTimeout bounds each blocking read on the socket.
const DefaultReadTimeout = 30 * time.Second

// DefaultHandshakeTimeout bounds TCP connect plus the Upgrade exchange when ctx has no deadline.
const DefaultHandshakeTimeout = 10 * time.Second

// closeWriteTimeout bounds the best-effort close frame.
const closeWriteTimeout = time.Second

// Option configures Dial.
type Option func(*options)

type options struct {
	readTimeout      time.Duration
	handshakeTimeout time.Duration
	header           http.Header
	tlsConfig        *tls.Config
	logger           zerolog.Logger
}

// WithReadTimeout sets the per-read timeout. Values <= 0 keep the default.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// WithHandshakeTimeout bounds the connect and Upgrade exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.handshakeTimeout = d
		}
	}
}

// WithHeader adds a header to the Upgrade request.
func WithHeader(name, value string) Option {
	return func(o *options) {
		o.header.Add(name, value)
	}
}

// WithTLSConfig sets the TLS configuration used for wss:// endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Conn is one upgraded WebSocket connection. It is not safe for concurrent use:
// the owning session performs one call at a time.
type Conn struct {
	conn        net.Conn
	br          *bufio.Reader
	upgraded    bool
	readTimeout time.Duration
	log         zerolog.Logger

	eof    bool  // close frame or end of stream observed
	broken error // sticky failure after the frame stream lost sync
	closed bool
}

// Dial opens a TCP (or TLS for wss) connection to rawURL and performs the Upgrade handshake.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Conn, error) {
	o := options{
		readTimeout:      DefaultReadTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		header:           make(http.Header),
		logger:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger.With().Str("component", "ws").Logger()

	u, addr, secure, err := parseEndpoint(rawURL)
	if err != nil {
		return nil, fault.New("ws.Dial", fault.ErrConnection, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.handshakeTimeout)
		defer cancel()
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fault.New("ws.Dial", fault.ErrConnection, err)
	}

	if secure {
		cfg := o.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fault.New("ws.Dial", fault.ErrConnection, err)
		}
		nc = tc
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	c := &Conn{
		conn:        nc,
		br:          bufio.NewReader(nc),
		readTimeout: o.readTimeout,
		log:         log,
	}

	status, err := handshake(nc, c.br, u, o.header)
	if err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	c.upgraded = true

	log.Debug().Str("url", u.Redacted()).Str("status", status).Msg("websocket upgraded")
	return c, nil
}

// parseEndpoint resolves the request URL and dial address for a ws, wss, http or https URL.
func parseEndpoint(rawURL string) (*url.URL, string, bool, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", false, fmt.Errorf("parse endpoint: %w", err)
	}

	var secure bool
	var port string
	switch u.Scheme {
	case "ws", "http":
		port = "80"
	case "wss", "https":
		secure = true
		port = "443"
	default:
		return nil, "", false, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, "", false, fmt.Errorf("endpoint %q has no host", rawURL)
	}
	if u.Port() != "" {
		port = u.Port()
	}

	return u, net.JoinHostPort(u.Hostname(), port), secure, nil
}

// newConn wraps an already-upgraded connection. Used by tests that drive raw bytes.
func newConn(nc net.Conn, readTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Conn{
		conn:        nc,
		br:          bufio.NewReader(nc),
		upgraded:    true,
		readTimeout: readTimeout,
		log:         zerolog.Nop(),
	}
}

// ReadTimeout returns the per-read timeout.
func (c *Conn) ReadTimeout() time.Duration {
	return c.readTimeout
}

// SetReadTimeout changes the per-read timeout. Values <= 0 are ignored.
func (c *Conn) SetReadTimeout(d time.Duration) {
	if d > 0 {
		c.readTimeout = d
	}
}

// Send writes payload as one masked text frame.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	return c.writeFrame(ctx, "ws.Send", OpText, payload)
}

func (c *Conn) writeFrame(ctx context.Context, op string, code Opcode, payload []byte) error {
	if c.closed || !c.upgraded {
		return fault.Newf(op, fault.ErrConnection, "connection is closed")
	}
	if c.broken != nil {
		return c.broken
	}

	data, err := EncodeFrame(code, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)

	n, err := c.conn.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return fault.New(op, fault.ErrTimeout, err)
		}
		return fault.New(op, fault.ErrConnection, err)
	}
	if n != len(data) {
		return fault.Newf(op, fault.ErrConnection, "short write (%d of %d bytes)", n, len(data))
	}

	c.log.Debug().Stringer("opcode", code).Int("bytes", len(payload)).Msg("frame sent")
	return nil
}

// Receive returns the payload of the next text or binary frame.
// Ping frames are answered with a pong and skipped; unsolicited pongs are skipped.
// A close frame or a short read returns io.EOF. A read that outlasts the read
// timeout (or the ctx deadline, whichever is sooner) returns a fault.ErrTimeout
// error and the connection stays usable.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if c.broken != nil {
		return nil, c.broken
	}
	if c.closed || c.eof {
		return nil, io.EOF
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	for {
		f, err := c.readFrame(ctx)
		if err != nil {
			return nil, err
		}

		c.log.Debug().Stringer("opcode", f.Opcode).Int("bytes", len(f.Payload)).Msg("frame received")

		switch f.Opcode {
		case OpPing:
			if err := c.writeFrame(ctx, "ws.Receive", OpPong, f.Payload); err != nil {
				return nil, err
			}
		case OpPong:
		case OpClose:
			c.eof = true
			return nil, io.EOF
		default:
			return f.Payload, nil
		}
	}
}

// readFrame waits for the first byte of a frame under the read deadline, then reads
// the remainder under a fresh read timeout.
func (c *Conn) readFrame(ctx context.Context) (Frame, error) {
	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	if err := ctx.Err(); err != nil {
		return Frame{}, contextError(err)
	}

	if _, err := c.br.Peek(1); err != nil {
		return Frame{}, c.readError(ctx, err, false)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	if err := ctx.Err(); err != nil && c.br.Buffered() == 0 {
		return Frame{}, contextError(err)
	}

	f, err := DecodeFrame(c.br)
	if err != nil {
		var fe *fault.Error
		if errors.As(err, &fe) {
			c.broken = err
			return f, err
		}
		return f, c.readError(ctx, err, true)
	}
	return f, nil
}

// readError classifies a failed socket read.
func (c *Conn) readError(ctx context.Context, err error, midFrame bool) error {
	if midFrame && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		c.broken = fault.New("ws.Receive", fault.ErrConnection, fmt.Errorf("frame interrupted: %w", err))
		return c.broken
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !midFrame {
		return contextError(ctxErr)
	}

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return fault.New("ws.Receive", fault.ErrTimeout, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		c.eof = true
		c.log.Debug().Err(err).Msg("end of stream")
		return io.EOF
	default:
		c.broken = fault.New("ws.Receive", fault.ErrConnection, err)
		return c.broken
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New("ws.Receive", fault.ErrTimeout, err)
	}
	return fmt.Errorf("ws.Receive: %w", err)
}

// Close sends a best-effort close frame and releases the socket. Safe to call more than once.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true

	if c.upgraded && !c.eof && c.broken == nil {
		if data, err := EncodeFrame(OpClose, nil); err == nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			_, _ = c.conn.Write(data)
		}
	}

	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
