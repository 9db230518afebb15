package ws

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/grantcarthew/clawlink/internal/fault"
)

// acceptGUID is appended to the client key to derive Sec-WebSocket-Accept (RFC 6455 section 1.3).
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// generateKey returns 16 random bytes, base64 encoded, for Sec-WebSocket-Key.
func generateKey() (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// acceptKey computes the Sec-WebSocket-Accept value expected for key.
func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// buildUpgradeRequest renders the HTTP/1.1 Upgrade request for u.
func buildUpgradeRequest(u *url.URL, key string, header http.Header) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "GET %s HTTP/1.1\r\n", u.RequestURI())
	fmt.Fprintf(&sb, "Host: %s\r\n", u.Host)
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Key: %s\r\n", key)
	sb.WriteString("Sec-WebSocket-Version: 13\r\n")
	for name, values := range header {
		for _, v := range values {
			fmt.Fprintf(&sb, "%s: %s\r\n", name, v)
		}
	}
	sb.WriteString("\r\n")

	return sb.String()
}

// handshake writes the Upgrade request and reads the response headers up to the blank line.
// br must wrap the same connection as w; bytes buffered past the headers belong to the first frame.
func handshake(w io.Writer, br *bufio.Reader, u *url.URL, header http.Header) (string, error) {
	key, err := generateKey()
	if err != nil {
		return "", fault.New("ws.Dial", fault.ErrConnection, err)
	}

	req := buildUpgradeRequest(u, key, header)
	n, err := io.WriteString(w, req)
	if err != nil {
		return "", fault.New("ws.Dial", fault.ErrConnection, err)
	}
	if n != len(req) {
		return "", fault.Newf("ws.Dial", fault.ErrConnection, "short write of upgrade request (%d of %d bytes)", n, len(req))
	}

	status, err := br.ReadString('\n')
	if err != nil {
		return "", fault.New("ws.Dial", fault.ErrConnection, fmt.Errorf("read status line: %w", err))
	}
	status = strings.TrimSpace(status)

	resp := make(http.Header)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return status, fault.New("ws.Dial", fault.ErrConnection, fmt.Errorf("read response header: %w", err))
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok {
			resp.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	fields := strings.Fields(status)
	if len(fields) < 2 || fields[1] != "101" {
		return status, fault.Newf("ws.Dial", fault.ErrConnection, "upgrade rejected: %q", status)
	}

	if accept := resp.Get("Sec-WebSocket-Accept"); accept != "" && accept != acceptKey(key) {
		return status, fault.Newf("ws.Dial", fault.ErrConnection, "Sec-WebSocket-Accept mismatch")
	}

	return status, nil
}
