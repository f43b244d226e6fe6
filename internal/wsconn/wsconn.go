// Package wsconn is the shared dial/write/backoff helper used by both the
// session and global-events WebSocket connections (§4.3, §4.4). It is the
// client-side counterpart of the teacher pattern in
// inercia/mitto/internal/web/ws_conn.go, adapted from server-side Upgrade
// to client-side Dial: a mutex-guarded writer (gorilla/websocket forbids
// concurrent writers on one connection) plus full-jitter exponential
// backoff for reconnects.
package wsconn

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a *websocket.Conn with a write mutex so multiple goroutines
// (the keepalive ticker and the caller's outbound messages) can share one
// connection safely.
type Conn struct {
	raw *websocket.Conn

	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// Dial opens a WebSocket connection to u, converting an http(s) origin to
// ws(s) if necessary (grounded on the teacher's internal/client.Client.Connect).
func Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	raw, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	return &Conn{raw: raw}, nil
}

// ErrUnauthorized is returned by Dial when the handshake is rejected with
// 401, the signal the close algorithm (§4.3) uses to stop reconnecting and
// redirect to login instead.
var ErrUnauthorized = fmt.Errorf("websocket handshake unauthorized")

// WriteJSON sends v as a JSON text frame. Safe for concurrent use.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.WriteJSON(v)
}

// WriteRaw sends pre-encoded bytes as a text frame. Safe for concurrent use.
func (c *Conn) WriteRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage blocks until a frame arrives, returning its payload.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.raw.ReadMessage()
	return data, err
}

// Close closes the underlying connection. Idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// Backoff computes reconnect delays using exponential backoff with full
// jitter (§4.3 close algorithm, §5): delay = random(0, min(cap, base*2^n)).
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
}

// DefaultBackoff matches §4.3's "starting at ~1s and capped (e.g., 30s)".
func DefaultBackoff() *Backoff {
	return &Backoff{Base: time.Second, Cap: 30 * time.Second}
}

// Next returns the delay before the next reconnect attempt and advances the
// internal attempt counter.
func (b *Backoff) Next() time.Duration {
	cap := b.Cap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}

	maxDelay := base << b.attempt
	if maxDelay <= 0 || maxDelay > cap { // overflow or past cap
		maxDelay = cap
	}
	b.attempt++

	if maxDelay <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(maxDelay)))
}

// Reset zeroes the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of reconnect attempts made since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
