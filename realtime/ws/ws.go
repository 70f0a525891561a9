// Package ws wraps gorilla/websocket with context-aware reads and
// writes and a serialized JSON write path, so callers from multiple
// goroutines can share one connection safely.
package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type Conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex // Serializes frame writes; gorilla allows one writer.
}

// UpgraderOptions exposes a small set of websocket upgrader controls.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		// Prefer the tighter of dialer.HandshakeTimeout and the context deadline.
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// ReadMessage reads a websocket frame and respects the context deadline
// and cancellation.
func (c *Conn) ReadMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	// gorilla/websocket does not unblock ReadMessage on context
	// cancellation on its own. When the context is canceled, force the
	// in-flight read to wake up and map the I/O timeout back to ctx.Err().
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetReadDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	mt, b, err := c.c.ReadMessage()
	if err == nil {
		return mt, b, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return 0, nil, cerr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, nil, context.DeadlineExceeded
		}
	}
	return 0, nil, err
}

// WriteJSON marshals v and writes it as one text frame.
func (c *Conn) WriteJSON(ctx context.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeMessage(ctx, websocket.TextMessage, b)
}

func (c *Conn) writeMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	// Like ReadMessage, force a blocked write to wake up on cancellation.
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetWriteDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	err := c.c.WriteMessage(messageType, data)
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// Close closes the websocket connection.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame before closing.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// Underlying exposes the raw gorilla/websocket connection.
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
