// Package wsconn adapts gorilla websocket connections to the text-frame socket used by
// the relay and its client.
package wsconn

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// Options bounds a connection.
type Options struct {
	ReadLimit    int64
	WriteTimeout time.Duration
}

// Conn carries text frames over a websocket. Binary frames are skipped.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// New wraps ws.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	return &Conn{ws: ws, writeTimeout: opts.WriteTimeout}
}

// ReadText blocks for the next text frame.
func (c *Conn) ReadText() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if mt != websocket.TextMessage {
			continue
		}
		return string(data), nil
	}
}

// WriteText sends msg as a single text frame.
func (c *Conn) WriteText(msg string) error {
	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Close sends a normal close frame and releases the connection. Safe to call repeatedly
// and concurrently with ReadText and WriteText.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// IsUnexpectedClose reports whether err is anything other than an orderly close.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
