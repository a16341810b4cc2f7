// Package connection wraps one accepted peer websocket.
package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// WSConn is a single peer websocket. Reads must come from one goroutine;
// writes are serialized and bounded by the write timeout so a stalled peer
// cannot wedge a caller.
type WSConn struct {
	conn         *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration
	mu           sync.Mutex
}

// NewWSConn wraps conn. readLimit bounds a single inbound message; zero
// keeps the library default.
func NewWSConn(conn *websocket.Conn, remoteAddr string, writeTimeout time.Duration, readLimit int64) *WSConn {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &WSConn{conn: conn, remoteAddr: remoteAddr, writeTimeout: writeTimeout}
}

// ReadMessage blocks for the next text or binary message. A close frame
// from the peer is reported as io.EOF.
func (c *WSConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// WriteText sends one text message.
func (c *WSConn) WriteText(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs the closing handshake with the given status.
func (c *WSConn) Close(code websocket.StatusCode, reason string) error {
	return c.conn.Close(code, reason)
}

// CloseNow drops the connection without a handshake.
func (c *WSConn) CloseNow() error {
	return c.conn.CloseNow()
}

func (c *WSConn) RemoteAddr() string { return c.remoteAddr }
