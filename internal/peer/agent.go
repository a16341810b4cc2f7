// Package peer is a reference game-server side client for the hub. It
// keeps one authenticated connection open, reconnecting with backoff.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/chatrelay/internal/protocol"
)

const (
	DefaultMinBackoff = time.Second
	DefaultMaxBackoff = 30 * time.Second
)

var (
	// ErrRejected means the hub refused the credential. Retrying cannot help.
	ErrRejected     = errors.New("credential rejected by hub")
	ErrNotConnected = errors.New("not connected")
)

// Config configures an Agent.
type Config struct {
	// URL is the hub's peer endpoint, e.g. "ws://hub:8080/". http(s) URLs
	// are converted.
	URL        string
	Credential string
	Encoding   protocol.Encoding
	// OnCommand is called for every command the hub sends, on the read
	// goroutine.
	OnCommand func(protocol.Command)

	MinBackoff time.Duration
	MaxBackoff time.Duration
}

type Agent struct {
	cfg Config

	mu   sync.Mutex
	conn *websocket.Conn
	// up is closed while a connection is authenticated and replaced on
	// disconnect.
	up chan struct{}
}

func New(cfg Config) *Agent {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultMinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.OnCommand == nil {
		cfg.OnCommand = func(protocol.Command) {}
	}
	return &Agent{cfg: cfg, up: make(chan struct{})}
}

// Run connects and reconnects until ctx is cancelled or the hub rejects
// the credential.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.cfg.MinBackoff
	for {
		connected, err := a.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if connected {
			backoff = a.cfg.MinBackoff
		}
		slog.Warn("hub connection lost", "err", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff = min(backoff*2, a.cfg.MaxBackoff)
	}
}

func (a *Agent) runOnce(ctx context.Context) (bool, error) {
	ws, _, err := websocket.Dial(ctx, toWS(a.cfg.URL), nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer ws.CloseNow()

	hello, err := protocol.EncodeEnvelope(protocol.Auth{Token: a.cfg.Credential}, a.cfg.Encoding)
	if err != nil {
		return false, err
	}
	if err := ws.Write(ctx, websocket.MessageText, hello); err != nil {
		return false, fmt.Errorf("auth: %w", err)
	}

	a.setConn(ws)
	defer a.setConn(nil)
	slog.Info("connected to hub", "url", a.cfg.URL, "encoding", a.cfg.Encoding)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return false, ErrRejected
			}
			return true, fmt.Errorf("read: %w", err)
		}
		cmd, err := protocol.DecodeCommand(data)
		if err != nil {
			slog.Warn("ignoring hub frame", "err", err)
			continue
		}
		a.cfg.OnCommand(cmd)
	}
}

func (a *Agent) setConn(ws *websocket.Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn = ws
	if ws != nil {
		close(a.up)
	} else {
		a.up = make(chan struct{})
	}
}

// WaitConnected blocks until a connection is open or ctx ends. The hub may
// still reject the credential afterwards.
func (a *Agent) WaitConnected(ctx context.Context) error {
	a.mu.Lock()
	up := a.up
	a.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendChat forwards an in-game chat line.
func (a *Agent) SendChat(ctx context.Context, user, message string) error {
	return a.send(ctx, protocol.ChatFromPeer{User: user, Message: message})
}

// SendStatus pushes a status report.
func (a *Agent) SendStatus(ctx context.Context, report protocol.StatusReport) error {
	return a.send(ctx, report)
}

func (a *Agent) send(ctx context.Context, env protocol.Envelope) error {
	a.mu.Lock()
	ws := a.conn
	a.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	data, err := protocol.EncodeEnvelope(env, a.cfg.Encoding)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

// toWS converts http(s):// to ws(s)://.
func toWS(u string) string {
	if rest, ok := strings.CutPrefix(u, "https://"); ok {
		return "wss://" + rest
	}
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		return "ws://" + rest
	}
	return u
}
