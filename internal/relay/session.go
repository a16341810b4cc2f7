package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/protocol"
)

// Transport is the session's connection to one peer.
type Transport interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteText(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
	RemoteAddr() string
}

// State is the lifecycle state of a Session.
type State int

const (
	StateConnected State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrAuthFailed is returned by Run when the peer's AUTH frame carried an
// unknown credential.
var ErrAuthFailed = errors.New("authentication failed")

// Session drives one peer connection from accept to teardown.
type Session struct {
	id        string
	transport Transport
	table     *config.Table
	registry  *Registry
	events    Publisher
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	credential  string
	peer        *config.PeerConfig
	encoding    protocol.Encoding
	connectedAt time.Time

	teardownOnce sync.Once
}

func NewSession(t Transport, table *config.Table, registry *Registry, events Publisher) *Session {
	id := uuid.NewString()
	return &Session{
		id:        id,
		transport: t,
		table:     table,
		registry:  registry,
		events:    events,
		log:       slog.With("session", id[:8], "remote", t.RemoteAddr()),
		state:     StateConnected,
	}
}

func (s *Session) SessionID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PeerName is the display name of the authenticated peer, or "" before AUTH.
func (s *Session) PeerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return ""
	}
	return s.peer.Name
}

func (s *Session) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

func (s *Session) RemoteAddr() string { return s.transport.RemoteAddr() }

// Run reads frames until the transport fails, the peer fails to
// authenticate, or ctx is cancelled. It always tears the session down
// before returning.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	for {
		raw, err := s.transport.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handle(ctx, raw); err != nil {
			return err
		}
	}
}

func (s *Session) handle(ctx context.Context, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		s.log.Warn("dropping malformed frame", "err", err)
		return nil
	}

	switch msg := env.(type) {
	case protocol.Auth:
		return s.authenticate(msg, protocol.DetectEncoding(raw))

	case protocol.ChatFromPeer:
		cred, peer, ok := s.identity()
		if !ok {
			s.log.Debug("discarding frame before auth", "type", msg.Type())
			return nil
		}
		s.events.Publish(ChatEvent{
			Credential:  cred,
			Peer:        peer.Name,
			Destination: peer.ChatDestination,
			User:        msg.User,
			Message:     msg.Message,
			At:          time.Now().UTC(),
		})

	case protocol.StatusReport:
		cred, peer, ok := s.identity()
		if !ok {
			s.log.Debug("discarding frame before auth", "type", msg.Type())
			return nil
		}
		s.events.Publish(StatusEvent{
			Credential:  cred,
			Fingerprint: auth.Fingerprint(cred),
			Peer:        peer.Name,
			Destination: peer.StatusDestination,
			Report:      msg,
			At:          time.Now().UTC(),
		})
	}
	return nil
}

func (s *Session) authenticate(msg protocol.Auth, enc protocol.Encoding) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		s.log.Debug("ignoring repeated auth", "state", s.state)
		return nil
	}

	peer, ok := s.table.Lookup(msg.Token)
	if !ok {
		s.state = StateClosed
		s.mu.Unlock()
		s.log.Warn("auth rejected", "fingerprint", auth.Fingerprint(msg.Token))
		s.transport.Close(websocket.StatusPolicyViolation, "authentication failed")
		return ErrAuthFailed
	}

	s.state = StateAuthenticated
	s.credential = msg.Token
	s.peer = peer
	s.encoding = enc
	s.connectedAt = time.Now().UTC()
	s.log = s.log.With("peer", peer.Name)
	s.mu.Unlock()

	if prev := s.registry.Register(msg.Token, s); prev != nil {
		s.log.Info("peer reconnected, superseding session", "previous", prev.SessionID())
	} else {
		s.log.Info("peer authenticated", "encoding", enc)
	}

	s.events.Publish(ConnectedEvent{
		Credential:  msg.Token,
		Fingerprint: auth.Fingerprint(msg.Token),
		Peer:        peer.Name,
		SessionID:   s.id,
		RemoteAddr:  s.transport.RemoteAddr(),
		At:          s.connectedAt,
	})
	return nil
}

func (s *Session) identity() (string, *config.PeerConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return "", nil, false
	}
	return s.credential, s.peer, true
}

// Deliver writes cmd in the encoding the peer used to authenticate.
func (s *Session) Deliver(ctx context.Context, cmd protocol.Command) error {
	s.mu.Lock()
	enc := s.encoding
	s.mu.Unlock()

	data, err := protocol.EncodeCommand(cmd, enc)
	if err != nil {
		return err
	}
	return s.transport.WriteText(ctx, data)
}

// teardown runs exactly once per session, however it ends.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		wasAuthenticated := s.state == StateAuthenticated
		s.state = StateClosed
		cred, peer := s.credential, s.peer
		s.mu.Unlock()

		s.transport.CloseNow()

		if !wasAuthenticated {
			return
		}
		owned := s.registry.UnregisterIfOwner(cred, s)
		s.log.Info("peer disconnected", "superseded", !owned)
		s.events.Publish(DisconnectedEvent{
			Credential:  cred,
			Fingerprint: auth.Fingerprint(cred),
			Peer:        peer.Name,
			SessionID:   s.id,
			Superseded:  !owned,
			At:          time.Now().UTC(),
		})
	})
}
