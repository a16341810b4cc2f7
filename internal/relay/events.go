package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/codewiresh/chatrelay/internal/protocol"
	"github.com/codewiresh/chatrelay/internal/status"
)

// Event is something the hub tells in-process consumers about. Credential
// fields never leave the process: they are excluded from JSON.
type Event interface {
	Kind() string
}

// ChatEvent is a chat line received from an authenticated peer.
type ChatEvent struct {
	Credential  string    `json:"-"`
	Peer        string    `json:"peer"`
	Destination string    `json:"destination,omitempty"`
	User        string    `json:"user"`
	Message     string    `json:"message"`
	At          time.Time `json:"at"`
}

// StatusEvent is a status report received from an authenticated peer.
type StatusEvent struct {
	Credential  string                `json:"-"`
	Fingerprint string                `json:"fingerprint"`
	Peer        string                `json:"peer"`
	Destination string                `json:"destination,omitempty"`
	Report      protocol.StatusReport `json:"report"`
	At          time.Time             `json:"at"`
}

type ConnectedEvent struct {
	Credential  string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	Peer        string    `json:"peer"`
	SessionID   string    `json:"session_id"`
	RemoteAddr  string    `json:"remote_addr"`
	At          time.Time `json:"at"`
}

// DisconnectedEvent is published when an authenticated session ends.
// Superseded is set when a newer session already owns the credential.
type DisconnectedEvent struct {
	Credential  string    `json:"-"`
	Fingerprint string    `json:"fingerprint"`
	Peer        string    `json:"peer"`
	SessionID   string    `json:"session_id"`
	Superseded  bool      `json:"superseded"`
	At          time.Time `json:"at"`
}

// BoardEvent carries a periodic status board snapshot.
type BoardEvent struct {
	Entries []status.Entry `json:"entries"`
	At      time.Time      `json:"at"`
}

func (ChatEvent) Kind() string         { return "chat" }
func (StatusEvent) Kind() string       { return "status" }
func (ConnectedEvent) Kind() string    { return "connected" }
func (DisconnectedEvent) Kind() string { return "disconnected" }
func (BoardEvent) Kind() string        { return "board" }

// MarshalEvent renders ev as {"kind": ..., "data": {...}}.
func MarshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(struct {
		Kind string `json:"kind"`
		Data Event  `json:"data"`
	}{Kind: ev.Kind(), Data: ev})
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(ev Event)
}

// Fanout broadcasts events to every subscriber on a best-effort basis.
// A subscriber whose buffer is full misses the event.
type Fanout struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	log  *slog.Logger
}

func NewFanout(log *slog.Logger) *Fanout {
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{subs: make(map[int]chan Event), log: log}
}

// Subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (f *Fanout) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}

func (f *Fanout) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.log.Debug("event dropped for slow subscriber", "subscriber", id, "kind", ev.Kind())
		}
	}
}
