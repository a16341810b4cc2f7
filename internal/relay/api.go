package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/bridge"
)

// eventBuffer is the per-stream backlog before events are dropped.
const eventBuffer = 64

// PeerInfo is one row of GET /api/v1/peers.
type PeerInfo struct {
	Name        string     `json:"name"`
	Fingerprint string     `json:"fingerprint"`
	Connected   bool       `json:"connected"`
	SessionID   string     `json:"session_id,omitempty"`
	RemoteAddr  string     `json:"remote_addr,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
}

// ConsoleRequest is the body of POST /api/v1/peers/{name}/console.
type ConsoleRequest struct {
	Command string `json:"command"`
	User    string `json:"user"`
}

// ChatRequest is the body of POST /api/v1/peers/{name}/chat and
// POST /api/v1/chat. Destination is only used by the latter.
type ChatRequest struct {
	Destination string `json:"destination,omitempty"`
	UserID      string `json:"user_id,omitempty"`
	User        string `json:"user"`
	Message     string `json:"message"`
	Color       string `json:"color,omitempty"`
}

// DeliveryResponse reports the outcome of a command request. Reply is set
// when a bot command answered instead of delivering anything.
type DeliveryResponse struct {
	Status string        `json:"status"`
	Error  string        `json:"error,omitempty"`
	Reply  *bridge.Reply `json:"reply,omitempty"`
}

func (h *Hub) registerAPI(mux *http.ServeMux) {
	authed := requireToken(h.adminToken)

	mux.Handle("GET /api/v1/peers", authed(http.HandlerFunc(h.peersListHandler)))
	mux.Handle("POST /api/v1/peers/{name}/console", authed(http.HandlerFunc(h.consoleHandler)))
	mux.Handle("POST /api/v1/peers/{name}/chat", authed(http.HandlerFunc(h.peerChatHandler)))
	mux.Handle("POST /api/v1/chat", authed(http.HandlerFunc(h.chatHandler)))
	mux.Handle("GET /api/v1/status", authed(http.HandlerFunc(h.statusHandler)))
	mux.Handle("GET /api/v1/events", authed(http.HandlerFunc(h.eventsHandler)))
}

// requireToken rejects requests without "Authorization: Bearer <token>".
func requireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidate, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || !auth.ValidateToken(token, candidate) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Peers ---

func (h *Hub) peersListHandler(w http.ResponseWriter, r *http.Request) {
	creds := h.table.Credentials()
	resp := make([]PeerInfo, 0, len(creds))
	for _, cred := range creds {
		peer, _ := h.table.Lookup(cred)
		info := PeerInfo{Name: peer.Name, Fingerprint: auth.Fingerprint(cred)}
		if handle, ok := h.Registry.Lookup(cred); ok {
			info.Connected = true
			info.SessionID = handle.SessionID()
			if s, ok := handle.(*Session); ok {
				at := s.ConnectedAt()
				info.ConnectedAt = &at
				info.RemoteAddr = s.RemoteAddr()
			}
		}
		resp = append(resp, info)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Hub) consoleHandler(w http.ResponseWriter, r *http.Request) {
	var req ConsoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Command) == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	if req.User == "" {
		req.User = "admin"
	}
	err := h.Bridge.Console(r.Context(), r.PathValue("name"), req.Command, req.User)
	writeDelivery(w, err)
}

func (h *Hub) peerChatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" || req.Message == "" {
		http.Error(w, "user and message required", http.StatusBadRequest)
		return
	}
	err := h.Bridge.Say(r.Context(), r.PathValue("name"), req.User, req.Message, req.Color)
	writeDelivery(w, err)
}

// chatHandler takes a message as a chat frontend saw it and routes it the
// way the frontend would: console commands, player lookups, ignored bot
// commands, or chat.
func (h *Hub) chatHandler(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" || req.User == "" {
		http.Error(w, "destination and user required", http.StatusBadRequest)
		return
	}
	reply, err := h.Bridge.Handle(r.Context(), bridge.Message{
		Destination: req.Destination,
		AuthorID:    req.UserID,
		Author:      req.User,
		Content:     req.Message,
		Color:       req.Color,
	})
	if err == nil && reply != nil {
		writeJSON(w, http.StatusOK, DeliveryResponse{Status: "replied", Reply: reply})
		return
	}
	writeDelivery(w, err)
}

func writeDelivery(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, DeliveryResponse{Status: "delivered"})
	case errors.Is(err, bridge.ErrIgnored):
		writeJSON(w, http.StatusOK, DeliveryResponse{Status: "ignored"})
	case errors.Is(err, bridge.ErrUnknownPeer), errors.Is(err, bridge.ErrUnknownDestination):
		writeJSON(w, http.StatusNotFound, DeliveryResponse{Status: "unknown", Error: err.Error()})
	case errors.Is(err, bridge.ErrNotConnected):
		writeJSON(w, http.StatusConflict, DeliveryResponse{Status: "not_connected", Error: err.Error()})
	case errors.Is(err, bridge.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, DeliveryResponse{Status: "rate_limited", Error: err.Error()})
	case errors.Is(err, bridge.ErrWrongChannel):
		writeJSON(w, http.StatusForbidden, DeliveryResponse{Status: "forbidden", Error: err.Error()})
	case errors.Is(err, bridge.ErrUsage):
		writeJSON(w, http.StatusBadRequest, DeliveryResponse{Status: "usage", Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, DeliveryResponse{Status: "error", Error: err.Error()})
	}
}

// --- Status ---

func (h *Hub) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Board.Snapshot(r.Context()))
}

// --- Event stream ---

// eventsHandler streams hub events as JSON text messages until the client
// goes away. A client that cannot keep up misses events.
func (h *Hub) eventsHandler(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client sees every
	// event published after its dial returns.
	events, unsubscribe := h.Events.Subscribe(eventBuffer)
	defer unsubscribe()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// CloseRead handles control frames and cancels ctx once the client
	// closes or sends anything.
	ctx := ws.CloseRead(r.Context())
	slog.Debug("event stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			data, err := MarshalEvent(ev)
			if err != nil {
				slog.Warn("encoding event", "kind", ev.Kind(), "err", err)
				continue
			}
			if err := writeEvent(ctx, ws, data); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, ws *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
