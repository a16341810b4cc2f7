// Package client talks to a running hub's admin API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/chatrelay/internal/relay"
	"github.com/codewiresh/chatrelay/internal/status"
)

// Target is a hub's base URL (http or https) and its admin token.
type Target struct {
	URL   string
	Token string
	HTTP  *http.Client
}

// APIError is a non-2xx response from the hub.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hub returned %d", e.StatusCode)
}

func (t *Target) httpClient() *http.Client {
	if t.HTTP != nil {
		return t.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (t *Target) endpoint(path string) string {
	return strings.TrimRight(t.URL, "/") + path
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (t *Target) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.endpoint(path), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+t.Token)

	resp, err := t.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var dr relay.DeliveryResponse
		if json.Unmarshal(raw, &dr) == nil && dr.Status != "" {
			apiErr.Status, apiErr.Message = dr.Status, dr.Error
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (t *Target) ListPeers(ctx context.Context) ([]relay.PeerInfo, error) {
	var peers []relay.PeerInfo
	err := t.do(ctx, http.MethodGet, "/api/v1/peers", nil, &peers)
	return peers, err
}

func (t *Target) SendConsole(ctx context.Context, peer, command, user string) (*relay.DeliveryResponse, error) {
	var resp relay.DeliveryResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/peers/"+pathEscape(peer)+"/console",
		relay.ConsoleRequest{Command: command, User: user}, &resp)
	return &resp, err
}

func (t *Target) SendChat(ctx context.Context, peer string, req relay.ChatRequest) (*relay.DeliveryResponse, error) {
	var resp relay.DeliveryResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/peers/"+pathEscape(peer)+"/chat", req, &resp)
	return &resp, err
}

// PostMessage submits a frontend message for routing (chat or !cmd).
func (t *Target) PostMessage(ctx context.Context, req relay.ChatRequest) (*relay.DeliveryResponse, error) {
	var resp relay.DeliveryResponse
	err := t.do(ctx, http.MethodPost, "/api/v1/chat", req, &resp)
	return &resp, err
}

func (t *Target) GetStatus(ctx context.Context) ([]status.Entry, error) {
	var entries []status.Entry
	err := t.do(ctx, http.MethodGet, "/api/v1/status", nil, &entries)
	return entries, err
}

// StreamEvents opens the event stream and calls fn with each raw JSON event
// until ctx ends or the hub closes the stream.
func (t *Target) StreamEvents(ctx context.Context, fn func([]byte) error) error {
	ws, _, err := websocket.Dial(ctx, toWS(t.endpoint("/api/v1/events")), &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + t.Token}},
	})
	if err != nil {
		return fmt.Errorf("connecting to event stream: %w", err)
	}
	defer ws.CloseNow()
	ws.SetReadLimit(-1)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
}

func pathEscape(s string) string {
	return url.PathEscape(strings.TrimSpace(s))
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
