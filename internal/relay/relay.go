package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/codewiresh/chatrelay/internal/bridge"
	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/connection"
	"github.com/codewiresh/chatrelay/internal/mcstatus"
	"github.com/codewiresh/chatrelay/internal/protocol"
	"github.com/codewiresh/chatrelay/internal/status"
	"github.com/codewiresh/chatrelay/internal/store"
)

const (
	// connectLimit bounds websocket upgrade attempts per remote IP per
	// connectWindow.
	connectLimit  = 30
	connectWindow = time.Minute

	shutdownTimeout = 5 * time.Second
)

// RelayConfig configures the hub.
type RelayConfig struct {
	Config *config.Config
	Table  *config.Table
	// AdminToken guards /api/v1. Empty disables the admin API.
	AdminToken string
	Store      store.Store
	// Poller is the fallback status source; nil disables polling.
	Poller status.Poller
}

// Hub wires the registry, dispatcher and event fanout to one HTTP handler.
type Hub struct {
	cfg        *config.Config
	table      *config.Table
	adminToken string

	Registry   *Registry
	Dispatcher *Dispatcher
	Events     *Fanout
	Bridge     *bridge.Bridge
	Board      *status.Board
	Store      store.Store

	limiter *rateLimiter
	proxies []netip.Prefix
}

func NewHub(rc RelayConfig) *Hub {
	cfg := rc.Config
	reg := NewRegistry()
	disp := NewDispatcher(reg)
	board := status.NewBoard(rc.Table, reg, rc.Store, rc.Poller, cfg.StatusInterval.Duration)
	return &Hub{
		cfg:        cfg,
		table:      rc.Table,
		adminToken: rc.AdminToken,
		Registry:   reg,
		Dispatcher: disp,
		Events:     NewFanout(slog.Default()),
		Bridge:     bridge.New(rc.Table, disp, board, cfg.CommandChannel, cfg.AntiSpam.Duration),
		Board:      board,
		Store:      rc.Store,
		limiter:    newRateLimiter(connectLimit, connectWindow),
		proxies:    cfg.TrustedProxyPrefixes(),
	}
}

// Start launches the hub's background workers: the store recorder and the
// status board publisher. They stop when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	rec := NewRecorder(h.Store, h.Events)
	go rec.Run(ctx)
	go h.Board.Run(ctx, func(entries []status.Entry) {
		h.Events.Publish(BoardEvent{Entries: entries, At: time.Now().UTC()})
	})
}

// RunRelay binds cfg.Listen and serves until ctx is cancelled. A bind
// failure is returned immediately.
func RunRelay(ctx context.Context, rc RelayConfig) error {
	if rc.Poller == nil {
		rc.Poller = &mcstatus.Client{UseQuery: rc.Config.StatusQuery}
	}
	if err := rc.Store.PeerResetAll(ctx); err != nil {
		return fmt.Errorf("resetting presence: %w", err)
	}

	ln, err := net.Listen("tcp", rc.Config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", rc.Config.Listen, err)
	}

	hub := NewHub(rc)
	hub.Start(ctx)

	// Hijacked websocket requests outlive Shutdown; deriving every request
	// context from ctx ends their sessions too.
	httpSrv := &http.Server{
		Handler:           hub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening",
			"addr", ln.Addr().String(),
			"ws_path", rc.Config.WSPath,
			"peers", rc.Table.Len(),
			"admin_api", rc.AdminToken != "",
		)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpSrv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Handler returns the hub's HTTP routes.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	wsPattern := h.cfg.WSPath
	if wsPattern == "/" {
		wsPattern = "/{$}"
	}
	mux.HandleFunc("GET "+wsPattern, rateLimitMiddleware(h.limiter, h.proxies, h.handleConnect))
	mux.HandleFunc("HEAD "+wsPattern, okHandler)
	mux.HandleFunc("GET /healthz", okHandler)

	if h.adminToken != "" {
		h.registerAPI(mux)
	}
	return mux
}

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write([]byte("OK"))
	}
}

func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // peers are game servers, not browsers
	})
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := connection.NewWSConn(ws, r.RemoteAddr, h.cfg.WriteTimeout.Duration, protocol.MaxFrameSize)
	sess := NewSession(conn, h.table, h.Registry, h.Events)
	if err := sess.Run(r.Context()); err != nil {
		slog.Info("session ended", "session", sess.SessionID(), "peer", sess.PeerName(), "err", err)
	}
}

// --- Rate Limiter ---

type rateLimiter struct {
	mu        sync.Mutex
	entries   map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	if now.Sub(rl.lastSweep) >= rl.window {
		rl.sweep(cutoff)
		rl.lastSweep = now
	}

	times := rl.entries[ip]
	valid := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.entries[ip] = valid
		return false
	}
	rl.entries[ip] = append(valid, now)
	return true
}

// sweep drops every IP with no attempt after cutoff.
func (rl *rateLimiter) sweep(cutoff time.Time) {
	for ip, times := range rl.entries {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.entries, ip)
		}
	}
}

func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.entries)
}

// remoteIP is the address the limiter keys on. X-Forwarded-For is only
// read when the direct peer is a trusted proxy, and then the rightmost
// hop that is not itself a trusted proxy wins.
func remoteIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !isTrusted(host, trusted) {
		return host
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i], trusted) {
			return hops[i]
		}
	}
	return host
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func rateLimitMiddleware(rl *rateLimiter, trusted []netip.Prefix, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r, trusted)
		if !rl.allow(ip) {
			slog.Warn("connect rate limit exceeded", "ip", ip)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
