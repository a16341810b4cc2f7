// Package mcstatus asks a game server how it is doing, using the server
// list-ping protocol and, optionally, the UDP query protocol.
package mcstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/mcstatus-io/mcutil/v4/options"
	"github.com/mcstatus-io/mcutil/v4/query"
	"github.com/mcstatus-io/mcutil/v4/response"
	mcutil "github.com/mcstatus-io/mcutil/v4/status"
)

const DefaultTimeout = 5 * time.Second

// anyProtocol asks the server to answer regardless of version.
const anyProtocol = -1

var ErrBadResponse = errors.New("invalid status response")

// Response is what a server reports about itself.
type Response struct {
	Version    string        `json:"version"`
	Protocol   int           `json:"protocol"`
	Players    int           `json:"players"`
	MaxPlayers int           `json:"max_players"`
	Sample     []string      `json:"sample,omitempty"`
	MOTD       string        `json:"motd,omitempty"`
	Latency    time.Duration `json:"latency"`
}

// Client queries servers. The zero value uses list-ping only, bounded by
// DefaultTimeout.
type Client struct {
	Timeout time.Duration
	// UseQuery tries the query protocol on the same port first. Its player
	// list is complete, where list-ping only reports a sample.
	UseQuery bool
}

// Query reads the status of address (host:port) and measures a ping round
// trip. With UseQuery set, the query protocol's player list replaces the
// sample, and a server that only answers query is still reported.
func (c *Client) Query(ctx context.Context, address string) (*Response, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	host, port, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	var full *response.QueryFull
	if c.UseQuery {
		qctx, cancel := context.WithTimeout(ctx, timeout)
		full, err = query.Full(qctx, host, port, options.Query{Timeout: timeout})
		cancel()
		if err != nil {
			slog.Debug("query protocol unavailable", "address", address, "err", err)
			full = nil
		}
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := mcutil.Modern(sctx, host, port, options.StatusModern{
		EnableSRV:       true,
		Timeout:         timeout,
		ProtocolVersion: anyProtocol,
		Ping:            true,
	})
	if err != nil {
		if full != nil {
			return fromQuery(full)
		}
		return nil, fmt.Errorf("status %s: %w", address, err)
	}

	resp, err := fromStatus(st)
	if err != nil {
		return nil, err
	}
	if full != nil {
		resp.Sample = full.Players
	}
	return resp, nil
}

func splitAddress(address string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: %w", address, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("address %q: bad port", address)
	}
	return host, uint16(port), nil
}

func fromStatus(st *response.StatusModern) (*Response, error) {
	if st.Players.Online == nil || st.Players.Max == nil {
		return nil, fmt.Errorf("%w: missing player counts", ErrBadResponse)
	}
	resp := &Response{
		Version:    st.Version.Name.Clean,
		Protocol:   int(st.Version.Protocol),
		Players:    int(*st.Players.Online),
		MaxPlayers: int(*st.Players.Max),
		MOTD:       st.MOTD.Clean,
		Latency:    st.Latency,
	}
	for _, p := range st.Players.Sample {
		resp.Sample = append(resp.Sample, p.Name.Clean)
	}
	return resp, nil
}

// fromQuery builds a response from the query protocol's key/value data.
func fromQuery(full *response.QueryFull) (*Response, error) {
	online, err := strconv.Atoi(full.Data["numplayers"])
	if err != nil {
		return nil, fmt.Errorf("%w: numplayers %q", ErrBadResponse, full.Data["numplayers"])
	}
	maxPlayers, err := strconv.Atoi(full.Data["maxplayers"])
	if err != nil {
		return nil, fmt.Errorf("%w: maxplayers %q", ErrBadResponse, full.Data["maxplayers"])
	}
	return &Response{
		Version:    full.Data["version"],
		Players:    online,
		MaxPlayers: maxPlayers,
		Sample:     full.Players,
		MOTD:       full.Data["hostname"],
	}, nil
}
