package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/codewiresh/chatrelay/internal/relay"
	"github.com/codewiresh/chatrelay/internal/status"
)

// ---------------------------------------------------------------------------
// Peers
// ---------------------------------------------------------------------------

// Peers prints every configured peer and whether it is connected.
func Peers(ctx context.Context, target *Target, w io.Writer, jsonOutput bool) error {
	peers, err := target.ListPeers(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, peers)
	}
	if len(peers) == 0 {
		fmt.Fprintln(w, "No configured peers")
		return nil
	}

	table := newTable(w, "NAME", "FINGERPRINT", "STATE", "REMOTE", "SINCE")
	for _, p := range peers {
		state, since := "offline", "-"
		if p.Connected {
			state = "online"
			if p.ConnectedAt != nil {
				since = formatRelativeTime(*p.ConnectedAt)
			}
		}
		table.Append([]string{p.Name, p.Fingerprint, state, lo.Ternary(p.RemoteAddr == "", "-", p.RemoteAddr), since})
	}
	table.Render()
	return nil
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Status prints the hub's status board.
func Status(ctx context.Context, target *Target, w io.Writer, jsonOutput bool) error {
	entries, err := target.GetStatus(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No configured peers")
		return nil
	}
	printBoard(w, entries)
	return nil
}

func printBoard(w io.Writer, entries []status.Entry) {
	table := newTable(w, "PEER", "SOURCE", "ONLINE", "PLAYERS", "TPS", "VERSION", "UPDATED")
	for _, e := range entries {
		players, tps := "-", "-"
		if e.Online {
			players = fmt.Sprintf("%d/%d", e.Players, e.MaxPlayers)
		}
		if e.TPS > 0 {
			tps = strconv.FormatFloat(e.TPS, 'f', 1, 64)
		}
		table.Append([]string{
			e.Peer,
			string(e.Source),
			lo.Ternary(e.Online, "yes", "no"),
			players,
			tps,
			lo.Ternary(e.Version == "", "-", e.Version),
			formatRelativeTime(e.UpdatedAt),
		})
	}
	table.Render()
}

// ---------------------------------------------------------------------------
// Console / Say
// ---------------------------------------------------------------------------

// Console sends a console command to the named peer.
func Console(ctx context.Context, target *Target, w io.Writer, peer, command, user string) error {
	resp, err := target.SendConsole(ctx, peer, command, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", peer, resp.Status)
	return nil
}

// Say sends a chat line to the named peer.
func Say(ctx context.Context, target *Target, w io.Writer, peer string, req relay.ChatRequest) error {
	resp, err := target.SendChat(ctx, peer, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: %s\n", peer, resp.Status)
	return nil
}

// Post submits a message the way the chat frontend would and prints the
// outcome, or the bot's answer when the message was a player lookup.
func Post(ctx context.Context, target *Target, w io.Writer, req relay.ChatRequest) error {
	resp, err := target.PostMessage(ctx, req)
	if err != nil {
		return err
	}
	if resp.Reply != nil {
		fmt.Fprintln(w, resp.Reply.Text)
		return nil
	}
	fmt.Fprintf(w, "%s: %s\n", req.Destination, resp.Status)
	return nil
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

// Events prints hub events as they arrive. kinds filters by event kind;
// empty means all.
func Events(ctx context.Context, target *Target, w io.Writer, kinds []string, jsonOutput bool) error {
	return target.StreamEvents(ctx, func(raw []byte) error {
		var ev struct {
			Kind string          `json:"kind"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &ev); err != nil {
			return fmt.Errorf("decoding event: %w", err)
		}
		if len(kinds) > 0 && !lo.Contains(kinds, ev.Kind) {
			return nil
		}
		if jsonOutput {
			_, err := fmt.Fprintln(w, string(raw))
			return err
		}
		_, err := fmt.Fprintln(w, formatEvent(ev.Kind, ev.Data))
		return err
	})
}

// formatEvent renders one event as a single human-readable line.
func formatEvent(kind string, data json.RawMessage) string {
	switch kind {
	case "chat":
		var e relay.ChatEvent
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("%s [%s] <%s> %s", stamp(e.At), e.Peer, e.User, e.Message)
		}
	case "status":
		var e relay.StatusEvent
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("%s [%s] status %d/%d players, %.1f tps", stamp(e.At), e.Peer,
				e.Report.Players, e.Report.MaxPlayers, e.Report.TPS)
		}
	case "connected":
		var e relay.ConnectedEvent
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("%s [%s] connected from %s", stamp(e.At), e.Peer, e.RemoteAddr)
		}
	case "disconnected":
		var e relay.DisconnectedEvent
		if json.Unmarshal(data, &e) == nil {
			return fmt.Sprintf("%s [%s] disconnected%s", stamp(e.At), e.Peer, lo.Ternary(e.Superseded, " (superseded)", ""))
		}
	case "board":
		var e relay.BoardEvent
		if json.Unmarshal(data, &e) == nil {
			online := lo.CountBy(e.Entries, func(en status.Entry) bool { return en.Online })
			return fmt.Sprintf("%s board: %d/%d peers online", stamp(e.At), online, len(e.Entries))
		}
	}
	return fmt.Sprintf("%s %s", kind, strings.TrimSpace(string(data)))
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func stamp(t time.Time) string {
	return t.Local().Format("15:04:05")
}

// formatRelativeTime converts a timestamp to a human-readable relative time
// string such as "5m ago".
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	if d < 0 {
		d = 0
	}

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
