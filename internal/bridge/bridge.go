// Package bridge turns messages from an external chat frontend into
// outbound peer commands.
//
// It resolves which peer a message is for (by chat destination or by
// display name), applies per-author anti-spam, and hands the command to a
// Sender. It never talks to peers itself.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/time/rate"

	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/protocol"
	"github.com/codewiresh/chatrelay/internal/status"
)

// CommandPrefix marks frontend bot commands; such lines are never relayed
// as chat.
const CommandPrefix = "!"

// consoleVerb is the command that forwards a console line to a peer:
// "!cmd <peer> <command...>".
const consoleVerb = CommandPrefix + "cmd"

// playerVerbs answer with who is online.
var playerVerbs = []string{CommandPrefix + "player", CommandPrefix + "jogadores", CommandPrefix + "online"}

// maxLimiters bounds the per-author limiter map before idle entries are
// swept.
const maxLimiters = 4096

var (
	ErrUnknownDestination = errors.New("no peer mirrors this destination")
	ErrUnknownPeer        = errors.New("unknown peer")
	ErrNotConnected       = errors.New("peer not connected")
	ErrRateLimited        = errors.New("author is sending too fast")
	ErrIgnored            = errors.New("bot command, not relayed")
	ErrWrongChannel       = errors.New("console commands are only accepted in the command channel")
	ErrUsage              = errors.New("usage: !cmd <peer> <command>")
)

// Sender delivers one command to the peer holding credential and reports
// whether it was written.
type Sender interface {
	Send(ctx context.Context, credential string, cmd protocol.Command) bool
}

// Roster is the status board the player command answers from.
type Roster interface {
	Snapshot(ctx context.Context) []status.Entry
	PeerEntry(ctx context.Context, credential string) status.Entry
}

// Reply is the answer to a bot command, to be posted in the channel the
// command was typed in.
type Reply struct {
	Text    string         `json:"text"`
	Entries []status.Entry `json:"entries"`
}

// Message is one line posted in the external chat.
type Message struct {
	Destination string
	// AuthorID keys anti-spam; Author is the name shown in game.
	AuthorID string
	Author   string
	Content  string
	Color    string
}

type Bridge struct {
	table          *config.Table
	sender         Sender
	roster         Roster
	commandChannel string
	antiSpam       time.Duration
	now            func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a bridge. roster may be nil, in which case player commands
// are ignored.
func New(table *config.Table, sender Sender, roster Roster, commandChannel string, antiSpam time.Duration) *Bridge {
	return &Bridge{
		table:          table,
		sender:         sender,
		roster:         roster,
		commandChannel: commandChannel,
		antiSpam:       antiSpam,
		now:            time.Now,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Handle routes one frontend message: console commands in the command
// channel, player lookups, other bot commands ignored, everything else
// relayed as chat. Only player lookups produce a Reply.
func (b *Bridge) Handle(ctx context.Context, msg Message) (*Reply, error) {
	if !strings.HasPrefix(msg.Content, CommandPrefix) {
		return nil, b.RelayChat(ctx, msg)
	}
	verb, rest, _ := strings.Cut(msg.Content, " ")
	switch {
	case verb == consoleVerb:
		return nil, b.handleConsole(ctx, msg, rest)
	case lo.Contains(playerVerbs, verb):
		return b.Players(ctx, msg.Destination)
	}
	return nil, ErrIgnored
}

func (b *Bridge) handleConsole(ctx context.Context, msg Message, args string) error {
	if b.commandChannel == "" || msg.Destination != b.commandChannel {
		return ErrWrongChannel
	}
	name, command, ok := strings.Cut(strings.TrimSpace(args), " ")
	command = strings.TrimSpace(command)
	if !ok || name == "" || command == "" {
		return ErrUsage
	}
	return b.Console(ctx, name, command, msg.Author)
}

// Players answers the player command. In a peer's chat destination it
// lists that peer's online players; in the command channel it summarises
// every peer. Anywhere else the command is ignored.
func (b *Bridge) Players(ctx context.Context, destination string) (*Reply, error) {
	if b.roster == nil {
		return nil, ErrIgnored
	}
	if credential, ok := b.table.CredentialForDestination(destination); ok {
		e := b.roster.PeerEntry(ctx, credential)
		return &Reply{Text: peerLine(e), Entries: []status.Entry{e}}, nil
	}
	if b.commandChannel == "" || destination != b.commandChannel {
		return nil, ErrIgnored
	}
	entries := b.roster.Snapshot(ctx)
	lines := lo.Map(entries, func(e status.Entry, _ int) string { return summaryLine(e) })
	return &Reply{
		Text:    "Global summary:\n" + strings.Join(lines, "\n"),
		Entries: entries,
	}, nil
}

func peerLine(e status.Entry) string {
	if !e.Online {
		return e.Peer + " is offline."
	}
	return fmt.Sprintf("%s online (%d/%d): %s", e.Peer, e.Players, e.MaxPlayers, strings.Join(e.PlayerNames, ", "))
}

func summaryLine(e status.Entry) string {
	if !e.Online {
		return e.Peer + ": offline"
	}
	return fmt.Sprintf("%s: %d/%d", e.Peer, e.Players, e.MaxPlayers)
}

// RelayChat mirrors a chat line into the peer whose chat destination is
// msg.Destination.
func (b *Bridge) RelayChat(ctx context.Context, msg Message) error {
	if strings.HasPrefix(msg.Content, CommandPrefix) {
		return ErrIgnored
	}
	credential, ok := b.table.CredentialForDestination(msg.Destination)
	if !ok {
		return ErrUnknownDestination
	}
	key := msg.AuthorID
	if key == "" {
		key = msg.Author
	}
	if !b.allow(key) {
		slog.Debug("anti-spam dropped chat", "author", msg.Author, "destination", msg.Destination)
		return ErrRateLimited
	}
	return b.send(ctx, credential, protocol.ChatToPeer{User: msg.Author, Message: msg.Content, Color: msg.Color})
}

// Say sends a chat line to a peer by display name, bypassing anti-spam.
func (b *Bridge) Say(ctx context.Context, peerName, user, message, color string) error {
	credential, ok := b.table.CredentialForName(peerName)
	if !ok {
		return ErrUnknownPeer
	}
	return b.send(ctx, credential, protocol.ChatToPeer{User: user, Message: message, Color: color})
}

// Console asks the named peer to run command. Names match case-insensitively.
func (b *Bridge) Console(ctx context.Context, peerName, command, issuer string) error {
	credential, ok := b.table.CredentialForName(peerName)
	if !ok {
		return ErrUnknownPeer
	}
	slog.Info("console command", "peer", peerName, "issuer", issuer)
	return b.send(ctx, credential, protocol.ConsoleCommand{Command: command, Issuer: issuer})
}

func (b *Bridge) send(ctx context.Context, credential string, cmd protocol.Command) error {
	if !b.sender.Send(ctx, credential, cmd) {
		return ErrNotConnected
	}
	return nil
}

// allow applies a one-message burst per antiSpam interval for author.
func (b *Bridge) allow(author string) bool {
	if b.antiSpam <= 0 {
		return true
	}
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	lim, ok := b.limiters[author]
	if !ok {
		if len(b.limiters) >= maxLimiters {
			b.sweep(now)
		}
		lim = rate.NewLimiter(rate.Every(b.antiSpam), 1)
		b.limiters[author] = lim
	}
	return lim.AllowN(now, 1)
}

// sweep drops limiters whose bucket has refilled, i.e. idle authors.
func (b *Bridge) sweep(now time.Time) {
	for author, lim := range b.limiters {
		if lim.TokensAt(now) >= 1 {
			delete(b.limiters, author)
		}
	}
}
