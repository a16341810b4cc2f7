package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/protocol"
	"github.com/codewiresh/chatrelay/internal/status"
)

type sent struct {
	credential string
	cmd        protocol.Command
}

type fakeSender struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []sent
}

func (f *fakeSender) Send(_ context.Context, credential string, cmd protocol.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected[credential] {
		return false
	}
	f.sent = append(f.sent, sent{credential, cmd})
	return true
}

// fakeRoster serves fixed board entries keyed by credential.
type fakeRoster struct {
	order   []string
	entries map[string]status.Entry
}

func (f *fakeRoster) Snapshot(context.Context) []status.Entry {
	out := make([]status.Entry, 0, len(f.order))
	for _, cred := range f.order {
		out = append(out, f.entries[cred])
	}
	return out
}

func (f *fakeRoster) PeerEntry(_ context.Context, credential string) status.Entry {
	return f.entries[credential]
}

func newRoster() *fakeRoster {
	return &fakeRoster{
		order: []string{"k2", "k1"},
		entries: map[string]status.Entry{
			"k1": {Peer: "Survival", Online: true, Players: 2, MaxPlayers: 20, PlayerNames: []string{"Alice", "Bob"}},
			"k2": {Peer: "Creative"},
		},
	}
}

func newBridge(t *testing.T, connected ...string) (*Bridge, *fakeSender, *time.Time) {
	t.Helper()
	table, err := config.NewTable(map[string]config.PeerConfig{
		"k1": {Name: "Survival", ChatDestination: "chan-survival"},
		"k2": {Name: "Creative", ChatDestination: "chan-creative"},
	})
	require.NoError(t, err)

	sender := &fakeSender{connected: map[string]bool{}}
	for _, c := range connected {
		sender.connected[c] = true
	}
	b := New(table, sender, newRoster(), "chan-admin", 2*time.Second)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }
	return b, sender, &clock
}

func TestRelayChat_Routes_By_Destination(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1", "k2")

	// When a user posts in the creative channel
	err := b.RelayChat(context.Background(), Message{
		Destination: "chan-creative", AuthorID: "u1", Author: "Bob", Content: "hello", Color: "#ff0000",
	})

	// Then only the creative peer receives it, with the colour
	req.NoError(err)
	req.Len(sender.sent, 1)
	req.Equal("k2", sender.sent[0].credential)
	req.Equal(protocol.ChatToPeer{User: "Bob", Message: "hello", Color: "#ff0000"}, sender.sent[0].cmd)
}

func TestRelayChat_Unknown_Destination(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	err := b.RelayChat(context.Background(), Message{Destination: "elsewhere", Author: "Bob", Content: "hi"})

	req.ErrorIs(err, ErrUnknownDestination)
	req.Empty(sender.sent)
}

func TestRelayChat_Ignores_Bot_Commands(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	err := b.RelayChat(context.Background(), Message{Destination: "chan-survival", Author: "Bob", Content: "!help"})

	req.ErrorIs(err, ErrIgnored)
	req.Empty(sender.sent)
}

func TestRelayChat_Not_Connected(t *testing.T) {
	req := require.New(t)
	b, _, _ := newBridge(t)

	err := b.RelayChat(context.Background(), Message{Destination: "chan-survival", Author: "Bob", Content: "hi"})

	req.ErrorIs(err, ErrNotConnected)
}

func TestRelayChat_Anti_Spam_Per_Author(t *testing.T) {
	req := require.New(t)
	b, sender, clock := newBridge(t, "k1")
	ctx := context.Background()
	msg := Message{Destination: "chan-survival", AuthorID: "u1", Author: "Bob", Content: "one"}

	// Given Bob just spoke
	req.NoError(b.RelayChat(ctx, msg))

	// When he speaks again within the interval
	*clock = clock.Add(time.Second)
	err := b.RelayChat(ctx, msg)

	// Then the second line is dropped, but another author is unaffected
	req.ErrorIs(err, ErrRateLimited)
	req.NoError(b.RelayChat(ctx, Message{Destination: "chan-survival", AuthorID: "u2", Author: "Amy", Content: "two"}))

	// And once the interval has passed Bob may speak again
	*clock = clock.Add(2 * time.Second)
	req.NoError(b.RelayChat(ctx, msg))
	req.Len(sender.sent, 3)
}

func TestRelayChat_Anti_Spam_Disabled(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")
	b.antiSpam = 0
	msg := Message{Destination: "chan-survival", AuthorID: "u1", Author: "Bob", Content: "x"}

	for i := 0; i < 5; i++ {
		req.NoError(b.RelayChat(context.Background(), msg))
	}
	req.Len(sender.sent, 5)
}

func TestConsole_Case_Insensitive_Name(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	req.NoError(b.Console(context.Background(), "  SURVIVAL ", "say hi", "admin"))
	req.Equal(protocol.ConsoleCommand{Command: "say hi", Issuer: "admin"}, sender.sent[0].cmd)

	req.ErrorIs(b.Console(context.Background(), "Skyblock", "list", "admin"), ErrUnknownPeer)
	req.ErrorIs(b.Console(context.Background(), "creative", "list", "admin"), ErrNotConnected)
}

func TestSay_Bypasses_Anti_Spam(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	req.NoError(b.Say(context.Background(), "survival", "Server", "restart in 5", ""))
	req.NoError(b.Say(context.Background(), "survival", "Server", "restart in 4", ""))
	req.Len(sender.sent, 2)
}

func TestHandle_Console_In_Command_Channel(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")
	ctx := context.Background()

	// When an admin types !cmd in the command channel
	reply, err := b.Handle(ctx, Message{Destination: "chan-admin", Author: "admin", Content: "!cmd survival whitelist add Steve"})

	// Then the peer receives the rest of the line as a console command
	req.NoError(err)
	req.Nil(reply)
	req.Equal("k1", sender.sent[0].credential)
	req.Equal(protocol.ConsoleCommand{Command: "whitelist add Steve", Issuer: "admin"}, sender.sent[0].cmd)
}

func TestHandle_Rejections(t *testing.T) {
	b, sender, _ := newBridge(t, "k1")
	ctx := context.Background()

	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{"console outside command channel", Message{Destination: "chan-survival", Content: "!cmd survival list"}, ErrWrongChannel},
		{"console without command", Message{Destination: "chan-admin", Content: "!cmd survival"}, ErrUsage},
		{"console without peer", Message{Destination: "chan-admin", Content: "!cmd"}, ErrUsage},
		{"other bot command", Message{Destination: "chan-survival", Content: "!help"}, ErrIgnored},
		{"player outside known channels", Message{Destination: "elsewhere", Content: "!player"}, ErrIgnored},
		{"unknown peer", Message{Destination: "chan-admin", Content: "!cmd hub list"}, ErrUnknownPeer},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply, err := b.Handle(ctx, tc.msg)
			require.ErrorIs(t, err, tc.want)
			require.Nil(t, reply)
		})
	}
	require.Empty(t, sender.sent)
}

func TestHandle_Plain_Chat(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	reply, err := b.Handle(context.Background(), Message{Destination: "chan-survival", AuthorID: "u1", Author: "Bob", Content: "gg"})
	req.NoError(err)
	req.Nil(reply)
	req.Equal(protocol.ChatToPeer{User: "Bob", Message: "gg"}, sender.sent[0].cmd)
}

func TestHandle_Player_In_Chat_Destination(t *testing.T) {
	req := require.New(t)
	b, sender, _ := newBridge(t, "k1")

	// When someone asks who is online in the survival channel
	reply, err := b.Handle(context.Background(), Message{Destination: "chan-survival", Author: "Bob", Content: "!player"})

	// Then the answer lists that server's players and nothing reaches a peer
	req.NoError(err)
	req.Equal("Survival online (2/20): Alice, Bob", reply.Text)
	req.Len(reply.Entries, 1)
	req.Equal("Survival", reply.Entries[0].Peer)
	req.Empty(sender.sent)
}

func TestHandle_Player_Aliases_And_Offline_Peer(t *testing.T) {
	req := require.New(t)
	b, _, _ := newBridge(t)

	for _, verb := range []string{"!jogadores", "!online"} {
		reply, err := b.Handle(context.Background(), Message{Destination: "chan-creative", Content: verb})
		req.NoError(err)
		req.Equal("Creative is offline.", reply.Text)
	}
}

func TestHandle_Player_Global_Summary(t *testing.T) {
	req := require.New(t)
	b, _, _ := newBridge(t)

	// When an admin asks in the command channel
	reply, err := b.Handle(context.Background(), Message{Destination: "chan-admin", Content: "!online"})

	// Then every peer gets a line, in board order
	req.NoError(err)
	req.Equal("Global summary:\nCreative: offline\nSurvival: 2/20", reply.Text)
	req.Len(reply.Entries, 2)
}

func TestPlayers_Without_Roster(t *testing.T) {
	table, err := config.NewTable(map[string]config.PeerConfig{"k1": {Name: "Survival", ChatDestination: "chan-survival"}})
	require.NoError(t, err)
	b := New(table, &fakeSender{}, nil, "chan-admin", 0)

	_, err = b.Players(context.Background(), "chan-survival")
	require.ErrorIs(t, err, ErrIgnored)
}

func TestLimiter_Sweep_Drops_Idle_Authors(t *testing.T) {
	req := require.New(t)
	b, _, clock := newBridge(t, "k1")

	b.allow("a")
	b.allow("b")
	*clock = clock.Add(time.Minute)
	b.allow("c")

	b.mu.Lock()
	b.sweep(*clock)
	remaining := len(b.limiters)
	b.mu.Unlock()

	req.Equal(1, remaining)
}
