package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/client"
	"github.com/codewiresh/chatrelay/internal/relay"
)

var (
	serverFlag string
	tokenFlag  string
)

// adminFlags registers the flags shared by every admin API command.
func adminFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&serverFlag, "server", "s", "http://localhost:8080", "Hub base URL")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "Admin token (default: $CHATRELAY_ADMIN_TOKEN or the hub's data dir)")
}

func resolveTarget() (*client.Target, error) {
	token := tokenFlag
	if token == "" {
		token = env.AdminToken
	}
	if token == "" {
		t, err := auth.ReadToken(dataDir(""))
		if err != nil {
			return nil, fmt.Errorf("no admin token: pass --token or set CHATRELAY_ADMIN_TOKEN")
		}
		token = t
	}
	return &client.Target{URL: serverFlag, Token: token}, nil
}

// ---------------------------------------------------------------------------
// peersCmd
// ---------------------------------------------------------------------------

func peersCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "peers",
		Aliases: []string{"ls"},
		Short:   "List configured peers and their connection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Peers(cmd.Context(), target, cmd.OutOrStdout(), jsonOutput)
		},
	}
	adminFlags(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ---------------------------------------------------------------------------
// statusCmd
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status board",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Status(cmd.Context(), target, cmd.OutOrStdout(), jsonOutput)
		},
	}
	adminFlags(cmd)
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}

// ---------------------------------------------------------------------------
// consoleCmd
// ---------------------------------------------------------------------------

func consoleCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "console <peer> <command...>",
		Short: "Run a console command on a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Console(cmd.Context(), target, cmd.OutOrStdout(), args[0], strings.Join(args[1:], " "), user)
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "Issuer shown to the peer")
	return cmd
}

// ---------------------------------------------------------------------------
// sayCmd
// ---------------------------------------------------------------------------

func sayCmd() *cobra.Command {
	var (
		user  string
		color string
	)

	cmd := &cobra.Command{
		Use:   "say <peer> <message...>",
		Short: "Send a chat line to a peer",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Say(cmd.Context(), target, cmd.OutOrStdout(), args[0], relay.ChatRequest{
				User:    user,
				Message: strings.Join(args[1:], " "),
				Color:   color,
			})
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "Display name")
	cmd.Flags().StringVar(&color, "color", "", "Name colour as #rrggbb")
	return cmd
}

// ---------------------------------------------------------------------------
// postCmd
// ---------------------------------------------------------------------------

func postCmd() *cobra.Command {
	var (
		user   string
		userID string
		color  string
	)

	cmd := &cobra.Command{
		Use:   "post <destination> <message...>",
		Short: "Post a message as the chat frontend would (chat, !cmd, !player)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			return client.Post(cmd.Context(), target, cmd.OutOrStdout(), relay.ChatRequest{
				Destination: args[0],
				UserID:      userID,
				User:        user,
				Message:     strings.Join(args[1:], " "),
				Color:       color,
			})
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringVarP(&user, "user", "u", "admin", "Author display name")
	cmd.Flags().StringVar(&userID, "user-id", "", "Author id used for anti-spam (default: the display name)")
	cmd.Flags().StringVar(&color, "color", "", "Name colour as #rrggbb")
	return cmd
}

// ---------------------------------------------------------------------------
// eventsCmd
// ---------------------------------------------------------------------------

func eventsCmd() *cobra.Command {
	var (
		kinds      []string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream hub events (chat, status, connects)",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			fmt.Fprintf(os.Stderr, "[chatrelay] streaming events from %s (Ctrl+C to stop)\n", target.URL)
			return client.Events(ctx, target, cmd.OutOrStdout(), kinds, jsonOutput)
		},
	}
	adminFlags(cmd)
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "Only these kinds: chat, status, connected, disconnected, board")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print raw JSON events")
	return cmd
}
