package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/codewiresh/chatrelay/internal/peer"
	"github.com/codewiresh/chatrelay/internal/protocol"
)

// ---------------------------------------------------------------------------
// agentCmd
// ---------------------------------------------------------------------------

// agentCmd runs a peer from the shell: stdin lines of the form
// "user: message" become chat, and every command from the hub is printed
// to stdout.
func agentCmd() *cobra.Command {
	var (
		url        string
		credential string
		jsonFrames bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Connect to a hub as a game-server peer (stdin chat, stdout commands)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if credential == "" {
				credential = os.Getenv("CHATRELAY_CREDENTIAL")
			}
			if credential == "" {
				return fmt.Errorf("--credential is required")
			}

			enc := protocol.EncodingPipe
			if jsonFrames {
				enc = protocol.EncodingJSON
			}
			out := cmd.OutOrStdout()
			a := peer.New(peer.Config{
				URL:        url,
				Credential: credential,
				Encoding:   enc,
				OnCommand: func(c protocol.Command) {
					switch c := c.(type) {
					case protocol.ChatToPeer:
						fmt.Fprintf(out, "chat <%s> %s\n", c.User, c.Message)
					case protocol.ConsoleCommand:
						fmt.Fprintf(out, "console %s\n", c.Command)
					}
				},
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			go forwardStdin(ctx, a)

			err := a.Run(ctx)
			if errors.Is(err, peer.ErrRejected) {
				return fmt.Errorf("hub rejected the credential")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/", "Hub peer endpoint")
	cmd.Flags().StringVar(&credential, "credential", "", "Peer credential (default: $CHATRELAY_CREDENTIAL)")
	cmd.Flags().BoolVar(&jsonFrames, "json", false, "Speak the JSON object encoding instead of pipe frames")
	return cmd
}

func forwardStdin(ctx context.Context, a *peer.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		user, message, ok := strings.Cut(line, ":")
		if !ok {
			user, message = "Server", line
		}
		if err := a.SendChat(ctx, strings.TrimSpace(user), strings.TrimSpace(message)); err != nil {
			slog.Warn("chat not sent", "err", err)
		}
	}
}
