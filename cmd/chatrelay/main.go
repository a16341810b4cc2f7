package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/codewiresh/chatrelay/internal/auth"
	"github.com/codewiresh/chatrelay/internal/config"
	"github.com/codewiresh/chatrelay/internal/relay"
	"github.com/codewiresh/chatrelay/internal/store"
)

var (
	configFlag   string
	dataDirFlag  string
	logLevelFlag string

	env config.Env
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Chat and status relay hub for game servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if env, err = config.LoadEnv(); err != nil {
				return err
			}
			return setupLogging(logLevelFlag, env.LogLevel)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Config file (default: $CHATRELAY_CONFIG or "+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Data directory (default: $CHATRELAY_DATA_DIR or ~/.chatrelay)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		serveCmd(),
		checkConfigCmd(),
		peersCmd(),
		sayCmd(),
		postCmd(),
		consoleCmd(),
		statusCmd(),
		eventsCmd(),
		agentCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[chatrelay] %v\n", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}

			dir, err := ensureDataDir(cfg.DataDir)
			if err != nil {
				return err
			}
			token, err := auth.LoadOrGenerateToken(dir, env.AdminToken)
			if err != nil {
				return fmt.Errorf("admin token: %w", err)
			}

			st, err := store.NewSQLiteStore(dir)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			slog.Info("starting relay", "config", configPath(), "data_dir", dir)
			err = relay.RunRelay(ctx, relay.RelayConfig{
				Config:     cfg,
				Table:      table,
				AdminToken: token,
				Store:      st,
			})
			if err == nil {
				slog.Info("relay stopped")
			}
			return err
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (overrides config and $PORT)")
	return cmd
}

// ---------------------------------------------------------------------------
// checkConfigCmd
// ---------------------------------------------------------------------------

func checkConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the peer table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "listen %s, ws path %s, %d peers\n\n", cfg.Listen, cfg.WSPath, table.Len())

			tw := tablewriter.NewWriter(out)
			tw.SetHeader([]string{"NAME", "FINGERPRINT", "CHAT", "STATUS", "ADDRESS"})
			tw.SetAutoWrapText(false)
			tw.SetAutoFormatHeaders(true)
			tw.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			tw.SetAlignment(tablewriter.ALIGN_LEFT)
			tw.SetCenterSeparator("")
			tw.SetColumnSeparator("")
			tw.SetRowSeparator("")
			tw.SetHeaderLine(false)
			tw.SetBorder(false)
			tw.SetTablePadding("\t")
			for _, cred := range table.Credentials() {
				peer, _ := table.Lookup(cred)
				tw.Append([]string{
					peer.Name,
					auth.Fingerprint(cred),
					dash(peer.ChatDestination),
					dash(peer.StatusDestination),
					dash(peer.Address),
				})
			}
			tw.Render()
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func configPath() string {
	if configFlag != "" {
		return configFlag
	}
	if env.ConfigPath != "" {
		return env.ConfigPath
	}
	return config.DefaultConfigFile
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath(), env)
}

// dataDir resolves the data directory: flag, then config/env, then
// ~/.chatrelay.
func dataDir(fromConfig string) string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	if fromConfig != "" {
		return fromConfig
	}
	if env.DataDir != "" {
		return env.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		fmt.Fprintln(os.Stderr, "[chatrelay] WARNING: no home directory, using /tmp/.chatrelay")
		return "/tmp/.chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func ensureDataDir(fromConfig string) (string, error) {
	dir := dataDir(fromConfig)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return dir, nil
}

// setupLogging installs the default slog logger. A terminal gets the text
// handler, anything else gets JSON lines.
func setupLogging(flagLevel, envLevel string) error {
	name := flagLevel
	if name == "" {
		name = envLevel
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
