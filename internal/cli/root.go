// Package cli wires internal/controller into a cobra-based terminal client:
// a root command that initializes logging and the local data directory, a
// login subcommand, and an interactive readline-based chat loop.
package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/relaywire/sessioncore/internal/appdir"
	"github.com/relaywire/sessioncore/internal/config"
	"github.com/relaywire/sessioncore/internal/controller"
	"github.com/relaywire/sessioncore/internal/httpapi"
	"github.com/relaywire/sessioncore/internal/logging"
	"github.com/relaywire/sessioncore/internal/pending"
	"github.com/relaywire/sessioncore/internal/prefs"
)

const configFileName = "config.yaml"

var (
	serverURL string
	apiPrefix string
	debug     bool
	logLevel  string
	logFile   string

	clientCfg *config.Config
	api       *httpapi.Client
	ctl       *controller.Controller
)

var rootCmd = &cobra.Command{
	Use:   "sessionclient",
	Short: "Interactive terminal client for a realtime session backend",
	Long: `sessionclient is a command-line client for a session backend
exposing per-session and global WebSocket event streams alongside a
REST API for session and workspace management.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		effectiveLevel := "info"
		if logLevel != "" {
			effectiveLevel = logLevel
		} else if debug {
			effectiveLevel = "debug"
		}
		if err := logging.Initialize(logging.Config{
			Level:   effectiveLevel,
			LogFile: logFile,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		if err := appdir.EnsureDir(); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}

		dataDir, err := appdir.Dir()
		if err != nil {
			return fmt.Errorf("failed to resolve data directory: %w", err)
		}
		clientCfg, err = config.Load(filepath.Join(dataDir, configFileName))
		if err != nil {
			return fmt.Errorf("failed to load client config: %w", err)
		}
		if clientCfg.EnsureWorkspaceUUIDs() {
			if err := clientCfg.Save(filepath.Join(dataDir, configFileName)); err != nil {
				return fmt.Errorf("failed to persist client config: %w", err)
			}
		}

		// Flags win over the config file; the config file wins over the
		// flag defaults.
		if !cmd.Flags().Changed("server") && clientCfg.ServerURL != "" {
			serverURL = clientCfg.ServerURL
		}
		if !cmd.Flags().Changed("api-prefix") && clientCfg.APIPrefix != "" {
			apiPrefix = clientCfg.APIPrefix
		}

		opts := []httpapi.Option{}
		if apiPrefix != "" {
			opts = append(opts, httpapi.WithAPIPrefix(apiPrefix))
		}
		api = httpapi.New(serverURL, opts...)

		pendingStore := pending.NewStore(filepath.Join(dataDir, appdir.PendingPromptsFileName))
		prefsStore := prefs.NewStore(filepath.Join(dataDir, appdir.PreferencesFileName))
		ctl = controller.New(api, pendingStore, prefsStore)
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the session backend")
	rootCmd.PersistentFlags().StringVar(&apiPrefix, "api-prefix", "", "API path prefix, if the backend is mounted under one")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to the console)")
}
