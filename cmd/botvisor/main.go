package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	botCommand := command{global: globalFlags, out: os.Stdout, in: os.Stdin}

	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(botCommand),
		createStopCommand(botCommand),
		createRestartCommand(botCommand),
		createStatusCommand(botCommand, &StatusFlags{}),
		createEventsCommand(botCommand, &EventsFlags{}),
		createPositionCommand(botCommand),
		createLocateCommand(botCommand),
		createPathsCommand(botCommand),
		createProvisionCommand(botCommand),
		createConfigCommand(botCommand),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:           "botvisor",
		Short:         "Local supervisor for the signal bot worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `Botvisor runs one Node worker bot, watches its heartbeat and exposes
start/stop/status over a local HTTP API.

Examples:
  botvisor serve --start           # Run the daemon and start the bot
  botvisor status --watch          # Follow health
  botvisor events --type=error     # Stream worker errors
  botvisor position check          # Ask the close script for the open position`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to botvisor.toml (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", client.DefaultBaseURL, "daemon API URL")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")

	return root
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the botvisor daemon",
		Long: `Run the daemon: HTTP API, optional metrics endpoint and the supervised
worker. Only one daemon may own a data dir at a time.

Examples:
  botvisor serve
  botvisor serve --config=./botvisor.toml --start
  botvisor serve --daemonize --pidfile=/tmp/botvisor.pid --logfile=/tmp/botvisor.log`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServeCommand(globalFlags, serveFlags)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.PidFile, "pidfile", "", "write daemon PID to file")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon output to file")
	cmd.Flags().BoolVar(&serveFlags.StartBot, "start", false, "start the bot once the API is up")
	return cmd
}

func createStartCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Start(cmd.Context())
		},
	}
}

func createStopCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the bot (SIGTERM, then SIGKILL after the grace window)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Stop(cmd.Context())
		},
	}
}

func createRestartCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Stop and start the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Restart(cmd.Context())
		},
	}
}

func createStatusCommand(botCommand command, statusFlags *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show bot health",
		Long: `Show whether the bot runs, its PID, heartbeat age and last error.

Examples:
  botvisor status
  botvisor status --json
  botvisor status --watch --interval=2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Status(cmd.Context(), *statusFlags)
		},
	}
	cmd.Flags().BoolVarP(&statusFlags.Watch, "watch", "w", false, "watch mode for continuous monitoring")
	cmd.Flags().DurationVar(&statusFlags.Interval, "interval", 2*time.Second, "watch interval")
	cmd.Flags().BoolVar(&statusFlags.JSON, "json", false, "print raw JSON")
	return cmd
}

func createEventsCommand(botCommand command, eventsFlags *EventsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream bot events",
		Long: `Stream events from the daemon until interrupted.

Examples:
  botvisor events
  botvisor events --type=raw --raw    # Worker stdout only
  botvisor events --type=error,stopped`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Events(cmd.Context(), *eventsFlags)
		},
	}
	cmd.Flags().BoolVar(&eventsFlags.Raw, "raw", false, "print event payloads only")
	cmd.Flags().StringSliceVar(&eventsFlags.Types, "type", nil, "only show these event types")
	return cmd
}

func createPositionCommand(botCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "position",
		Short: "Run the position close script",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Report the open position without closing it",
			RunE: func(cmd *cobra.Command, args []string) error {
				return botCommand.Position(cmd.Context(), false)
			},
		},
		&cobra.Command{
			Use:   "close",
			Short: "Close the open position",
			RunE: func(cmd *cobra.Command, args []string) error {
				return botCommand.Position(cmd.Context(), true)
			},
		},
	)
	return cmd
}

func createLocateCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Find the Node.js runtime",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Locate(cmd.Context())
		},
	}
}

func createPathsCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print the resolved workspace paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Paths(cmd.Context())
		},
	}
}

func createProvisionCommand(botCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Copy the bundled bot into the data dir and install dependencies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.Provision(cmd.Context())
		},
	}
}

func createConfigCommand(botCommand command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage botvisor and bot configuration files",
	}
	cmd.AddCommand(createConfigInitCommand(botCommand), createConfigWriteCommand(botCommand))
	return cmd
}

func createConfigInitCommand(botCommand command) *cobra.Command {
	flags := &ConfigInitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a botvisor.toml",
		Long: `Generate a starter botvisor.toml.

Types: minimal, dev, production, sqlite, postgres, clickhouse, opensearch

Examples:
  botvisor config init                         # Print to stdout
  botvisor config init --type=dev -o botvisor.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.ConfigInit(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Type, "type", "minimal", "template type")
	cmd.Flags().StringVar(&flags.AppName, "name", "", "app name (defaults to hl-signalbot)")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "-", "output file, - for stdout")
	cmd.Flags().BoolVar(&flags.Force, "force", false, "overwrite an existing file")
	return cmd
}

func createConfigWriteCommand(botCommand command) *cobra.Command {
	flags := &ConfigWriteFlags{}
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a file into the bot data dir",
		Long: `Write config.json, .env or a key file into the data dir. Secrets and
.env are stored with owner-only permissions.

Examples:
  botvisor config write --name=config.json --file=./config.json
  cat key.pem | botvisor config write --name=private.pem --secret
  botvisor config write --name=.env --file=.env --remote`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return botCommand.ConfigWrite(cmd.Context(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "file name inside the data dir (required)")
	cmd.Flags().StringVar(&flags.File, "file", "-", "source file, - for stdin")
	cmd.Flags().BoolVar(&flags.Secret, "secret", false, "store with owner-only permissions")
	cmd.Flags().BoolVar(&flags.Remote, "remote", false, "write through the daemon API")
	if err := cmd.MarkFlagRequired("name"); err != nil {
		panic(err)
	}
	return cmd
}
