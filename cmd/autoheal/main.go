package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	fixFlags := &FixFlags{}
	hashFlags := &HashPasswordFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(c, globalFlags, serveFlags),
		createFixCommand(c, globalFlags, fixFlags),
		createStateCommand(c, globalFlags),
		createHashPasswordCommand(c, hashFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "autoheal",
		Short: "Self-healing supervisor for a single service",
		Long: `Autoheal runs a service, watches its error log for failures, asks a code
model for a unified-diff fix, applies it with backup and rollback, and restarts
the service when a patch lands.

Examples:
  autoheal serve autoheal.toml
  autoheal fix --config autoheal.toml --file src/app.py
  autoheal state --config autoheal.toml
  autoheal hash-password --password secret`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (default autoheal.toml)")
	return root
}

func createServeCommand(c command, global *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Supervise the service and run the maintenance loop",
		Long: `Start the service, the maintenance loop and the dashboard, and keep them
running until SIGINT or SIGTERM.

Examples:
  autoheal serve autoheal.toml
  autoheal serve --config autoheal.toml --daemonize --pidfile autoheal.pid --logfile autoheal.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), configPath(global, args), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run in the background")
	cmd.Flags().StringVar(&flags.PidFile, "pidfile", "", "write the daemon pid to this file")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon stdout and stderr to this file")
	return cmd
}

func createFixCommand(c command, global *GlobalFlags, flags *FixFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Run one patch cycle on a file and print the outcome",
		Long: `Capture the current error-log snapshot, ask the model for a patch to the
file and apply it. The service is not restarted.

Examples:
  autoheal fix --config autoheal.toml
  autoheal fix --config autoheal.toml --file src/app.py`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Fix(cmd.Context(), configPath(global, nil), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.File, "file", "", "file to patch (default maintain.target)")
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", 0, "abort the cycle after this long (0 = no limit)")
	return cmd
}

func createStateCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the persisted patch history and health score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.State(configPath(global, nil))
		},
	}
}

func createHashPasswordCommand(c command, flags *HashPasswordFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for auth.password_hash",
		Long: `Hash a dashboard password. Without --password the password is read from
the first line of standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.HashPassword(cmd.InOrStdin(), *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Password, "password", "", "password to hash")
	cmd.Flags().IntVar(&flags.Cost, "cost", 0, "bcrypt cost (default bcrypt.DefaultCost)")
	return cmd
}
