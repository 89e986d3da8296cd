package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(newCommand)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// buildRoot creates the command tree. newCmd binds the handlers to the parsed
// global flags.
func buildRoot(newCmd func(*GlobalFlags) *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := newCmd(globalFlags)

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c),
		createProbeCommand(c),
		createCounterCommand(c),
		createServeCommand(c),
		createConfigCommand(c),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "idlestop",
		Short: "Stop an instance once nobody has been logged in over SSH for a while",
		Long: `Idlestop checks one instance for established SSH sessions, keeps a
count of consecutive idle checks and stops the instance once the count reaches
IDLE_THRESHOLD, if ALLOW_STOP is set. Settings come from the environment and,
optionally, a TOML file; the environment wins.

Examples:
  idlestop run                       # one check, for cron or a systemd timer
  idlestop probe                     # only look for SSH sessions
  idlestop counter get
  idlestop serve --listen=:8080      # POST /check from an external scheduler`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}

func createRunCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one idle check",
		Long: `Run one idle check: read the power state, probe SSH activity, update
the idle counter and stop the instance when the threshold is reached.
The result is printed as JSON. Exit status is 0 for any decision, 2 for a
configuration error, 3 when counter storage is unavailable and 4 when the stop
request failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "overall deadline for the check (0 = none)")
	return cmd
}

func createProbeCommand(c *command) *cobra.Command {
	f := &RunFlags{}
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Report SSH activity without changing anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Probe(*f)
		},
	}
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "overall deadline for the probe (0 = none)")
	return cmd
}

func createCounterCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Inspect or override the idle counter",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the stored idle counter",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CounterGet()
		},
	}
	set := &cobra.Command{
		Use:   "set <value>",
		Short: "Overwrite the idle counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("counter value %q is not an integer", args[0])
			}
			return c.CounterSet(CounterSetFlags{Value: n})
		},
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Set the idle counter to 0",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.CounterReset()
		},
	}
	cmd.AddCommand(get, set, reset)
	return cmd
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run idle checks on demand over HTTP",
		Long: `Serve exposes POST {base}/check for an external scheduler. Only one
check runs at a time; an overlapping request gets 409.

Examples:
  idlestop serve --listen=127.0.0.1:8080 --base-path=/idle`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(*f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "URL prefix for the endpoints")
	cmd.Flags().BoolVar(&f.NonBlocking, "non-blocking", false, "start and stop immediately (testing)")
	if err := cmd.Flags().MarkHidden("non-blocking"); err != nil {
		panic(err)
	}
	return cmd
}

func createConfigCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ShowConfig()
		},
	}
}
