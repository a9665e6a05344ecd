package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nodupelabs/nodupe/pkg/core"
	"github.com/nodupelabs/nodupe/pkg/errdefs"
	"github.com/nodupelabs/nodupe/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "nodupe",
	Short: "NoDupeLabs - local file deduplication engine",
	Long: `NoDupeLabs discovers duplicate files across directory trees, keeps a
persistent content catalog, produces reviewable action plans, and
applies them transactionally so every mutation can be rolled back.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NoDupeLabs version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "Path to nodupe.yaml (defaults apply if absent)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	// Missing or malformed flags are invalid invocations, exit code 2
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errdefs.ErrInvalidInput, err)
	})

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(similarityCmd)
	rootCmd.AddCommand(compactCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

// openCore builds the Core from the --config flag and hooks SIGINT and
// SIGTERM to the root cancellation token
func openCore(cmd *cobra.Command) (*core.Core, error) {
	configPath, _ := cmd.Flags().GetString("config")
	c, err := core.Open(configPath)
	if err != nil {
		return nil, err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Cancelling...")
		c.Cancel()
	}()
	return c, nil
}

// requireArgs rejects an invocation with usage and exit code 2 when the
// positional arguments are missing
func requireArgs(n int, what string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return fmt.Errorf("%w: %s required\n\n%s", errdefs.ErrInvalidInput, what, cmd.UsageString())
		}
		return nil
	}
}

// cancelledOK treats a clean cancellation as success for commands whose
// contract says so
func cancelledOK(err error) error {
	if errors.Is(err, errdefs.ErrCancelled) {
		fmt.Println("Cancelled cleanly; checkpoint written")
		return nil
	}
	return err
}
