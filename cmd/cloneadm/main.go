// Command cloneadm drives a clone session from the command line: each
// subcommand is a separate process invocation, since this repo wires no
// long-running clone daemon (spec §9 Design Notes) to dial over RPC the
// way the teacher's own CLI does. State that must survive between
// invocations (the clone session's locator and configuration) is
// persisted to a session directory via internal/cloneconfig and
// internal/clonesession.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"clonekernel/internal/logging"
)

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "cloneadm",
		Short: "Drive an InnoDB clone session from the command line",
	}
	rootCmd.PersistentFlags().String("session-dir", ".", "directory holding this clone session's config and state")

	rootCmd.AddCommand(
		newConfigureCmd(logger),
		newBeginCmd(logger),
		newCopyCmd(logger),
		newApplyCmd(logger),
		newAckCmd(logger),
		newEndCmd(logger),
		newInspectLocatorCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("cloneadm failed", "error", err)
		os.Exit(1)
	}
}

func sessionDir(cmd *cobra.Command) string {
	dir, _ := cmd.Flags().GetString("session-dir")
	return dir
}
