package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"clonekernel/internal/clonesession"
)

func newInspectLocatorCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-locator",
		Short: "Print the persisted session's locator and file list",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := sessionDir(cmd)
			store := clonesession.NewStore(dir)

			session, err := store.Load()
			if err != nil {
				return err
			}
			if session == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no session found in %s\n", dir)
				return nil
			}

			fmt.Fprintf(cmd.OutOrStdout(), "direction:   %d\n", session.Direction)
			fmt.Fprintf(cmd.OutOrStdout(), "clone_id:    %d\n", session.Locator.CloneID)
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot_id: %d\n", session.Locator.SnapshotID)
			fmt.Fprintf(cmd.OutOrStdout(), "state:       %d\n", session.Locator.State)
			fmt.Fprintf(cmd.OutOrStdout(), "num_chunks:  %d\n", session.NumChunks)
			for _, f := range session.Files {
				fmt.Fprintf(cmd.OutOrStdout(), "file %d (space %d): %s [chunks %d-%d]\n",
					f.FileID, f.SpaceID, f.Path, f.BeginChunk, f.EndChunk)
			}
			return nil
		},
	}
	return cmd
}
