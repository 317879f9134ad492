package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"clonekernel/internal/clonesession"
)

func newEndCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end",
		Short: "Tear down this directory's clone session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := sessionDir(cmd)
			store := clonesession.NewStore(dir)

			session, err := store.Load()
			if err != nil {
				return err
			}
			if session == nil {
				log.Info("no session to end", "session_dir", dir)
				return nil
			}

			if err := store.Clear(); err != nil {
				return fmt.Errorf("clear session: %w", err)
			}
			log.Info("session ended", "clone_id", session.Locator.CloneID, "session_dir", dir)
			return nil
		},
	}
	return cmd
}
