package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clonekernel/internal/gtid"
	gtidfile "clonekernel/internal/gtid/file"
)

func newAckCmd(log *slog.Logger) *cobra.Command {
	var (
		sourceUUID string
		start      uint64
		end        uint64
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "ack",
		Short: "Commit one GTID interval to the session's persister and optionally wait for its flush",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(sourceUUID)
			if err != nil {
				return fmt.Errorf("parse --source-uuid: %w", err)
			}

			store := gtidfile.NewStore(filepath.Join(sessionDir(cmd), "gtid_executed.json"))

			scheduler, err := gocron.NewScheduler()
			if err != nil {
				return fmt.Errorf("new scheduler: %w", err)
			}

			persister, err := gtid.New(store, gtid.Config{
				TimeThreshold: 500 * time.Millisecond,
				Scheduler:     scheduler,
				Logger:        log,
			})
			if err != nil {
				return fmt.Errorf("new gtid persister: %w", err)
			}
			defer persister.Close()

			flushNum := persister.Commit(gtid.Row{SourceUUID: id, Start: start, End: end})
			if wait {
				persister.WaitThread(flushNum)
			}

			log.Info("acked gtid interval", "source_uuid", id, "start", start, "end", end, "flush_number", flushNum)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceUUID, "source-uuid", "", "GTID source UUID (required)")
	cmd.Flags().Uint64Var(&start, "start", 0, "interval start (required)")
	cmd.Flags().Uint64Var(&end, "end", 0, "interval end (required)")
	cmd.Flags().BoolVar(&wait, "wait", true, "block until this commit's flush is durable")
	cmd.MarkFlagRequired("source-uuid")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")

	return cmd
}
