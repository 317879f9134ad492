package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"clonekernel/internal/clonesession"
	"clonekernel/internal/clonesystem"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/handle"
	"clonekernel/internal/taskmanager"
)

func newBeginCmd(log *slog.Logger) *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:   "begin",
		Short: "Perform locator exchange and persist the resulting clone session",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := sessionDir(cmd)
			cfg, err := loadConfig(cmd.Context(), dir)
			if err != nil {
				return err
			}

			direction, err := parseDirection(role)
			if err != nil {
				return err
			}

			transport, err := buildTransport(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build transport: %w", err)
			}

			files, err := discoverFiles(cfg.DataDir)
			if err != nil {
				return err
			}

			// begin only performs locator exchange (spec §4.6); the
			// snapshot itself is built fresh by the copy/apply
			// invocation that follows, so no FileSource/RedoSource need
			// be opened here.
			system := clonesystem.New(log)
			tasks := taskmanager.NewManager(taskmanager.MaxTasks, 1)

			h, err := handle.New(direction, system, nil, tasks, transport, log)
			if err != nil {
				return fmt.Errorf("new handle: %w", err)
			}
			defer h.Close()

			if err := h.Init(); err != nil {
				return fmt.Errorf("locator exchange: %w", err)
			}

			session := &clonesession.State{
				Direction: direction,
				Locator:   h.Locator(),
				Files:     files,
			}
			sessionStore := clonesession.NewStore(dir)
			if err := sessionStore.Save(session); err != nil {
				return fmt.Errorf("save session: %w", err)
			}

			log.Info("locator exchange complete", "clone_id", h.Locator().CloneID, "snapshot_id", h.Locator().SnapshotID)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "this process's direction: copy or apply (required)")
	cmd.MarkFlagRequired("role")

	return cmd
}

func parseDirection(role string) (descriptor.Direction, error) {
	switch role {
	case "copy":
		return descriptor.DirectionCopy, nil
	case "apply":
		return descriptor.DirectionApply, nil
	default:
		return 0, fmt.Errorf("unknown --role %q: expected copy or apply", role)
	}
}
