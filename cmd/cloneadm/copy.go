package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"clonekernel/internal/clonesession"
	"clonekernel/internal/clonesystem"
	"clonekernel/internal/descriptor"
	"clonekernel/internal/handle"
	"clonekernel/internal/iosource"
	"clonekernel/internal/taskmanager"
)

func newCopyCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Drive the copy side of a clone session started by 'begin' to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := sessionDir(cmd)
			cfg, err := loadConfig(cmd.Context(), dir)
			if err != nil {
				return err
			}
			sessionStore := clonesession.NewStore(dir)
			session, err := sessionStore.Load()
			if err != nil {
				return err
			}
			if session == nil {
				return fmt.Errorf("no session found in %s; run 'cloneadm begin --role copy' first", dir)
			}
			if session.Direction != descriptor.DirectionCopy {
				return fmt.Errorf("session in %s was begun with direction %d, not copy", dir, session.Direction)
			}

			transport, err := buildTransport(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build transport: %w", err)
			}

			snap, registry, redoLog, err := buildSnapshotSources(session.Files, cfg)
			if err != nil {
				return err
			}
			defer registry.Close()
			defer redoLog.Close()

			if _, err := registerFiles(snap, session.Files); err != nil {
				return err
			}

			system := clonesystem.New(log)
			tasks := taskmanager.NewManager(taskmanager.MaxTasks, int(snap.NumChunks()))

			h, err := handle.New(descriptor.DirectionCopy, system, snap, tasks, transport, log)
			if err != nil {
				return fmt.Errorf("new handle: %w", err)
			}
			defer h.Close()
			h.Resume(session.Locator)
			h.SetRedoPreparer(iosource.NewRedoHeaderPreparer(redoLog))

			task, err := tasks.AddTask(0, 0)
			if err != nil {
				return fmt.Errorf("add task: %w", err)
			}

			if err := h.Copy(task); err != nil {
				return fmt.Errorf("copy: %w", err)
			}

			log.Info("copy complete", "clone_id", session.Locator.CloneID)
			return nil
		},
	}
	return cmd
}
