package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/syncengine"
)

func newSyncCmd() *cobra.Command {
	var storage string

	cmd := &cobra.Command{
		Use:   "sync [id]",
		Short: "Run one reconciliation cycle for an already-open file (§4.5)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			id := args[0]

			opts := syncengine.Options{}
			if storage != "" {
				opts.Storage = storage
			}

			if err := cc.Controller.SyncFile(cmd.Context(), id, opts); err != nil {
				return fmt.Errorf("syncing %q: %w", id, err)
			}

			fmt.Printf("synced %s\n", id)

			return nil
		},
	}

	cmd.Flags().StringVar(&storage, "storage", "", "override the backend ('save as' to a new storage)")

	return cmd
}
