package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the FileInfo registry, most recently used first (§4.2)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			entries := cc.Registry.List()
			if len(entries) == 0 {
				fmt.Println("no remembered files")
				return nil
			}

			for _, fi := range entries {
				storage := fi.Storage
				if storage == "" {
					storage = "local-only"
				}

				modified := ""
				if fi.Modified {
					modified = " [modified]"
				}

				synced := "never"
				if fi.SyncDate != 0 {
					synced = humanize.Time(time.Unix(0, fi.SyncDate))
				}

				fmt.Printf("%s  %-24s  %-10s  synced %s%s\n", fi.ID, fi.Name, storage, synced, modified)
			}

			return nil
		},
	}

	return cmd
}
