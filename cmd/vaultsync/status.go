package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the currently open files and their modified/dirty/syncing flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			files := cc.Controller.OpenFiles()
			if len(files) == 0 {
				fmt.Println("no open files")
				return nil
			}

			for _, f := range files {
				synced := "never"
				if f.SyncDate() != 0 {
					synced = humanize.Time(time.Unix(0, f.SyncDate()))
				}

				fmt.Printf("%s  %-24s  modified=%-5t dirty=%-5t syncing=%-5t  synced %s\n",
					f.Id(), f.Name(), f.Modified(), f.Dirty(), f.Syncing(), synced)
			}

			return nil
		},
	}

	return cmd
}
