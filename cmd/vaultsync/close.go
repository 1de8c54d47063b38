package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCloseCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "close [id]",
		Short: "Close an open file, or every open file with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			if all {
				if err := cc.Controller.CloseAllFiles(); err != nil {
					return fmt.Errorf("closing all files: %w", err)
				}

				fmt.Println("closed all open files")

				return nil
			}

			if len(args) != 1 {
				return fmt.Errorf("close requires exactly one [id] argument, or --all")
			}

			if err := cc.Controller.CloseFile(args[0]); err != nil {
				return fmt.Errorf("closing %q: %w", args[0], err)
			}

			fmt.Printf("closed %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "close every open file")

	return cmd
}
