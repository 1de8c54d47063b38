package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/fileopen"
)

func newOpenCmd() *cobra.Command {
	var (
		storage string
		path    string
		name    string
	)

	cmd := &cobra.Command{
		Use:   "open [name]",
		Short: "Open a password database, selecting source per the §4.4 decision tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			name = args[0]

			// When the caller doesn't pin a backend/path explicitly, resolve
			// the most-recently-used registry entry for this name (§4.2
			// GetByName) so reopening a remembered file by name alone finds
			// its id/storage/path instead of falling through to the §4.4
			// local-only clause with no backend attached.
			req := fileopen.Request{Storage: storage, Name: name, Path: path}

			if storage == "" && path == "" {
				if fi, ok := cc.Registry.GetByName(name); ok {
					req.ID = fi.ID
					req.Storage = fi.Storage
					req.Path = fi.Path
					req.Opts = fi.Opts
				}
			}

			password, err := readPassword()
			if err != nil {
				return err
			}

			req.Password = password

			opened, err := cc.Controller.OpenFile(cmd.Context(), req)
			if err != nil {
				return fmt.Errorf("opening %q: %w", name, err)
			}

			fmt.Printf("opened %s (id=%s storage=%s)\n", opened.FileInfo.Name, opened.File.Id(), opened.FileInfo.Storage)

			return nil
		},
	}

	cmd.Flags().StringVar(&storage, "storage", "", "backend tag (empty for local-only)")
	cmd.Flags().StringVar(&path, "path", "", "backend path (defaults to the backend's name convention)")

	return cmd
}

// readPassword reads a single line from stdin. A terminal build would wire
// golang.org/x/term here for no-echo input; that's CLI/bootstrap polish
// outside this module's scope (spec §1).
func readPassword() (string, error) {
	fmt.Print("Password: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return "", fmt.Errorf("reading password: unexpected EOF")
	}

	return scanner.Text(), nil
}
