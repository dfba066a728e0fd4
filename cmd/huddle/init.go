package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mistakeknot/huddle/internal/auth"
	"github.com/mistakeknot/huddle/internal/cli"
)

func initCmd() *cobra.Command {
	var role, keysFile string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Add an API key for the session API or the worker feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keysFile == "" {
				keysFile = auth.ResolveKeysPath()
			}
			key, err := cli.InitKeysFile(keysFile, role)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s key written to %s\n%s\n", role, keysFile, key)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleClient), "key role: client or worker")
	cmd.Flags().StringVar(&keysFile, "keys-file", "", "keys file (default $HUDDLE_KEYS_FILE or ./huddle.keys.yaml)")
	return cmd
}
