package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSecretCmd manages encrypted credentials. Values are never printed.
func newSecretCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted credentials",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Store a credential (e.g. vendor/openai)",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.secrets.SaveSecret(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("stored %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List stored credential keys",
			RunE: func(cmd *cobra.Command, args []string) error {
				keys, err := a.secrets.ListKeys()
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <key>",
			Short: "Delete a credential",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.secrets.DeleteSecret(args[0])
			},
		},
	)
	return cmd
}
