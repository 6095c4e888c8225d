package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newGCCmd sweeps unreferenced blobs from the content store.
func newGCCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete unreferenced blobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.vfs.SweepBlobs()
			if err != nil {
				return err
			}
			fmt.Printf("swept %d blob(s)\n", n)
			return nil
		},
	}
}
