package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var showSnapshot bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Compile the rule file and list its rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context(), rootOpts, false, nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showSnapshot {
				fmt.Fprintln(out, e.mgr.Current())
			}
			fmt.Fprintln(out, e.reg)
			describeFailures(out, e.reg)
			return nil
		},
	}

	cmd.Flags().BoolVar(&showSnapshot, "snapshot", false, "also print the published snapshot")
	return cmd
}
