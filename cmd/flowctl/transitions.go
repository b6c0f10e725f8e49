package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/plantflow/flowengine/internal/statemachine"
)

func newTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Work with state machine transition lists",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "parse <text>",
		Short: `Parse "from:event->to" transitions and print the table`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := statemachine.ParseTransitions(strings.Join(args, " "))
			out := cmd.OutOrStdout()
			for _, state := range res.Table.States() {
				for _, t := range res.Table[state] {
					fmt.Fprintf(out, "%s --%s--> %s\n", state, t.Event, t.Target)
				}
			}
			for _, token := range res.Skipped {
				fmt.Fprintf(out, "skipped: %q\n", token)
			}
			return nil
		},
	})
	return cmd
}
