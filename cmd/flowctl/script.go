package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/plantflow/flowengine/internal/scripting"
)

func newScriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "script",
		Short: "Work with Lua scripts",
	}

	var condition bool
	check := &cobra.Command{
		Use:   "check <file>",
		Short: "Report syntax errors and warnings in a script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			engine := scripting.NewEngine(scripting.DefaultConfig(), commandLogger(cmd))
			var diags []scripting.Diagnostic
			if condition {
				diags = engine.ValidateCondition(string(code))
			} else {
				diags = engine.Validate(string(code))
			}
			for _, d := range diags {
				fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", args[0], d)
			}
			if scripting.HasErrors(diags) {
				return errInvalid
			}
			if len(diags) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			}
			return nil
		},
	}
	check.Flags().BoolVar(&condition, "condition", false, "Check the file as a boolean condition expression")

	cmd.AddCommand(check)
	return cmd
}
