package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/statemachine"
)

var errInvalid = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check flow and state machine definitions",
		Long: `Parses YAML or JSON definitions and reports every validation error and warning.
Flows given together are checked as one set: subflow targets must be among them
and subflows must not call each other in a cycle.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				flows    []*graph.FlowDefinition
				machines []*statemachine.Definition
			)
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				flow, machine, err := host.ParseDocument(data)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				if flow != nil {
					flows = append(flows, flow)
				}
				if machine != nil {
					machines = append(machines, machine)
				}
			}

			log := commandLogger(cmd)
			scripts := scripting.NewEngine(scripting.DefaultConfig(), log)
			out := cmd.OutOrStdout()
			valid := true

			for _, machine := range machines {
				res := statemachine.Validate(*machine, scripts)
				for _, e := range res.Errors {
					fmt.Fprintf(out, "error: %s\n", e)
				}
				for _, w := range res.Warnings {
					fmt.Fprintf(out, "warning: %s\n", w)
				}
				if !res.IsValid {
					valid = false
					continue
				}
				fmt.Fprintf(out, "state machine %s is valid\n", machine.ID)
			}

			if len(flows) > 0 {
				registry, err := builtinRegistry(scripts, log)
				if err != nil {
					return err
				}
				for i, res := range graph.ValidateSet(flows, registry, nil) {
					printIssues(out, "error", res.Errors)
					printIssues(out, "warning", res.Warnings)
					if !res.IsValid {
						valid = false
						continue
					}
					fmt.Fprintf(out, "flow %s is valid\n", flows[i].ID)
				}
			}

			if !valid {
				return errInvalid
			}
			return nil
		},
	}
}

func printIssues(out io.Writer, label string, issues []graph.Issue) {
	for _, issue := range issues {
		fmt.Fprintf(out, "%s: %s\n", label, issue)
	}
}
