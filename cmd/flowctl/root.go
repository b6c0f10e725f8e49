package main

import (
	"github.com/spf13/cobra"

	"github.com/plantflow/flowengine/internal/flow/node"
	"github.com/plantflow/flowengine/internal/nodes"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flowctl",
		Short:         "Validate and run plantflow flows offline",
		Long:          `flowctl checks flow, state machine and script files and runs flows against in-memory tags and variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Bool("verbose", false, "Log runtime activity to stderr")

	root.AddCommand(
		newValidateCmd(),
		newRunCmd(),
		newScriptCmd(),
		newTransitionsCmd(),
	)
	return root
}

func commandLogger(cmd *cobra.Command) logger.Logger {
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		return logger.New(logger.Config{Level: "debug", Format: "console", Output: "stderr"})
	}
	return logger.NewNop()
}

func builtinRegistry(scripts *scripting.Engine, log logger.Logger) (*node.Registry, error) {
	registry := node.NewRegistry(log)
	if err := nodes.RegisterBuiltins(registry, nodes.Deps{Scripts: scripts, Logger: log}); err != nil {
		return nil, err
	}
	return registry, nil
}
