package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/plantflow/flowengine/internal/flow/executor"
	"github.com/plantflow/flowengine/internal/historian"
	"github.com/plantflow/flowengine/internal/host"
	"github.com/plantflow/flowengine/internal/scripting"
	"github.com/plantflow/flowengine/internal/tags"
	"github.com/plantflow/flowengine/internal/variables"
)

func newRunCmd() *cobra.Command {
	var (
		triggerID string
		payload   string
		tagValues map[string]string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a flow once and print the result",
		Long:  `Compiles the flow and runs it against in-memory tags, variables and historian. The run result is printed as JSON.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			flow, _, err := host.ParseDocument(data)
			if err != nil {
				return err
			}
			if flow == nil {
				return fmt.Errorf("%s is not a flow definition", args[0])
			}

			var input interface{}
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &input); err != nil {
					return fmt.Errorf("invalid --payload: %w", err)
				}
			}

			table := tags.NewMemory(nil)
			for path, raw := range tagValues {
				var v interface{}
				if err := json.Unmarshal([]byte(raw), &v); err != nil {
					v = raw
				}
				table.Set(path, v)
			}

			log := commandLogger(cmd)
			scripts := scripting.NewEngine(scripting.DefaultConfig(), log)
			registry, err := builtinRegistry(scripts, log)
			if err != nil {
				return err
			}
			h := host.New(host.Config{Timeout: timeout}, host.Deps{
				Registry: registry,
				Capabilities: executor.Capabilities{
					Tags:      table,
					History:   historian.NewMemoryStore(),
					Variables: variables.NewMemoryStore(),
				},
			}, log)
			defer h.Close()

			res, err := h.RunDefinition(cmd.Context(), flow, triggerID, input)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status != executor.StatusSuccess {
				return fmt.Errorf("run %s finished with status %s", res.RunID, res.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&triggerID, "trigger", "", "Trigger node to start from (default: every trigger)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload for the initial message")
	cmd.Flags().StringToStringVar(&tagValues, "tag", nil, "Preset tag values, e.g. --tag tank.level=82")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Run timeout")
	return cmd
}
