package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/plantflow/flowengine/internal/flow/graph"
	"github.com/plantflow/flowengine/internal/statemachine"
)

// Document kinds. A file without a kind is a state machine when it declares
// initialState and a flow otherwise.
const (
	KindFlow         = "flow"
	KindStateMachine = "statemachine"
)

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// ReadDir parses every definition file in dir. Parse errors are collected
// rather than returned one at a time.
func ReadDir(dir string) ([]*graph.FlowDefinition, []statemachine.Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read flows directory: %w", err)
	}

	var (
		flows    []*graph.FlowDefinition
		machines []statemachine.Definition
		issues   []FileIssue
	)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && isDefinitionFile(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			issues = append(issues, FileIssue{File: name, Message: err.Error()})
			continue
		}
		flow, machine, err := ParseDocument(data)
		if err != nil {
			issues = append(issues, FileIssue{File: name, Message: err.Error()})
			continue
		}
		if flow != nil {
			flows = append(flows, flow)
		}
		if machine != nil {
			machines = append(machines, *machine)
		}
	}
	if len(issues) > 0 {
		return nil, nil, &LoadError{Issues: issues}
	}
	return flows, machines, nil
}

// ParseDocument decodes one YAML or JSON definition. Exactly one of the
// returned definitions is non-nil on success.
func ParseDocument(data []byte) (*graph.FlowDefinition, *statemachine.Definition, error) {
	var head struct {
		Kind         string `yaml:"kind"`
		InitialState string `yaml:"initialState"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return nil, nil, fmt.Errorf("failed to parse document: %w", err)
	}

	kind := strings.ToLower(head.Kind)
	if kind == "" {
		kind = KindFlow
		if head.InitialState != "" {
			kind = KindStateMachine
		}
	}

	switch kind {
	case KindFlow:
		flow, err := graph.ParseFlow(data)
		return flow, nil, err
	case KindStateMachine:
		machine, err := statemachine.ParseDefinition(data)
		return nil, machine, err
	}
	return nil, nil, fmt.Errorf("unknown document kind %q", head.Kind)
}

// LoadDir reads the configured flows directory and loads it.
func (h *Host) LoadDir(ctx context.Context) error {
	if h.config.FlowsDir == "" {
		return fmt.Errorf("%w: flows directory is not configured", ErrLoadFailed)
	}
	flows, machines, err := ReadDir(h.config.FlowsDir)
	if err != nil {
		return err
	}
	return h.Load(ctx, flows, machines)
}

// Reload is LoadDir with the outcome logged. The previous set stays active
// when it fails.
func (h *Host) Reload(ctx context.Context) error {
	if err := h.LoadDir(ctx); err != nil {
		h.logger.Error("Reload failed, keeping previous flows", "error", err)
		return err
	}
	return nil
}
