// ABOUTME: Pipeline DAG runner: resolves tasks, validates I/O schemas, and executes nodes in topological order.
// ABOUTME: Parent outputs flow to children as runtime inputs; key conflicts abort before the child starts.

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/navigator"
	"github.com/retracehq/retrace/traversal"
)

// Node is one pipeline vertex: either an inline spec or a reference to a
// persisted task config, plus the ids of the nodes it depends on.
type Node struct {
	ID      string
	Ref     string
	Spec    *TaskSpec
	Parents []string
}

// EventType identifies a pipeline progress event.
type EventType string

const (
	EventPipelineStarted  EventType = "pipeline_started"
	EventNodeStarted      EventType = "node_started"
	EventNodeFinished     EventType = "node_finished"
	EventNodeWarning      EventType = "node_warning"
	EventPipelineFinished EventType = "pipeline_finished"
)

// Event is delivered to Config.OnEvent as the pipeline progresses.
type Event struct {
	Type      EventType
	Node      string
	Message   string
	Err       error
	Timestamp time.Time
}

// Config wires a pipeline run.
type Config struct {
	// Navigator configures the LLM-driven loop shared by all nodes.
	Navigator navigator.Config

	// Client is a shared browser client used for every node. Mutually
	// exclusive with ClientFactory; exactly one must be set.
	Client browser.Client

	// ClientFactory builds one client per node, isolating viewport,
	// user-agent, and storage between tasks. The returned client is closed
	// after the node finishes.
	ClientFactory func(ctx context.Context, node Node, dataDir string) (browser.Client, error)

	// Resolver resolves Node.Ref identifiers. Only needed when the pipeline
	// contains ref nodes.
	Resolver TaskResolver

	// BaseDir is the root under which each node gets its own
	// run_<run_id> data directory. Required.
	BaseDir string

	// HistoryDir, when set, receives per-node run-history entries.
	HistoryDir string

	// BrowserConfig is recorded into every node's traversal.
	BrowserConfig traversal.BrowserConfig

	OnEvent func(Event)
}

// NodeResult pairs a node with its navigation result.
type NodeResult struct {
	Node   string
	Result *navigator.Result
}

// Result summarizes one pipeline run.
type Result struct {
	PipelineID string
	Order      []string
	Nodes      []NodeResult
	// Outputs holds each completed node's extracted data, keyed by node id.
	Outputs  map[string]map[string]string
	Duration time.Duration
}

// Run validates and executes the pipeline. The build phase (resolution,
// schema validation, topological sort) completes before any node runs; any
// build error means zero side effects.
func Run(ctx context.Context, cfg Config, nodes []Node) (*Result, error) {
	if cfg.BaseDir == "" {
		return nil, execerr.New(execerr.KindConfiguration, "pipeline requires a base directory")
	}
	if (cfg.Client == nil) == (cfg.ClientFactory == nil) {
		return nil, execerr.New(execerr.KindConfiguration, "exactly one of Client or ClientFactory must be set")
	}

	specs, err := resolveAll(ctx, cfg, nodes)
	if err != nil {
		return nil, err
	}
	if err := validateSchemas(nodes, specs); err != nil {
		return nil, err
	}
	order, err := topoSort(nodes)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	start := time.Now()
	result := &Result{
		PipelineID: uuid.New().String(),
		Order:      order,
		Outputs:    make(map[string]map[string]string, len(nodes)),
	}
	emit(cfg, Event{Type: EventPipelineStarted, Message: result.PipelineID})

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		node := byID[id]
		spec := specs[id]

		inputs, err := mergeInputs(node, spec, result.Outputs)
		if err != nil {
			return result, err
		}
		if err := checkInputs(cfg, node, spec, inputs); err != nil {
			return result, err
		}

		emit(cfg, Event{Type: EventNodeStarted, Node: id, Message: spec.TestCase})
		nodeResult, err := runNode(ctx, cfg, node, spec, inputs)
		if nodeResult != nil {
			result.Nodes = append(result.Nodes, NodeResult{Node: id, Result: nodeResult})
		}
		if err != nil {
			emit(cfg, Event{Type: EventNodeFinished, Node: id, Err: err})
			return result, wrapNodeErr(id, err)
		}
		result.Outputs[id] = nodeResult.ExtractedData
		emit(cfg, Event{Type: EventNodeFinished, Node: id, Message: nodeResult.Status})
	}

	result.Duration = time.Since(start)
	emit(cfg, Event{Type: EventPipelineFinished, Message: result.PipelineID})
	return result, nil
}

// resolveAll materializes a spec for every node before execution begins.
func resolveAll(ctx context.Context, cfg Config, nodes []Node) (map[string]*TaskSpec, error) {
	specs := make(map[string]*TaskSpec, len(nodes))
	for _, n := range nodes {
		switch {
		case n.Spec != nil:
			specs[n.ID] = n.Spec
		case n.Ref != "":
			if cfg.Resolver == nil {
				return nil, execerr.Newf(execerr.KindConfiguration, "node %q uses a task ref but no resolver is configured", n.ID).
					WithContext(execerr.Context{Node: n.ID})
			}
			spec, err := cfg.Resolver.Resolve(ctx, n.Ref)
			if err != nil {
				return nil, err
			}
			specs[n.ID] = spec
		default:
			return nil, execerr.Newf(execerr.KindValidation, "node %q has neither an inline spec nor a task ref", n.ID).
				WithContext(execerr.Context{Node: n.ID})
		}
	}
	return specs, nil
}

// validateSchemas enforces the wiring rules: every key a parent can emit must
// be consumable by the child, and no input key may shadow a secret.
func validateSchemas(nodes []Node, specs map[string]*TaskSpec) error {
	for _, n := range nodes {
		spec := specs[n.ID]
		for _, parent := range n.Parents {
			pSpec, ok := specs[parent]
			if !ok {
				continue // unresolvable parents are reported by topoSort
			}
			for key := range pSpec.OutputSchema {
				if _, ok := spec.InputSchema[key]; !ok {
					return execerr.Newf(execerr.KindValidation,
						"node %q emits output %q that node %q does not declare in its input_schema", parent, key, n.ID).
						WithContext(execerr.Context{Node: n.ID}).
						WithSuggestion(fmt.Sprintf("add %q to %s's input_schema or drop it from %s's output_schema", key, n.ID, parent))
				}
			}
		}
		for key := range spec.InputSchema {
			if _, ok := spec.Secrets[key]; ok {
				return execerr.Newf(execerr.KindValidation,
					"node %q declares %q as both an input and a secret", n.ID, key).
					WithContext(execerr.Context{Node: n.ID})
			}
		}
	}
	return nil
}

// mergeInputs assembles a node's runtime inputs from its parents' outputs,
// restricted to the node's input schema. Two parents emitting different
// values for the same key is a fatal conflict.
func mergeInputs(node Node, spec *TaskSpec, outputs map[string]map[string]string) (map[string]string, error) {
	inputs := make(map[string]string)
	origin := make(map[string]string)

	parents := append([]string(nil), node.Parents...)
	sort.Strings(parents)
	for _, parent := range parents {
		for key, value := range outputs[parent] {
			if _, declared := spec.InputSchema[key]; !declared {
				continue
			}
			if prev, seen := inputs[key]; seen && prev != value {
				return nil, execerr.Newf(execerr.KindDependencyConflict,
					"parents %q and %q emit different values for input %q of node %q", origin[key], parent, key, node.ID).
					WithContext(execerr.Context{Node: node.ID})
			}
			inputs[key] = value
			origin[key] = parent
		}
	}
	return inputs, nil
}

// checkInputs verifies required inputs are present. Persisted-config tasks
// degrade the failure to a warning; the LLM may still produce the values.
func checkInputs(cfg Config, node Node, spec *TaskSpec, inputs map[string]string) error {
	var missing []string
	for key := range spec.InputSchema {
		if _, ok := inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)

	if spec.FromPersistedConfig {
		emit(cfg, Event{Type: EventNodeWarning, Node: node.ID,
			Message: fmt.Sprintf("missing inputs %v; proceeding because the task was loaded from a persisted config", missing)})
		return nil
	}
	return execerr.Newf(execerr.KindValidation, "node %q is missing required inputs %v", node.ID, missing).
		WithContext(execerr.Context{Node: node.ID}).
		WithSuggestion("wire a parent that emits these keys or provide them in the task spec")
}

// runNode executes one node's navigation run in its own data directory.
func runNode(ctx context.Context, cfg Config, node Node, spec *TaskSpec, inputs map[string]string) (*navigator.Result, error) {
	taskRunID := uuid.New().String()
	dataDir := filepath.Join(cfg.BaseDir, "run_"+taskRunID)

	client := cfg.Client
	if cfg.ClientFactory != nil {
		created, err := cfg.ClientFactory(ctx, node, dataDir)
		if err != nil {
			return nil, execerr.Wrap(execerr.KindBrowser, "creating browser client", err).
				WithContext(execerr.Context{Node: node.ID})
		}
		client = created
		defer client.Close(context.WithoutCancel(ctx))
	}

	task := navigator.Task{
		TaskID:            node.ID,
		TestCase:          spec.TestCase,
		ExtraInstructions: spec.ExtraInstructions,
		StartURL:          spec.StartURL,
		Secrets:           spec.Secrets,
		RuntimeInputs:     inputs,
		BrowserConfig:     cfg.BrowserConfig,
		MaxSteps:          spec.MaxSteps,
		OutputDir:         dataDir,
		HistoryDir:        cfg.HistoryDir,
	}
	if len(spec.InputSchema) > 0 || len(spec.OutputSchema) > 0 {
		task.IOSchema = &traversal.IOSchema{
			InputSchema:  spec.InputSchema,
			OutputSchema: spec.OutputSchema,
		}
	}
	return navigator.Navigate(ctx, cfg.Navigator, client, task)
}

func wrapNodeErr(node string, err error) error {
	if e, ok := err.(*execerr.Error); ok {
		ctx := e.Context
		if ctx.Node == "" {
			ctx.Node = node
			return e.WithContext(ctx)
		}
		return e
	}
	return execerr.Wrap(execerr.KindTaskExecution, fmt.Sprintf("node %q failed", node), err).
		WithContext(execerr.Context{Node: node})
}

func emit(cfg Config, ev Event) {
	if cfg.OnEvent == nil {
		return
	}
	ev.Timestamp = time.Now()
	cfg.OnEvent(ev)
}
