// ABOUTME: TaskResolver capability plus a YAML-file resolver for persisted task configs.
// ABOUTME: Library callers may supply any resolver; ResolverFunc adapts a bare function.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/retracehq/retrace/execerr"
)

// TaskSpec is a concrete, runnable task definition.
type TaskSpec struct {
	TestCase          string            `yaml:"test_case"`
	ExtraInstructions []string          `yaml:"extra_instructions"`
	StartURL          string            `yaml:"start_url"`
	Secrets           map[string]string `yaml:"secrets"`
	InputSchema       map[string]string `yaml:"input_schema"`
	OutputSchema      map[string]string `yaml:"output_schema"`
	MaxSteps          int               `yaml:"max_steps"`

	// FromPersistedConfig marks specs loaded from disk. Missing required
	// inputs demote from fatal to warning for such specs; the LLM may still
	// produce the values during the run.
	FromPersistedConfig bool `yaml:"-"`
}

// TaskResolver resolves a TaskRef identifier to a concrete spec.
type TaskResolver interface {
	Resolve(ctx context.Context, ref string) (*TaskSpec, error)
}

// ResolverFunc adapts a function to the TaskResolver interface.
type ResolverFunc func(ctx context.Context, ref string) (*TaskSpec, error)

func (f ResolverFunc) Resolve(ctx context.Context, ref string) (*TaskSpec, error) {
	return f(ctx, ref)
}

// FileResolver resolves refs to <dir>/<ref>.yaml task configs.
type FileResolver struct {
	Dir string
}

// Resolve loads and parses the referenced task config. Specs loaded this way
// are marked FromPersistedConfig.
func (r FileResolver) Resolve(ctx context.Context, ref string) (*TaskSpec, error) {
	path := filepath.Join(r.Dir, ref+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindConfiguration, fmt.Sprintf("task ref %q is not resolvable", ref), err).
			WithSuggestion(fmt.Sprintf("create %s or fix the reference", path))
	}
	var spec TaskSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, fmt.Sprintf("task config %s is malformed", filepath.Base(path)), err)
	}
	if spec.TestCase == "" {
		return nil, execerr.Newf(execerr.KindValidation, "task config %s has no test_case", filepath.Base(path))
	}
	spec.FromPersistedConfig = true
	return &spec, nil
}
