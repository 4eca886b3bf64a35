// ABOUTME: Top-level run lifecycle: open a page, create the traversal store, run the loop, seal, record history.
// ABOUTME: Owns status mapping (success/failed/cancelled) and guarantees cleanup never masks the primary error.

package navigator

import (
	"context"
	"errors"
	"time"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/history"
	"github.com/retracehq/retrace/traversal"
)

// Task is one navigation job: the goal plus everything needed to run it.
type Task struct {
	// TaskID keys the run-history file. Empty skips history recording.
	TaskID string

	TestCase          string
	ExtraInstructions []string
	StartURL          string
	Secrets           map[string]string
	RuntimeInputs     map[string]string
	BrowserConfig     traversal.BrowserConfig
	IOSchema          *traversal.IOSchema

	// MaxSteps overrides Config.MaxSteps when positive.
	MaxSteps int

	// OutputDir receives the traversal file and screenshots. Required.
	OutputDir string

	// HistoryDir, when set together with TaskID, receives a run-history
	// entry after the run is sealed.
	HistoryDir string
}

// Result summarizes one sealed navigation run.
type Result struct {
	RunID         string
	TraversalPath string
	Status        string
	Steps         int
	ExtractedData map[string]string
	Duration      time.Duration
}

// Navigate runs one task end to end: it creates the traversal store, opens a
// page, drives the loop, seals the store with the final status, and appends a
// history entry. The returned error (if any) is the run's primary failure;
// the Result is returned alongside it so callers still see the artifacts.
func Navigate(ctx context.Context, cfg Config, client browser.Client, task Task) (*Result, error) {
	if task.OutputDir == "" {
		return nil, execerr.New(execerr.KindConfiguration, "task requires an output directory")
	}

	start := time.Now()
	store, err := traversal.NewStore(task.OutputDir, traversal.Meta{
		TestCase:          task.TestCase,
		ExtraInstructions: task.ExtraInstructions,
		BrowserConfig:     task.BrowserConfig,
		Secrets:           task.Secrets,
		IOSchema:          task.IOSchema,
	})
	if err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, "creating traversal store", err)
	}

	page, err := client.NewPage(ctx)
	if err != nil {
		sealQuiet(store, traversal.StatusFailed)
		return nil, execerr.Wrap(execerr.KindBrowser, "opening page", err)
	}
	defer page.Close(context.WithoutCancel(ctx))

	var runErr error
	var outcome *Outcome

	if task.StartURL != "" {
		if err := page.Goto(ctx, task.StartURL); err != nil {
			runErr = execerr.Wrap(execerr.KindBrowser, "opening start URL", err).
				WithContext(execerr.Context{Task: task.TestCase, LastURL: task.StartURL})
		}
	}

	if runErr == nil {
		var nav *Navigator
		nav, runErr = New(cfg, page, store, task.Secrets)
		if runErr == nil {
			var outputSchema map[string]string
			if task.IOSchema != nil {
				outputSchema = task.IOSchema.OutputSchema
			}
			outcome, runErr = nav.Run(ctx, Goal{
				Task:              task.TestCase,
				ExtraInstructions: task.ExtraInstructions,
				RuntimeInputs:     task.RuntimeInputs,
				OutputSchema:      outputSchema,
				MaxSteps:          task.MaxSteps,
			})
		}
	}

	status := statusFor(outcome, runErr)
	if err := store.Seal(status); err != nil && runErr == nil {
		runErr = execerr.Wrap(execerr.KindTaskExecution, "sealing traversal", err)
	}

	result := &Result{
		RunID:         store.RunID(),
		TraversalPath: store.Path(),
		Status:        status,
		Duration:      time.Since(start),
	}
	if outcome != nil {
		result.Steps = outcome.Steps
		result.ExtractedData = outcome.ExtractedData
	}

	recordHistory(task, result, runErr)
	return result, runErr
}

// statusFor maps a run outcome to the sealed traversal status.
func statusFor(outcome *Outcome, runErr error) string {
	switch {
	case runErr == nil && outcome != nil && outcome.Success:
		return traversal.StatusSuccess
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		return traversal.StatusCancelled
	default:
		return traversal.StatusFailed
	}
}

// recordHistory appends the run to the task's history file. History is an
// audit artifact: failures here are swallowed so they never mask the run's
// own result.
func recordHistory(task Task, result *Result, runErr error) {
	if task.HistoryDir == "" || task.TaskID == "" {
		return
	}
	entry := history.NavigatedRun{
		RunID:         result.RunID,
		Timestamp:     time.Now(),
		Status:        result.Status,
		TraversalPath: result.TraversalPath,
		ExecutionTime: result.Duration.Seconds(),
	}
	if runErr != nil {
		entry.ErrorMessage = runErr.Error()
	}
	_ = history.AppendNavigated(task.HistoryDir, task.TaskID, entry)
}

func sealQuiet(store *traversal.Store, status string) {
	_ = store.Seal(status)
}
