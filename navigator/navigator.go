// ABOUTME: LLM-guided navigation loop: perceive, decide, enrich, record, execute.
// ABOUTME: Drives one browser page step by step, persisting progress through a traversal store.

package navigator

import (
	"context"
	"fmt"
	"time"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/llm"
	"github.com/retracehq/retrace/traversal"
)

// EventType identifies a navigation progress event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventStepStarted    EventType = "step_started"
	EventDecisionMade   EventType = "decision_made"
	EventActionRecorded EventType = "action_recorded"
	EventActionExecuted EventType = "action_executed"
	EventActionFailed   EventType = "action_failed"
	EventRunFinished    EventType = "run_finished"
)

// Event is delivered to Config.OnEvent after each lifecycle transition.
// Handlers must be fast; they run inline on the loop goroutine.
type Event struct {
	Type      EventType
	RunID     string
	Step      int
	ActionKey string
	Kind      traversal.Kind
	Message   string
	Err       error
	Timestamp time.Time
}

// Config holds navigation loop settings shared across runs.
type Config struct {
	// Client routes decision and extraction calls. Required.
	Client *llm.Client

	// Provider and Model select the LLM; empty values fall through to the
	// client's defaults.
	Provider string
	Model    string

	// Temperature for decision calls. Nil uses the provider default.
	Temperature *float64

	// MaxSteps bounds the perceive/decide/execute cycle count. Default 40.
	MaxSteps int

	// DecisionRetries bounds stricter re-prompts after an unparseable or
	// invalid decision. Default 2.
	DecisionRetries int

	// MaxActionsPerStep caps how many actions from one decision batch are
	// executed before re-perceiving. Default 4.
	MaxActionsPerStep int

	// ActionRetries bounds re-attempts of a failed browser action within a
	// step. Default 2.
	ActionRetries int

	// LLMCallTimeout bounds each individual decision or extraction call. A
	// timed-out call is retried under the Retry policy with a fresh deadline.
	// Default 30s.
	LLMCallTimeout time.Duration

	// ActionTimeout bounds each individual browser action attempt. A timed-out
	// attempt counts as a browser failure and is retried under ActionRetries.
	// Default 30s.
	ActionTimeout time.Duration

	// Retry governs transport-level LLM retries. Nil uses
	// llm.DefaultRetryPolicy.
	Retry *llm.RetryPolicy

	// CaptureScreenshots saves a screenshot per recorded action.
	CaptureScreenshots bool

	// OnEvent, when set, observes loop progress.
	OnEvent func(Event)
}

const (
	defaultMaxSteps          = 40
	defaultDecisionRetries   = 2
	defaultMaxActionsPerStep = 4
	defaultActionRetries     = 2
	defaultLLMCallTimeout    = 30 * time.Second
	defaultActionTimeout     = 30 * time.Second

	// actionRetryDelay is the pause between re-attempts of a failed action.
	actionRetryDelay = 500 * time.Millisecond

	// defaultScrollAmount stands in for one viewport when the decision gives
	// no explicit pixel amount.
	defaultScrollAmount = 720
)

func (c Config) withDefaults() Config {
	if c.MaxSteps <= 0 {
		c.MaxSteps = defaultMaxSteps
	}
	if c.DecisionRetries <= 0 {
		c.DecisionRetries = defaultDecisionRetries
	}
	if c.MaxActionsPerStep <= 0 {
		c.MaxActionsPerStep = defaultMaxActionsPerStep
	}
	if c.ActionRetries <= 0 {
		c.ActionRetries = defaultActionRetries
	}
	if c.LLMCallTimeout <= 0 {
		c.LLMCallTimeout = defaultLLMCallTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = defaultActionTimeout
	}
	return c
}

func (c Config) retryPolicy() llm.RetryPolicy {
	if c.Retry != nil {
		return *c.Retry
	}
	return llm.DefaultRetryPolicy()
}

// Goal describes what one navigation run should achieve.
type Goal struct {
	Task              string
	ExtraInstructions []string
	RuntimeInputs     map[string]string
	OutputSchema      map[string]string
	// MaxSteps overrides Config.MaxSteps when positive; healing sub-runs use
	// this to run on a reduced budget.
	MaxSteps int
}

// Outcome reports how a run ended when the loop terminated normally.
type Outcome struct {
	Success       bool
	Steps         int
	ExtractedData map[string]string
}

// Navigator runs the perceive/decide/enrich/record/execute loop against one
// page, appending to one traversal store. It is single-threaded: one run at a
// time per Navigator.
type Navigator struct {
	cfg     Config
	page    browser.Page
	store   *traversal.Store
	secrets map[string]string

	lastState  *traversal.BrainState
	lastResult string
	lastError  string
}

// New creates a Navigator over an existing page and store. The caller keeps
// ownership of both; the navigator never seals the store, so replay healing
// can append to a store it shares with the replay engine. An LLM client is
// required by Run but not by Execute, so a clientless Navigator can still
// replay non-selector actions.
func New(cfg Config, page browser.Page, store *traversal.Store, secrets map[string]string) (*Navigator, error) {
	if page == nil {
		return nil, execerr.New(execerr.KindConfiguration, "navigator requires a browser page")
	}
	if store == nil {
		return nil, execerr.New(execerr.KindConfiguration, "navigator requires a traversal store")
	}
	return &Navigator{
		cfg:     cfg.withDefaults(),
		page:    page,
		store:   store,
		secrets: secrets,
	}, nil
}

// Run executes the loop until the LLM emits done, the step budget is
// exhausted, or the context is cancelled. Cancellation is honored between
// actions, never mid-action.
func (n *Navigator) Run(ctx context.Context, goal Goal) (*Outcome, error) {
	if n.cfg.Client == nil {
		return nil, execerr.New(execerr.KindConfiguration, "navigation requires an LLM client")
	}
	maxSteps := n.cfg.MaxSteps
	if goal.MaxSteps > 0 {
		maxSteps = goal.MaxSteps
	}

	n.emit(Event{Type: EventRunStarted, Message: goal.Task})

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n.emit(Event{Type: EventStepStarted, Step: step})

		summary, err := n.page.StateSummary(ctx)
		if err != nil {
			return nil, execerr.Wrap(execerr.KindBrowser, "reading browser state", err).
				WithContext(execerr.Context{Task: goal.Task, Step: step})
		}

		dec, err := n.decide(ctx, goal, summary, step, maxSteps)
		if err != nil {
			return nil, err
		}

		bsID, err := n.store.AppendBrainState(traversal.BrainState{
			EvaluationPreviousGoal: dec.CurrentState.EvaluationPreviousGoal,
			Memory:                 dec.CurrentState.Memory,
			NextGoal:               dec.CurrentState.NextGoal,
		})
		if err != nil {
			return nil, execerr.Wrap(execerr.KindTaskExecution, "recording brain state", err).
				WithContext(execerr.Context{Task: goal.Task, Step: step})
		}
		n.lastState = &traversal.BrainState{
			ID:                     bsID,
			EvaluationPreviousGoal: dec.CurrentState.EvaluationPreviousGoal,
			Memory:                 dec.CurrentState.Memory,
			NextGoal:               dec.CurrentState.NextGoal,
		}
		n.emit(Event{Type: EventDecisionMade, Step: step, Message: dec.CurrentState.NextGoal})

		outcome, err := n.runActions(ctx, goal, bsID, dec.Actions, summary, step)
		if err != nil {
			return nil, err
		}
		if outcome != nil {
			outcome.Steps = step
			n.emit(Event{Type: EventRunFinished, Step: step, Message: fmt.Sprintf("done, success=%t", outcome.Success)})
			return outcome, nil
		}
	}

	err := execerr.Newf(execerr.KindTaskExecution, "budget_exhausted: no done after %d steps", maxSteps).
		WithContext(execerr.Context{Task: goal.Task, Step: maxSteps}).
		WithSuggestion("raise the max-step budget or split the task")
	n.emit(Event{Type: EventRunFinished, Step: maxSteps, Err: err})
	return nil, err
}

// runActions enriches, records, and executes one decision batch. It returns a
// non-nil Outcome when the batch contained done; a nil, nil return means the
// loop should perceive again.
func (n *Navigator) runActions(ctx context.Context, goal Goal, bsID string, actions []traversal.Action, summary *browser.StateSummary, step int) (*Outcome, error) {
	if len(actions) > n.cfg.MaxActionsPerStep {
		actions = actions[:n.cfg.MaxActionsPerStep]
	}

	for i, act := range actions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !act.Kind.Valid() {
			return nil, execerr.Newf(execerr.KindTaskExecution, "unrecognized action kind %q", act.Kind).
				WithContext(execerr.Context{Task: goal.Task, Step: step, LastURL: summary.URL})
		}

		// DOM indices shift once the first action of a batch runs.
		if i > 0 {
			fresh, err := n.page.StateSummary(ctx)
			if err != nil {
				return nil, execerr.Wrap(execerr.KindBrowser, "refreshing browser state", err).
					WithContext(execerr.Context{Task: goal.Task, Step: step})
			}
			summary = fresh
		}

		pageHTML := ""
		if act.Kind.SelectorOriented() {
			if html, err := n.page.Content(ctx); err == nil {
				pageHTML = html
			}
		}
		ea := enrichAction(bsID, act, summary, pageHTML, n.secrets)

		if n.cfg.CaptureScreenshots {
			if data, err := n.page.Screencap(ctx); err == nil {
				if name, err := n.store.SaveScreenshot(n.store.ActionCount(), act.Kind, data); err == nil {
					ea.ScreenshotFilename = name
				}
			}
		}

		key, err := n.store.AppendAction(ea)
		if err != nil {
			return nil, execerr.Wrap(execerr.KindTaskExecution, "recording action", err).
				WithContext(execerr.Context{Task: goal.Task, Step: step})
		}
		n.emit(Event{Type: EventActionRecorded, Step: step, ActionKey: key, Kind: act.Kind})

		if act.Kind == traversal.KindDone {
			return n.finishDone(act, goal)
		}

		result, execErr := n.executeWithRetry(ctx, act, goal, step)
		if execErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Surface the failure to the next decision instead of killing
			// the run; the LLM frequently routes around a dead element.
			n.lastResult = ""
			n.lastError = fmt.Sprintf("%s failed: %v", act.Kind, execErr)
			n.emit(Event{Type: EventActionFailed, Step: step, ActionKey: key, Kind: act.Kind, Err: execErr})
			return nil, nil
		}
		n.lastResult = result
		n.lastError = ""
		n.emit(Event{Type: EventActionExecuted, Step: step, ActionKey: key, Kind: act.Kind, Message: result})
	}
	return nil, nil
}

// executeWithRetry re-attempts transient action failures with a short pause.
// Each attempt runs under its own deadline so a hung driver call cannot stall
// the loop indefinitely.
func (n *Navigator) executeWithRetry(ctx context.Context, act traversal.Action, goal Goal, step int) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= n.cfg.ActionRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, actionRetryDelay); err != nil {
				return "", err
			}
		}
		result, err := n.executeOnce(ctx, act, goal)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !execerr.IsKind(err, execerr.KindBrowser) {
			break
		}
	}
	return "", lastErr
}

// executeOnce runs one attempt under the configured action timeout. A timeout
// while the run context is still live counts as a retryable browser failure.
func (n *Navigator) executeOnce(ctx context.Context, act traversal.Action, goal Goal) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.ActionTimeout)
	defer cancel()
	result, err := n.safeExecute(callCtx, act, goal)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return "", execerr.Wrap(execerr.KindBrowser,
			fmt.Sprintf("%s exceeded %s", act.Kind, n.cfg.ActionTimeout), err)
	}
	return result, err
}

// finishDone materializes the done action's payload and builds the Outcome.
func (n *Navigator) finishDone(act traversal.Action, goal Goal) (*Outcome, error) {
	success := act.Params.Success == nil || *act.Params.Success
	out := &Outcome{Success: success}
	if len(act.Params.ExtractedData) > 0 {
		if err := n.store.SetExtracted(act.Params.ExtractedData); err != nil {
			return nil, execerr.Wrap(execerr.KindTaskExecution, "persisting extracted data", err)
		}
		out.ExtractedData = act.Params.ExtractedData
	}
	if snap := n.store.Snapshot(); len(snap.ExtractedData) > 0 {
		out.ExtractedData = snap.ExtractedData
	}
	return out, nil
}

func (n *Navigator) emit(ev Event) {
	if n.cfg.OnEvent == nil {
		return
	}
	ev.RunID = n.store.RunID()
	ev.Timestamp = time.Now()
	n.cfg.OnEvent(ev)
}

// sleepWithContext sleeps for d unless the context is cancelled first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
