// ABOUTME: Replay + healing state machine: drives a recorded traversal against a live page.
// ABOUTME: Locator failures hand control to a bounded LLM healing sub-run, then replay resumes.

package replay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/history"
	"github.com/retracehq/retrace/navigator"
	"github.com/retracehq/retrace/traversal"
)

// State is the replay engine's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateReplaying State = "replaying"
	StateHealing   State = "healing"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

// EventType identifies a replay progress event.
type EventType string

const (
	EventStateChanged  EventType = "state_changed"
	EventActionLocated EventType = "action_located"
	EventActionPlayed  EventType = "action_played"
	EventActionSkipped EventType = "action_skipped"
	EventHealingNeeded EventType = "healing_needed"
)

// Event is delivered to Config.OnEvent as replay progresses.
type Event struct {
	Type      EventType
	State     State
	ActionKey string
	Kind      traversal.Kind
	Strategy  LocatorStrategy
	Message   string
	Err       error
	Timestamp time.Time
}

const defaultHealingMaxSteps = 10

// Config holds replay settings for one run.
type Config struct {
	// Navigator wires the LLM used for healing sub-runs and content
	// re-extraction. Navigator.Client may be nil when EnableHealing is false
	// and the traversal contains no extract_content actions.
	Navigator navigator.Config

	// Secrets maps logical names to raw values, substituted into recorded
	// placeholders at execution time. Recorded traversals never carry raw
	// values, so replay must be handed them again.
	Secrets map[string]string

	// PauseBetweenActions inserts a delay after every replayed action.
	PauseBetweenActions time.Duration

	// PauseAfterEachStep blocks on Continue after every replayed action.
	PauseAfterEachStep bool

	// Continue delivers the external go-ahead when PauseAfterEachStep is set.
	Continue <-chan struct{}

	// EnableHealing allows LLM recovery when every locator strategy fails.
	// Disabled, any locator failure is fatal.
	EnableHealing bool

	// HealingMaxSteps bounds each healing sub-run. Default 10.
	HealingMaxSteps int

	// OutputDir receives the replay run's own traversal file. Required.
	OutputDir string

	// HistoryDir and TaskID, when both set, receive a replay history entry.
	HistoryDir string
	TaskID     string

	OnEvent func(Event)
}

// Result summarizes one replay run.
type Result struct {
	State           State
	Status          string
	RunID           string
	TraversalPath   string
	HealingHappened bool
	ActionsReplayed int
	Duration        time.Duration
}

// RunFile replays the traversal stored at path.
func RunFile(ctx context.Context, cfg Config, client browser.Client, path string) (*Result, error) {
	info, err := traversal.ParseFileName(path)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, "not a traversal file", err)
	}
	source, err := traversal.LoadFile(path)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, "loading traversal", err)
	}
	return Run(ctx, cfg, client, source, info.RunID)
}

// Run replays a loaded traversal. A new traversal file is written for the
// replay run itself; when healing fires, the healing brain states and actions
// are appended to it after the original ones.
func Run(ctx context.Context, cfg Config, client browser.Client, source *traversal.Traversal, sourceID string) (*Result, error) {
	if cfg.OutputDir == "" {
		return nil, execerr.New(execerr.KindConfiguration, "replay requires an output directory")
	}
	if source.Status == traversal.StatusRunning || source.Status == "" {
		return nil, execerr.New(execerr.KindValidation, "traversal is not sealed; refusing to replay an in-progress run")
	}
	if err := source.Validate(); err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, "invalid traversal", err)
	}
	if cfg.EnableHealing && cfg.Navigator.Client == nil {
		return nil, execerr.New(execerr.KindConfiguration, "healing requires an LLM client")
	}
	if cfg.HealingMaxSteps <= 0 {
		cfg.HealingMaxSteps = defaultHealingMaxSteps
	}

	start := time.Now()
	store, err := traversal.NewStore(cfg.OutputDir, traversal.Meta{
		TestCase:          source.TestCase,
		ExtraInstructions: source.ExtraInstructions,
		BrowserConfig:     source.BrowserConfig,
		Secrets:           cfg.Secrets,
		IOSchema:          source.IOSchema,
	})
	if err != nil {
		return nil, execerr.Wrap(execerr.KindValidation, "creating replay traversal store", err)
	}

	page, err := client.NewPage(ctx)
	if err != nil {
		_ = store.Seal(traversal.StatusFailed)
		return nil, execerr.Wrap(execerr.KindBrowser, "opening page", err)
	}
	defer page.Close(context.WithoutCancel(ctx))

	nav, err := navigator.New(cfg.Navigator, page, store, cfg.Secrets)
	if err != nil {
		_ = store.Seal(traversal.StatusFailed)
		return nil, err
	}

	e := &engine{cfg: cfg, page: page, store: store, source: source, nav: nav, state: StateIdle}
	runErr := e.replayAll(ctx)

	status := traversal.StatusSuccess
	finalState := StateDone
	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		status = traversal.StatusCancelled
		finalState = StateFailed
	case runErr != nil:
		status = traversal.StatusFailed
		finalState = StateFailed
	}
	e.setState(finalState)
	if err := store.Seal(status); err != nil && runErr == nil {
		runErr = execerr.Wrap(execerr.KindTaskExecution, "sealing replay traversal", err)
	}

	result := &Result{
		State:           finalState,
		Status:          status,
		RunID:           store.RunID(),
		TraversalPath:   store.Path(),
		HealingHappened: e.healed,
		ActionsReplayed: e.replayed,
		Duration:        time.Since(start),
	}
	recordHistory(cfg, result, sourceID, runErr)
	return result, runErr
}

type engine struct {
	cfg    Config
	page   browser.Page
	store  *traversal.Store
	source *traversal.Traversal
	nav    *navigator.Navigator

	state    State
	healed   bool
	replayed int
}

// replayAll walks the recorded actions in order, recording each into the
// replay run's own traversal before executing it.
func (e *engine) replayAll(ctx context.Context) error {
	e.setState(StateReplaying)

	states := make(map[string]traversal.BrainState, len(e.source.BrainStates))
	for _, bs := range e.source.BrainStates {
		states[bs.ID] = bs
	}
	appended := make(map[string]bool)

	for i, ea := range e.source.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !appended[ea.BrainStateID] {
			// Original IDs are kept: they are unique ULIDs and preserve the
			// recording's chronological order.
			if _, err := e.store.AppendBrainState(states[ea.BrainStateID]); err != nil {
				return execerr.Wrap(execerr.KindTaskExecution, "recording brain state", err)
			}
			appended[ea.BrainStateID] = true
		}
		key, err := e.store.AppendAction(ea)
		if err != nil {
			return execerr.Wrap(execerr.KindTaskExecution, "recording action", err)
		}

		if err := e.replayOne(ctx, ea, key, i); err != nil {
			return err
		}
		e.replayed++

		if ea.Action.Kind == traversal.KindDone {
			if data := ea.Action.Params.ExtractedData; len(data) > 0 {
				if err := e.store.SetExtracted(data); err != nil {
					return execerr.Wrap(execerr.KindTaskExecution, "persisting extracted data", err)
				}
			}
			return nil
		}
		if err := e.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// replayOne executes one recorded action, healing on locator failure.
func (e *engine) replayOne(ctx context.Context, ea traversal.ExtendedAction, key string, idx int) error {
	act := ea.Action

	if !act.Kind.SelectorOriented() {
		if act.Kind == traversal.KindDone {
			return nil
		}
		if act.Kind == traversal.KindExtractContent && e.cfg.Navigator.Client == nil {
			e.emit(Event{Type: EventActionSkipped, ActionKey: key, Kind: act.Kind, Message: "extract_content skipped: no LLM client"})
			return nil
		}
		result, err := e.nav.Execute(ctx, act)
		if err != nil {
			return execerr.Wrap(execerr.KindSessionReplay, fmt.Sprintf("replaying %s", act.Kind), err).
				WithContext(execerr.Context{ActionKey: key})
		}
		e.emit(Event{Type: EventActionPlayed, ActionKey: key, Kind: act.Kind, Message: result})
		return nil
	}

	// Fresh perception precedes every locate, matching the recording loop's
	// perceive-first ordering and priming healing context.
	if _, err := e.page.StateSummary(ctx); err != nil {
		return execerr.Wrap(execerr.KindBrowser, "reading browser state", err).
			WithContext(execerr.Context{ActionKey: key})
	}

	el, strategy, locErr := locate(ctx, e.page, ea.DOMElementData)
	if locErr == nil {
		e.emit(Event{Type: EventActionLocated, ActionKey: key, Kind: act.Kind, Strategy: strategy})
		execErr := e.executeOnElement(ctx, el, act)
		if execErr == nil {
			e.emit(Event{Type: EventActionPlayed, ActionKey: key, Kind: act.Kind, Strategy: strategy})
			return nil
		}
		locErr = execErr
	}

	return e.heal(ctx, ea, key, locErr)
}

// executeOnElement performs a selector-oriented action on a located element.
func (e *engine) executeOnElement(ctx context.Context, el browser.Element, act traversal.Action) error {
	p := act.Params
	switch act.Kind {
	case traversal.KindClickElementByIndex:
		if err := el.ScrollIntoViewIfNeeded(ctx); err != nil {
			return err
		}
		return el.Click(ctx)
	case traversal.KindInputText:
		return el.Fill(ctx, substitute(p.Text, e.cfg.Secrets))
	case traversal.KindGetDropdownOptions:
		_, err := el.Options(ctx)
		return err
	case traversal.KindSelectDropdownOption:
		return el.SelectOption(ctx, substitute(p.Value, e.cfg.Secrets))
	case traversal.KindDragDrop:
		if p.TargetIndex == nil {
			return fmt.Errorf("drag_drop recorded without target_index")
		}
		target, err := e.page.ElementByIndex(ctx, *p.TargetIndex)
		if err != nil {
			return err
		}
		return el.DragTo(ctx, target)
	}
	return fmt.Errorf("%s is not selector-oriented", act.Kind)
}

// heal hands control to a bounded navigation sub-run that re-plans around the
// failed action, then resumes replay at the next recorded action.
func (e *engine) heal(ctx context.Context, ea traversal.ExtendedAction, key string, cause error) error {
	e.emit(Event{Type: EventHealingNeeded, ActionKey: key, Kind: ea.Action.Kind, Err: cause})

	if !e.cfg.EnableHealing {
		return execerr.Wrap(execerr.KindSessionReplay, "locator strategies exhausted and healing is disabled", cause).
			WithContext(execerr.Context{ActionKey: key}).
			WithSuggestion("re-record the traversal or enable healing")
	}

	e.healed = true
	e.setState(StateHealing)

	outcome, err := e.nav.Run(ctx, navigator.Goal{
		Task:     e.healingGoal(ea),
		MaxSteps: e.cfg.HealingMaxSteps,
	})
	if err != nil {
		return execerr.Wrap(execerr.KindSessionReplay, "healing sub-run failed", err).
			WithContext(execerr.Context{ActionKey: key})
	}
	if !outcome.Success {
		return execerr.New(execerr.KindSessionReplay, "healing sub-run gave up").
			WithContext(execerr.Context{ActionKey: key})
	}

	e.setState(StateReplaying)
	return nil
}

// healingGoal phrases the failed action's intent as a standalone sub-task.
func (e *engine) healingGoal(ea traversal.ExtendedAction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are repairing one broken step of a recorded browser session.\n")
	fmt.Fprintf(&sb, "Original task: %s\n", e.source.TestCase)

	for _, bs := range e.source.BrainStates {
		if bs.ID == ea.BrainStateID {
			fmt.Fprintf(&sb, "The step's intent was: %s\n", bs.NextGoal)
			break
		}
	}

	fmt.Fprintf(&sb, "The recorded action %s no longer finds its element", ea.Action.Kind)
	if d := ea.DOMElementData; d != nil {
		fmt.Fprintf(&sb, " (it was a <%s>", d.TagName)
		if id := d.Attributes["id"]; id != "" {
			fmt.Fprintf(&sb, " with id %q", id)
		}
		sb.WriteString(")")
	}
	sb.WriteString(".\n")
	if ea.Action.Params.Text != "" {
		fmt.Fprintf(&sb, "The recorded text parameter was: %s\n", ea.Action.Params.Text)
	}
	if ea.Action.Params.Value != "" {
		fmt.Fprintf(&sb, "The recorded value parameter was: %s\n", ea.Action.Params.Value)
	}
	sb.WriteString("Accomplish this single step's intent on the current page, then call done with success=true. If it cannot be done, call done with success=false.")
	return sb.String()
}

// pause applies the inter-action delay and the optional per-step gate.
func (e *engine) pause(ctx context.Context) error {
	if e.cfg.PauseBetweenActions > 0 {
		timer := time.NewTimer(e.cfg.PauseBetweenActions)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if e.cfg.PauseAfterEachStep {
		if e.cfg.Continue == nil {
			return execerr.New(execerr.KindConfiguration, "pause_after_each_step set without a continue channel")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.cfg.Continue:
		}
	}
	return nil
}

func (e *engine) setState(s State) {
	if e.state == s {
		return
	}
	e.state = s
	e.emit(Event{Type: EventStateChanged, Message: string(s)})
}

func (e *engine) emit(ev Event) {
	if e.cfg.OnEvent == nil {
		return
	}
	ev.State = e.state
	ev.Timestamp = time.Now()
	e.cfg.OnEvent(ev)
}

// substitute resolves <secret>NAME</secret> placeholders at the execution
// boundary, mirroring the recording-side rule.
func substitute(text string, secrets map[string]string) string {
	if len(secrets) == 0 || !strings.Contains(text, "<secret>") {
		return text
	}
	for name, value := range secrets {
		text = strings.ReplaceAll(text, "<secret>"+name+"</secret>", value)
	}
	return text
}

func recordHistory(cfg Config, result *Result, sourceID string, runErr error) {
	if cfg.HistoryDir == "" || cfg.TaskID == "" {
		return
	}
	entry := history.ReplayRun{
		NavigatedRun: history.NavigatedRun{
			RunID:         result.RunID,
			Timestamp:     time.Now(),
			Status:        result.Status,
			TraversalPath: result.TraversalPath,
			ExecutionTime: result.Duration.Seconds(),
		},
		OriginalTraversalID: sourceID,
		HealingEnabled:      cfg.EnableHealing,
		HealingHappened:     result.HealingHappened,
	}
	if runErr != nil {
		entry.ErrorMessage = runErr.Error()
	}
	_ = history.AppendReplay(cfg.HistoryDir, cfg.TaskID, entry)
}
