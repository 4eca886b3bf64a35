// ABOUTME: Executes recorded actions against the browser page, one dedicated handler per kind.
// ABOUTME: Secret placeholders are substituted here, at the browser boundary, and nowhere earlier.

package navigator

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/llm"
	"github.com/retracehq/retrace/traversal"
)

// safeExecute contains panics from browser drivers so one bad action cannot
// take down the run.
func (n *Navigator) safeExecute(ctx context.Context, act traversal.Action, goal Goal) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = execerr.Newf(execerr.KindBrowser, "panic executing %s: %v\n%s", act.Kind, r, debug.Stack())
		}
	}()
	return n.doExecute(ctx, act, goal)
}

func (n *Navigator) doExecute(ctx context.Context, act traversal.Action, goal Goal) (string, error) {
	p := act.Params
	switch act.Kind {

	case traversal.KindClickElementByIndex:
		el, err := n.elementAt(ctx, p.Index)
		if err != nil {
			return "", err
		}
		if err := el.ScrollIntoViewIfNeeded(ctx); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "scrolling element into view", err)
		}
		if err := el.Click(ctx); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "clicking element", err)
		}
		return fmt.Sprintf("clicked element %d", *p.Index), nil

	case traversal.KindInputText:
		el, err := n.elementAt(ctx, p.Index)
		if err != nil {
			return "", err
		}
		if err := el.Fill(ctx, substituteSecrets(p.Text, n.secrets)); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "filling element", err)
		}
		// Never echo the text back; it may be a substituted secret.
		return fmt.Sprintf("entered text into element %d", *p.Index), nil

	case traversal.KindGetDropdownOptions:
		el, err := n.elementAt(ctx, p.Index)
		if err != nil {
			return "", err
		}
		opts, err := el.Options(ctx)
		if err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "reading options", err)
		}
		return "options: " + strings.Join(opts, ", "), nil

	case traversal.KindSelectDropdownOption:
		el, err := n.elementAt(ctx, p.Index)
		if err != nil {
			return "", err
		}
		value := substituteSecrets(p.Value, n.secrets)
		if err := el.SelectOption(ctx, value); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "selecting option", err)
		}
		return fmt.Sprintf("selected option in element %d", *p.Index), nil

	case traversal.KindDragDrop:
		el, err := n.elementAt(ctx, p.Index)
		if err != nil {
			return "", err
		}
		target, err := n.elementAt(ctx, p.TargetIndex)
		if err != nil {
			return "", err
		}
		if err := el.DragTo(ctx, target); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "dragging element", err)
		}
		return fmt.Sprintf("dragged element %d to %d", *p.Index, *p.TargetIndex), nil

	case traversal.KindGoToURL:
		url := substituteSecrets(p.URL, n.secrets)
		if err := n.page.Goto(ctx, url); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "navigating", err)
		}
		if err := n.page.WaitForLoadState(ctx, "load"); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "waiting for load", err)
		}
		return "navigated to " + url, nil

	case traversal.KindOpenNewTab:
		url := substituteSecrets(p.URL, n.secrets)
		if err := n.page.OpenNewTab(ctx, url); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "opening tab", err)
		}
		return "opened new tab at " + url, nil

	case traversal.KindSwitchTab:
		if p.TabID == nil {
			return "", execerr.New(execerr.KindTaskExecution, "switch_tab requires tab_id")
		}
		if err := n.page.SwitchTab(ctx, *p.TabID); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "switching tab", err)
		}
		return fmt.Sprintf("switched to tab %d", *p.TabID), nil

	case traversal.KindCloseTab:
		if p.TabID == nil {
			return "", execerr.New(execerr.KindTaskExecution, "close_tab requires tab_id")
		}
		if err := n.page.CloseTab(ctx, *p.TabID); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "closing tab", err)
		}
		return fmt.Sprintf("closed tab %d", *p.TabID), nil

	case traversal.KindWait:
		secs := 1
		if p.Seconds != nil && *p.Seconds > 0 {
			secs = *p.Seconds
		}
		if err := sleepWithContext(ctx, time.Duration(secs)*time.Second); err != nil {
			return "", err
		}
		return fmt.Sprintf("waited %ds", secs), nil

	case traversal.KindScrollUp, traversal.KindScrollDown:
		amount := defaultScrollAmount
		if p.Amount != nil && *p.Amount > 0 {
			amount = *p.Amount
		}
		dy := amount
		if act.Kind == traversal.KindScrollUp {
			dy = -amount
		}
		if err := n.page.Scroll(ctx, 0, dy); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "scrolling", err)
		}
		return fmt.Sprintf("scrolled %d pixels", dy), nil

	case traversal.KindPressKey:
		if p.Key == "" {
			return "", execerr.New(execerr.KindTaskExecution, "press_key requires key")
		}
		if err := n.page.PressKey(ctx, p.Key); err != nil {
			return "", execerr.Wrap(execerr.KindBrowser, "pressing key", err)
		}
		return "pressed " + p.Key, nil

	case traversal.KindExtractContent:
		return n.extractContent(ctx, p.Goal, goal.OutputSchema)

	case traversal.KindDone:
		// Recorded and interpreted by the loop; nothing touches the page.
		return "done", nil
	}

	return "", execerr.Newf(execerr.KindTaskExecution, "unrecognized action kind %q", act.Kind)
}

// elementAt resolves a selector-map index to a live element handle.
func (n *Navigator) elementAt(ctx context.Context, index *int) (browser.Element, error) {
	if index == nil {
		return nil, execerr.New(execerr.KindTaskExecution, "action requires index")
	}
	el, err := n.page.ElementByIndex(ctx, *index)
	if err != nil {
		return nil, execerr.Wrap(execerr.KindBrowser, fmt.Sprintf("element %d not found", *index), err)
	}
	return el, nil
}

// Execute runs a single action against the page without recording it. Replay
// uses this for non-selector actions so both engines share one set of
// handlers.
func (n *Navigator) Execute(ctx context.Context, act traversal.Action) (string, error) {
	goal := Goal{}
	if snap := n.store.Snapshot(); snap.IOSchema != nil {
		goal.OutputSchema = snap.IOSchema.OutputSchema
	}
	return n.safeExecute(ctx, act, goal)
}

// redactSecrets is substituteSecrets' inverse: any raw secret value found in
// text becomes its <secret>NAME</secret> placeholder. Page content picks up
// raw values once they are typed into a field, so everything bound for a
// prompt or a traversal record passes through here first.
func redactSecrets(text string, secrets map[string]string) string {
	for name, value := range secrets {
		if value == "" {
			continue
		}
		text = strings.ReplaceAll(text, value, "<secret>"+name+"</secret>")
	}
	return text
}

// substituteSecrets replaces <secret>NAME</secret> placeholders with raw
// values. This is the only place raw secret values meet action parameters.
func substituteSecrets(text string, secrets map[string]string) string {
	if len(secrets) == 0 || !strings.Contains(text, "<secret>") {
		return text
	}
	for name, value := range secrets {
		text = strings.ReplaceAll(text, "<secret>"+name+"</secret>", value)
	}
	return text
}

var extractionSchema = &llm.ResponseSchema{
	Name: "extracted_content",
	Schema: map[string]any{
		"type":                 "object",
		"additionalProperties": map[string]any{"type": "string"},
	},
}

const extractionMaxTokens = 2048

// extractContent asks the LLM to read values off the current page. Results
// are merged into the traversal's extracted_data immediately so a later crash
// cannot lose them.
func (n *Navigator) extractContent(ctx context.Context, extractGoal string, outputSchema map[string]string) (string, error) {
	pageHTML, err := n.page.Content(ctx)
	if err != nil {
		return "", execerr.Wrap(execerr.KindBrowser, "reading page content", err)
	}

	var sb strings.Builder
	sb.WriteString("Extract the requested information from the page below. Reply with ONLY a flat JSON object of string values.\n")
	if extractGoal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", extractGoal)
	}
	if len(outputSchema) > 0 {
		sb.WriteString("Use exactly these keys:\n")
		for _, k := range sortedKeys(outputSchema) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, outputSchema[k])
		}
	}
	sb.WriteString("\nPage:\n")
	sb.WriteString(pageHTML)

	req := llm.Request{
		Provider:       n.cfg.Provider,
		Model:          n.cfg.Model,
		Messages:       []llm.Message{llm.UserMessage(redactSecrets(sb.String(), n.secrets))},
		MaxTokens:      extractionMaxTokens,
		ResponseSchema: extractionSchema,
	}

	extracted := map[string]string{}
	callErr := llm.Retry(ctx, n.cfg.retryPolicy(), func() error {
		extracted = map[string]string{}
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.LLMCallTimeout)
		_, err := n.cfg.Client.CompleteStructured(callCtx, req, &extracted)
		timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()
		if err != nil && timedOut {
			return &llm.TimeoutError{SDKError: llm.SDKError{
				Message: fmt.Sprintf("extraction call exceeded %s", n.cfg.LLMCallTimeout),
				Cause:   err,
			}}
		}
		return err
	})
	if callErr != nil {
		return "", execerr.Wrap(execerr.KindLLM, "content extraction failed", callErr)
	}

	if len(extracted) > 0 {
		if err := n.store.SetExtracted(extracted); err != nil {
			return "", execerr.Wrap(execerr.KindTaskExecution, "persisting extracted data", err)
		}
	}
	return "extracted keys: " + strings.Join(sortedKeys(extracted), ", "), nil
}
