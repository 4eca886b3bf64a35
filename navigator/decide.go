// ABOUTME: Decision step: prompts the LLM with the browser state and parses the structured reply.
// ABOUTME: Unparseable or invalid decisions trigger a bounded number of stricter re-prompts.

package navigator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/execerr"
	"github.com/retracehq/retrace/llm"
	"github.com/retracehq/retrace/traversal"
)

// decision is the structured reply contract: one brain state plus an ordered
// action batch under the "action" key.
type decision struct {
	CurrentState struct {
		EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
		Memory                 string `json:"memory"`
		NextGoal               string `json:"next_goal"`
	} `json:"current_state"`
	Actions []traversal.Action `json:"action"`
}

const decisionMaxTokens = 4096

var decisionSchema = &llm.ResponseSchema{
	Name: "agent_decision",
	Schema: map[string]any{
		"type":                 "object",
		"required":             []string{"current_state", "action"},
		"additionalProperties": false,
		"properties": map[string]any{
			"current_state": map[string]any{
				"type":                 "object",
				"required":             []string{"evaluation_previous_goal", "memory", "next_goal"},
				"additionalProperties": false,
				"properties": map[string]any{
					"evaluation_previous_goal": map[string]any{"type": "string"},
					"memory":                   map[string]any{"type": "string"},
					"next_goal":                map[string]any{"type": "string"},
				},
			},
			"action": map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "object"},
			},
		},
	},
}

// decide asks the LLM for the next decision, re-prompting with stricter
// instructions when the reply cannot be parsed or fails validation.
func (n *Navigator) decide(ctx context.Context, goal Goal, summary *browser.StateSummary, step, maxSteps int) (*decision, error) {
	messages := []llm.Message{
		llm.SystemMessage(systemPrompt(secretNames(n.secrets), len(goal.OutputSchema) > 0)),
		llm.UserMessage(n.statePrompt(goal, summary, step, maxSteps)),
	}

	var lastErr error
	for attempt := 0; attempt <= n.cfg.DecisionRetries; attempt++ {
		req := llm.Request{
			Provider:       n.cfg.Provider,
			Model:          n.cfg.Model,
			Messages:       messages,
			Temperature:    n.cfg.Temperature,
			MaxTokens:      decisionMaxTokens,
			ResponseSchema: decisionSchema,
		}

		var dec decision
		var parseErr *llm.ParseError
		callErr := llm.Retry(ctx, n.cfg.retryPolicy(), func() error {
			parseErr = nil
			dec = decision{}
			callCtx, cancel := context.WithTimeout(ctx, n.cfg.LLMCallTimeout)
			_, err := n.cfg.Client.CompleteStructured(callCtx, req, &dec)
			timedOut := callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
			cancel()
			if errors.As(err, &parseErr) {
				// Handled by the outer re-prompt loop, not transport retry.
				return nil
			}
			if err != nil && timedOut {
				// A per-call timeout is transient; the next attempt gets a
				// fresh deadline.
				return &llm.TimeoutError{SDKError: llm.SDKError{
					Message: fmt.Sprintf("decision call exceeded %s", n.cfg.LLMCallTimeout),
					Cause:   err,
				}}
			}
			return err
		})
		if callErr != nil {
			return nil, execerr.Wrap(execerr.KindLLM, "decision call failed", callErr).
				WithContext(execerr.Context{Task: goal.Task, Step: step, LastURL: summary.URL})
		}

		if parseErr != nil {
			lastErr = parseErr
			messages = append(messages,
				llm.AssistantMessage(parseErr.RawText),
				llm.UserMessage(reprompt(fmt.Sprintf("that reply was not valid JSON for the %s schema", decisionSchema.Name))),
			)
			continue
		}
		if err := validateDecision(&dec); err != nil {
			lastErr = err
			messages = append(messages, llm.UserMessage(reprompt(err.Error())))
			continue
		}
		return &dec, nil
	}

	return nil, execerr.Wrap(execerr.KindLLM, "no parseable decision after retries", lastErr).
		WithContext(execerr.Context{Task: goal.Task, Step: step, LastURL: summary.URL}).
		WithSuggestion("check the configured model's structured-output support")
}

func validateDecision(dec *decision) error {
	if len(dec.Actions) == 0 {
		return fmt.Errorf("the action array must contain at least one action")
	}
	for i, act := range dec.Actions {
		if !act.Kind.Valid() {
			return fmt.Errorf("action %d uses unknown kind %q", i+1, act.Kind)
		}
	}
	return nil
}

func reprompt(reason string) string {
	return "Your previous reply was rejected: " + reason + ". " +
		"Respond again with ONLY a JSON object of the form " +
		`{"current_state":{"evaluation_previous_goal":"...","memory":"...","next_goal":"..."},"action":[{"<action_kind>":{...}}]}` +
		" using only the documented action kinds. No prose, no code fences."
}

func secretNames(secrets map[string]string) []string {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// systemPrompt describes the agent contract: the action catalogue, the reply
// shape, and how secrets are referenced. Secret values never enter prompts;
// only logical names do.
func systemPrompt(secretNames []string, hasOutputSchema bool) string {
	var sb strings.Builder
	sb.WriteString(`You are a browser automation agent. Each turn you receive the current page state with indexed interactive elements and you reply with ONE JSON object:

{"current_state": {"evaluation_previous_goal": "...", "memory": "...", "next_goal": "..."}, "action": [{"<action_kind>": {...}}, ...]}

Each entry of "action" is an object with exactly one key, the action kind. Available kinds:

Element actions (use the index shown in brackets in the element list):
- click_element_by_index: {"index": N}
- input_text: {"index": N, "text": "..."}
- get_dropdown_options: {"index": N}
- select_dropdown_option: {"index": N, "value": "..."}
- drag_drop: {"index": N, "target_index": M}

Page actions:
- go_to_url: {"url": "..."}
- open_new_tab: {"url": "..."}
- switch_tab: {"tab_id": N}
- close_tab: {"tab_id": N}
- wait: {"seconds": N}
- scroll_up: {"amount": pixels} (omit amount for one viewport)
- scroll_down: {"amount": pixels}
- press_key: {"key": "Enter"}
- extract_content: {"goal": "what to extract"}
- done: {"success": true}

Rules:
- Keep "memory" short and cumulative; it is the only state carried between steps.
- Emit at most a few actions per turn; after anything that changes the page, stop and re-observe.
- Call done exactly once, when the task is complete or impossible (then success=false).
`)
	if hasOutputSchema {
		sb.WriteString("- The task declares an output schema. Use extract_content to read values off the page, and include the final values in done as {\"success\": true, \"extracted_data\": {\"KEY\": \"value\"}}.\n")
	}
	if len(secretNames) > 0 {
		sb.WriteString("- Secrets are available by name: " + strings.Join(secretNames, ", ") + ". ")
		sb.WriteString("To use one in a text field or URL, write the placeholder <secret>NAME</secret>; the real value is substituted outside this conversation and must never be guessed or echoed.\n")
	}
	return sb.String()
}

// statePrompt renders the per-step user message: task, inputs, progress
// memory, the last action's outcome, and the current page summary. The whole
// message is redacted before it leaves: a filled input's value attribute
// surfaces in the element tree, and that value may be a secret.
func (n *Navigator) statePrompt(goal Goal, summary *browser.StateSummary, step, maxSteps int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", goal.Task)
	for _, instr := range goal.ExtraInstructions {
		fmt.Fprintf(&sb, "Instruction: %s\n", instr)
	}
	if len(goal.RuntimeInputs) > 0 {
		sb.WriteString("Runtime inputs:\n")
		for _, k := range sortedKeys(goal.RuntimeInputs) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, goal.RuntimeInputs[k])
		}
	}
	if len(goal.OutputSchema) > 0 {
		sb.WriteString("Output schema (keys to extract):\n")
		for _, k := range sortedKeys(goal.OutputSchema) {
			fmt.Fprintf(&sb, "  %s: %s\n", k, goal.OutputSchema[k])
		}
	}
	fmt.Fprintf(&sb, "\nStep %d of %d.\n", step, maxSteps)

	if n.lastState != nil {
		fmt.Fprintf(&sb, "Previous evaluation: %s\n", n.lastState.EvaluationPreviousGoal)
		fmt.Fprintf(&sb, "Memory: %s\n", n.lastState.Memory)
		fmt.Fprintf(&sb, "Previous goal: %s\n", n.lastState.NextGoal)
	}
	if n.lastResult != "" {
		fmt.Fprintf(&sb, "Last action result: %s\n", n.lastResult)
	}
	if n.lastError != "" {
		fmt.Fprintf(&sb, "Last action error: %s\n", n.lastError)
	}

	fmt.Fprintf(&sb, "\nCurrent URL: %s\nPage title: %s\n", summary.URL, summary.Title)
	if len(summary.Tabs) > 1 {
		sb.WriteString("Open tabs:\n")
		for _, tab := range summary.Tabs {
			fmt.Fprintf(&sb, "  [%d] %s (%s)\n", tab.ID, tab.Title, tab.URL)
		}
	}
	sb.WriteString("\nInteractive elements:\n")
	if summary.ElementTree == "" {
		sb.WriteString("(none)\n")
	} else {
		sb.WriteString(summary.ElementTree)
	}
	if summary.PixelsAbove > 0 {
		fmt.Fprintf(&sb, "... %d pixels above the viewport\n", summary.PixelsAbove)
	}
	if summary.PixelsBelow > 0 {
		fmt.Fprintf(&sb, "... %d pixels below the viewport\n", summary.PixelsBelow)
	}
	return redactSecrets(sb.String(), n.secrets)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
