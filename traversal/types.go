// ABOUTME: Traversal record format: brain states, extended actions, DOM element data.
// ABOUTME: Custom JSON keeps brain_states and actions as ordered objects and redacts secret values.

package traversal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RedactedPlaceholder replaces every secret value in persisted traversals.
// Raw secret values never reach disk; only the logical names survive.
const RedactedPlaceholder = "***REDACTED***"

// BrainState is one reasoning snapshot emitted by the decision step. Its ID
// is a ULID, so lexical order is chronological order.
type BrainState struct {
	ID                     string `json:"-"`
	EvaluationPreviousGoal string `json:"evaluation_previous_goal"`
	Memory                 string `json:"memory"`
	NextGoal               string `json:"next_goal"`
}

// BoundingBox is an element's last-known viewport box, kept for proximity
// matching during replay.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DOMElementData is the enrichment attached to selector-oriented actions:
// everything replay needs to find the element again on a changed page.
type DOMElementData struct {
	TagName                   string            `json:"tag_name"`
	Attributes                map[string]string `json:"attributes"`
	XPath                     string            `json:"xpath"`
	AlternativeRelativeXPaths []string          `json:"alternative_relative_xpaths"`
	BoundingBox               *BoundingBox      `json:"bounding_box,omitempty"`
}

// ExtendedAction pairs an action with the brain state that produced it and
// its recorded element data. DOMElementData is non-nil exactly when the
// action kind is selector-oriented.
type ExtendedAction struct {
	BrainStateID       string          `json:"brain_state_id"`
	Action             Action          `json:"action"`
	DOMElementData     *DOMElementData `json:"dom_element_data"`
	ScreenshotFilename string          `json:"screenshot_filename,omitempty"`
}

// BrowserConfig captures the browser environment a traversal was recorded
// under, so replay can reproduce it.
type BrowserConfig struct {
	ViewportWidth  int      `json:"viewport_width,omitempty"`
	ViewportHeight int      `json:"viewport_height,omitempty"`
	UserAgent      string   `json:"user_agent,omitempty"`
	Headless       bool     `json:"headless,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// IOSchema declares the runtime inputs a task consumes and the outputs it
// promises, both as name -> description maps.
type IOSchema struct {
	InputSchema  map[string]string `json:"input_schema,omitempty"`
	OutputSchema map[string]string `json:"output_schema,omitempty"`
}

// Traversal is the full record of one navigated session. Secrets hold raw
// values only in memory; MarshalJSON replaces every value with
// RedactedPlaceholder before anything is written out.
type Traversal struct {
	TestCase          string            `json:"test_case"`
	ExtraInstructions []string          `json:"extra_instructions,omitempty"`
	Status            string            `json:"status,omitempty"`
	BrowserConfig     BrowserConfig     `json:"browser_config"`
	Secrets           map[string]string `json:"secrets,omitempty"`
	BrainStates       []BrainState      `json:"brain_states"`
	Actions           []ExtendedAction  `json:"actions"`
	ExtractedData     map[string]string `json:"extracted_data,omitempty"`
	IOSchema          *IOSchema         `json:"io_schema,omitempty"`
}

// ActionKey returns the persisted object key for the i-th action (0-based in
// memory, action_1-based on disk).
func ActionKey(i int) string {
	return fmt.Sprintf("action_%d", i+1)
}

// parseActionKey extracts N from "action_N".
func parseActionKey(key string) (int, error) {
	rest, ok := strings.CutPrefix(key, "action_")
	if !ok {
		return 0, fmt.Errorf("action key %q does not start with action_", key)
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("action key %q has no valid index", key)
	}
	return n, nil
}

// traversalJSON is the on-disk envelope. brain_states and actions are raw so
// marshaling controls key order and unmarshaling can recover it.
type traversalJSON struct {
	TestCase          string            `json:"test_case"`
	ExtraInstructions []string          `json:"extra_instructions,omitempty"`
	Status            string            `json:"status,omitempty"`
	BrowserConfig     BrowserConfig     `json:"browser_config"`
	Secrets           map[string]string `json:"secrets,omitempty"`
	BrainStates       json.RawMessage   `json:"brain_states"`
	Actions           json.RawMessage   `json:"actions"`
	ExtractedData     map[string]string `json:"extracted_data,omitempty"`
	IOSchema          *IOSchema         `json:"io_schema,omitempty"`
}

// MarshalJSON writes brain_states keyed by brain-state ID and actions keyed
// action_1..action_N, both in recording order, with secret values redacted.
func (t *Traversal) MarshalJSON() ([]byte, error) {
	var redacted map[string]string
	if len(t.Secrets) > 0 {
		redacted = make(map[string]string, len(t.Secrets))
		for name := range t.Secrets {
			redacted[name] = RedactedPlaceholder
		}
	}

	states, err := orderedObject(len(t.BrainStates), func(i int) (string, any) {
		return t.BrainStates[i].ID, t.BrainStates[i]
	})
	if err != nil {
		return nil, err
	}
	actions, err := orderedObject(len(t.Actions), func(i int) (string, any) {
		return ActionKey(i), t.Actions[i]
	})
	if err != nil {
		return nil, err
	}

	return marshalNoEscape(traversalJSON{
		TestCase:          t.TestCase,
		ExtraInstructions: t.ExtraInstructions,
		Status:            t.Status,
		BrowserConfig:     t.BrowserConfig,
		Secrets:           redacted,
		BrainStates:       states,
		Actions:           actions,
		ExtractedData:     t.ExtractedData,
		IOSchema:          t.IOSchema,
	})
}

// UnmarshalJSON restores recording order: brain states keep the file's key
// order (a healed replay interleaves older and newer ULIDs, so lexical order
// is not recording order), actions sort by their action_N index.
func (t *Traversal) UnmarshalJSON(data []byte) error {
	var env traversalJSON
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	t.TestCase = env.TestCase
	t.ExtraInstructions = env.ExtraInstructions
	t.Status = env.Status
	t.BrowserConfig = env.BrowserConfig
	t.Secrets = env.Secrets
	t.ExtractedData = env.ExtractedData
	t.IOSchema = env.IOSchema

	stateIDs, rawStates, err := decodeOrderedObject(env.BrainStates)
	if err != nil {
		return fmt.Errorf("brain_states: %w", err)
	}
	t.BrainStates = make([]BrainState, 0, len(stateIDs))
	for _, id := range stateIDs {
		var bs BrainState
		if err := json.Unmarshal(rawStates[id], &bs); err != nil {
			return fmt.Errorf("brain state %s: %w", id, err)
		}
		bs.ID = id
		t.BrainStates = append(t.BrainStates, bs)
	}

	var rawActions map[string]json.RawMessage
	if len(env.Actions) > 0 {
		if err := json.Unmarshal(env.Actions, &rawActions); err != nil {
			return fmt.Errorf("actions: %w", err)
		}
	}
	type keyed struct {
		n   int
		raw json.RawMessage
	}
	ordered := make([]keyed, 0, len(rawActions))
	for key, raw := range rawActions {
		n, err := parseActionKey(key)
		if err != nil {
			return err
		}
		ordered = append(ordered, keyed{n: n, raw: raw})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].n < ordered[j].n })
	t.Actions = make([]ExtendedAction, 0, len(ordered))
	for _, k := range ordered {
		var ea ExtendedAction
		if err := json.Unmarshal(k.raw, &ea); err != nil {
			return fmt.Errorf("%s: %w", ActionKey(k.n-1), err)
		}
		t.Actions = append(t.Actions, ea)
	}
	return nil
}

// Validate checks the structural invariants of a loaded traversal: known
// action kinds, resolvable brain-state references, and element data present
// exactly on selector-oriented actions.
func (t *Traversal) Validate() error {
	states := make(map[string]bool, len(t.BrainStates))
	for _, bs := range t.BrainStates {
		if bs.ID == "" {
			return fmt.Errorf("brain state with empty id")
		}
		states[bs.ID] = true
	}
	for i, ea := range t.Actions {
		key := ActionKey(i)
		if !ea.Action.Kind.Valid() {
			return fmt.Errorf("%s: unknown action kind %q", key, ea.Action.Kind)
		}
		if !states[ea.BrainStateID] {
			return fmt.Errorf("%s: brain_state_id %q not found", key, ea.BrainStateID)
		}
		// Element data may be nil on a selector-oriented action only as a
		// degraded record; it is never valid on a non-selector action.
		if !ea.Action.Kind.SelectorOriented() && ea.DOMElementData != nil {
			return fmt.Errorf("%s: %s must not carry dom_element_data", key, ea.Action.Kind)
		}
		if ea.DOMElementData != nil && ea.DOMElementData.XPath == "" {
			return fmt.Errorf("%s: dom_element_data missing xpath", key)
		}
	}
	return nil
}

// marshalNoEscape marshals v without HTML escaping, matching writeJSONAtomic:
// <secret>NAME</secret> placeholders must reach disk verbatim, and a nested
// json.Marshal would escape them before the outer encoder ever sees them.
func marshalNoEscape(v any) (json.RawMessage, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// decodeOrderedObject decodes a JSON object into raw values while preserving
// the document order of its keys, which encoding/json's map decoding loses.
func decodeOrderedObject(data json.RawMessage) ([]string, map[string]json.RawMessage, error) {
	if len(data) == 0 {
		return nil, nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected a JSON object, got %v", tok)
	}

	var keys []string
	values := make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected an object key, got %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, nil, fmt.Errorf("value of %q: %w", key, err)
		}
		if _, dup := values[key]; dup {
			return nil, nil, fmt.Errorf("duplicate key %q", key)
		}
		keys = append(keys, key)
		values[key] = raw
	}
	return keys, values, nil
}

// orderedObject marshals n key/value pairs as a JSON object preserving the
// given order. encoding/json sorts map keys, which would scramble action_10
// before action_2.
func orderedObject(n int, pair func(i int) (string, any)) (json.RawMessage, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < n; i++ {
		key, value := pair(i)
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		vb, err := marshalNoEscape(value)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
