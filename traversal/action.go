// ABOUTME: Tagged action union with the closed set of navigation action kinds.
// ABOUTME: Serializes as the single-key JSON object shape {"<kind>": {params}}.

package traversal

import (
	"encoding/json"
	"fmt"
)

// Kind identifies one action kind from the closed set.
type Kind string

const (
	// Selector-oriented kinds target a specific element and require DOM
	// element data on the recorded action.
	KindClickElementByIndex  Kind = "click_element_by_index"
	KindInputText            Kind = "input_text"
	KindGetDropdownOptions   Kind = "get_dropdown_options"
	KindSelectDropdownOption Kind = "select_dropdown_option"
	KindDragDrop             Kind = "drag_drop"

	KindGoToURL        Kind = "go_to_url"
	KindOpenNewTab     Kind = "open_new_tab"
	KindSwitchTab      Kind = "switch_tab"
	KindCloseTab       Kind = "close_tab"
	KindWait           Kind = "wait"
	KindScrollUp       Kind = "scroll_up"
	KindScrollDown     Kind = "scroll_down"
	KindPressKey       Kind = "press_key"
	KindExtractContent Kind = "extract_content"
	KindDone           Kind = "done"
)

// selectorOriented is the set of kinds that target a specific element.
var selectorOriented = map[Kind]bool{
	KindClickElementByIndex:  true,
	KindInputText:            true,
	KindGetDropdownOptions:   true,
	KindSelectDropdownOption: true,
	KindDragDrop:             true,
}

// allKinds is the closed action-kind set.
var allKinds = map[Kind]bool{
	KindClickElementByIndex:  true,
	KindInputText:            true,
	KindGetDropdownOptions:   true,
	KindSelectDropdownOption: true,
	KindDragDrop:             true,
	KindGoToURL:              true,
	KindOpenNewTab:           true,
	KindSwitchTab:            true,
	KindCloseTab:             true,
	KindWait:                 true,
	KindScrollUp:             true,
	KindScrollDown:           true,
	KindPressKey:             true,
	KindExtractContent:       true,
	KindDone:                 true,
}

// SelectorOriented reports whether the kind targets a specific element.
func (k Kind) SelectorOriented() bool {
	return selectorOriented[k]
}

// Valid reports whether the kind belongs to the closed set.
func (k Kind) Valid() bool {
	return allKinds[k]
}

// Params holds the parameters of an action. Which fields are meaningful
// depends on the kind; unused fields are omitted from JSON.
type Params struct {
	Index         *int              `json:"index,omitempty"`          // element index in the selector map
	Text          string            `json:"text,omitempty"`           // input_text payload; may name a secret
	URL           string            `json:"url,omitempty"`            // go_to_url / open_new_tab
	TabID         *int              `json:"tab_id,omitempty"`         // switch_tab / close_tab
	Seconds       *int              `json:"seconds,omitempty"`        // wait
	Amount        *int              `json:"amount,omitempty"`         // scroll pixels; nil = one viewport
	Key           string            `json:"key,omitempty"`            // press_key
	Value         string            `json:"value,omitempty"`          // select_dropdown_option
	TargetIndex   *int              `json:"target_index,omitempty"`   // drag_drop destination
	Goal          string            `json:"goal,omitempty"`           // extract_content intent
	Success       *bool             `json:"success,omitempty"`        // done
	ExtractedData map[string]string `json:"extracted_data,omitempty"` // done payload
}

// Action is a tagged union: exactly one kind with its parameters. The JSON
// form is a single-key object, e.g. {"click_element_by_index":{"index":3}}.
type Action struct {
	Kind   Kind
	Params Params
}

// MarshalJSON writes the single-key object shape. Escaping is off so the
// outer encoder's SetEscapeHTML(false) is not defeated by pre-escaped bytes.
func (a Action) MarshalJSON() ([]byte, error) {
	if a.Kind == "" {
		return nil, fmt.Errorf("action has no kind")
	}
	return marshalNoEscape(map[string]Params{string(a.Kind): a.Params})
}

// UnmarshalJSON reads the single-key object shape. Objects with zero or
// multiple keys are rejected; an unknown kind is preserved for the engine to
// classify as a task execution error.
func (a *Action) UnmarshalJSON(data []byte) error {
	var m map[string]Params
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("action object must have exactly one key, got %d", len(m))
	}
	for k, v := range m {
		a.Kind = Kind(k)
		a.Params = v
	}
	return nil
}
