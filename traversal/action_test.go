// ABOUTME: Tests for the tagged action union: single-key JSON shape and kind classification.
// ABOUTME: Covers rejection of malformed action objects.

package traversal

import (
	"encoding/json"
	"testing"
)

func TestActionMarshalSingleKey(t *testing.T) {
	idx := 3
	act := Action{Kind: KindClickElementByIndex, Params: Params{Index: &idx}}

	data, err := json.Marshal(act)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"click_element_by_index":{"index":3}}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestActionUnmarshal(t *testing.T) {
	var act Action
	if err := json.Unmarshal([]byte(`{"input_text":{"index":2,"text":"hello"}}`), &act); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if act.Kind != KindInputText {
		t.Errorf("kind = %q", act.Kind)
	}
	if act.Params.Index == nil || *act.Params.Index != 2 {
		t.Errorf("index = %v", act.Params.Index)
	}
	if act.Params.Text != "hello" {
		t.Errorf("text = %q", act.Params.Text)
	}
}

func TestActionUnmarshalRejectsMultiKey(t *testing.T) {
	var act Action
	err := json.Unmarshal([]byte(`{"wait":{"seconds":1},"done":{}}`), &act)
	if err == nil {
		t.Fatal("expected error for two-key action object")
	}

	if err := json.Unmarshal([]byte(`{}`), &act); err == nil {
		t.Fatal("expected error for empty action object")
	}
}

func TestKindClassification(t *testing.T) {
	selectorKinds := []Kind{KindClickElementByIndex, KindInputText, KindGetDropdownOptions, KindSelectDropdownOption, KindDragDrop}
	for _, k := range selectorKinds {
		if !k.SelectorOriented() {
			t.Errorf("%s should be selector-oriented", k)
		}
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}

	nonSelector := []Kind{KindGoToURL, KindOpenNewTab, KindSwitchTab, KindCloseTab, KindWait, KindScrollUp, KindScrollDown, KindPressKey, KindExtractContent, KindDone}
	for _, k := range nonSelector {
		if k.SelectorOriented() {
			t.Errorf("%s should not be selector-oriented", k)
		}
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}

	if Kind("teleport").Valid() {
		t.Error("unknown kind must not validate")
	}
}
