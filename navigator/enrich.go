// ABOUTME: Wraps raw LLM actions into ExtendedAction records with DOM element evidence.
// ABOUTME: Selector-oriented actions get tag, attributes, xpath, and fallback selectors for replay.

package navigator

import (
	"strings"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/selector"
	"github.com/retracehq/retrace/traversal"
)

// enrichAction builds the recorded form of one action. Selector-oriented
// kinds are enriched from the selector map; a missing or stale index degrades
// to nil element data rather than failing the step. Secret values that leaked
// into the DOM (a filled field's value attribute) are redacted back to their
// placeholders so they never reach disk.
func enrichAction(bsID string, act traversal.Action, summary *browser.StateSummary, pageHTML string, secrets map[string]string) traversal.ExtendedAction {
	ea := traversal.ExtendedAction{BrainStateID: bsID, Action: act}
	if !act.Kind.SelectorOriented() {
		return ea
	}
	if act.Params.Index == nil {
		return ea
	}
	node, ok := summary.SelectorMap[*act.Params.Index]
	if !ok || node == nil || node.XPath == "" {
		return ea
	}
	ea.DOMElementData = elementData(node, redactSecrets(pageHTML, secrets), secrets)
	return ea
}

// elementData copies the node's identifying evidence and derives fallback
// selectors from the page as it is right now. pageHTML is already redacted by
// the caller, so derived selectors cannot embed a raw secret either.
func elementData(node *browser.DOMNode, pageHTML string, secrets map[string]string) *traversal.DOMElementData {
	attrs := make(map[string]string, len(node.Attributes))
	for k, v := range node.Attributes {
		attrs[k] = redactSecrets(v, secrets)
	}

	d := &traversal.DOMElementData{
		TagName:                   node.TagName,
		Attributes:                attrs,
		XPath:                     normalizeXPath(node.XPath),
		AlternativeRelativeXPaths: selector.Alternatives(node.XPath, pageHTML),
	}
	if node.Box != nil {
		d.BoundingBox = &traversal.BoundingBox{
			X:      node.Box.X,
			Y:      node.Box.Y,
			Width:  node.Box.Width,
			Height: node.Box.Height,
		}
	}
	return d
}

// normalizeXPath keeps absolute paths as-is and prefixes bare step sequences
// with a descendant axis, so every recorded xpath is evaluable from the root.
func normalizeXPath(xp string) string {
	xp = strings.TrimSpace(xp)
	if xp == "" || strings.HasPrefix(xp, "/") {
		return xp
	}
	return "//" + xp
}
