// ABOUTME: Derives ordered lists of relative XPath candidates for a target element from page HTML.
// ABOUTME: Candidates run best-first (id, name, placeholder, class, text, position) and are checked for unicity.

package selector

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Strategy identifies one candidate-generation approach, ordered best-first.
type Strategy int

const (
	StrategyID Strategy = iota
	StrategyName
	StrategyPlaceholder
	StrategyClassFirst
	StrategyClassFull
	StrategyText
	StrategyPosition
)

// String returns the strategy name for logs and tests.
func (s Strategy) String() string {
	switch s {
	case StrategyID:
		return "id"
	case StrategyName:
		return "name"
	case StrategyPlaceholder:
		return "placeholder"
	case StrategyClassFirst:
		return "class_first"
	case StrategyClassFull:
		return "class_full"
	case StrategyText:
		return "text"
	case StrategyPosition:
		return "position"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// allStrategies is the generation order. A full absolute XPath is brittle:
// any ancestor insertion breaks it. Several relative anchors give replay
// multiple chances before giving up.
var allStrategies = []Strategy{
	StrategyID,
	StrategyName,
	StrategyPlaceholder,
	StrategyClassFirst,
	StrategyClassFull,
	StrategyText,
	StrategyPosition,
}

// maxTextAnchorLen bounds text-based candidates; long texts churn too often
// to be useful anchors.
const maxTextAnchorLen = 60

// Alternatives derives an ordered list of relative XPath candidates for the
// element addressed by fullXPath within pageHTML. Each returned candidate
// matches exactly one element on the page at generation time. On any internal
// error (unparseable HTML, ambiguous fullXPath) it returns nil; callers must
// tolerate empty alternatives.
func Alternatives(fullXPath, pageHTML string) []string {
	doc, err := html.Parse(strings.NewReader(pageHTML))
	if err != nil {
		return nil
	}

	target, err := FindOne(doc, fullXPath)
	if err != nil {
		return nil
	}

	var out []string
	for _, strat := range allStrategies {
		for _, candidate := range candidatesFor(strat, target) {
			if isUniqueMatch(doc, candidate, target) {
				out = append(out, candidate)
			}
		}
	}
	return out
}

// candidatesFor produces zero or more candidate expressions for one strategy.
func candidatesFor(strat Strategy, n *html.Node) []string {
	tag := strings.ToLower(n.Data)

	switch strat {
	case StrategyID:
		return attrCandidate(tag, n, "id")
	case StrategyName:
		return attrCandidate(tag, n, "name")
	case StrategyPlaceholder:
		return attrCandidate(tag, n, "placeholder")

	case StrategyClassFirst:
		classes := classList(n)
		if len(classes) == 0 {
			return nil
		}
		lit, ok := QuoteLiteral(classes[0])
		if !ok {
			return nil
		}
		return []string{fmt.Sprintf("//%s[contains(@class,%s)]", tag, lit)}

	case StrategyClassFull:
		full, ok := attr(n, "class")
		if !ok || strings.TrimSpace(full) == "" {
			return nil
		}
		if !selectorSafe(full) {
			return nil
		}
		lit, ok := QuoteLiteral(full)
		if !ok {
			return nil
		}
		return []string{fmt.Sprintf("//%s[@class=%s]", tag, lit)}

	case StrategyText:
		text := normalizeSpace(textContent(n))
		if text == "" || len(text) > maxTextAnchorLen {
			return nil
		}
		if strings.ContainsAny(text, `'"`) {
			return nil
		}
		return []string{fmt.Sprintf("//%s[normalize-space()='%s']", tag, text)}

	case StrategyPosition:
		return []string{fmt.Sprintf("//%s[%d]", tag, sameTagSiblingIndex(n))}
	}
	return nil
}

// attrCandidate emits //tag[@attr='value'] when the attribute is present,
// non-empty, and representable as an XPath string literal.
func attrCandidate(tag string, n *html.Node, name string) []string {
	v, ok := attr(n, name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	lit, ok := QuoteLiteral(v)
	if !ok {
		return nil
	}
	return []string{fmt.Sprintf("//%s[@%s=%s]", tag, name, lit)}
}

// isUniqueMatch reports whether the candidate matches exactly the target node
// and nothing else on the page.
func isUniqueMatch(doc *html.Node, candidate string, target *html.Node) bool {
	nodes, err := FindAll(doc, candidate)
	if err != nil {
		return false
	}
	return len(nodes) == 1 && nodes[0] == target
}

// classList splits the class attribute into individual class names.
func classList(n *html.Node) []string {
	v, ok := attr(n, "class")
	if !ok {
		return nil
	}
	return strings.Fields(v)
}

// selectorSafe rejects class strings containing characters that tend to come
// from CSS-in-JS hashing and break across deploys.
func selectorSafe(s string) bool {
	for _, r := range s {
		ok := r == ' ' || r == '-' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// QuoteLiteral wraps a value as an XPath string literal, choosing the quote
// character the value does not contain. Values containing both quote kinds
// are rejected; XPath 1.0 has no string escaping.
func QuoteLiteral(v string) (string, bool) {
	hasSingle := strings.ContainsRune(v, '\'')
	hasDouble := strings.ContainsRune(v, '"')
	switch {
	case !hasSingle:
		return "'" + v + "'", true
	case !hasDouble:
		return `"` + v + `"`, true
	default:
		return "", false
	}
}

// AbsoluteXPath builds the full absolute XPath for an element node, with
// 1-based positional indices counting same-tag siblings at every level.
func AbsoluteXPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		parts = append([]string{fmt.Sprintf("%s[%d]", strings.ToLower(cur.Data), sameTagSiblingIndex(cur))}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}
