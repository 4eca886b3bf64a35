// ABOUTME: Minimal XPath evaluator over x/net/html trees covering the subset the engine generates.
// ABOUTME: Supports absolute paths, //tag descent, attribute/contains/text predicates, and positional indices.

package selector

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// predKind discriminates the predicate types the evaluator understands.
type predKind int

const (
	predAttrEquals predKind = iota // [@attr='value']
	predAttrContains                // [contains(@attr,'value')]
	predTextEquals                  // [normalize-space()='text']
	predPosition                    // [N], position among same-tag siblings
)

type predicate struct {
	kind  predKind
	attr  string
	value string
	pos   int
}

type step struct {
	tag   string
	preds []predicate
}

// parsedXPath is the compiled form of an expression.
type parsedXPath struct {
	absolute bool
	steps    []step
}

// FindAll evaluates the XPath expression against the document rooted at root
// and returns all matching element nodes in document order.
func FindAll(root *html.Node, expr string) ([]*html.Node, error) {
	px, err := parseXPath(expr)
	if err != nil {
		return nil, err
	}

	if px.absolute {
		return evalAbsolute(root, px.steps), nil
	}
	return evalRelative(root, px.steps), nil
}

// FindOne returns the single node matched by expr, or an error when the match
// count is not exactly one.
func FindOne(root *html.Node, expr string) (*html.Node, error) {
	nodes, err := FindAll(root, expr)
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, fmt.Errorf("xpath %q matched %d nodes, want 1", expr, len(nodes))
	}
	return nodes[0], nil
}

// parseXPath compiles the supported XPath subset. Unsupported syntax returns
// an error rather than a silent wrong answer.
func parseXPath(expr string) (*parsedXPath, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty xpath expression")
	}

	px := &parsedXPath{}
	switch {
	case strings.HasPrefix(expr, "//"):
		px.absolute = false
		expr = expr[2:]
	case strings.HasPrefix(expr, "/"):
		px.absolute = true
		expr = expr[1:]
	default:
		return nil, fmt.Errorf("xpath must start with / or //: %q", expr)
	}

	for _, raw := range splitSteps(expr) {
		if raw == "" {
			return nil, fmt.Errorf("empty step in xpath %q", expr)
		}
		st, err := parseStep(raw)
		if err != nil {
			return nil, err
		}
		px.steps = append(px.steps, st)
	}
	if len(px.steps) == 0 {
		return nil, fmt.Errorf("xpath has no steps: %q", expr)
	}
	return px, nil
}

// splitSteps splits on / while respecting quoted strings inside predicates.
func splitSteps(expr string) []string {
	var steps []string
	var buf strings.Builder
	var quote byte

	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			buf.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			buf.WriteByte(c)
		case c == '/':
			steps = append(steps, buf.String())
			buf.Reset()
		default:
			buf.WriteByte(c)
		}
	}
	steps = append(steps, buf.String())
	return steps
}

// parseStep parses "tag[pred1][pred2]..." into a step.
func parseStep(raw string) (step, error) {
	st := step{}

	idx := strings.IndexByte(raw, '[')
	if idx < 0 {
		st.tag = raw
		return st, validateTag(st.tag)
	}

	st.tag = raw[:idx]
	if err := validateTag(st.tag); err != nil {
		return st, err
	}

	rest := raw[idx:]
	for len(rest) > 0 {
		if rest[0] != '[' {
			return st, fmt.Errorf("malformed predicate in step %q", raw)
		}
		end := findPredicateEnd(rest)
		if end < 0 {
			return st, fmt.Errorf("unterminated predicate in step %q", raw)
		}
		pred, err := parsePredicate(rest[1:end])
		if err != nil {
			return st, err
		}
		st.preds = append(st.preds, pred)
		rest = rest[end+1:]
	}
	return st, nil
}

func validateTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("step missing tag name")
	}
	if tag == "*" {
		return nil
	}
	for _, r := range tag {
		if !(r == '-' || r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("unsupported tag name %q", tag)
		}
	}
	return nil
}

// findPredicateEnd returns the index of the closing bracket of the predicate
// starting at s[0] == '[', respecting quoted strings.
func findPredicateEnd(s string) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ']':
			return i
		}
	}
	return -1
}

// parsePredicate parses the inside of a [...] predicate.
func parsePredicate(body string) (predicate, error) {
	body = strings.TrimSpace(body)

	// Positional: [3]
	if n, err := strconv.Atoi(body); err == nil {
		if n < 1 {
			return predicate{}, fmt.Errorf("positional predicate must be >= 1, got %d", n)
		}
		return predicate{kind: predPosition, pos: n}, nil
	}

	// Attribute equality: @attr='value'
	if strings.HasPrefix(body, "@") {
		eq := strings.IndexByte(body, '=')
		if eq < 0 {
			return predicate{}, fmt.Errorf("unsupported predicate %q", body)
		}
		attr := strings.TrimSpace(body[1:eq])
		value, err := unquote(strings.TrimSpace(body[eq+1:]))
		if err != nil {
			return predicate{}, err
		}
		return predicate{kind: predAttrEquals, attr: attr, value: value}, nil
	}

	// contains(@attr,'value')
	if strings.HasPrefix(body, "contains(") && strings.HasSuffix(body, ")") {
		inner := body[len("contains(") : len(body)-1]
		comma := strings.IndexByte(inner, ',')
		if comma < 0 || !strings.HasPrefix(strings.TrimSpace(inner[:comma]), "@") {
			return predicate{}, fmt.Errorf("unsupported predicate %q", body)
		}
		attr := strings.TrimSpace(inner[:comma])[1:]
		value, err := unquote(strings.TrimSpace(inner[comma+1:]))
		if err != nil {
			return predicate{}, err
		}
		return predicate{kind: predAttrContains, attr: attr, value: value}, nil
	}

	// normalize-space()='text'
	if strings.HasPrefix(body, "normalize-space()") {
		rest := strings.TrimSpace(strings.TrimPrefix(body, "normalize-space()"))
		if !strings.HasPrefix(rest, "=") {
			return predicate{}, fmt.Errorf("unsupported predicate %q", body)
		}
		value, err := unquote(strings.TrimSpace(rest[1:]))
		if err != nil {
			return predicate{}, err
		}
		return predicate{kind: predTextEquals, value: value}, nil
	}

	return predicate{}, fmt.Errorf("unsupported predicate %q", body)
}

func unquote(s string) (string, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("malformed string literal %q", s)
	}
	q := s[0]
	if (q != '\'' && q != '"') || s[len(s)-1] != q {
		return "", fmt.Errorf("malformed string literal %q", s)
	}
	return s[1 : len(s)-1], nil
}

// evalAbsolute walks the steps from the document root, treating positional
// predicates as 1-based indices among same-tag siblings.
func evalAbsolute(root *html.Node, steps []step) []*html.Node {
	current := []*html.Node{root}
	for _, st := range steps {
		var next []*html.Node
		for _, node := range current {
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				if child.Type != html.ElementNode {
					continue
				}
				if !tagMatches(child, st.tag) {
					continue
				}
				next = append(next, child)
			}
		}
		current = applyPredicates(next, st.preds)
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

// evalRelative implements //tag/rest...: the first step matches any descendant,
// subsequent steps are child steps.
func evalRelative(root *html.Node, steps []step) []*html.Node {
	var first []*html.Node
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && tagMatches(n, steps[0].tag) {
			first = append(first, n)
		}
	})
	current := applyPredicates(first, steps[0].preds)

	for _, st := range steps[1:] {
		var next []*html.Node
		for _, node := range current {
			for child := node.FirstChild; child != nil; child = child.NextSibling {
				if child.Type == html.ElementNode && tagMatches(child, st.tag) {
					next = append(next, child)
				}
			}
		}
		current = applyPredicates(next, st.preds)
		if len(current) == 0 {
			return nil
		}
	}
	return current
}

func tagMatches(n *html.Node, tag string) bool {
	return tag == "*" || strings.EqualFold(n.Data, tag)
}

// applyPredicates filters nodes through each predicate in order. Positional
// predicates count same-tag siblings under the same parent.
func applyPredicates(nodes []*html.Node, preds []predicate) []*html.Node {
	for _, pred := range preds {
		var kept []*html.Node
		for _, n := range nodes {
			if matchesPredicate(n, pred) {
				kept = append(kept, n)
			}
		}
		nodes = kept
	}
	return nodes
}

func matchesPredicate(n *html.Node, pred predicate) bool {
	switch pred.kind {
	case predAttrEquals:
		v, ok := attr(n, pred.attr)
		return ok && v == pred.value
	case predAttrContains:
		v, ok := attr(n, pred.attr)
		return ok && strings.Contains(v, pred.value)
	case predTextEquals:
		return normalizeSpace(textContent(n)) == pred.value
	case predPosition:
		return sameTagSiblingIndex(n) == pred.pos
	}
	return false
}

// sameTagSiblingIndex returns the 1-based position of n among element siblings
// with the same tag under the same parent.
func sameTagSiblingIndex(n *html.Node) int {
	if n.Parent == nil {
		return 1
	}
	idx := 0
	for sib := n.Parent.FirstChild; sib != nil; sib = sib.NextSibling {
		if sib.Type == html.ElementNode && strings.EqualFold(sib.Data, n.Data) {
			idx++
			if sib == n {
				return idx
			}
		}
	}
	return 0
}

func attr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

// textContent concatenates all descendant text nodes.
func textContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	})
	return sb.String()
}

// normalizeSpace collapses runs of whitespace and trims, per XPath normalize-space().
func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// walk visits n and every descendant in document order.
func walk(n *html.Node, fn func(*html.Node)) {
	fn(n)
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		walk(child, fn)
	}
}
