// ABOUTME: Tests for the XPath evaluator: absolute paths, descent, predicates, positions.
// ABOUTME: Exercises the expression subset the factory and replay locator rely on.

package selector

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

const xpathTestPage = `<html><head><title>t</title></head><body>
<div id="wrap" class="outer main">
  <button id="login" class="btn primary">Sign in</button>
  <button class="btn">Cancel</button>
  <input name="email" placeholder="Email address">
  <input name="email2" placeholder="He said 'hi'">
</div>
<div class="outer">
  <span>Sign in</span>
</div>
</body></html>`

func parsePage(t *testing.T, raw string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestFindAllDescendantByAttr(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, "//button[@id='login']")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 match, got %d", len(nodes))
	}
	if nodes[0].Data != "button" {
		t.Errorf("expected button, got %s", nodes[0].Data)
	}
}

func TestFindAllContains(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, "//button[contains(@class,'btn')]")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(nodes))
	}
}

func TestFindAllTextPredicate(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, "//button[normalize-space()='Sign in']")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 match, got %d", len(nodes))
	}
}

func TestFindAllPosition(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, "//div[1]")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	for _, n := range nodes {
		if idx := sameTagSiblingIndex(n); idx != 1 {
			t.Errorf("matched div with sibling index %d", idx)
		}
	}
	if len(nodes) == 0 {
		t.Fatal("expected at least one first-position div")
	}
}

func TestFindAllAbsolutePath(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, "/html[1]/body[1]/div[1]/button[1]")
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 match, got %d", len(nodes))
	}
	if id, _ := attr(nodes[0], "id"); id != "login" {
		t.Errorf("expected login button, got id=%q", id)
	}
}

func TestFindAllDoubleQuotedLiteral(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	nodes, err := FindAll(doc, `//input[@placeholder="He said 'hi'"]`)
	if err != nil {
		t.Fatalf("FindAll: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 match, got %d", len(nodes))
	}
}

func TestFindOneRejectsAmbiguity(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	if _, err := FindOne(doc, "//button"); err == nil {
		t.Fatal("expected error for ambiguous expression")
	}
	if _, err := FindOne(doc, "//table"); err == nil {
		t.Fatal("expected error for zero matches")
	}
	if _, err := FindOne(doc, "//button[@id='login']"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAbsoluteXPathRoundTrip(t *testing.T) {
	doc := parsePage(t, xpathTestPage)

	target, err := FindOne(doc, "//input[@name='email']")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}
	xp := AbsoluteXPath(target)
	if !strings.HasPrefix(xp, "/html[1]/body[1]/") {
		t.Errorf("unexpected path shape: %s", xp)
	}

	back, err := FindOne(doc, xp)
	if err != nil {
		t.Fatalf("round trip failed for %s: %v", xp, err)
	}
	if back != target {
		t.Error("absolute xpath resolved to a different node")
	}
}
