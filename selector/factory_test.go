// ABOUTME: Tests for alternative-selector generation: ordering, unicity, and edge cases.
// ABOUTME: Every returned candidate must match exactly one element at generation time.

package selector

import (
	"strings"
	"testing"
)

const factoryTestPage = `<html><body>
<div>
  <button id="login" name="signin" class="btn primary">Sign in</button>
  <button class="btn">Other</button>
  <input placeholder="Your email">
</div>
</body></html>`

func TestAlternativesBestFirst(t *testing.T) {
	doc := parsePage(t, factoryTestPage)
	target, err := FindOne(doc, "//button[@id='login']")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	alts := Alternatives(AbsoluteXPath(target), factoryTestPage)
	if len(alts) == 0 {
		t.Fatal("expected alternatives for a well-anchored element")
	}
	if alts[0] != "//button[@id='login']" {
		t.Errorf("id candidate must come first, got %s", alts[0])
	}

	found := false
	for _, alt := range alts {
		if alt == "//button[@name='signin']" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a name-based candidate, got %v", alts)
	}
}

func TestAlternativesAreUnique(t *testing.T) {
	doc := parsePage(t, factoryTestPage)
	target, err := FindOne(doc, "//button[@id='login']")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	for _, alt := range Alternatives(AbsoluteXPath(target), factoryTestPage) {
		nodes, err := FindAll(doc, alt)
		if err != nil {
			t.Errorf("candidate %s does not evaluate: %v", alt, err)
			continue
		}
		if len(nodes) != 1 {
			t.Errorf("candidate %s matches %d elements, want 1", alt, len(nodes))
		}
		if len(nodes) == 1 && nodes[0] != target {
			t.Errorf("candidate %s matches a different element", alt)
		}
	}
}

func TestAlternativesSkipsSharedClass(t *testing.T) {
	doc := parsePage(t, factoryTestPage)
	target, err := FindOne(doc, "//button[@id='login']")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	for _, alt := range Alternatives(AbsoluteXPath(target), factoryTestPage) {
		if alt == "//button[contains(@class,'btn')]" {
			t.Errorf("ambiguous class candidate %s must be filtered out", alt)
		}
	}
}

func TestAlternativesToleratesBadInput(t *testing.T) {
	if alts := Alternatives("//nonexistent[1]", factoryTestPage); alts != nil {
		t.Errorf("expected nil for unmatched xpath, got %v", alts)
	}
	if alts := Alternatives("//button", factoryTestPage); alts != nil {
		t.Errorf("expected nil for ambiguous xpath, got %v", alts)
	}
}

func TestAlternativesTextAnchor(t *testing.T) {
	page := `<html><body><div><a href="/x">Unique link text</a><a href="/y">Another</a></div></body></html>`
	doc := parsePage(t, page)
	target, err := FindOne(doc, "//a[normalize-space()='Unique link text']")
	if err != nil {
		t.Fatalf("FindOne: %v", err)
	}

	alts := Alternatives(AbsoluteXPath(target), page)
	found := false
	for _, alt := range alts {
		if strings.Contains(alt, "normalize-space()='Unique link text'") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a text-based candidate, got %v", alts)
	}
}

func TestQuoteLiteral(t *testing.T) {
	if lit, ok := QuoteLiteral("plain"); !ok || lit != "'plain'" {
		t.Errorf("got %q, %t", lit, ok)
	}
	if lit, ok := QuoteLiteral("it's"); !ok || lit != `"it's"` {
		t.Errorf("got %q, %t", lit, ok)
	}
	if _, ok := QuoteLiteral(`both ' and "`); ok {
		t.Error("values with both quote kinds must be rejected")
	}
}
