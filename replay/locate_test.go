// ABOUTME: Unit tests for the locator fallback chain against static documents.

package replay

import (
	"context"
	"testing"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/traversal"
)

func locatePage(t *testing.T, rawHTML string) *browser.StaticPage {
	t.Helper()
	page, err := browser.NewStaticPage("https://example.org/", "", rawHTML)
	if err != nil {
		t.Fatalf("NewStaticPage: %v", err)
	}
	return page
}

func TestLocateOriginalXPathWinsFirst(t *testing.T) {
	page := locatePage(t, `<html><body><button id="go" class="btn">Go</button></body></html>`)

	_, strategy, err := locate(context.Background(), page, &traversal.DOMElementData{
		TagName:                   "button",
		XPath:                     "//button[@id='go']",
		AlternativeRelativeXPaths: []string{"//button[contains(@class,'btn')]"},
		Attributes:                map[string]string{"id": "go", "class": "btn"},
	})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if strategy != LocatorOriginalXPath {
		t.Errorf("strategy = %s", strategy)
	}
}

func TestLocateRebuildsFromAttributes(t *testing.T) {
	page := locatePage(t, `<html><body><input name="q" placeholder="Search"></body></html>`)

	_, strategy, err := locate(context.Background(), page, &traversal.DOMElementData{
		TagName:    "input",
		XPath:      "/html/body/div[4]/input",
		Attributes: map[string]string{"name": "q", "placeholder": "Search"},
	})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if strategy != LocatorAttributes {
		t.Errorf("strategy = %s", strategy)
	}
}

func TestLocateProximityFallback(t *testing.T) {
	page := locatePage(t, `<html><body><button>Only</button></body></html>`)

	_, strategy, err := locate(context.Background(), page, &traversal.DOMElementData{
		TagName:     "button",
		XPath:       "/html/body/div[4]/button",
		Attributes:  map[string]string{},
		BoundingBox: &traversal.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10},
	})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	if strategy != LocatorProximity {
		t.Errorf("strategy = %s", strategy)
	}
}

func TestLocateProximityAmbiguityLoses(t *testing.T) {
	page := locatePage(t, `<html><body><button>A</button><button>B</button></body></html>`)

	_, _, err := locate(context.Background(), page, &traversal.DOMElementData{
		TagName:     "button",
		XPath:       "/html/body/div[4]/button",
		Attributes:  map[string]string{},
		BoundingBox: &traversal.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10},
	})
	if err == nil {
		t.Fatal("two equally close candidates must not match")
	}
}

func TestLocateIgnoresDisabledMatches(t *testing.T) {
	page := locatePage(t, `<html><body>
<button id="go" disabled>Dead</button>
<button class="btn">Live</button>
</body></html>`)

	_, strategy, err := locate(context.Background(), page, &traversal.DOMElementData{
		TagName:    "button",
		XPath:      "//button[@id='go']",
		Attributes: map[string]string{"id": "go", "class": "btn"},
	})
	if err != nil {
		t.Fatalf("locate: %v", err)
	}
	// The original xpath hits only the disabled button, so the chain falls
	// through to the class-based attribute selector.
	if strategy != LocatorAttributes {
		t.Errorf("strategy = %s", strategy)
	}
}

func TestLocateNoElementData(t *testing.T) {
	page := locatePage(t, `<html><body><button>Go</button></body></html>`)
	if _, _, err := locate(context.Background(), page, nil); err == nil {
		t.Fatal("degraded records cannot be located")
	}
}
