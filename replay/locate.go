// ABOUTME: Locator strategy pipeline for replay: original xpath, alternatives, attribute rebuild, proximity.
// ABOUTME: A strategy wins only when it yields exactly one visible, enabled element.

package replay

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/retracehq/retrace/browser"
	"github.com/retracehq/retrace/selector"
	"github.com/retracehq/retrace/traversal"
)

// LocatorStrategy identifies which fallback found the element.
type LocatorStrategy int

const (
	LocatorOriginalXPath LocatorStrategy = iota
	LocatorAlternativeXPath
	LocatorAttributes
	LocatorProximity
)

func (s LocatorStrategy) String() string {
	switch s {
	case LocatorOriginalXPath:
		return "original_xpath"
	case LocatorAlternativeXPath:
		return "alternative_xpath"
	case LocatorAttributes:
		return "attributes"
	case LocatorProximity:
		return "proximity"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// proximityTolerance is the max center-to-center distance, in pixels, for a
// bounding-box match.
const proximityTolerance = 100.0

// locate resolves the recorded element on the current page, trying the
// recorded xpath first, then each alternative in order, then selectors
// rebuilt from recorded attributes, then bounding-box proximity.
func locate(ctx context.Context, page browser.Page, d *traversal.DOMElementData) (browser.Element, LocatorStrategy, error) {
	if d == nil || d.XPath == "" {
		return nil, 0, fmt.Errorf("no element data recorded")
	}

	if el := tryXPath(ctx, page, d.XPath); el != nil {
		return el, LocatorOriginalXPath, nil
	}
	for _, alt := range d.AlternativeRelativeXPaths {
		if el := tryXPath(ctx, page, alt); el != nil {
			return el, LocatorAlternativeXPath, nil
		}
	}
	for _, expr := range attributeExprs(d) {
		if el := tryXPath(ctx, page, expr); el != nil {
			return el, LocatorAttributes, nil
		}
	}
	if el := tryProximity(ctx, page, d); el != nil {
		return el, LocatorProximity, nil
	}
	return nil, 0, fmt.Errorf("all locator strategies exhausted for <%s> at %s", d.TagName, d.XPath)
}

func tryXPath(ctx context.Context, page browser.Page, expr string) browser.Element {
	els, err := page.QueryXPath(ctx, expr)
	if err != nil {
		return nil
	}
	return exactlyOneUsable(ctx, els)
}

// exactlyOneUsable returns the single visible, enabled element of the match
// set, or nil when the set is empty or ambiguous.
func exactlyOneUsable(ctx context.Context, els []browser.Element) browser.Element {
	var match browser.Element
	for _, el := range els {
		visible, err := el.IsVisible(ctx)
		if err != nil || !visible {
			continue
		}
		enabled, err := el.IsEnabled(ctx)
		if err != nil || !enabled {
			continue
		}
		if match != nil {
			return nil
		}
		match = el
	}
	return match
}

// attributeExprs rebuilds candidate selectors from recorded attributes in
// reliability order: id, name, placeholder, then first class token.
func attributeExprs(d *traversal.DOMElementData) []string {
	var out []string
	for _, name := range []string{"id", "name", "placeholder"} {
		v := strings.TrimSpace(d.Attributes[name])
		if v == "" {
			continue
		}
		if lit, ok := selector.QuoteLiteral(v); ok {
			out = append(out, fmt.Sprintf("//%s[@%s=%s]", d.TagName, name, lit))
		}
	}
	if classes := strings.Fields(d.Attributes["class"]); len(classes) > 0 {
		if lit, ok := selector.QuoteLiteral(classes[0]); ok {
			out = append(out, fmt.Sprintf("//%s[contains(@class,%s)]", d.TagName, lit))
		}
	}
	return out
}

// tryProximity matches same-tag elements whose center lies within
// proximityTolerance of the recorded bounding box center. Ambiguity loses.
func tryProximity(ctx context.Context, page browser.Page, d *traversal.DOMElementData) browser.Element {
	if d.BoundingBox == nil || d.TagName == "" {
		return nil
	}
	els, err := page.QueryXPath(ctx, "//"+d.TagName)
	if err != nil {
		return nil
	}

	cx := d.BoundingBox.X + d.BoundingBox.Width/2
	cy := d.BoundingBox.Y + d.BoundingBox.Height/2

	var match browser.Element
	for _, el := range els {
		visible, err := el.IsVisible(ctx)
		if err != nil || !visible {
			continue
		}
		enabled, err := el.IsEnabled(ctx)
		if err != nil || !enabled {
			continue
		}
		box, err := el.BoundingBox(ctx)
		if err != nil || box == nil {
			continue
		}
		dist := math.Hypot(box.X+box.Width/2-cx, box.Y+box.Height/2-cy)
		if dist > proximityTolerance {
			continue
		}
		if match != nil {
			return nil
		}
		match = el
	}
	return match
}
