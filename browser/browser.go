// ABOUTME: Capability interfaces over a browser page consumed by the navigation and replay engines.
// ABOUTME: Defines Page, Element, DOMNode, and the indexed StateSummary handed to the LLM.

package browser

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Box is an element bounding box in CSS pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DOMNode describes one interactive element in the indexed DOM summary.
type DOMNode struct {
	Index      int               `json:"index"`
	TagName    string            `json:"tag_name"`
	Attributes map[string]string `json:"attributes"`
	XPath      string            `json:"xpath"` // full absolute xpath
	Text       string            `json:"text"`
	Box        *Box              `json:"box,omitempty"`
}

// TabInfo describes one open tab.
type TabInfo struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// StateSummary is the perception snapshot handed to the decision step:
// current URL/title, open tabs, an indexed element tree rendered for the
// LLM, and the selector map resolving indices back to DOM nodes.
type StateSummary struct {
	URL            string
	Title          string
	Tabs           []TabInfo
	ElementTree    string
	SelectorMap    map[int]*DOMNode
	PixelsAbove    int
	PixelsBelow    int
	ScreenshotPath string
}

// Element is a handle to a located element on the page.
type Element interface {
	Click(ctx context.Context) error
	DoubleClick(ctx context.Context) error
	Hover(ctx context.Context) error
	Type(ctx context.Context, text string) error
	Fill(ctx context.Context, text string) error
	SelectOption(ctx context.Context, value string) error
	Options(ctx context.Context) ([]string, error)
	DragTo(ctx context.Context, other Element) error
	PressKey(ctx context.Context, name string) error
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	BoundingBox(ctx context.Context) (*Box, error)
	ScrollIntoViewIfNeeded(ctx context.Context) error
}

// Page is the browser controller contract the engine drives. Implementations
// wrap a real browser (CDP, Playwright-style driver) or an in-memory page.
type Page interface {
	Goto(ctx context.Context, url string) error
	WaitForLoadState(ctx context.Context, state string) error
	Evaluate(ctx context.Context, js string) (any, error)
	Scroll(ctx context.Context, dx, dy int) error
	Screencap(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
	PressKey(ctx context.Context, name string) error
	StateSummary(ctx context.Context) (*StateSummary, error)
	ElementByIndex(ctx context.Context, index int) (Element, error)
	QueryXPath(ctx context.Context, xpath string) ([]Element, error)
	OpenNewTab(ctx context.Context, url string) error
	SwitchTab(ctx context.Context, id int) error
	CloseTab(ctx context.Context, id int) error
	Close(ctx context.Context) error
}

// Client owns browser resources for one run and hands out pages.
type Client interface {
	NewPage(ctx context.Context) (Page, error)
	Close(ctx context.Context) error
}

// RenderElementTree renders a selector map as the indexed text tree the LLM
// sees, one element per line in index order:
//
//	[3]<button id="login">Sign in</button>
func RenderElementTree(selectorMap map[int]*DOMNode) string {
	indices := make([]int, 0, len(selectorMap))
	for idx := range selectorMap {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var sb strings.Builder
	for _, idx := range indices {
		node := selectorMap[idx]
		sb.WriteString(fmt.Sprintf("[%d]<%s", idx, node.TagName))
		for _, key := range sortedAttrKeys(node.Attributes) {
			sb.WriteString(fmt.Sprintf(" %s=%q", key, node.Attributes[key]))
		}
		sb.WriteString(">")
		sb.WriteString(node.Text)
		sb.WriteString(fmt.Sprintf("</%s>\n", node.TagName))
	}
	return sb.String()
}

func sortedAttrKeys(attrs map[string]string) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
