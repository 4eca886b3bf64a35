// ABOUTME: In-memory Page implementation backed by parsed HTML, for tests and dry runs without a browser.
// ABOUTME: Serves registered routes, indexes interactive elements, and records every element operation.

package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/retracehq/retrace/selector"
)

// interactiveTags are the element kinds surfaced in the selector map.
var interactiveTags = map[string]bool{
	"a":        true,
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
}

// StaticPage is an in-memory Page backed by parsed HTML documents. Tests and
// dry runs register routes (URL -> HTML) and drive the engine against them;
// every element operation is appended to ActionLog for assertions.
type StaticPage struct {
	mu      sync.Mutex
	routes  map[string]string
	url     string
	title   string
	doc     *html.Node
	raw     string
	tabs    []TabInfo
	current int
	log     []string

	// OnAction, when set, observes each element operation after it is
	// applied. Tests use it to mutate the page mid-run (simulating
	// navigation or DOM churn).
	OnAction func(op string, node *DOMNode)
}

// NewStaticPage creates a StaticPage showing the given HTML at the given URL.
func NewStaticPage(url, title, rawHTML string) (*StaticPage, error) {
	p := &StaticPage{
		routes: map[string]string{url: rawHTML},
		tabs:   []TabInfo{{ID: 1, URL: url, Title: title}},
	}
	if err := p.setContent(url, title, rawHTML); err != nil {
		return nil, err
	}
	return p, nil
}

// AddRoute registers HTML to be served when the page navigates to url.
func (p *StaticPage) AddRoute(url, rawHTML string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[url] = rawHTML
}

// SetContent replaces the current document, keeping the page on the same URL.
func (p *StaticPage) SetContent(rawHTML string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setContent(p.url, p.title, rawHTML)
}

func (p *StaticPage) setContent(url, title, rawHTML string) error {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	p.url = url
	p.title = title
	p.doc = doc
	p.raw = rawHTML
	if t := findTitle(doc); t != "" {
		p.title = t
	}
	return nil
}

// ActionLog returns a copy of the recorded element operations.
func (p *StaticPage) ActionLog() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.log))
	copy(out, p.log)
	return out
}

// Goto navigates to a registered route.
func (p *StaticPage) Goto(ctx context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rawHTML, ok := p.routes[url]
	if !ok {
		return fmt.Errorf("no route registered for %q", url)
	}
	if err := p.setContent(url, "", rawHTML); err != nil {
		return err
	}
	p.log = append(p.log, "goto "+url)
	if len(p.tabs) > 0 {
		p.tabs[p.current].URL = url
		p.tabs[p.current].Title = p.title
	}
	return nil
}

// WaitForLoadState is a no-op: static documents are always loaded.
func (p *StaticPage) WaitForLoadState(ctx context.Context, state string) error {
	return nil
}

// Evaluate is not supported on a static page.
func (p *StaticPage) Evaluate(ctx context.Context, js string) (any, error) {
	return nil, fmt.Errorf("evaluate not supported on static page")
}

// Scroll records the scroll; a static page has no viewport.
func (p *StaticPage) Scroll(ctx context.Context, dx, dy int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, fmt.Sprintf("scroll %d,%d", dx, dy))
	return nil
}

// Screencap returns a placeholder image payload.
func (p *StaticPage) Screencap(ctx context.Context) ([]byte, error) {
	return []byte("static-page-screenshot"), nil
}

// PressKey records a page-global key press.
func (p *StaticPage) PressKey(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, "press_key "+name)
	return nil
}

// Content returns the current HTML source.
func (p *StaticPage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.raw, nil
}

// StateSummary indexes the interactive elements of the current document.
func (p *StaticPage) StateSummary(ctx context.Context) (*StateSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	selectorMap := p.buildSelectorMap()
	tabs := make([]TabInfo, len(p.tabs))
	copy(tabs, p.tabs)

	return &StateSummary{
		URL:         p.url,
		Title:       p.title,
		Tabs:        tabs,
		ElementTree: RenderElementTree(selectorMap),
		SelectorMap: selectorMap,
	}, nil
}

// buildSelectorMap walks the document assigning 1-based indices to visible
// interactive elements in document order. Caller holds the lock.
func (p *StaticPage) buildSelectorMap() map[int]*DOMNode {
	selectorMap := make(map[int]*DOMNode)
	index := 0

	var visit func(n *html.Node, inHead bool)
	visit = func(n *html.Node, inHead bool) {
		if n.Type == html.ElementNode {
			if strings.EqualFold(n.Data, "head") {
				inHead = true
			}
			if !inHead && isInteractive(n) && isNodeVisible(n) {
				index++
				selectorMap[index] = p.domNode(index, n)
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child, inHead)
		}
	}
	visit(p.doc, false)
	return selectorMap
}

func (p *StaticPage) domNode(index int, n *html.Node) *DOMNode {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return &DOMNode{
		Index:      index,
		TagName:    strings.ToLower(n.Data),
		Attributes: attrs,
		XPath:      selector.AbsoluteXPath(n),
		Text:       strings.Join(strings.Fields(nodeText(n)), " "),
	}
}

// ElementByIndex resolves a selector-map index to an element handle.
func (p *StaticPage) ElementByIndex(ctx context.Context, index int) (Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	node, ok := p.buildSelectorMap()[index]
	if !ok {
		return nil, fmt.Errorf("no element at index %d", index)
	}
	target, err := selector.FindOne(p.doc, node.XPath)
	if err != nil {
		return nil, err
	}
	return &staticElement{page: p, node: target, dom: node}, nil
}

// QueryXPath returns handles for every element the expression matches.
func (p *StaticPage) QueryXPath(ctx context.Context, xpath string) ([]Element, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nodes, err := selector.FindAll(p.doc, xpath)
	if err != nil {
		return nil, err
	}
	elements := make([]Element, 0, len(nodes))
	for _, n := range nodes {
		elements = append(elements, &staticElement{page: p, node: n, dom: p.domNode(0, n)})
	}
	return elements, nil
}

// OpenNewTab opens a registered route in a new tab and switches to it.
func (p *StaticPage) OpenNewTab(ctx context.Context, url string) error {
	p.mu.Lock()
	nextID := len(p.tabs) + 1
	p.tabs = append(p.tabs, TabInfo{ID: nextID, URL: url})
	p.current = len(p.tabs) - 1
	p.mu.Unlock()
	return p.Goto(ctx, url)
}

// SwitchTab activates the tab with the given id.
func (p *StaticPage) SwitchTab(ctx context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, tab := range p.tabs {
		if tab.ID == id {
			p.current = i
			if rawHTML, ok := p.routes[tab.URL]; ok {
				return p.setContent(tab.URL, tab.Title, rawHTML)
			}
			return nil
		}
	}
	return fmt.Errorf("no tab with id %d", id)
}

// CloseTab closes the tab with the given id.
func (p *StaticPage) CloseTab(ctx context.Context, id int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, tab := range p.tabs {
		if tab.ID == id {
			p.tabs = append(p.tabs[:i], p.tabs[i+1:]...)
			if p.current >= len(p.tabs) && p.current > 0 {
				p.current = len(p.tabs) - 1
			}
			return nil
		}
	}
	return fmt.Errorf("no tab with id %d", id)
}

// Close releases the page.
func (p *StaticPage) Close(ctx context.Context) error {
	return nil
}

// recordAction appends to the log and notifies OnAction outside the lock.
func (p *StaticPage) recordAction(op string, dom *DOMNode) {
	p.mu.Lock()
	p.log = append(p.log, op)
	handler := p.OnAction
	p.mu.Unlock()
	if handler != nil {
		handler(op, dom)
	}
}

// staticElement is an Element handle over one node of a StaticPage document.
type staticElement struct {
	page *StaticPage
	node *html.Node
	dom  *DOMNode
}

func (e *staticElement) describe(op string) string {
	return op + " " + selector.AbsoluteXPath(e.node)
}

func (e *staticElement) Click(ctx context.Context) error {
	e.page.recordAction(e.describe("click"), e.dom)
	return nil
}

func (e *staticElement) DoubleClick(ctx context.Context) error {
	e.page.recordAction(e.describe("double_click"), e.dom)
	return nil
}

func (e *staticElement) Hover(ctx context.Context) error {
	e.page.recordAction(e.describe("hover"), e.dom)
	return nil
}

func (e *staticElement) Type(ctx context.Context, text string) error {
	e.setValue(text)
	e.page.recordAction(e.describe("type")+" "+text, e.dom)
	return nil
}

func (e *staticElement) Fill(ctx context.Context, text string) error {
	e.setValue(text)
	e.page.recordAction(e.describe("fill")+" "+text, e.dom)
	return nil
}

func (e *staticElement) SelectOption(ctx context.Context, value string) error {
	e.setValue(value)
	e.page.recordAction(e.describe("select")+" "+value, e.dom)
	return nil
}

// Options lists the option values of a select element.
func (e *staticElement) Options(ctx context.Context) ([]string, error) {
	if !strings.EqualFold(e.node.Data, "select") {
		return nil, fmt.Errorf("element <%s> has no options", e.node.Data)
	}
	var values []string
	for child := e.node.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && strings.EqualFold(child.Data, "option") {
			if v, ok := nodeAttr(child, "value"); ok {
				values = append(values, v)
			} else {
				values = append(values, strings.TrimSpace(nodeText(child)))
			}
		}
	}
	return values, nil
}

func (e *staticElement) DragTo(ctx context.Context, other Element) error {
	dest := "?"
	if o, ok := other.(*staticElement); ok {
		dest = selector.AbsoluteXPath(o.node)
	}
	e.page.recordAction(e.describe("drag")+" -> "+dest, e.dom)
	return nil
}

func (e *staticElement) PressKey(ctx context.Context, name string) error {
	e.page.recordAction(e.describe("press")+" "+name, e.dom)
	return nil
}

func (e *staticElement) IsVisible(ctx context.Context) (bool, error) {
	return isNodeVisible(e.node), nil
}

func (e *staticElement) IsEnabled(ctx context.Context) (bool, error) {
	_, disabled := nodeAttr(e.node, "disabled")
	return !disabled, nil
}

func (e *staticElement) BoundingBox(ctx context.Context) (*Box, error) {
	// Static documents have no layout; report a fixed-size box so callers
	// depending on presence (not geometry) still work.
	return &Box{Width: 10, Height: 10}, nil
}

func (e *staticElement) ScrollIntoViewIfNeeded(ctx context.Context) error {
	return nil
}

// setValue updates the element's value attribute in the document tree.
func (e *staticElement) setValue(v string) {
	e.page.mu.Lock()
	defer e.page.mu.Unlock()
	for i, a := range e.node.Attr {
		if a.Key == "value" {
			e.node.Attr[i].Val = v
			return
		}
	}
	e.node.Attr = append(e.node.Attr, html.Attribute{Key: "value", Val: v})
}

func isInteractive(n *html.Node) bool {
	if interactiveTags[strings.ToLower(n.Data)] {
		return true
	}
	if _, ok := nodeAttr(n, "onclick"); ok {
		return true
	}
	if role, ok := nodeAttr(n, "role"); ok && role == "button" {
		return true
	}
	return false
}

func isNodeVisible(n *html.Node) bool {
	if _, hidden := nodeAttr(n, "hidden"); hidden {
		return false
	}
	if t, ok := nodeAttr(n, "type"); ok && t == "hidden" {
		return false
	}
	if style, ok := nodeAttr(n, "style"); ok && strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none") {
		return false
	}
	return true
}

func nodeAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		for child := c.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(n)
	return sb.String()
}

func findTitle(doc *html.Node) string {
	var title string
	var visit func(*html.Node)
	visit = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && strings.EqualFold(n.Data, "title") {
			title = strings.TrimSpace(nodeText(n))
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			visit(child)
		}
	}
	visit(doc)
	return title
}

// Compile-time interface assertions.
var (
	_ Page    = (*StaticPage)(nil)
	_ Element = (*staticElement)(nil)
)
