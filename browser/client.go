// ABOUTME: Client implementations for handing pages to runs.
// ABOUTME: StaticClient wraps a StaticPage; real browser clients live in host adapters.

package browser

import "context"

// StaticClient is a Client serving a single StaticPage. It backs tests and
// dry runs; hosts provide real clients over an actual browser.
type StaticClient struct {
	page *StaticPage
}

// NewStaticClient creates a Client that always returns the given page.
func NewStaticClient(page *StaticPage) *StaticClient {
	return &StaticClient{page: page}
}

// NewPage returns the wrapped static page.
func (c *StaticClient) NewPage(ctx context.Context) (Page, error) {
	return c.page, nil
}

// Close releases client resources.
func (c *StaticClient) Close(ctx context.Context) error {
	return nil
}

var _ Client = (*StaticClient)(nil)
