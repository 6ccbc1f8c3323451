package api

import "context"

// ContentFormat selects how page content is returned.
type ContentFormat string

// Supported content formats.
const (
	ContentText ContentFormat = "text"
	ContentHTML ContentFormat = "html"
)

// Page is a single browser tab.
type Page interface {
	// Navigate loads url and returns the URL the tab ended on.
	Navigate(ctx context.Context, url string) (string, error)
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Content(ctx context.Context, format ContentFormat) (string, error)
	Evaluate(ctx context.Context, expression string) (any, error)
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	URL() string
	Close() error
}
