// Package fetcher retrieves survey API payloads over HTTP with request pacing,
// a per-host rate ceiling and retry, and decodes JSON and CSV bodies into tables.
package fetcher

import (
	"context"
)

// Fetcher retrieves the body of a URL.
type Fetcher interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Get calls f.
func (f FetcherFunc) Get(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }
