package book

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"polysniper/pkg/types"
)

// Fetcher pulls order books over REST. Every call is expected to go through
// the shared HTTP queue, which applies the concurrency cap and per-request
// timeout; the resty client here only knows the endpoint.
type Fetcher struct {
	http *resty.Client
}

// NewFetcher creates a book fetcher against the CLOB base URL.
func NewFetcher(baseURL string, timeout time.Duration) *Fetcher {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Fetcher{http: client}
}

// Fetch retrieves the raw book for one token.
func (f *Fetcher) Fetch(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	var result types.BookResponse
	resp, err := f.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: %w", HTTPStatusError{Code: resp.StatusCode()})
	}
	if result.AssetID == "" {
		result.AssetID = tokenID
	}
	return &result, nil
}

// FetchParsed fetches and parses in one step.
func (f *Fetcher) FetchParsed(ctx context.Context, tokenID string, maxLevels int) (*Book, error) {
	resp, err := f.Fetch(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return Parse(resp, maxLevels)
}

// HTTPStatusError carries a non-200 status for failure categorization.
type HTTPStatusError struct{ Code int }

func (e HTTPStatusError) Error() string { return fmt.Sprintf("http status %d", e.Code) }

// FailureKind maps a fetch error to the categorized reason family:
// timeout, network, http_<code>, or parse.
func FailureKind(err error) string {
	if err == nil {
		return ""
	}
	var httpErr HTTPStatusError
	if errors.As(err, &httpErr) {
		return fmt.Sprintf("http_%d", httpErr.Code)
	}
	var notUsable ErrNotUsable
	if errors.As(err, &notUsable) {
		return "parse"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "network"
}
