package githubapi

import (
	"context"
	"iter"

	"github.com/google/go-github/v75/github"
)

// DefaultPageSize is the page size requested from list endpoints.
const DefaultPageSize = 100

// Page is one page of a paginated listing.
type Page[T any] struct {
	Number int
	Items  []T
	Rate   RateLimitSnapshot
}

// PageFunc fetches one page. page is 1-based.
type PageFunc[T any] func(ctx context.Context, page int) ([]T, *github.Response, error)

// Pages lazily walks every page returned by fetch. After each page the
// governor observes the response quota and may pause before the page is
// yielded. Errors from fetch are yielded unchanged and end the sequence.
func Pages[T any](ctx context.Context, governor *Governor, fetch PageFunc[T]) iter.Seq2[Page[T], error] {
	return func(yield func(Page[T], error) bool) {
		next := 1
		for next != 0 {
			items, resp, err := fetch(ctx, next)
			if err != nil {
				yield(Page[T]{}, err)
				return
			}

			page := Page[T]{Number: next, Items: items}
			if resp != nil && resp.Response != nil {
				page.Rate = ParseRateLimitHeaders(resp.Header, resp.StatusCode)
			}
			if governor != nil {
				governor.Observe(ctx, page.Rate)
				if err := governor.ThrottleIfNeeded(ctx, page.Rate.Resource); err != nil {
					yield(Page[T]{}, err)
					return
				}
			}

			if !yield(page, nil) {
				return
			}

			next = 0
			if resp != nil {
				next = resp.NextPage
			}
		}
	}
}

// CollectAll drains every page of fetch into one slice.
func CollectAll[T any](ctx context.Context, governor *Governor, fetch PageFunc[T]) ([]T, error) {
	var all []T
	for page, err := range Pages(ctx, governor, fetch) {
		if err != nil {
			return nil, err
		}
		all = append(all, page.Items...)
	}
	return all, nil
}

// CountAll drains every page of fetch and returns the number of items without retaining them.
func CountAll[T any](ctx context.Context, governor *Governor, fetch PageFunc[T]) (int, error) {
	total := 0
	for page, err := range Pages(ctx, governor, fetch) {
		if err != nil {
			return 0, err
		}
		total += len(page.Items)
	}
	return total, nil
}
