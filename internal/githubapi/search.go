package githubapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v75/github"
)

// SearchKind selects one of the pull request count queries.
type SearchKind string

const (
	// SearchAll counts every pull request.
	SearchAll SearchKind = "all"
	// SearchOpen counts open pull requests.
	SearchOpen SearchKind = "open"
	// SearchClosed counts closed pull requests, merged ones included.
	SearchClosed SearchKind = "closed"
	// SearchMerged counts merged pull requests.
	SearchMerged SearchKind = "merged"
	// SearchOpenApproved counts open pull requests with an approving review.
	SearchOpenApproved SearchKind = "open_approved"
	// SearchOpenUnreviewed counts open pull requests without any review.
	SearchOpenUnreviewed SearchKind = "open_unreviewed"
)

// SearchKinds lists every count query in publication order.
var SearchKinds = []SearchKind{
	SearchAll,
	SearchOpen,
	SearchClosed,
	SearchMerged,
	SearchOpenApproved,
	SearchOpenUnreviewed,
}

var searchQualifiers = map[SearchKind]string{
	SearchAll:            "is:pr",
	SearchOpen:           "is:pr is:open",
	SearchClosed:         "is:pr is:closed",
	SearchMerged:         "is:pr is:merged",
	SearchOpenApproved:   "is:pr is:open review:approved",
	SearchOpenUnreviewed: "is:pr is:open review:none",
}

// SearchScope restricts a count query to an organization or to one repository ("owner/name").
type SearchScope struct {
	Org  string
	Repo string
}

// PullRequestQuery builds the search query string for kind within scope.
func PullRequestQuery(scope SearchScope, kind SearchKind) (string, error) {
	qualifier, ok := searchQualifiers[kind]
	if !ok {
		return "", fmt.Errorf("unknown search kind %q", kind)
	}

	repo := strings.TrimSpace(scope.Repo)
	org := strings.TrimSpace(scope.Org)
	switch {
	case repo != "":
		return fmt.Sprintf("repo:%s %s", repo, qualifier), nil
	case org != "":
		return fmt.Sprintf("org:%s %s", org, qualifier), nil
	default:
		return "", fmt.Errorf("search scope requires an organization or repository")
	}
}

// SearchCounter answers count-only pull request searches.
type SearchCounter interface {
	CountPullRequests(ctx context.Context, scope SearchScope, kind SearchKind) (int, error)
}

// RESTSearchCounter counts through the REST search API with a page size of one.
type RESTSearchCounter struct {
	client   *github.Client
	governor *Governor
}

// NewRESTSearchCounter creates a REST-backed SearchCounter.
func NewRESTSearchCounter(client *github.Client, governor *Governor) *RESTSearchCounter {
	return &RESTSearchCounter{client: client, governor: governor}
}

// CountPullRequests returns the total reported by the search API.
func (c *RESTSearchCounter) CountPullRequests(ctx context.Context, scope SearchScope, kind SearchKind) (int, error) {
	query, err := PullRequestQuery(scope, kind)
	if err != nil {
		return 0, err
	}

	result, resp, err := c.client.Search.Issues(ctx, query, &github.SearchOptions{
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, classifyError("search/issues", resp, err)
	}
	if err := observeResponse(ctx, c.governor, resp); err != nil {
		return 0, err
	}
	return result.GetTotal(), nil
}

func observeResponse(ctx context.Context, governor *Governor, resp *github.Response) error {
	if governor == nil || resp == nil || resp.Response == nil {
		return nil
	}
	snapshot := ParseRateLimitHeaders(resp.Header, resp.StatusCode)
	governor.Observe(ctx, snapshot)
	return governor.ThrottleIfNeeded(ctx, snapshot.Resource)
}
