package githubapi

import (
	"context"

	"github.com/shurcooL/githubv4"
)

// graphQLResource is the rate-limit bucket reported for GraphQL calls.
const graphQLResource = "graphql"

type searchCountQuery struct {
	Search struct {
		IssueCount int
	} `graphql:"search(query: $query, type: ISSUE, first: 1)"`
	RateLimit struct {
		Limit     int
		Remaining int
		ResetAt   githubv4.DateTime
	}
}

// GraphQLSearchCounter counts through the GraphQL search connection. It
// spends GraphQL points instead of the REST search budget.
type GraphQLSearchCounter struct {
	client   *githubv4.Client
	governor *Governor
}

// NewGraphQLSearchCounter creates a GraphQL-backed SearchCounter.
func NewGraphQLSearchCounter(client *githubv4.Client, governor *Governor) *GraphQLSearchCounter {
	return &GraphQLSearchCounter{client: client, governor: governor}
}

// CountPullRequests returns the issueCount of the search connection.
func (c *GraphQLSearchCounter) CountPullRequests(ctx context.Context, scope SearchScope, kind SearchKind) (int, error) {
	query, err := PullRequestQuery(scope, kind)
	if err != nil {
		return 0, err
	}

	var q searchCountQuery
	variables := map[string]interface{}{
		"query": githubv4.String(query),
	}
	if err := c.client.Query(ctx, &q, variables); err != nil {
		return 0, &RemoteAPIError{Endpoint: "graphql/search", Status: EndpointStatusUnknown, Err: err}
	}

	if c.governor != nil {
		snapshot := RateLimitSnapshot{
			Resource:  graphQLResource,
			Limit:     q.RateLimit.Limit,
			Remaining: q.RateLimit.Remaining,
			ResetUnix: q.RateLimit.ResetAt.Unix(),
			Present:   !q.RateLimit.ResetAt.IsZero(),
		}
		c.governor.Observe(ctx, snapshot)
		if err := c.governor.ThrottleIfNeeded(ctx, graphQLResource); err != nil {
			return 0, err
		}
	}
	return q.Search.IssueCount, nil
}
