package githubapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
)

// Repository is one GitHub repository in an organization.
type Repository struct {
	Owner      string
	Name       string
	Private    bool
	Stars      int
	Forks      int
	OpenIssues int
}

// FullName returns "owner/name".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// PullRequest is one pull request summary.
type PullRequest struct {
	Number    int
	State     string
	Merged    bool
	Author    string
	RepoOwner string
	RepoName  string
	CreatedAt time.Time
	MergedAt  time.Time
}

// RepoFullName returns "owner/name" of the pull request's repository.
func (p PullRequest) RepoFullName() string {
	return p.RepoOwner + "/" + p.RepoName
}

// Team is one organization team.
type Team struct {
	ID   int64
	Name string
	Slug string
}

// Comment is one conversation comment on a pull request.
type Comment struct {
	ID     int64
	Author string
}

// DataClientConfig configures a DataClient.
type DataClientConfig struct {
	PageSize int
	// Counter answers count-only searches. Defaults to the REST search API.
	Counter SearchCounter
}

// DataClient is the typed GitHub data source used by extraction.
type DataClient struct {
	rest     *github.Client
	governor *Governor
	pageSize int
	counter  SearchCounter
}

// NewDataClient creates a data client over a go-github client and a shared governor.
func NewDataClient(rest *github.Client, governor *Governor, cfg DataClientConfig) (*DataClient, error) {
	if rest == nil {
		return nil, fmt.Errorf("github client is required")
	}
	if governor == nil {
		return nil, fmt.Errorf("rate limit governor is required")
	}
	if cfg.PageSize <= 0 || cfg.PageSize > DefaultPageSize {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Counter == nil {
		cfg.Counter = NewRESTSearchCounter(rest, governor)
	}
	return &DataClient{
		rest:     rest,
		governor: governor,
		pageSize: cfg.PageSize,
		counter:  cfg.Counter,
	}, nil
}

// ListOrgRepos lists every repository in one organization, most recently updated first.
func (c *DataClient) ListOrgRepos(ctx context.Context, org string) ([]Repository, error) {
	trimmedOrg := strings.TrimSpace(org)
	if trimmedOrg == "" {
		return nil, fmt.Errorf("organization is required")
	}

	endpoint := fmt.Sprintf("orgs/%s/repos", trimmedOrg)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]Repository, *github.Response, error) {
		repos, resp, err := c.rest.Repositories.ListByOrg(ctx, trimmedOrg, &github.RepositoryListByOrgOptions{
			Sort:        "updated",
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}

		typed := make([]Repository, 0, len(repos))
		for _, repo := range repos {
			owner := repo.GetOwner().GetLogin()
			if owner == "" {
				owner = trimmedOrg
			}
			typed = append(typed, Repository{
				Owner:      owner,
				Name:       repo.GetName(),
				Private:    repo.GetPrivate(),
				Stars:      repo.GetStargazersCount(),
				Forks:      repo.GetForksCount(),
				OpenIssues: repo.GetOpenIssuesCount(),
			})
		}
		return typed, resp, nil
	})
}

// ListPullRequests lists every pull request of one repository regardless of state.
func (c *DataClient) ListPullRequests(ctx context.Context, owner, repo string) ([]PullRequest, error) {
	trimmedOwner, trimmedRepo, err := requireOwnerRepo(owner, repo)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("repos/%s/%s/pulls", trimmedOwner, trimmedRepo)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]PullRequest, *github.Response, error) {
		pulls, resp, err := c.rest.PullRequests.List(ctx, trimmedOwner, trimmedRepo, &github.PullRequestListOptions{
			State:       "all",
			Sort:        "updated",
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}

		typed := make([]PullRequest, 0, len(pulls))
		for _, pull := range pulls {
			typed = append(typed, PullRequest{
				Number:    pull.GetNumber(),
				State:     pull.GetState(),
				Merged:    pull.MergedAt != nil,
				Author:    pull.GetUser().GetLogin(),
				RepoOwner: trimmedOwner,
				RepoName:  trimmedRepo,
				CreatedAt: pull.GetCreatedAt().Time,
				MergedAt:  pull.GetMergedAt().Time,
			})
		}
		return typed, resp, nil
	})
}

// CountBranches returns the number of branches of one repository.
func (c *DataClient) CountBranches(ctx context.Context, owner, repo string) (int, error) {
	trimmedOwner, trimmedRepo, err := requireOwnerRepo(owner, repo)
	if err != nil {
		return 0, err
	}

	endpoint := fmt.Sprintf("repos/%s/%s/branches", trimmedOwner, trimmedRepo)
	return CountAll(ctx, c.governor, func(ctx context.Context, page int) ([]*github.Branch, *github.Response, error) {
		branches, resp, err := c.rest.Repositories.ListBranches(ctx, trimmedOwner, trimmedRepo, &github.BranchListOptions{
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}
		return branches, resp, nil
	})
}

// ListTeams lists every team of one organization.
func (c *DataClient) ListTeams(ctx context.Context, org string) ([]Team, error) {
	trimmedOrg := strings.TrimSpace(org)
	if trimmedOrg == "" {
		return nil, fmt.Errorf("organization is required")
	}

	endpoint := fmt.Sprintf("orgs/%s/teams", trimmedOrg)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]Team, *github.Response, error) {
		opts := c.listOptions(page)
		teams, resp, err := c.rest.Teams.ListTeams(ctx, trimmedOrg, &opts)
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}

		typed := make([]Team, 0, len(teams))
		for _, team := range teams {
			typed = append(typed, Team{
				ID:   team.GetID(),
				Name: team.GetName(),
				Slug: team.GetSlug(),
			})
		}
		return typed, resp, nil
	})
}

// ListTeamMembers lists the logins of every member of one team.
func (c *DataClient) ListTeamMembers(ctx context.Context, org, teamSlug string) ([]string, error) {
	trimmedOrg := strings.TrimSpace(org)
	trimmedSlug := strings.TrimSpace(teamSlug)
	if trimmedOrg == "" {
		return nil, fmt.Errorf("organization is required")
	}
	if trimmedSlug == "" {
		return nil, fmt.Errorf("team slug is required")
	}

	endpoint := fmt.Sprintf("orgs/%s/teams/%s/members", trimmedOrg, trimmedSlug)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]string, *github.Response, error) {
		members, resp, err := c.rest.Teams.ListTeamMembersBySlug(ctx, trimmedOrg, trimmedSlug, &github.TeamListTeamMembersOptions{
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}

		logins := make([]string, 0, len(members))
		for _, member := range members {
			if login := member.GetLogin(); login != "" {
				logins = append(logins, login)
			}
		}
		return logins, resp, nil
	})
}

// ListPullRequestsByAuthor searches every pull request opened by login within org.
func (c *DataClient) ListPullRequestsByAuthor(ctx context.Context, org, login string) ([]PullRequest, error) {
	trimmedOrg := strings.TrimSpace(org)
	trimmedLogin := strings.TrimSpace(login)
	if trimmedOrg == "" {
		return nil, fmt.Errorf("organization is required")
	}
	if trimmedLogin == "" {
		return nil, fmt.Errorf("author login is required")
	}

	query := fmt.Sprintf("org:%s is:pr author:%s", trimmedOrg, trimmedLogin)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]PullRequest, *github.Response, error) {
		result, resp, err := c.rest.Search.Issues(ctx, query, &github.SearchOptions{
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError("search/issues", resp, err)
		}

		typed := make([]PullRequest, 0, len(result.Issues))
		for _, issue := range result.Issues {
			owner, name, ok := repoFromURL(issue.GetRepositoryURL())
			if !ok {
				return nil, resp, fmt.Errorf("search/issues: pull request #%d has unparsable repository_url %q", issue.GetNumber(), issue.GetRepositoryURL())
			}
			typed = append(typed, PullRequest{
				Number:    issue.GetNumber(),
				State:     issue.GetState(),
				Author:    issue.GetUser().GetLogin(),
				RepoOwner: owner,
				RepoName:  name,
				CreatedAt: issue.GetCreatedAt().Time,
			})
		}
		return typed, resp, nil
	})
}

// ListComments lists the conversation comments of one pull request.
func (c *DataClient) ListComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	trimmedOwner, trimmedRepo, err := requireOwnerRepo(owner, repo)
	if err != nil {
		return nil, err
	}
	if number <= 0 {
		return nil, fmt.Errorf("pull request number must be > 0")
	}

	endpoint := fmt.Sprintf("repos/%s/%s/issues/%d/comments", trimmedOwner, trimmedRepo, number)
	return CollectAll(ctx, c.governor, func(ctx context.Context, page int) ([]Comment, *github.Response, error) {
		comments, resp, err := c.rest.Issues.ListComments(ctx, trimmedOwner, trimmedRepo, number, &github.IssueListCommentsOptions{
			ListOptions: c.listOptions(page),
		})
		if err != nil {
			return nil, resp, classifyError(endpoint, resp, err)
		}

		typed := make([]Comment, 0, len(comments))
		for _, comment := range comments {
			typed = append(typed, Comment{
				ID:     comment.GetID(),
				Author: comment.GetUser().GetLogin(),
			})
		}
		return typed, resp, nil
	})
}

// CountPullRequests runs one count-only search within scope.
func (c *DataClient) CountPullRequests(ctx context.Context, scope SearchScope, kind SearchKind) (int, error) {
	return c.counter.CountPullRequests(ctx, scope, kind)
}

func (c *DataClient) listOptions(page int) github.ListOptions {
	return github.ListOptions{Page: page, PerPage: c.pageSize}
}

func requireOwnerRepo(owner, repo string) (string, string, error) {
	trimmedOwner := strings.TrimSpace(owner)
	trimmedRepo := strings.TrimSpace(repo)
	if trimmedOwner == "" {
		return "", "", fmt.Errorf("owner is required")
	}
	if trimmedRepo == "" {
		return "", "", fmt.Errorf("repo is required")
	}
	return trimmedOwner, trimmedRepo, nil
}

// repoFromURL extracts owner and name from an API repository URL like
// https://api.github.com/repos/acme/api.
func repoFromURL(raw string) (string, string, bool) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 3 || segments[len(segments)-3] != "repos" {
		return "", "", false
	}
	return segments[len(segments)-2], segments[len(segments)-1], true
}
