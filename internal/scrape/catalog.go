package scrape

import (
	"slices"
	"strings"

	"github.com/cam3ron2/github-org-stats-exporter/internal/githubapi"
)

const (
	// LabelOwner is the organization label key.
	LabelOwner = "owner"
	// LabelRepo is the repository name label key.
	LabelRepo = "repo"
	// LabelAuthor is the pull request author label key of user gauges.
	LabelAuthor = "author"
	// LabelTeam is the author team label key of user gauges.
	LabelTeam = "team"
	// LabelPRAuthor is the pull request author label key of comment gauges.
	LabelPRAuthor = "prAuthor"
	// LabelPRNumber is the pull request number label key of comment gauges.
	LabelPRNumber = "prNumber"
	// LabelCommentator is the comment author label key.
	LabelCommentator = "commentator"
	// LabelCommentatorTeam is the comment author team label key.
	LabelCommentatorTeam = "commentatorTeam"

	// NoTeamLabelValue marks a commentator outside every configured team.
	NoTeamLabelValue = "none"
	// UnknownLabelValue is used when a label value is blank.
	UnknownLabelValue = "unknown"
)

// Published gauge names.
const (
	MetricRepoCount                       = "github_repo_count"
	MetricRepoPublicCount                 = "github_repo_public_count"
	MetricRepoPrivateCount                = "github_repo_private_count"
	MetricRepoStarsCount                  = "github_repo_stars_count"
	MetricRepoForksCount                  = "github_repo_forks_count"
	MetricRepoOpenIssuesCount             = "github_repo_open_issues_count"
	MetricRepoPullRequestsCount           = "github_repo_pull_requests_count"
	MetricRepoPullRequestsOpenCount       = "github_repo_pull_requests_open_count"
	MetricRepoPullRequestsCloseCount      = "github_repo_pull_requests_close_count"
	MetricRepoPullRequestsMergedCount     = "github_repo_pull_requests_merged_count"
	MetricRepoBranchCount                 = "github_repo_branch_count"
	MetricPullRequestsCount               = "github_pull_requests_count"
	MetricPullRequestsOpenCount           = "github_pull_requests_open_count"
	MetricPullRequestsCloseCount          = "github_pull_requests_close_count"
	MetricPullRequestsMergedCount         = "github_pull_requests_merged_count"
	MetricPullRequestsOpenApprovedCount   = "github_pull_requests_open_approved_count"
	MetricPullRequestsOpenWaitingApproval = "github_pull_requests_open_waiting_approval_count"
	MetricUserPullRequestsCount           = "github_user_pull_requests_count"
	MetricUserPullRequestsOpenCount       = "github_user_pull_requests_open_count"
	MetricUserPullRequestsCloseCount      = "github_user_pull_requests_close_count"
	MetricCommentsOnPullRequestsCount     = "github_comments_on_pull_requests_count"
)

var metricHelp = map[string]string{
	MetricRepoCount:                       "Total number of repository",
	MetricRepoPublicCount:                 "Total number of public repository",
	MetricRepoPrivateCount:                "Total number of private repository",
	MetricRepoStarsCount:                  "Total number of repository stars",
	MetricRepoForksCount:                  "Total number of repository forks",
	MetricRepoOpenIssuesCount:             "Total number of repository open issues",
	MetricRepoPullRequestsCount:           "Total number of pull requests",
	MetricRepoPullRequestsOpenCount:       "Total number of open pull requests",
	MetricRepoPullRequestsCloseCount:      "Total number of closed pull requests",
	MetricRepoPullRequestsMergedCount:     "Total number of merged pull requests",
	MetricRepoBranchCount:                 "Total number of branches",
	MetricPullRequestsCount:               "Total number of pull requests",
	MetricPullRequestsOpenCount:           "Total number of open pull requests",
	MetricPullRequestsCloseCount:          "Total number of closed pull requests",
	MetricPullRequestsMergedCount:         "Total number of merged pull requests",
	MetricPullRequestsOpenApprovedCount:   "Total number of open pull requests with an approved review",
	MetricPullRequestsOpenWaitingApproval: "Total number of open pull requests waiting to be approved",
	MetricUserPullRequestsCount:           "Total number of pull requests by author",
	MetricUserPullRequestsOpenCount:       "Total number of pull requests open by author",
	MetricUserPullRequestsCloseCount:      "Total number of pull requests close by author",
	MetricCommentsOnPullRequestsCount:     "Total number of comments on pull requests",
}

// searchMetrics maps each organization-wide count query to its gauge.
var searchMetrics = map[githubapi.SearchKind]string{
	githubapi.SearchAll:            MetricPullRequestsCount,
	githubapi.SearchOpen:           MetricPullRequestsOpenCount,
	githubapi.SearchClosed:         MetricPullRequestsCloseCount,
	githubapi.SearchMerged:         MetricPullRequestsMergedCount,
	githubapi.SearchOpenApproved:   MetricPullRequestsOpenApprovedCount,
	githubapi.SearchOpenUnreviewed: MetricPullRequestsOpenWaitingApproval,
}

// MetricHelp returns the HELP text of a published gauge, or "" for unknown names.
func MetricHelp(name string) string {
	return metricHelp[strings.TrimSpace(name)]
}

// MetricNames returns every published gauge name in sorted order.
func MetricNames() []string {
	names := make([]string, 0, len(metricHelp))
	for name := range metricHelp {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func ownerLabels(owner string) map[string]string {
	return map[string]string{LabelOwner: labelValue(owner)}
}

func repoLabels(owner, repo string) map[string]string {
	return map[string]string{
		LabelOwner: labelValue(owner),
		LabelRepo:  labelValue(repo),
	}
}

func userLabels(repo, author, team string) map[string]string {
	return map[string]string{
		LabelRepo:   labelValue(repo),
		LabelAuthor: labelValue(author),
		LabelTeam:   labelValue(team),
	}
}

func labelValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UnknownLabelValue
	}
	return trimmed
}
