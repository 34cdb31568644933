package scrape

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cam3ron2/github-org-stats-exporter/internal/githubapi"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// UsersTeams maps a user login to the configured teams the user belongs to,
// in team listing order. A user in several teams is attributed to each.
type UsersTeams map[string][]string

// Teams returns the teams of login, or nil.
func (u UsersTeams) Teams(login string) []string {
	return u[strings.TrimSpace(login)]
}

// Logins returns every login in sorted order.
func (u UsersTeams) Logins() []string {
	logins := make([]string, 0, len(u))
	for login := range u {
		logins = append(logins, login)
	}
	slices.Sort(logins)
	return logins
}

func (u UsersTeams) add(login, team string) {
	key := strings.TrimSpace(login)
	if key == "" || slices.Contains(u[key], team) {
		return
	}
	u[key] = append(u[key], team)
}

// LoadUsersTeams lists the organization teams matching the allow-list by name
// or slug and maps every member login to its team names.
func (s *GitHubOrgScraper) LoadUsersTeams(ctx context.Context) (_ UsersTeams, err error) {
	ctx, span := startSpan(ctx, "scrape.load_users_teams", attribute.String("github.org", s.cfg.Organization))
	defer func() { endSpan(span, err) }()

	usersTeams := make(UsersTeams)
	if !s.TeamAttributionEnabled() {
		return usersTeams, nil
	}

	teams, err := s.client.ListTeams(ctx, s.cfg.Organization)
	if err != nil {
		return nil, fmt.Errorf("list teams for org %q: %w", s.cfg.Organization, err)
	}

	matched := 0
	for _, team := range teams {
		if !s.teamAllowed(team) {
			continue
		}
		matched++

		members, err := s.client.ListTeamMembers(ctx, s.cfg.Organization, team.Slug)
		if err != nil {
			return nil, fmt.Errorf("list members of team %q: %w", team.Slug, err)
		}
		for _, member := range members {
			usersTeams.add(member, team.Name)
		}
	}

	s.logger.Debug("loaded team members",
		zap.Int("teams_listed", len(teams)),
		zap.Int("teams_matched", matched),
		zap.Int("users", len(usersTeams)),
	)
	return usersTeams, nil
}

func (s *GitHubOrgScraper) teamAllowed(team githubapi.Team) bool {
	for _, allowed := range s.cfg.Teams {
		if strings.EqualFold(allowed, team.Name) || strings.EqualFold(allowed, team.Slug) {
			return true
		}
	}
	return false
}

// ProcessTeamsData publishes per-author pull request gauges and per-commentator
// comment gauges for every user in usersTeams. Users are processed in login order.
func (s *GitHubOrgScraper) ProcessTeamsData(ctx context.Context, usersTeams UsersTeams) (err error) {
	ctx, span := startSpan(ctx, "scrape.teams_data",
		attribute.String("github.org", s.cfg.Organization),
		attribute.Int("github.users", len(usersTeams)),
	)
	defer func() { endSpan(span, err) }()

	for _, login := range usersTeams.Logins() {
		if err := s.processUser(ctx, login, usersTeams); err != nil {
			return err
		}
	}
	return nil
}

func (s *GitHubOrgScraper) processUser(ctx context.Context, login string, usersTeams UsersTeams) error {
	pulls, err := s.client.ListPullRequestsByAuthor(ctx, s.cfg.Organization, login)
	if err != nil {
		return fmt.Errorf("list pull requests by %q: %w", login, err)
	}

	byRepo := make(map[string][]githubapi.PullRequest)
	var repoOrder []string
	for _, pull := range pulls {
		if _, seen := byRepo[pull.RepoName]; !seen {
			repoOrder = append(repoOrder, pull.RepoName)
		}
		byRepo[pull.RepoName] = append(byRepo[pull.RepoName], pull)
	}

	authorTeams := usersTeams.Teams(login)
	for _, repoName := range repoOrder {
		repoPulls := byRepo[repoName]
		tally := tallyPullRequests(repoPulls, true)
		for _, team := range authorTeams {
			labels := userLabels(repoName, login, team)
			if err := s.setGauges(
				gauge{name: MetricUserPullRequestsOpenCount, labels: labels, value: tally.open},
				gauge{name: MetricUserPullRequestsCloseCount, labels: labels, value: tally.closed},
				gauge{name: MetricUserPullRequestsCount, labels: labels, value: tally.total()},
			); err != nil {
				return err
			}
		}

		for _, pull := range repoPulls {
			if err := s.processComments(ctx, pull, usersTeams); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *GitHubOrgScraper) processComments(ctx context.Context, pull githubapi.PullRequest, usersTeams UsersTeams) error {
	comments, err := s.client.ListComments(ctx, pull.RepoOwner, pull.RepoName, pull.Number)
	if err != nil {
		return fmt.Errorf("list comments on %s#%d: %w", pull.RepoFullName(), pull.Number, err)
	}

	counts := make(map[string]int)
	var commentators []string
	for _, comment := range comments {
		if _, seen := counts[comment.Author]; !seen {
			commentators = append(commentators, comment.Author)
		}
		counts[comment.Author]++
	}

	for _, commentator := range commentators {
		teams := usersTeams.Teams(commentator)
		if len(teams) == 0 {
			teams = []string{NoTeamLabelValue}
		}
		for _, team := range teams {
			labels := map[string]string{
				LabelRepo:            labelValue(pull.RepoName),
				LabelPRAuthor:        labelValue(pull.Author),
				LabelPRNumber:        strconv.Itoa(pull.Number),
				LabelCommentator:     labelValue(commentator),
				LabelCommentatorTeam: team,
			}
			if err := s.setGauges(gauge{name: MetricCommentsOnPullRequestsCount, labels: labels, value: counts[commentator]}); err != nil {
				return err
			}
		}
	}
	return nil
}
