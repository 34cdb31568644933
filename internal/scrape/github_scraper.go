package scrape

import (
	"context"
	"fmt"
	"strings"

	"github.com/cam3ron2/github-org-stats-exporter/internal/githubapi"
	"github.com/cam3ron2/github-org-stats-exporter/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// GitHubDataClient is the typed GitHub API interface consumed by the org scraper.
type GitHubDataClient interface {
	ListOrgRepos(ctx context.Context, org string) ([]githubapi.Repository, error)
	ListPullRequests(ctx context.Context, owner, repo string) ([]githubapi.PullRequest, error)
	CountBranches(ctx context.Context, owner, repo string) (int, error)
	ListTeams(ctx context.Context, org string) ([]githubapi.Team, error)
	ListTeamMembers(ctx context.Context, org, teamSlug string) ([]string, error)
	ListPullRequestsByAuthor(ctx context.Context, org, login string) ([]githubapi.PullRequest, error)
	ListComments(ctx context.Context, owner, repo string, number int) ([]githubapi.Comment, error)
	CountPullRequests(ctx context.Context, scope githubapi.SearchScope, kind githubapi.SearchKind) (int, error)
}

// GaugeSink receives published gauge values.
type GaugeSink interface {
	SetGauge(name string, labels map[string]string, value float64) error
}

// Per-repository pull request count sources.
const (
	RepoPullCountsList   = "list"
	RepoPullCountsSearch = "search"
)

// GitHubOrgScraperConfig configures GitHub-backed org scraping behavior.
type GitHubOrgScraperConfig struct {
	Organization string
	// Teams is the team allow-list for per-user attribution. Empty disables it.
	Teams           []string
	RepoConcurrency int
	MergedAsClosed  bool
	// RepoPullCounts is RepoPullCountsList (default) or RepoPullCountsSearch.
	RepoPullCounts string
	Logger         *zap.Logger
}

// GitHubOrgScraper publishes organization, repository and user gauges for one organization.
type GitHubOrgScraper struct {
	client GitHubDataClient
	sink   GaugeSink
	cfg    GitHubOrgScraperConfig
	logger *zap.Logger
}

// NewGitHubOrgScraper creates an org scraper over a data client and a gauge sink.
func NewGitHubOrgScraper(client GitHubDataClient, sink GaugeSink, cfg GitHubOrgScraperConfig) (*GitHubOrgScraper, error) {
	if client == nil {
		return nil, fmt.Errorf("github data client is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("gauge sink is required")
	}
	cfg.Organization = strings.TrimSpace(cfg.Organization)
	if cfg.Organization == "" {
		return nil, fmt.Errorf("organization is required")
	}
	if cfg.RepoConcurrency <= 0 {
		cfg.RepoConcurrency = 4
	}
	switch cfg.RepoPullCounts {
	case "":
		cfg.RepoPullCounts = RepoPullCountsList
	case RepoPullCountsList, RepoPullCountsSearch:
	default:
		return nil, fmt.Errorf("unknown repository pull request count source %q", cfg.RepoPullCounts)
	}
	teams := make([]string, 0, len(cfg.Teams))
	for _, team := range cfg.Teams {
		if trimmed := strings.TrimSpace(team); trimmed != "" {
			teams = append(teams, trimmed)
		}
	}
	cfg.Teams = teams

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GitHubOrgScraper{
		client: client,
		sink:   sink,
		cfg:    cfg,
		logger: logger.With(zap.String("org", cfg.Organization)),
	}, nil
}

// Organization returns the scraped organization name.
func (s *GitHubOrgScraper) Organization() string {
	return s.cfg.Organization
}

// TeamAttributionEnabled reports whether per-user team gauges are configured.
func (s *GitHubOrgScraper) TeamAttributionEnabled() bool {
	return len(s.cfg.Teams) > 0
}

// ProcessOrganizationRepositories runs the organization-wide pull request counts
// alongside a sweep of every repository, then publishes the repository totals.
// Totals are only published when every repository sub-fetch succeeded.
func (s *GitHubOrgScraper) ProcessOrganizationRepositories(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "scrape.organization_repositories", attribute.String("github.org", s.cfg.Organization))
	defer func() { endSpan(span, err) }()

	pulls, pullsCtx := errgroup.WithContext(ctx)
	pulls.Go(func() error {
		return s.ProcessPulls(pullsCtx)
	})

	repos, listErr := s.client.ListOrgRepos(pullsCtx, s.cfg.Organization)
	if listErr != nil {
		_ = pulls.Wait()
		return fmt.Errorf("list repositories for org %q: %w", s.cfg.Organization, listErr)
	}
	s.logger.Debug("processing repositories", zap.Int("repositories", len(repos)))

	sweep, sweepCtx := errgroup.WithContext(pullsCtx)
	sweep.SetLimit(s.cfg.RepoConcurrency)

	privateCount := 0
	publicCount := 0
	for _, repo := range repos {
		if sweepCtx.Err() != nil {
			break
		}
		if repo.Private {
			privateCount++
		} else {
			publicCount++
		}
		if publishErr := s.publishRepository(repo); publishErr != nil {
			_ = sweep.Wait()
			_ = pulls.Wait()
			return publishErr
		}

		sweep.Go(func() error {
			return s.processRepoPulls(sweepCtx, repo)
		})
		sweep.Go(func() error {
			return s.processBranches(sweepCtx, repo)
		})
	}

	sweepErr := sweep.Wait()
	pullsErr := pulls.Wait()
	if sweepErr != nil {
		return sweepErr
	}
	if pullsErr != nil {
		return pullsErr
	}

	labels := ownerLabels(s.cfg.Organization)
	return s.setGauges(
		gauge{name: MetricRepoCount, labels: labels, value: len(repos)},
		gauge{name: MetricRepoPrivateCount, labels: labels, value: privateCount},
		gauge{name: MetricRepoPublicCount, labels: labels, value: publicCount},
	)
}

// ProcessPulls publishes the six organization-wide pull request counts. The
// count queries run concurrently.
func (s *GitHubOrgScraper) ProcessPulls(ctx context.Context) (err error) {
	ctx, span := startSpan(ctx, "scrape.pulls", attribute.String("github.org", s.cfg.Organization))
	defer func() { endSpan(span, err) }()

	scope := githubapi.SearchScope{Org: s.cfg.Organization}
	labels := ownerLabels(s.cfg.Organization)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range githubapi.SearchKinds {
		group.Go(func() error {
			count, countErr := s.client.CountPullRequests(groupCtx, scope, kind)
			if countErr != nil {
				return fmt.Errorf("count %s pull requests for org %q: %w", kind, s.cfg.Organization, countErr)
			}
			return s.setGauges(gauge{name: searchMetrics[kind], labels: labels, value: count})
		})
	}
	return group.Wait()
}

func (s *GitHubOrgScraper) publishRepository(repo githubapi.Repository) error {
	labels := repoLabels(repo.Owner, repo.Name)
	return s.setGauges(
		gauge{name: MetricRepoStarsCount, labels: labels, value: repo.Stars},
		gauge{name: MetricRepoForksCount, labels: labels, value: repo.Forks},
		gauge{name: MetricRepoOpenIssuesCount, labels: labels, value: repo.OpenIssues},
	)
}

func (s *GitHubOrgScraper) processRepoPulls(ctx context.Context, repo githubapi.Repository) error {
	var (
		tally pullTally
		err   error
	)
	if s.cfg.RepoPullCounts == RepoPullCountsSearch {
		tally, err = s.countRepoPulls(ctx, repo)
	} else {
		var pulls []githubapi.PullRequest
		pulls, err = s.client.ListPullRequests(ctx, repo.Owner, repo.Name)
		tally = tallyPullRequests(pulls, s.cfg.MergedAsClosed)
	}
	if err != nil {
		return fmt.Errorf("pull request counts for %s: %w", repo.FullName(), err)
	}

	labels := repoLabels(repo.Owner, repo.Name)
	gauges := []gauge{
		{name: MetricRepoPullRequestsCloseCount, labels: labels, value: tally.closed},
		{name: MetricRepoPullRequestsOpenCount, labels: labels, value: tally.open},
		{name: MetricRepoPullRequestsCount, labels: labels, value: tally.total()},
	}
	if !s.cfg.MergedAsClosed {
		gauges = append(gauges, gauge{name: MetricRepoPullRequestsMergedCount, labels: labels, value: tally.merged})
	}
	return s.setGauges(gauges...)
}

// countRepoPulls fills a tally from repository-scoped search counts. The
// closed search includes merged pull requests, so merged ones are moved out
// of it when they get their own bucket.
func (s *GitHubOrgScraper) countRepoPulls(ctx context.Context, repo githubapi.Repository) (pullTally, error) {
	scope := githubapi.SearchScope{Org: s.cfg.Organization, Repo: repo.FullName()}
	kinds := []githubapi.SearchKind{githubapi.SearchOpen, githubapi.SearchClosed}
	if !s.cfg.MergedAsClosed {
		kinds = append(kinds, githubapi.SearchMerged)
	}

	counts := make(map[githubapi.SearchKind]int, len(kinds))
	for _, kind := range kinds {
		count, err := s.client.CountPullRequests(ctx, scope, kind)
		if err != nil {
			return pullTally{}, fmt.Errorf("count %s: %w", kind, err)
		}
		counts[kind] = count
	}

	tally := pullTally{
		open:   counts[githubapi.SearchOpen],
		closed: counts[githubapi.SearchClosed],
	}
	if !s.cfg.MergedAsClosed {
		tally.merged = counts[githubapi.SearchMerged]
		tally.closed = max(tally.closed-tally.merged, 0)
	}
	return tally, nil
}

func (s *GitHubOrgScraper) processBranches(ctx context.Context, repo githubapi.Repository) error {
	count, err := s.client.CountBranches(ctx, repo.Owner, repo.Name)
	if err != nil {
		return fmt.Errorf("count branches for %s: %w", repo.FullName(), err)
	}
	return s.setGauges(gauge{name: MetricRepoBranchCount, labels: repoLabels(repo.Owner, repo.Name), value: count})
}

type pullTally struct {
	open   int
	closed int
	merged int
}

func (t pullTally) total() int {
	return t.open + t.closed + t.merged
}

// tallyPullRequests classifies by state: only "open" is open, everything else
// is closed. Merged pull requests get their own bucket unless mergedAsClosed.
func tallyPullRequests(pulls []githubapi.PullRequest, mergedAsClosed bool) pullTally {
	var tally pullTally
	for _, pull := range pulls {
		switch {
		case pull.State == "open":
			tally.open++
		case pull.Merged && !mergedAsClosed:
			tally.merged++
		default:
			tally.closed++
		}
	}
	return tally
}

type gauge struct {
	name   string
	labels map[string]string
	value  int
}

func (s *GitHubOrgScraper) setGauges(gauges ...gauge) error {
	for _, g := range gauges {
		if err := s.sink.SetGauge(g.name, g.labels, float64(g.value)); err != nil {
			return fmt.Errorf("set gauge %s: %w", g.name, err)
		}
	}
	return nil
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.Tracer("scrape").Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
