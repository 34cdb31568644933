//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cam3ron2/github-org-stats-exporter/internal/app"
	"github.com/cam3ron2/github-org-stats-exporter/internal/config"
	"github.com/cam3ron2/github-org-stats-exporter/internal/scrape"
	"github.com/cam3ron2/github-org-stats-exporter/internal/store"
	"go.uber.org/zap"
)

type runtimeHarness struct {
	runtime    *app.Runtime
	baseURL    string
	httpClient *http.Client
}

type healthStatus struct {
	Mode            string `json:"mode"`
	Ready           bool   `json:"ready"`
	CyclesCompleted int    `json:"cycles_completed"`
}

func TestRuntimeServesOrganizationStats(t *testing.T) {
	fixture := seedAcmeFixture(t)
	harness := newRuntimeHarness(t, fixture, "10m")

	waitForCycles(t, harness, 1)
	metrics, err := fetchEndpoint(harness.httpClient, harness.baseURL+"/metrics")
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}

	owner := map[string]string{scrape.LabelOwner: "acme"}
	api := map[string]string{scrape.LabelOwner: "acme", scrape.LabelRepo: "api"}
	testCases := []struct {
		name   string
		metric string
		labels map[string]string
		want   float64
	}{
		{name: "repo_count", metric: scrape.MetricRepoCount, labels: owner, want: 2},
		{name: "repo_public_count", metric: scrape.MetricRepoPublicCount, labels: owner, want: 1},
		{name: "repo_private_count", metric: scrape.MetricRepoPrivateCount, labels: owner, want: 1},
		{name: "repo_stars", metric: scrape.MetricRepoStarsCount, labels: api, want: 5},
		{name: "repo_forks", metric: scrape.MetricRepoForksCount, labels: api, want: 2},
		{name: "repo_open_issues", metric: scrape.MetricRepoOpenIssuesCount, labels: api, want: 3},
		{name: "repo_pull_requests", metric: scrape.MetricRepoPullRequestsCount, labels: api, want: 3},
		{name: "repo_pull_requests_open", metric: scrape.MetricRepoPullRequestsOpenCount, labels: api, want: 1},
		{name: "repo_pull_requests_close", metric: scrape.MetricRepoPullRequestsCloseCount, labels: api, want: 2},
		{name: "repo_branches", metric: scrape.MetricRepoBranchCount, labels: api, want: 3},
		{name: "org_pull_requests", metric: scrape.MetricPullRequestsCount, labels: owner, want: 4},
		{name: "org_pull_requests_open", metric: scrape.MetricPullRequestsOpenCount, labels: owner, want: 2},
		{name: "org_pull_requests_merged", metric: scrape.MetricPullRequestsMergedCount, labels: owner, want: 1},
		{
			name:   "user_pull_requests",
			metric: scrape.MetricUserPullRequestsCount,
			labels: map[string]string{scrape.LabelRepo: "api", scrape.LabelAuthor: "bob", scrape.LabelTeam: "Platform"},
			want:   2,
		},
		{
			name:   "comments_from_non_member",
			metric: scrape.MetricCommentsOnPullRequestsCount,
			labels: map[string]string{
				scrape.LabelRepo:            "api",
				scrape.LabelPRAuthor:        "alice",
				scrape.LabelPRNumber:        "1",
				scrape.LabelCommentator:     "carol",
				scrape.LabelCommentatorTeam: scrape.NoTeamLabelValue,
			},
			want: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := metricValue(metrics, tc.metric, tc.labels)
			if !ok {
				t.Fatalf("metric %s%v missing from /metrics", tc.metric, tc.labels)
			}
			if got != tc.want {
				t.Fatalf("%s%v = %v, want %v", tc.metric, tc.labels, got, tc.want)
			}
		})
	}

	if _, ok := metricValue(metrics, scrape.MetricRepoPullRequestsMergedCount, api); ok {
		t.Fatalf("%s published while merged pull requests count as closed", scrape.MetricRepoPullRequestsMergedCount)
	}
}

func TestRuntimeRecoversAfterFailedCycle(t *testing.T) {
	fixture := seedAcmeFixture(t)
	fixture.FailPath("/repos/acme/api/branches", http.StatusUnprocessableEntity, 1)
	harness := newRuntimeHarness(t, fixture, "100ms")

	err := waitForCondition(30*time.Second, 100*time.Millisecond, func() (bool, error) {
		metrics, fetchErr := fetchEndpoint(harness.httpClient, harness.baseURL+"/metrics")
		if fetchErr != nil {
			return false, fetchErr
		}
		value, ok := metricValue(metrics, scrape.MetricRepoCount, map[string]string{scrape.LabelOwner: "acme"})
		return ok && value == 2, nil
	})
	if err != nil {
		t.Fatalf("organization totals never published: %v", err)
	}
	if got := fixture.PathCallCount("/orgs/acme/repos"); got < 2 {
		t.Fatalf("repository listings = %d, want at least 2", got)
	}

	status, err := fetchHealthStatus(harness.httpClient, harness.baseURL)
	if err != nil {
		t.Fatalf("fetch health: %v", err)
	}
	if !status.Ready || status.CyclesCompleted < 2 {
		t.Fatalf("health = %+v, want ready after at least 2 cycles", status)
	}
}

func seedAcmeFixture(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := newFakeGitHubAPI(t)
	fixture.SetOrgRepos("acme", []fixtureRepo{
		{Name: "api", Stars: 5, Forks: 2, OpenIssues: 3},
		{Name: "web", Private: true},
	})
	fixture.SetPulls("acme", "api", []fixturePull{
		{Number: 1, State: "open", User: "alice"},
		{Number: 2, State: "closed", Merged: true, User: "bob"},
		{Number: 3, State: "closed", User: "bob"},
	})
	fixture.SetPulls("acme", "web", []fixturePull{
		{Number: 1, State: "open", User: "alice"},
	})
	fixture.SetBranchCount("acme", "api", 3)
	fixture.SetBranchCount("acme", "web", 1)
	fixture.SetComments("acme", "api", 1, []string{"bob", "carol"})
	fixture.SetTeams("acme", []fixtureTeam{
		{ID: 1, Name: "Platform", Slug: "platform", Members: []string{"alice", "bob"}},
		{ID: 2, Name: "Design", Slug: "design", Members: []string{"carol"}},
	})
	fixture.SetSearchTotal("org:acme is:pr", 4)
	fixture.SetSearchTotal("org:acme is:pr is:open", 2)
	fixture.SetSearchTotal("org:acme is:pr is:closed", 2)
	fixture.SetSearchTotal("org:acme is:pr is:merged", 1)
	fixture.SetSearchTotal("org:acme is:pr is:open review:approved", 1)
	fixture.SetSearchTotal("org:acme is:pr is:open review:none", 1)
	return fixture
}

func newRuntimeHarness(t *testing.T, fixture *fakeGitHubAPI, interval string) runtimeHarness {
	t.Helper()

	cfg, err := config.Load(strings.NewReader(fmt.Sprintf(`
github:
  organization: "acme"
  token: "ghp_e2e"
  api_base_url: %q
  teams: ["platform"]
extraction:
  interval: %q
  repo_concurrency: 2
retry:
  max_attempts: 1
`, fixture.APIBaseURL(), interval)), nil)
	if err != nil {
		t.Fatalf("config.Load() unexpected error: %v", err)
	}

	logger := zap.NewNop()
	memStore := store.NewMemoryStore(cfg.Store.MaxSeriesBudget)
	built, err := scrape.NewOrgScraperFromConfig(cfg, memStore, scrape.FactoryOptions{Logger: logger})
	if err != nil {
		t.Fatalf("NewOrgScraperFromConfig() unexpected error: %v", err)
	}

	runtime := app.NewRuntime(cfg, memStore, scrape.NewManager(built.Scraper, logger), logger)
	server := httptest.NewServer(runtime.Handler())

	ctx, cancel := context.WithCancel(context.Background())
	if err := runtime.Start(ctx); err != nil {
		t.Fatalf("Start() unexpected error: %v", err)
	}
	t.Cleanup(func() {
		runtime.Stop()
		<-runtime.Done()
		cancel()
		server.Close()
		_ = built.Close()
	})

	return runtimeHarness{
		runtime:    runtime,
		baseURL:    server.URL,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func waitForCycles(t *testing.T, harness runtimeHarness, cycles int) {
	t.Helper()

	err := waitForCondition(30*time.Second, 100*time.Millisecond, func() (bool, error) {
		status, err := fetchHealthStatus(harness.httpClient, harness.baseURL)
		if err != nil {
			return false, err
		}
		return status.CyclesCompleted >= cycles, nil
	})
	if err != nil {
		t.Fatalf("extraction cycles did not complete: %v", err)
	}
}

func fetchHealthStatus(client *http.Client, baseURL string) (healthStatus, error) {
	body, err := fetchEndpoint(client, baseURL+"/healthz")
	if err != nil {
		return healthStatus{}, err
	}
	var status healthStatus
	if err := json.Unmarshal([]byte(body), &status); err != nil {
		return healthStatus{}, fmt.Errorf("decode health status: %w", err)
	}
	return status, nil
}

func fetchEndpoint(client *http.Client, endpoint string) (string, error) {
	resp, err := client.Get(endpoint)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", endpoint, resp.StatusCode)
	}
	return string(body), nil
}

func waitForCondition(timeout, interval time.Duration, fn func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		ok, err := fn()
		if err == nil && ok {
			return nil
		}
		lastErr = err
		time.Sleep(interval)
	}
	if lastErr != nil {
		return fmt.Errorf("condition not met before timeout: %w", lastErr)
	}
	return fmt.Errorf("condition not met before timeout")
}

func metricValue(metrics string, metricName string, wantLabels map[string]string) (float64, bool) {
	for _, line := range strings.Split(metrics, "\n") {
		name, labels, rawValue, ok := parseMetricLine(line)
		if !ok || name != metricName || len(labels) != len(wantLabels) {
			continue
		}
		if !containsLabels(labels, wantLabels) {
			continue
		}
		value, err := strconv.ParseFloat(rawValue, 64)
		if err != nil {
			return 0, false
		}
		return value, true
	}
	return 0, false
}

func parseMetricLine(line string) (string, map[string]string, string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", nil, "", false
	}

	open := strings.Index(trimmed, "{")
	if open < 0 {
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			return "", nil, "", false
		}
		return fields[0], map[string]string{}, fields[1], true
	}
	closing := strings.LastIndex(trimmed, "}")
	if closing < open {
		return "", nil, "", false
	}
	labels, ok := parseLabelSet(trimmed[open+1 : closing])
	if !ok {
		return "", nil, "", false
	}
	fields := strings.Fields(trimmed[closing+1:])
	if len(fields) == 0 {
		return "", nil, "", false
	}
	return trimmed[:open], labels, fields[0], true
}

func parseLabelSet(raw string) (map[string]string, bool) {
	labels := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, false
		}
		unquoted, err := strconv.Unquote(value)
		if err != nil {
			return nil, false
		}
		labels[key] = unquoted
	}
	return labels, true
}

func containsLabels(actual map[string]string, wanted map[string]string) bool {
	for key, value := range wanted {
		if actual[key] != value {
			return false
		}
	}
	return true
}
