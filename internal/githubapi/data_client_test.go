package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v75/github"
)

func newTestDataClient(t *testing.T, handler http.Handler, governor *Governor) (*DataClient, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	rest, err := NewGitHubRESTClient(server.Client(), server.URL+"/")
	if err != nil {
		t.Fatalf("NewGitHubRESTClient() unexpected error: %v", err)
	}
	if governor == nil {
		governor = NewGovernor(GovernorConfig{})
	}
	client, err := NewDataClient(rest, governor, DataClientConfig{})
	if err != nil {
		t.Fatalf("NewDataClient() unexpected error: %v", err)
	}
	return client, server
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, body)
}

func setNextLink(w http.ResponseWriter, r *http.Request, next int) {
	w.Header().Set("Link", fmt.Sprintf(`<http://%s%s?page=%d>; rel="next"`, r.Host, r.URL.Path, next))
}

func TestNewDataClient(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		rest        *github.Client
		governor    *Governor
		errContains string
	}{
		{
			name:        "rejects_nil_client",
			governor:    NewGovernor(GovernorConfig{}),
			errContains: "github client is required",
		},
		{
			name:        "rejects_nil_governor",
			rest:        github.NewClient(nil),
			errContains: "rate limit governor is required",
		},
		{
			name:     "accepts_valid_dependencies",
			rest:     github.NewClient(nil),
			governor: NewGovernor(GovernorConfig{}),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client, err := NewDataClient(tc.rest, tc.governor, DataClientConfig{PageSize: 500})
			if tc.errContains != "" {
				if err == nil || !strings.Contains(err.Error(), tc.errContains) {
					t.Fatalf("NewDataClient() error = %v, want %q", err, tc.errContains)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewDataClient() unexpected error: %v", err)
			}
			if client.pageSize != DefaultPageSize {
				t.Fatalf("pageSize = %d, want %d", client.pageSize, DefaultPageSize)
			}
		})
	}
}

func TestDataClientListOrgRepos(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/repos", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("sort"); got != "updated" {
			t.Errorf("sort = %q, want updated", got)
		}
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("per_page = %q, want 100", got)
		}
		switch r.URL.Query().Get("page") {
		case "", "1":
			setNextLink(w, r, 2)
			writeJSON(w, `[{"name":"api","owner":{"login":"acme"},"private":true,"stargazers_count":3,"forks_count":0,"open_issues_count":500}]`)
		case "2":
			writeJSON(w, `[{"name":"web","owner":{"login":"acme"},"private":false,"stargazers_count":4,"forks_count":2,"open_issues_count":450}]`)
		default:
			http.NotFound(w, r)
		}
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.ListOrgRepos(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListOrgRepos() unexpected error: %v", err)
	}

	want := []Repository{
		{Owner: "acme", Name: "api", Private: true, Stars: 3, Forks: 0, OpenIssues: 500},
		{Owner: "acme", Name: "web", Private: false, Stars: 4, Forks: 2, OpenIssues: 450},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListOrgRepos() mismatch (-want +got):\n%s", diff)
	}
}

func TestDataClientListPullRequests(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/pulls", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != "all" {
			t.Errorf("state = %q, want all", got)
		}
		writeJSON(w, `[
			{"number":3,"state":"open","user":{"login":"alice"},"created_at":"2025-01-02T00:00:00Z"},
			{"number":2,"state":"closed","user":{"login":"bob"},"created_at":"2025-01-01T00:00:00Z","merged_at":"2025-01-03T00:00:00Z"},
			{"number":1,"state":"closed","user":{"login":"bob"},"created_at":"2024-12-31T00:00:00Z"}
		]`)
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.ListPullRequests(context.Background(), "acme", "api")
	if err != nil {
		t.Fatalf("ListPullRequests() unexpected error: %v", err)
	}

	want := []PullRequest{
		{Number: 3, State: "open", Author: "alice", RepoOwner: "acme", RepoName: "api", CreatedAt: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Number: 2, State: "closed", Merged: true, Author: "bob", RepoOwner: "acme", RepoName: "api", CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), MergedAt: time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)},
		{Number: 1, State: "closed", Author: "bob", RepoOwner: "acme", RepoName: "api", CreatedAt: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListPullRequests() mismatch (-want +got):\n%s", diff)
	}
}

func TestDataClientCountBranches(t *testing.T) {
	t.Parallel()

	pageSizes := map[string]int{"1": 100, "2": 100, "3": 100, "4": 52}
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/branches", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		size := pageSizes[page]
		if page != "4" {
			next := int(page[0]-'0') + 1
			setNextLink(w, r, next)
		}
		branches := make([]string, 0, size)
		for i := range size {
			branches = append(branches, fmt.Sprintf(`{"name":"b-%s-%d"}`, page, i))
		}
		writeJSON(w, "["+strings.Join(branches, ",")+"]")
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.CountBranches(context.Background(), "acme", "api")
	if err != nil {
		t.Fatalf("CountBranches() unexpected error: %v", err)
	}
	if got != 352 {
		t.Fatalf("CountBranches() = %d, want 352", got)
	}
}

func TestDataClientTeams(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/acme/teams", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `[{"id":1,"name":"Platform","slug":"platform"},{"id":2,"name":"Web Team","slug":"web-team"}]`)
	})
	mux.HandleFunc("/orgs/acme/teams/web-team/members", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `[{"login":"alice"},{"login":"carol"}]`)
	})

	client, _ := newTestDataClient(t, mux, nil)
	teams, err := client.ListTeams(context.Background(), "acme")
	if err != nil {
		t.Fatalf("ListTeams() unexpected error: %v", err)
	}
	wantTeams := []Team{
		{ID: 1, Name: "Platform", Slug: "platform"},
		{ID: 2, Name: "Web Team", Slug: "web-team"},
	}
	if diff := cmp.Diff(wantTeams, teams); diff != "" {
		t.Fatalf("ListTeams() mismatch (-want +got):\n%s", diff)
	}

	members, err := client.ListTeamMembers(context.Background(), "acme", "web-team")
	if err != nil {
		t.Fatalf("ListTeamMembers() unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"alice", "carol"}, members); diff != "" {
		t.Fatalf("ListTeamMembers() mismatch (-want +got):\n%s", diff)
	}
}

func TestDataClientListPullRequestsByAuthor(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "org:acme is:pr author:alice" {
			t.Errorf("q = %q, want %q", got, "org:acme is:pr author:alice")
		}
		writeJSON(w, `{"total_count":2,"items":[
			{"number":7,"state":"open","user":{"login":"alice"},"repository_url":"https://api.github.com/repos/acme/api"},
			{"number":8,"state":"closed","user":{"login":"alice"},"repository_url":"https://api.github.com/repos/acme/web"}
		]}`)
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.ListPullRequestsByAuthor(context.Background(), "acme", "alice")
	if err != nil {
		t.Fatalf("ListPullRequestsByAuthor() unexpected error: %v", err)
	}
	want := []PullRequest{
		{Number: 7, State: "open", Author: "alice", RepoOwner: "acme", RepoName: "api"},
		{Number: 8, State: "closed", Author: "alice", RepoOwner: "acme", RepoName: "web"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListPullRequestsByAuthor() mismatch (-want +got):\n%s", diff)
	}
}

func TestDataClientListPullRequestsByAuthorRejectsUnknownRepository(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `{"total_count":2,"items":[
			{"number":7,"state":"open","user":{"login":"alice"},"repository_url":"https://api.github.com/repos/acme/api"},
			{"number":9,"state":"closed","user":{"login":"alice"},"repository_url":"not a repo"}
		]}`)
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.ListPullRequestsByAuthor(context.Background(), "acme", "alice")
	if err == nil {
		t.Fatalf("ListPullRequestsByAuthor() = %+v, want error", got)
	}
	if !strings.Contains(err.Error(), "#9") || !strings.Contains(err.Error(), "not a repo") {
		t.Fatalf("error = %q, want pull request number and repository_url", err.Error())
	}
}

func TestDataClientListComments(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/issues/7/comments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, `[{"id":11,"user":{"login":"bob"}},{"id":12,"user":{"login":"alice"}}]`)
	})

	client, _ := newTestDataClient(t, mux, nil)
	got, err := client.ListComments(context.Background(), "acme", "api", 7)
	if err != nil {
		t.Fatalf("ListComments() unexpected error: %v", err)
	}
	want := []Comment{{ID: 11, Author: "bob"}, {ID: 12, Author: "alice"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ListComments() mismatch (-want +got):\n%s", diff)
	}

	if _, err := client.ListComments(context.Background(), "acme", "api", 0); err == nil {
		t.Fatalf("ListComments() expected error for number 0, got nil")
	}
}

func TestDataClientCountPullRequests(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	seen := map[string]string{}
	totals := map[string]int{
		"org:acme is:pr":                         1,
		"org:acme is:pr is:open":                 2,
		"org:acme is:pr is:closed":               3,
		"org:acme is:pr is:merged":               4,
		"org:acme is:pr is:open review:approved": 5,
		"org:acme is:pr is:open review:none":     6,
		"repo:acme/api is:pr is:open":            9,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/search/issues", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query().Get("q")
		mu.Lock()
		seen[query] = r.URL.Query().Get("per_page")
		mu.Unlock()
		writeJSON(w, fmt.Sprintf(`{"total_count":%d,"items":[]}`, totals[query]))
	})

	client, _ := newTestDataClient(t, mux, nil)
	for i, kind := range SearchKinds {
		got, err := client.CountPullRequests(context.Background(), SearchScope{Org: "acme"}, kind)
		if err != nil {
			t.Fatalf("CountPullRequests(%s) unexpected error: %v", kind, err)
		}
		if got != i+1 {
			t.Fatalf("CountPullRequests(%s) = %d, want %d", kind, got, i+1)
		}
	}

	got, err := client.CountPullRequests(context.Background(), SearchScope{Org: "acme", Repo: "acme/api"}, SearchOpen)
	if err != nil {
		t.Fatalf("CountPullRequests(repo scope) unexpected error: %v", err)
	}
	if got != 9 {
		t.Fatalf("CountPullRequests(repo scope) = %d, want 9", got)
	}

	mu.Lock()
	defer mu.Unlock()
	for query, perPage := range seen {
		if perPage != "1" {
			t.Fatalf("per_page for %q = %q, want 1", query, perPage)
		}
	}
}

func TestDataClientErrors(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/orgs/missing/repos", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, `{"message":"Not Found"}`)
	})
	mux.HandleFunc("/repos/acme/broken/pulls", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, `{"message":"upstream"}`)
	})

	client, server := newTestDataClient(t, mux, nil)

	_, err := client.ListOrgRepos(context.Background(), "missing")
	var apiErr *RemoteAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ListOrgRepos() error = %v, want *RemoteAPIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Status != EndpointStatusNotFound {
		t.Fatalf("RemoteAPIError = %d/%s, want 404/not_found", apiErr.StatusCode, apiErr.Status)
	}
	if apiErr.Endpoint != "orgs/missing/repos" {
		t.Fatalf("Endpoint = %q, want orgs/missing/repos", apiErr.Endpoint)
	}

	_, err = client.ListPullRequests(context.Background(), "acme", "broken")
	if !errors.As(err, &apiErr) || apiErr.Status != EndpointStatusUnavailable {
		t.Fatalf("ListPullRequests() error = %v, want unavailable RemoteAPIError", err)
	}

	server.Close()
	_, err = client.CountBranches(context.Background(), "acme", "api")
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("CountBranches() error = %v, want *TransportError", err)
	}
}

func TestDataClientThrottlesOnLowWaterMark(t *testing.T) {
	t.Parallel()

	now := time.Unix(1739836800, 0)
	reset := now.Add(20 * time.Second)
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/api/branches", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "1")
		w.Header().Set("X-RateLimit-Reset", fmt.Sprint(reset.Unix()))
		writeJSON(w, `[{"name":"main"}]`)
	})

	sleeper := &recordingSleeper{}
	governor := NewGovernor(GovernorConfig{
		Now:   func() time.Time { return now },
		Sleep: sleeper.Sleep,
	})
	client, _ := newTestDataClient(t, mux, governor)

	got, err := client.CountBranches(context.Background(), "acme", "api")
	if err != nil {
		t.Fatalf("CountBranches() unexpected error: %v", err)
	}
	if got != 1 {
		t.Fatalf("CountBranches() = %d, want 1", got)
	}
	if diff := cmp.Diff([]time.Duration{21 * time.Second}, sleeper.calls()); diff != "" {
		t.Fatalf("sleeps mismatch (-want +got):\n%s", diff)
	}
}

func TestRepoFromURL(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		raw       string
		wantOwner string
		wantName  string
		wantOK    bool
	}{
		{raw: "https://api.github.com/repos/acme/api", wantOwner: "acme", wantName: "api", wantOK: true},
		{raw: "https://github.example.com/api/v3/repos/acme/web", wantOwner: "acme", wantName: "web", wantOK: true},
		{raw: "https://api.github.com/orgs/acme", wantOK: false},
		{raw: "", wantOK: false},
	}
	for _, tc := range testCases {
		owner, name, ok := repoFromURL(tc.raw)
		if owner != tc.wantOwner || name != tc.wantName || ok != tc.wantOK {
			t.Fatalf("repoFromURL(%q) = (%q, %q, %t), want (%q, %q, %t)", tc.raw, owner, name, ok, tc.wantOwner, tc.wantName, tc.wantOK)
		}
	}
}
