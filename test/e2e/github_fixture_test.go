//go:build e2e

package e2e

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const fixtureAPIPrefix = "/api/v3"

type fakeGitHubAPI struct {
	mu sync.Mutex

	server *httptest.Server

	repos       map[string][]fixtureRepo
	pulls       map[string][]fixturePull
	branches    map[string]int
	comments    map[string][]string
	teams       map[string][]fixtureTeam
	searchTotal map[string]int
	failures    map[string]*failureRule
	callCount   map[string]int
}

type failureRule struct {
	status    int
	remaining int
}

type fixtureRepo struct {
	Name       string
	Private    bool
	Stars      int
	Forks      int
	OpenIssues int
}

type fixturePull struct {
	Number int
	State  string
	Merged bool
	User   string
}

type fixtureTeam struct {
	ID      int64
	Name    string
	Slug    string
	Members []string
}

func newFakeGitHubAPI(t *testing.T) *fakeGitHubAPI {
	t.Helper()

	fixture := &fakeGitHubAPI{
		repos:       make(map[string][]fixtureRepo),
		pulls:       make(map[string][]fixturePull),
		branches:    make(map[string]int),
		comments:    make(map[string][]string),
		teams:       make(map[string][]fixtureTeam),
		searchTotal: make(map[string]int),
		failures:    make(map[string]*failureRule),
		callCount:   make(map[string]int),
	}
	fixture.server = httptest.NewServer(http.HandlerFunc(fixture.serveHTTP))
	t.Cleanup(fixture.Close)
	return fixture
}

// APIBaseURL is the REST base URL to configure clients with.
func (f *fakeGitHubAPI) APIBaseURL() string {
	return f.server.URL + fixtureAPIPrefix + "/"
}

func (f *fakeGitHubAPI) Close() {
	if f == nil || f.server == nil {
		return
	}
	f.server.Close()
}

func (f *fakeGitHubAPI) SetOrgRepos(org string, repos []fixtureRepo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.repos[org] = append([]fixtureRepo(nil), repos...)
}

func (f *fakeGitHubAPI) SetPulls(owner, repo string, pulls []fixturePull) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls[repoKey(owner, repo)] = append([]fixturePull(nil), pulls...)
}

func (f *fakeGitHubAPI) SetBranchCount(owner, repo string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[repoKey(owner, repo)] = count
}

func (f *fakeGitHubAPI) SetComments(owner, repo string, number int, authors []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[fmt.Sprintf("%s#%d", repoKey(owner, repo), number)] = append([]string(nil), authors...)
}

func (f *fakeGitHubAPI) SetTeams(org string, teams []fixtureTeam) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams[org] = append([]fixtureTeam(nil), teams...)
}

// SetSearchTotal fixes total_count for one exact search query.
func (f *fakeGitHubAPI) SetSearchTotal(query string, total int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchTotal[query] = total
}

// FailPath answers the next times requests to path with statusCode.
func (f *fakeGitHubAPI) FailPath(path string, statusCode int, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[path] = &failureRule{status: statusCode, remaining: times}
}

func (f *fakeGitHubAPI) PathCallCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.callCount[path]
}

func (f *fakeGitHubAPI) serveHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, fixtureAPIPrefix)
	f.incrementCall(path)

	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Remaining", "4999")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
	if r.Method != http.MethodGet {
		f.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"message": "method not allowed"})
		return
	}
	if f.tryFailPath(path, w) {
		return
	}

	segments := splitPath(path)
	switch {
	case len(segments) == 3 && segments[0] == "orgs" && segments[2] == "repos":
		f.writeRepos(w, segments[1])
	case len(segments) == 3 && segments[0] == "orgs" && segments[2] == "teams":
		f.writeTeams(w, segments[1])
	case len(segments) == 5 && segments[0] == "orgs" && segments[2] == "teams" && segments[4] == "members":
		f.writeTeamMembers(w, segments[1], segments[3])
	case len(segments) == 4 && segments[0] == "repos" && segments[3] == "pulls":
		f.writePulls(w, segments[1], segments[2])
	case len(segments) == 4 && segments[0] == "repos" && segments[3] == "branches":
		f.writeBranches(w, segments[1], segments[2])
	case len(segments) == 6 && segments[0] == "repos" && segments[3] == "issues" && segments[5] == "comments":
		f.writeComments(w, segments[1], segments[2], segments[4])
	case len(segments) == 2 && segments[0] == "search" && segments[1] == "issues":
		f.writeSearch(w, r.URL.Query().Get("q"))
	default:
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
	}
}

func (f *fakeGitHubAPI) incrementCall(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCount[path]++
}

func (f *fakeGitHubAPI) tryFailPath(path string, w http.ResponseWriter) bool {
	f.mu.Lock()
	rule, ok := f.failures[path]
	if !ok || rule.remaining <= 0 {
		f.mu.Unlock()
		return false
	}
	rule.remaining--
	status := rule.status
	f.mu.Unlock()

	f.writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
	return true
}

func (f *fakeGitHubAPI) writeRepos(w http.ResponseWriter, org string) {
	f.mu.Lock()
	repos, ok := f.repos[org]
	f.mu.Unlock()
	if !ok {
		f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}

	payload := make([]map[string]any, 0, len(repos))
	for _, repo := range repos {
		payload = append(payload, map[string]any{
			"name":              repo.Name,
			"full_name":         repoKey(org, repo.Name),
			"owner":             map[string]any{"login": org},
			"private":           repo.Private,
			"stargazers_count":  repo.Stars,
			"forks_count":       repo.Forks,
			"open_issues_count": repo.OpenIssues,
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writePulls(w http.ResponseWriter, owner, repo string) {
	f.mu.Lock()
	pulls := f.pulls[repoKey(owner, repo)]
	f.mu.Unlock()

	payload := make([]map[string]any, 0, len(pulls))
	for _, pull := range pulls {
		item := map[string]any{
			"number": pull.Number,
			"state":  pull.State,
			"user":   map[string]any{"login": pull.User},
		}
		if pull.Merged {
			item["merged_at"] = "2026-01-02T15:04:05Z"
		}
		payload = append(payload, item)
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeBranches(w http.ResponseWriter, owner, repo string) {
	f.mu.Lock()
	count := f.branches[repoKey(owner, repo)]
	f.mu.Unlock()

	payload := make([]map[string]any, 0, count)
	for index := range count {
		payload = append(payload, map[string]any{"name": fmt.Sprintf("branch-%d", index)})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeComments(w http.ResponseWriter, owner, repo, number string) {
	f.mu.Lock()
	authors := f.comments[repoKey(owner, repo)+"#"+number]
	f.mu.Unlock()

	payload := make([]map[string]any, 0, len(authors))
	for index, author := range authors {
		payload = append(payload, map[string]any{
			"id":   index + 1,
			"user": map[string]any{"login": author},
		})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeTeams(w http.ResponseWriter, org string) {
	f.mu.Lock()
	teams := f.teams[org]
	f.mu.Unlock()

	payload := make([]map[string]any, 0, len(teams))
	for _, team := range teams {
		payload = append(payload, map[string]any{"id": team.ID, "name": team.Name, "slug": team.Slug})
	}
	f.writeJSON(w, http.StatusOK, payload)
}

func (f *fakeGitHubAPI) writeTeamMembers(w http.ResponseWriter, org, slug string) {
	f.mu.Lock()
	teams := f.teams[org]
	f.mu.Unlock()

	for _, team := range teams {
		if team.Slug != slug {
			continue
		}
		payload := make([]map[string]any, 0, len(team.Members))
		for _, login := range team.Members {
			payload = append(payload, map[string]any{"login": login})
		}
		f.writeJSON(w, http.StatusOK, payload)
		return
	}
	f.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

// writeSearch serves count queries from searchTotal and author queries from
// the pull request fixtures.
func (f *fakeGitHubAPI) writeSearch(w http.ResponseWriter, query string) {
	w.Header().Set("X-RateLimit-Resource", "search")
	w.Header().Set("X-RateLimit-Limit", "30")
	w.Header().Set("X-RateLimit-Remaining", "29")

	author := ""
	for _, term := range strings.Fields(query) {
		if login, ok := strings.CutPrefix(term, "author:"); ok {
			author = login
		}
	}
	if author == "" {
		f.mu.Lock()
		total := f.searchTotal[query]
		f.mu.Unlock()
		f.writeJSON(w, http.StatusOK, map[string]any{"total_count": total, "items": []any{}})
		return
	}

	f.mu.Lock()
	items := make([]map[string]any, 0)
	for key, pulls := range f.pulls {
		for _, pull := range pulls {
			if pull.User != author {
				continue
			}
			items = append(items, map[string]any{
				"number":         pull.Number,
				"state":          pull.State,
				"user":           map[string]any{"login": pull.User},
				"repository_url": f.server.URL + fixtureAPIPrefix + "/repos/" + key,
				"pull_request":   map[string]any{},
			})
		}
	}
	f.mu.Unlock()
	f.writeJSON(w, http.StatusOK, map[string]any{"total_count": len(items), "items": items})
}

func (f *fakeGitHubAPI) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func repoKey(owner string, repo string) string {
	return owner + "/" + repo
}
