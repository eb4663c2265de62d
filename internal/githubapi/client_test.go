package githubapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/store"
)

func newFakeGitHub(t *testing.T, routes map[string]http.HandlerFunc) *Client {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range routes {
		mux.HandleFunc(pattern, handler)
	}
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	gh, err := NewRESTClient(server.Client(), server.URL+"/api/v3")
	if err != nil {
		t.Fatalf("NewRESTClient() unexpected error: %v", err)
	}
	return NewClient(gh)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprint(w, body)
}

var testRepo = store.Repository{ID: 7, Owner: "acme", Name: "api", FullName: "acme/api", DefaultBranch: "main"}

func TestClientGetRepository(t *testing.T) {
	t.Parallel()

	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, `{"id":7,"name":"api","full_name":"acme/api","default_branch":"trunk","owner":{"login":"acme"}}`)
		},
	})

	repo, err := client.GetRepository(context.Background(), "acme", "api")
	if err != nil {
		t.Fatalf("GetRepository() unexpected error: %v", err)
	}
	if repo.ID != 7 || repo.FullName != "acme/api" || repo.DefaultBranch != "trunk" || repo.Owner != "acme" {
		t.Fatalf("GetRepository() = %+v", repo)
	}
}

func TestClientListCommitsPaginates(t *testing.T) {
	t.Parallel()

	var serverURL string
	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api/commits": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("since") == "" {
				http.Error(w, "missing since", http.StatusBadRequest)
				return
			}
			if r.URL.Query().Get("page") == "2" {
				writeJSON(w, `[{"sha":"b2","commit":{"author":{"name":"Bot","email":"ci@acme.dev","date":"2026-03-09T08:00:00Z"}}}]`)
				return
			}
			serverURL = "http://" + r.Host
			w.Header().Set("Link", fmt.Sprintf(`<%s/api/v3/repos/acme/api/commits?page=2>; rel="next"`, serverURL))
			writeJSON(w, `[{"sha":"a1","author":{"login":"octo"},"commit":{"author":{"name":"Octo","email":"octo@acme.dev","date":"2026-03-10T09:00:00Z"}}}]`)
		},
	})

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	commits, err := client.ListCommits(context.Background(), testRepo, since, since.AddDate(0, 0, 30))
	if err != nil {
		t.Fatalf("ListCommits() unexpected error: %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("ListCommits() len = %d, want 2", len(commits))
	}
	if commits[0].Author != "octo" || commits[0].RepoID != 7 || commits[0].StatsKnown {
		t.Fatalf("commit[0] = %+v", commits[0])
	}
	if commits[1].Author != "ci" || !commits[1].CommittedAt.Equal(time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("commit[1] = %+v", commits[1])
	}
}

func TestClientGetCommitCarriesStats(t *testing.T) {
	t.Parallel()

	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api/commits/a1": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, `{"sha":"a1","commit":{"author":{"email":"12+octo@users.noreply.github.com","date":"2026-03-10T09:00:00Z"}},
				"stats":{"additions":12,"deletions":3,"total":15},"files":[{"filename":"a.go"},{"filename":"b.go"}]}`)
		},
	})

	commit, err := client.GetCommit(context.Background(), testRepo, "a1")
	if err != nil {
		t.Fatalf("GetCommit() unexpected error: %v", err)
	}
	if commit.Additions != 12 || commit.Deletions != 3 || commit.FilesChanged != 2 || !commit.StatsKnown || commit.Author != "octo" {
		t.Fatalf("GetCommit() = %+v", commit)
	}
}

func TestClientListPullRequestsStopsAtSince(t *testing.T) {
	t.Parallel()

	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api/pulls": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("state") != "all" || r.URL.Query().Get("sort") != "updated" {
				http.Error(w, "unexpected query", http.StatusBadRequest)
				return
			}
			writeJSON(w, `[
				{"number":3,"state":"closed","user":{"login":"a"},"created_at":"2026-03-08T00:00:00Z","updated_at":"2026-03-10T00:00:00Z","merged_at":"2026-03-10T00:00:00Z","closed_at":"2026-03-10T00:00:00Z"},
				{"number":2,"state":"closed","user":{"login":"b"},"created_at":"2026-03-07T00:00:00Z","updated_at":"2026-03-09T00:00:00Z","closed_at":"2026-03-09T00:00:00Z"},
				{"number":1,"state":"open","user":{"login":"c"},"created_at":"2026-02-01T00:00:00Z","updated_at":"2026-02-02T00:00:00Z"}
			]`)
		},
	})

	prs, err := client.ListPullRequests(context.Background(), testRepo, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListPullRequests() unexpected error: %v", err)
	}
	if len(prs) != 2 {
		t.Fatalf("ListPullRequests() len = %d, want 2", len(prs))
	}
	if prs[0].State != "merged" || prs[0].MergedAt.IsZero() || prs[1].State != "closed" || !prs[1].MergedAt.IsZero() {
		t.Fatalf("ListPullRequests() = %+v", prs)
	}
}

func TestClientListReviewsAndIssues(t *testing.T) {
	t.Parallel()

	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api/pulls/3/reviews": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, `[
				{"id":91,"state":"APPROVED","user":{"login":"rev"},"submitted_at":"2026-03-09T10:00:00Z"},
				{"id":92,"state":"PENDING","user":{"login":"rev2"}}
			]`)
		},
		"GET /api/v3/repos/acme/api/issues": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, `[
				{"number":5,"created_at":"2026-03-02T00:00:00Z","closed_at":"2026-03-04T00:00:00Z"},
				{"number":3,"created_at":"2026-03-08T00:00:00Z","pull_request":{"url":"x"}}
			]`)
		},
	})

	reviews, err := client.ListReviews(context.Background(), testRepo, 3)
	if err != nil {
		t.Fatalf("ListReviews() unexpected error: %v", err)
	}
	if len(reviews) != 1 || reviews[0].ID != 91 || reviews[0].State != "approved" || reviews[0].PRNumber != 3 {
		t.Fatalf("ListReviews() = %+v", reviews)
	}

	issues, err := client.ListIssues(context.Background(), testRepo, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ListIssues() unexpected error: %v", err)
	}
	if len(issues) != 1 || issues[0].Number != 5 || issues[0].ClosedAt.IsZero() {
		t.Fatalf("ListIssues() = %+v", issues)
	}
}

func TestClientTreeSnapshot(t *testing.T) {
	t.Parallel()

	client := newFakeGitHub(t, map[string]http.HandlerFunc{
		"GET /api/v3/repos/acme/api/git/trees/main": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("recursive") != "1" {
				http.Error(w, "expected recursive", http.StatusBadRequest)
				return
			}
			writeJSON(w, `{"sha":"t1","tree":[
				{"path":"a.go","type":"blob","size":100},
				{"path":"dir","type":"tree"},
				{"path":"dir/b.go","type":"blob","size":50}
			]}`)
		},
	})

	snapshot, err := client.TreeSnapshot(context.Background(), testRepo, "")
	if err != nil {
		t.Fatalf("TreeSnapshot() unexpected error: %v", err)
	}
	if snapshot.Ref != "main" || snapshot.FileCount != 2 || snapshot.TotalBytes != 150 || snapshot.RepoID != 7 {
		t.Fatalf("TreeSnapshot() = %+v", snapshot)
	}
}

func TestClientSurfacesRateLimitAsRetryable(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/repos/acme/api", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, `{"message":"secondary rate limit"}`, http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	httpClient, err := NewHTTPClient(AuthConfig{
		BaseTransport: NewRateLimitTransport(server.Client().Transport, RateLimitPolicy{SecondaryLimitBackoff: 10 * time.Second}),
	})
	if err != nil {
		t.Fatalf("NewHTTPClient() unexpected error: %v", err)
	}
	gh, err := NewRESTClient(httpClient, server.URL+"/api/v3/")
	if err != nil {
		t.Fatalf("NewRESTClient() unexpected error: %v", err)
	}

	_, err = NewClient(gh).GetRepository(context.Background(), "acme", "api")
	var limited *RateLimitError
	if !errors.As(err, &limited) {
		t.Fatalf("GetRepository() error = %v, want RateLimitError", err)
	}
	if wait, ok := RetryAfter(err, time.Now()); !ok || wait != 30*time.Second {
		t.Fatalf("RetryAfter() = %s, %t", wait, ok)
	}
}
