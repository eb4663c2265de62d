package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/cam3ron2/devpulse/internal/alerting"
	"github.com/cam3ron2/devpulse/internal/auth"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"
)

func openTestStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "app.db"),
	})
	if err != nil {
		t.Fatalf("Open() unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func asUser(userID string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, string, any) (queue.Envelope, error) {
	return queue.Envelope{}, errors.New("broker down")
}

func TestAnalyzeHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t)
	if err := st.UpsertRepository(ctx, store.Repository{ID: 7, Owner: "acme", Name: "api", FullName: "acme/api", DefaultBranch: "main"}); err != nil {
		t.Fatalf("UpsertRepository() unexpected error: %v", err)
	}
	set, err := queue.NewSet(queue.NewInMemoryBroker(), queue.Config{
		Queues: map[string]queue.QueueConfig{queue.QueueFullRepoAnalysis: {Concurrency: 1}},
	}, nil, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewSet() unexpected error: %v", err)
	}

	testCases := []struct {
		name      string
		enqueuer  JobEnqueuer
		path      string
		wantCode  int
		wantDepth int64
	}{
		{name: "queued", enqueuer: set, path: "/repos/acme/api/analyze", wantCode: http.StatusAccepted, wantDepth: 1},
		{name: "queued_with_days", enqueuer: set, path: "/repos/acme/api/analyze?days=7", wantCode: http.StatusAccepted, wantDepth: 2},
		{name: "unknown_repo", enqueuer: set, path: "/repos/acme/web/analyze", wantCode: http.StatusNotFound, wantDepth: 2},
		{name: "bad_days", enqueuer: set, path: "/repos/acme/api/analyze?days=-1", wantCode: http.StatusBadRequest, wantDepth: 2},
		{name: "broker_down", enqueuer: failingEnqueuer{}, path: "/repos/acme/api/analyze", wantCode: http.StatusServiceUnavailable, wantDepth: 2},
	}

	// Cases share the queue, so they run in order.
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			router.Method(http.MethodPost, "/repos/{owner}/{repo}/analyze",
				asUser("u1", NewAnalyzeHandler(st, tc.enqueuer, zaptest.NewLogger(t))))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			depth, err := set.Depth(ctx, queue.QueueFullRepoAnalysis)
			if err != nil {
				t.Fatalf("Depth() unexpected error: %v", err)
			}
			if depth != tc.wantDepth {
				t.Fatalf("depth = %d, want %d", depth, tc.wantDepth)
			}
			if tc.wantCode == http.StatusAccepted {
				var body map[string]string
				if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
					t.Fatalf("decode body: %v", err)
				}
				if body["status"] != "queued" || body["id"] == "" {
					t.Fatalf("body = %v", body)
				}
			}
		})
	}
}

func TestAcknowledgeHandler(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := openTestStore(t)
	engine := alerting.NewEngine(st, nil, alerting.Config{}, zaptest.NewLogger(t))

	rule, err := st.CreateRule(ctx, store.AlertRule{UserID: "u1", RepoID: 7, Name: "slow", Metric: "commits",
		Operator: "<", Threshold: 70, IsActive: true, CooldownMinutes: 60})
	if err != nil {
		t.Fatalf("CreateRule() unexpected error: %v", err)
	}
	trigger, err := st.OpenTrigger(ctx, store.AlertTrigger{AlertID: rule.ID, TriggeredAt: time.Now().UTC(),
		CurrentValue: 65, ThresholdValue: 70})
	if err != nil {
		t.Fatalf("OpenTrigger() unexpected error: %v", err)
	}

	testCases := []struct {
		name     string
		user     string
		id       string
		wantCode int
	}{
		{name: "invalid_id", user: "u1", id: "abc", wantCode: http.StatusBadRequest},
		{name: "other_users_trigger", user: "u2", id: itoa(trigger.ID), wantCode: http.StatusNotFound},
		{name: "missing_trigger", user: "u1", id: "42", wantCode: http.StatusNotFound},
		{name: "acknowledged", user: "u1", id: itoa(trigger.ID), wantCode: http.StatusOK},
		{name: "already_acknowledged", user: "u1", id: itoa(trigger.ID), wantCode: http.StatusNotFound},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			router := chi.NewRouter()
			router.Method(http.MethodPost, "/alerts/triggers/{id}/acknowledge",
				asUser(tc.user, NewAcknowledgeHandler(st, engine, zaptest.NewLogger(t))))

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/alerts/triggers/"+tc.id+"/acknowledge", nil))
			if rec.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.wantCode, rec.Body.String())
			}
		})
	}

	got, err := st.GetTrigger(ctx, trigger.ID)
	if err != nil {
		t.Fatalf("GetTrigger() unexpected error: %v", err)
	}
	if got.Status != store.TriggerAcknowledged || !got.Open() {
		t.Fatalf("trigger = %+v, want open and acknowledged", got)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
