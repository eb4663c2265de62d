package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cam3ron2/devpulse/internal/auth"
	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/cam3ron2/devpulse/internal/store"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// RepoFinder resolves a repository by owner/name.
type RepoFinder interface {
	GetRepositoryByName(ctx context.Context, fullName string) (store.Repository, error)
}

// JobEnqueuer is implemented by *queue.Set.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) (queue.Envelope, error)
}

// TriggerReader loads a trigger and the rule that owns it.
type TriggerReader interface {
	GetTrigger(ctx context.Context, id int64) (store.AlertTrigger, error)
	GetRule(ctx context.Context, id int64) (store.AlertRule, error)
}

// Acknowledger is implemented by *alerting.Engine.
type Acknowledger interface {
	Acknowledge(ctx context.Context, triggerID int64) error
}

// NewAnalyzeHandler enqueues a full analysis of a registered repository.
// An optional days query parameter overrides the configured history window.
func NewAnalyzeHandler(repos RepoFinder, enqueuer JobEnqueuer, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, name := chi.URLParam(r, "owner"), chi.URLParam(r, "repo")
		days := 0
		if raw := r.URL.Query().Get("days"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "days must be a non-negative integer")
				return
			}
			days = parsed
		}

		repo, err := repos.GetRepositoryByName(r.Context(), owner+"/"+name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "repository is not registered")
			return
		case err != nil:
			logger.Error("lookup repository failed", zap.String("repo", owner+"/"+name), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "repository lookup failed")
			return
		}

		env, err := enqueuer.Enqueue(r.Context(), queue.QueueFullRepoAnalysis, queue.RepoJob{
			Repo: queue.RepoRef{ID: repo.ID, Owner: repo.Owner, Name: repo.Name},
			Days: days,
		})
		if err != nil {
			logger.Error("enqueue repository analysis failed", zap.Int64("repo_id", repo.ID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "analysis could not be queued")
			return
		}
		logger.Info("repository analysis requested",
			zap.Int64("repo_id", repo.ID),
			zap.String("user_id", auth.UserID(r.Context())),
			zap.String("job_id", env.ID),
		)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "id": env.ID})
	})
}

// NewAcknowledgeHandler acknowledges an open trigger of a rule the caller owns.
func NewAcknowledgeHandler(triggers TriggerReader, acker Acknowledger, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "trigger id must be a positive integer")
			return
		}

		trigger, err := triggers.GetTrigger(r.Context(), id)
		if err == nil {
			var rule store.AlertRule
			rule, err = triggers.GetRule(r.Context(), trigger.AlertID)
			// Another user's trigger looks exactly like a missing one.
			if err == nil && rule.UserID != auth.UserID(r.Context()) {
				err = store.ErrNotFound
			}
		}
		if err == nil {
			err = acker.Acknowledge(r.Context(), id)
		}
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"status": "acknowledged"})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no active trigger with that id")
		default:
			logger.Error("acknowledge trigger failed", zap.Int64("trigger_id", id), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "trigger could not be acknowledged")
		}
	})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
