// Package webhook admits GitHub webhook deliveries and fans them out to the analysis queues.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cam3ron2/devpulse/internal/queue"
	"github.com/google/go-github/v75/github"
	"go.uber.org/zap"
)

// maxBodyBytes bounds one delivery. GitHub caps payloads at 25 MB.
const maxBodyBytes = 25 << 20

// Admitter persists a verified delivery once per delivery id.
type Admitter interface {
	EnqueueWebhook(ctx context.Context, deliveryID, event string, body []byte) (queue.Envelope, bool, error)
}

// Intake is the HTTP endpoint GitHub posts deliveries to.
type Intake struct {
	secret   []byte
	admitter Admitter
	logger   *zap.Logger
}

// NewIntake creates the intake handler. An empty secret accepts unsigned deliveries.
func NewIntake(secret string, admitter Admitter, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{secret: []byte(secret), admitter: admitter, logger: logger}
}

type intakeResponse struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// ServeHTTP verifies the signature, dedups by delivery id and enqueues the payload.
func (h *Intake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	payload, err := github.ValidatePayload(r, h.secret)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.logger.Warn("webhook signature rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	if event == "" {
		http.Error(w, "missing event header", http.StatusBadRequest)
		return
	}
	if event == "ping" {
		writeJSON(w, http.StatusOK, intakeResponse{Status: "pong"})
		return
	}

	env, admitted, err := h.admitter.EnqueueWebhook(r.Context(), deliveryID, event, payload)
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		h.logger.Warn("webhook payload rejected", zap.String("event", event), zap.String("delivery_id", deliveryID), zap.Error(err))
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	case err != nil:
		// GitHub redelivers on 5xx.
		h.logger.Error("webhook enqueue failed", zap.String("event", event), zap.String("delivery_id", deliveryID), zap.Error(err))
		http.Error(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	case !admitted:
		writeJSON(w, http.StatusOK, intakeResponse{Status: "duplicate"})
		return
	}

	h.logger.Debug("webhook admitted", zap.String("event", event), zap.String("delivery_id", deliveryID), zap.String("envelope_id", env.ID))
	writeJSON(w, http.StatusAccepted, intakeResponse{Status: "queued", ID: env.ID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
