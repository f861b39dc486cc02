package chi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/marcelsud/payment-inbox/event"
	"github.com/marcelsud/payment-inbox/signature"
)

/* HTTP layer DTOs for the intake API
 * Separate from domain entities to avoid leaking internal structure
 */

// eventResponse is the intake acknowledgment
// The sender only ever learns "accepted" (new or duplicate) or
// "rejected for bad signature"; processing outcome is never exposed here
type eventResponse struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
}

// eventDetailResponse is the audit view of a stored event
type eventDetailResponse struct {
	EventID      string `json:"event_id"`
	EventType    string `json:"event_type"`
	Status       string `json:"status"`
	RetryCount   int    `json:"retry_count"`
	ErrorMessage string `json:"error_message,omitempty"`
	ReceivedAt   string `json:"received_at"`
	ProcessedAt  string `json:"processed_at,omitempty"`
}

// retryResponse reports the manual recovery outcome
type retryResponse struct {
	Requeued int `json:"requeued"`
}

// postEvent handles POST /v1/events: the payment processor intake endpoint
func postEvent(service event.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The raw body bytes are what the signature covers; no
		// intermediate re-serialization is permitted.
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		result, err := service.Ingest(r.Context(), event.IngestRequest{
			EventID:   r.Header.Get(signature.HeaderID),
			Timestamp: r.Header.Get(signature.HeaderTimestamp),
			Signature: r.Header.Get(signature.HeaderSignature),
			Body:      body,
		})
		if errors.Is(err, signature.ErrInvalidSignature) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		if err != nil {
			// Anything else at this stage is a malformed notification.
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// Duplicate deliveries are acknowledged, never re-processed.
		status := http.StatusAccepted
		if result.Duplicate {
			status = http.StatusOK
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(eventResponse{
			EventID:   result.EventID,
			Duplicate: result.Duplicate,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// getEvent handles GET /v1/events/{event_id}
func getEvent(service event.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "event_id")
		if id == "" {
			http.Error(w, "event_id is required", http.StatusBadRequest)
			return
		}

		e, err := service.Get(r.Context(), id)
		if errors.Is(err, event.ErrNotFound) {
			http.Error(w, "event not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := eventDetailResponse{
			EventID:      e.ID,
			EventType:    e.Type,
			Status:       e.Status.String(),
			RetryCount:   e.RetryCount,
			ErrorMessage: e.ErrorMessage,
			ReceivedAt:   e.ReceivedAt.UTC().Format(time.RFC3339),
		}
		if !e.ProcessedAt.IsZero() {
			resp.ProcessedAt = e.ProcessedAt.UTC().Format(time.RFC3339)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// retryFailedEvents handles POST /v1/events/retry-failed?max=N:
// the operator-triggered recovery surface for permanently failed events
func retryFailedEvents(service event.UseCase) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		max := 100
		if v := r.URL.Query().Get("max"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				http.Error(w, "max must be a positive integer", http.StatusBadRequest)
				return
			}
			max = parsed
		}

		requeued, err := service.RetryFailed(r.Context(), max)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(retryResponse{Requeued: requeued}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}
