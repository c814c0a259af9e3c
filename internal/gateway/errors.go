package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/basket/voxdesk/internal/persistence"
	"github.com/basket/voxdesk/internal/queue"
	"github.com/basket/voxdesk/internal/redact"
	"github.com/basket/voxdesk/internal/voice"
)

var (
	errInvalidParams   = errors.New("invalid parameters")
	errUnknownAction   = errors.New("unknown action")
	errNoRecording     = errors.New("recording not available")
	errWebhookDisabled = errors.New("voice webhooks not configured")
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes. Provider failures keep
// the provider's status.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, queue.ErrUnauthenticated),
		errors.Is(err, redact.ErrInvalidToken),
		errors.Is(err, redact.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, queue.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, persistence.ErrNotFound),
		errors.Is(err, queue.ErrCampaignNotFound),
		errors.Is(err, errUnknownAction),
		errors.Is(err, errNoRecording):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrAllLeadsAlreadyQueued):
		return http.StatusConflict
	case errors.Is(err, errInvalidParams),
		errors.Is(err, queue.ErrNoLeadsSelected),
		errors.Is(err, queue.ErrNoAgentAssigned),
		errors.Is(err, queue.ErrNoFailedItems):
		return http.StatusBadRequest
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, queue.ErrInsufficientCredits):
		return http.StatusPaymentRequired
	case errors.Is(err, voice.ErrProviderUnavailable),
		errors.Is(err, redact.ErrNoSigningKey),
		errors.Is(err, errWebhookDisabled):
		return http.StatusServiceUnavailable
	}
	if code := voice.StatusCode(err); code >= 400 {
		return code
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}
	switch status {
	case http.StatusForbidden:
		body = errorBody{Error: "forbidden"}
	case http.StatusUnauthorized:
		body = errorBody{Error: "unauthorized"}
	}
	var apiErr *voice.APIError
	if errors.As(err, &apiErr) {
		body = errorBody{Error: "voice provider error", Details: apiErr.Body}
	}
	writeJSON(w, status, body)
}
