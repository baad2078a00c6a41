package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/V4T54L/agent-monitor/internal/domain"
)

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func respondWithJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, logger *slog.Logger, code int, msg string) {
	respondWithJSON(w, logger, code, errorResponse{Error: msg})
}

// writeError maps domain errors to HTTP statuses. Unknown errors are logged
// and reported as 500 without their text.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		ingestErr *domain.IngestionError
		ruleErr   *domain.RuleConfigError
		valErr    *domain.ValidationError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, logger, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		respondWithError(w, logger, http.StatusConflict, err.Error())
	case errors.As(err, &ingestErr):
		respondWithJSON(w, logger, http.StatusBadRequest, errorResponse{Error: "invalid metric points", Details: flatten(err)})
	case errors.As(err, &ruleErr), errors.As(err, &valErr):
		respondWithError(w, logger, http.StatusBadRequest, err.Error())
	default:
		logger.Error("request failed", "error", err)
		respondWithError(w, logger, http.StatusInternalServerError, "internal server error")
	}
}

// flatten lists the messages of a joined error.
func flatten(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, &domain.ValidationError{Field: "id", Reason: "must be a UUID"}
	}
	return id, nil
}
