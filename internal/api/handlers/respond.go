package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/sapling/internal/api/middlewares"
	"github.com/markdave123-py/sapling/internal/core"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeValidation reports ozzo field errors as {"error": ..., "fields": {...}}.
func writeValidation(w http.ResponseWriter, err error) {
	var fields validation.Errors
	if errors.As(err, &fields) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": fields})
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// writeStoreError maps store errors to status codes and logs anything unexpected.
func writeStoreError(w http.ResponseWriter, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, core.ErrSpaceNotFound):
		writeError(w, http.StatusNotFound, "space not found")
	case errors.Is(err, core.ErrSourceNotFound):
		writeError(w, http.StatusNotFound, "source not found")
	default:
		log.Error("store error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_id not found in context")
	}
	return id, ok
}
