package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/incrementventures/adt-studio-sub000/internal/queue"
	"github.com/incrementventures/adt-studio-sub000/internal/storage"
	"github.com/incrementventures/adt-studio-sub000/internal/studio"
)

const maxRequestBodySize = 1 << 20 // 1MB

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// errorStatus maps domain errors to an HTTP status and error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrInvalidLabel):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, studio.ErrBookNotFound), errors.Is(err, queue.ErrJobNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, storage.ErrScopeDeleted):
		return http.StatusGone, "book_deleted"
	case errors.Is(err, storage.ErrSchemaMismatch):
		return http.StatusConflict, "schema_mismatch"
	case errors.Is(err, studio.ErrBookBusy):
		return http.StatusConflict, "book_busy"
	}
	return http.StatusInternalServerError, "api_error"
}

func writeError(w http.ResponseWriter, err error) {
	code, typ := errorStatus(err)
	httpError(w, code, typ, "%v", err)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
