package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/xela07ax/intel-pipeline/internal/domain"
	"go.uber.org/zap"
)

type errorBody struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retry_after,omitempty"` // секунды
}

// writeError переводит доменные ошибки в HTTP-коды.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var rlErr *domain.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		secs := retryAfterSeconds(rlErr)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded", RetryAfter: secs})
	case errors.Is(err, domain.ErrInvalidAgent):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrNotAdmin):
		writeJSON(w, http.StatusForbidden, errorBody{Error: err.Error()})
	case errors.Is(err, domain.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorBody{Error: domain.ErrAlreadyRunning.Error()})
	default:
		logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// Retry-After в целых секундах, с округлением вверх и не меньше 1.
func retryAfterSeconds(e *domain.RateLimitError) int64 {
	secs := int64(math.Ceil(e.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
