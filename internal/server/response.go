package server

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/ahmethakanbesel/social-resolver/internal/apperror"
)

type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[T]{
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse[string]{
		Message: message,
		Data:    "",
	})
}

// writeAppError maps err onto its HTTP status. Errors that are not an
// AppError are reported as 500 without leaking their text.
func writeAppError(w http.ResponseWriter, err error) {
	var ae *apperror.AppError
	if !errors.As(err, &ae) {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if ae.Code() == apperror.RateLimited {
		if d := ae.RetryAfter(); d > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
	}
	writeError(w, ae.HTTPStatus(), ae.Message())
}
