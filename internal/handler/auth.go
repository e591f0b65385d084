package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/examgrader/internal/model"
)

// StudentHeader carries the caller identity resolved by the upstream identity service.
const StudentHeader = "X-Student-ID"

// requireStudent rejects requests without a valid student identity and
// stores the student ID in the request context.
func requireStudent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.Header.Get(StudentHeader), 10, 64)
		if err != nil || id <= 0 {
			writeMessage(w, r, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		ctx := model.ContextWithStudent(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
