package middleware

import (
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// RecoveryMiddleware recovers from panics in handlers and logs them.
type RecoveryMiddleware struct {
	logger *zap.Logger
}

// NewRecoveryMiddleware creates a new recovery middleware.
func NewRecoveryMiddleware(logger *zap.Logger) *RecoveryMiddleware {
	return &RecoveryMiddleware{
		logger: logger,
	}
}

// Handler wraps an http.Handler with panic recovery.
func (rm *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			// Let the server abort the connection as it would without us.
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			rm.logger.Error("panic recovered",
				zap.Any("error", rec),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("stack", string(debug.Stack())),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":"internal server error"}`))
		}()

		next.ServeHTTP(w, r)
	})
}
