package observability

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/platinummonkey/phiguard/pkg/httputil"
)

// RecoverPanic recovers from a panic and logs it. Use in a defer.
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logger.WithField("panic", fmt.Sprint(r)).
			WithField("stack", string(debug.Stack())).
			WithField("context", where).
			Error("PANIC recovered")
	}
}

// RecoveryMiddleware turns handler panics into a 500 without echoing the
// panic value to the client.
func RecoveryMiddleware(logger *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					FromContext(r.Context(), logger).
						WithField("panic", fmt.Sprint(rec)).
						WithField("path", r.URL.Path).
						Error("PANIC recovered in handler")
					httputil.WriteErrorMessage(w, http.StatusInternalServerError, "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
