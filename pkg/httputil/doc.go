// Package httputil provides JSON response writers and query parsing helpers
// shared by the admin and health handlers.
//
//	httputil.WriteJSON(w, http.StatusOK, report)
//	httputil.WriteBadRequest(w, "from must be a non-negative integer")
//
// Error bodies are always {"error": "..."}. Callers are responsible for
// keeping protected values out of messages.
package httputil
