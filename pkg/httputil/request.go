package httputil

import (
	"fmt"
	"net/http"
	"strconv"
)

// ParseQueryInt64 parses an optional integer query parameter.
func ParseQueryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s parameter: must be an integer", key)
	}
	return v, nil
}

// ParseQueryString returns a query parameter or a default.
func ParseQueryString(r *http.Request, key string, defaultVal string) string {
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return defaultVal
}
