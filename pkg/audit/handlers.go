package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/phiguard/pkg/httputil"
	"github.com/platinummonkey/phiguard/pkg/observability"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxExportSize   = 100000
)

// Handlers serves the read-only audit admin API. There are no routes that
// modify the chain.
type Handlers struct {
	source   Source
	verifier *Verifier
	logger   *observability.Logger
}

// NewHandlers creates audit handlers over source.
func NewHandlers(source Source, verifier *Verifier, logger *observability.Logger) *Handlers {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Handlers{source: source, verifier: verifier, logger: logger}
}

// RegisterRoutes registers audit routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/head", h.getHead).Methods(http.MethodGet)
	router.HandleFunc("/audit/entries", h.listEntries).Methods(http.MethodGet)
	router.HandleFunc("/audit/verify", h.verify).Methods(http.MethodGet)
	router.HandleFunc("/audit/export", h.export).Methods(http.MethodGet)
}

// getHead handles GET /audit/head
func (h *Handlers) getHead(w http.ResponseWriter, r *http.Request) {
	head, err := h.source.Head(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, head)
}

// listEntries handles GET /audit/entries?from=&to=
func (h *Handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeParam(w, r, defaultPageSize)
	if !ok {
		return
	}
	if rng.Len() > maxPageSize {
		httputil.WriteBadRequest(w, fmt.Sprintf("range exceeds %d entries", maxPageSize))
		return
	}

	entries, err := h.source.ReadRange(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := checkDecoded(entries); err != nil {
		writeUndecodable(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"range":   rng,
		"count":   len(entries),
		"entries": entries,
	})
}

// verify handles GET /audit/verify?from=&to=. Mismatches are reported in
// the body with ok=false; they are findings, not request errors.
func (h *Handlers) verify(w http.ResponseWriter, r *http.Request) {
	rng, ok := h.rangeParam(w, r, 0)
	if !ok {
		return
	}

	report, err := h.verifier.Verify(r.Context(), rng)
	if err != nil && !errors.Is(err, ErrChainIntegrity) {
		h.fail(w, r, err)
		return
	}
	httputil.WriteSuccess(w, report)
}

// export handles GET /audit/export?from=&to=&format=
func (h *Handlers) export(w http.ResponseWriter, r *http.Request) {
	format, err := ParseExportFormat(httputil.ParseQueryString(r, "format", string(ExportFormatJSON)))
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	rng, ok := h.rangeParam(w, r, 0)
	if !ok {
		return
	}
	if rng.Len() > maxExportSize {
		httputil.WriteBadRequest(w, fmt.Sprintf("range exceeds %d entries", maxExportSize))
		return
	}

	entries, err := h.source.ReadRange(r.Context(), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := checkDecoded(entries); err != nil {
		writeUndecodable(w)
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=audit-%d-%d.%s", rng.From, rng.To, format))
	if err := Export(w, entries, format); err != nil {
		observability.FromContext(r.Context(), h.logger).WithError(err).Error("Audit export failed mid-stream")
	}
}

func writeUndecodable(w http.ResponseWriter) {
	httputil.WriteErrorMessage(w, http.StatusConflict, "range contains entries that cannot be decoded; run verification")
}

// rangeParam reads from/to. With no parameters it selects the last
// tailSize entries, or the whole chain when tailSize is 0. On failure the
// response has been written.
func (h *Handlers) rangeParam(w http.ResponseWriter, r *http.Request, tailSize int64) (Range, bool) {
	head, err := h.source.Head(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return Range{}, false
	}
	rng, err := parseRange(r, head, tailSize)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return Range{}, false
	}
	return rng, true
}

func parseRange(r *http.Request, head Head, tailSize int64) (Range, error) {
	defaultFrom := int64(0)
	if tailSize > 0 && head.Length > tailSize {
		defaultFrom = head.Length - tailSize
	}
	from, err := httputil.ParseQueryInt64(r, "from", defaultFrom)
	if err != nil {
		return Range{}, err
	}
	to, err := httputil.ParseQueryInt64(r, "to", head.Length)
	if err != nil {
		return Range{}, err
	}
	rng := Range{From: from, To: to}
	return rng, rng.Validate()
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	observability.FromContext(r.Context(), h.logger).WithError(err).Error("Audit request failed")
	if errors.Is(err, context.DeadlineExceeded) {
		httputil.WriteServiceUnavailable(w, "audit store did not respond in time")
		return
	}
	httputil.WriteInternalError(w)
}
