package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"code-sandbox/internal/pipeline"
	"code-sandbox/internal/storage"
)

type Handlers struct {
	pipeline *pipeline.Pipeline
	store    storage.Store
}

// NewHandlers wires the handlers. store may be nil, in which case the audit
// query endpoints answer 503.
func NewHandlers(p *pipeline.Pipeline, store storage.Store) *Handlers {
	return &Handlers{
		pipeline: p,
		store:    store,
	}
}

func (h *Handlers) decodeSubmission(w http.ResponseWriter, r *http.Request) (pipeline.Submission, bool) {
	var req SubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return pipeline.Submission{}, false
	}
	if req.Source == "" {
		writeError(w, "source is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return pipeline.Submission{}, false
	}
	return pipeline.Submission{
		Source:     req.Source,
		Policy:     req.Limits.policy(),
		Network:    req.Network.policy(),
		RequestIP:  r.RemoteAddr,
		APIKeyHash: APIKeyHashFromContext(r.Context()),
	}, true
}

// HandleSubmit analyzes and, if safe, runs a submission.
func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	out, err := h.pipeline.Submit(r.Context(), sub)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newSubmissionResponse(out))
}

// HandleSubmitStream runs a submission and streams stdout/stderr as SSE,
// followed by a done event carrying the full outcome.
func (h *Handlers) HandleSubmitStream(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.decodeSubmission(w, r)
	if !ok {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	out, err := h.pipeline.SubmitStreaming(r.Context(), sub, stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming submission failed")
		_ = stream.Send("error", errorCode(err))
		return
	}

	doneData, err := json.Marshal(newSubmissionResponse(out))
	if err != nil {
		_ = stream.Send("error", "INTERNAL")
		return
	}
	_ = stream.Send("done", string(doneData))
}

// HandleAnalyze returns the static analysis verdict without running anything.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	v, err := h.pipeline.Analyze(r.Context(), req.Source)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newVerdictResponse(v))
}

// HandleLimits reports the defaults applied to submissions without overrides.
func (h *Handlers) HandleLimits(w http.ResponseWriter, r *http.Request) {
	p := h.pipeline.DefaultPolicy()
	writeJSON(w, http.StatusOK, LimitsResponse{
		CPUSeconds:    p.CPUSeconds,
		MemoryBytes:   p.MemoryBytes,
		FileSizeBytes: p.FileSizeBytes,
		MaxProcesses:  p.MaxProcesses,
		WallTimeout:   Duration{p.WallTimeout},
		Network:       h.pipeline.DefaultNetwork(),
		Backend:       h.pipeline.Backend().Name(),
	})
}

func (h *Handlers) HandleListSubmissions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "audit storage not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.SubmissionFilter{
		Verdict: q.Get("verdict"),
		Outcome: q.Get("outcome"),
		Limit:   queryInt(q.Get("limit")),
		Offset:  queryInt(q.Get("offset")),
	}

	subs, err := h.store.ListSubmissions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing submissions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if subs == nil {
		subs = []storage.Submission{}
	}
	writeJSON(w, http.StatusOK, subs)
}

// HandleSubmissionAudit returns the stored trail of one submission in
// append order.
func (h *Handlers) HandleSubmissionAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "submission ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	h.listAudit(w, r, storage.AuditFilter{
		SubmissionID: id,
		Kind:         r.URL.Query().Get("kind"),
		Limit:        queryInt(r.URL.Query().Get("limit")),
	})
}

// HandleAudit returns recent audit records across submissions.
func (h *Handlers) HandleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	h.listAudit(w, r, storage.AuditFilter{
		SubmissionID: q.Get("submission_id"),
		Kind:         q.Get("kind"),
		Limit:        queryInt(q.Get("limit")),
	})
}

func (h *Handlers) listAudit(w http.ResponseWriter, r *http.Request, filter storage.AuditFilter) {
	if h.store == nil {
		writeError(w, "audit storage not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	records, err := h.store.ListAudit(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing audit records failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if records == nil {
		records = []storage.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	switch code := errorCode(err); code {
	case "VALIDATION_ERROR":
		writeError(w, err.Error(), code, http.StatusBadRequest, r)
	case "CANCELED":
		writeError(w, "request canceled", code, http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("submission failed")
		writeError(w, "execution failed", code, http.StatusInternalServerError, r)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrInvalidSubmission):
		return "VALIDATION_ERROR"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "CANCELED"
	default:
		return "EXECUTION_FAILED"
	}
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
