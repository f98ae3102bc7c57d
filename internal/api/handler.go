package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/rules"
)

const maxBodyBytes = 32 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	pipeline     *pipeline.Pipeline
	rules        *rules.Service
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	metrics      http.Handler
	version      string
	maxBatchSize int
}

// Deps are the collaborators of the HTTP layer. Cache, Bus and Metrics are optional.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Rules        *rules.Service
	Repo         domain.Repository
	Cache        domain.Cache
	Bus          domain.EventBus
	Metrics      http.Handler
	Version      string
	MaxBatchSize int
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps) *Handler {
	maxBatch := deps.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = 10000
	}
	return &Handler{
		pipeline:     deps.Pipeline,
		rules:        deps.Rules,
		repo:         deps.Repo,
		cache:        deps.Cache,
		bus:          deps.Bus,
		metrics:      deps.Metrics,
		version:      deps.Version,
		maxBatchSize: maxBatch,
	}
}

// BatchRequest is the request body for POST /batches.
type BatchRequest struct {
	Transactions []domain.Transaction `json:"transactions"`
	AutoReport   *bool                `json:"auto_report,omitempty"`
}

// Detect handles POST /detect.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	var tx domain.Transaction
	if err := decodeBody(r, &tx); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.pipeline.Detect(r.Context(), tx)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// DetectBatch handles POST /detect/batch. The body is a JSON array of
// transactions; the response maps transaction ids to results or errors.
func (h *Handler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	var txs []domain.Transaction
	if err := decodeBody(r, &txs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: expected a JSON array of transactions")
		return
	}
	if len(txs) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d exceeds the limit of %d", len(txs), h.maxBatchSize))
		return
	}

	results, err := h.pipeline.DetectBatch(r.Context(), txs)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// SubmitBatch handles POST /batches: detection plus auto-reporting.
// With ?async=true the batch is queued on the event bus and 202 is returned.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Transactions) > h.maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("batch of %d exceeds the limit of %d", len(req.Transactions), h.maxBatchSize))
		return
	}

	policy := h.pipeline.DefaultPolicy()
	if req.AutoReport != nil {
		policy = domain.PolicyDisabled
		if *req.AutoReport {
			policy = domain.PolicyEnabled
		}
	}

	async, _ := strconv.ParseBool(r.URL.Query().Get("async"))
	if async {
		outcome, err := h.pipeline.SubmitBatch(r.Context(), req.Transactions, policy)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		w.Header().Set("Location", "/batches/"+outcome.BatchID)
		writeJSON(w, http.StatusAccepted, outcome)
		return
	}

	outcome, err := h.pipeline.RunBatch(r.Context(), "", req.Transactions, policy)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// GetBatch handles GET /batches/{id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	outcome, err := h.pipeline.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "batch not found")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// GetDetection handles GET /detections/{id}.
func (h *Handler) GetDetection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := h.pipeline.GetDetection(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), "detection not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// Report handles POST /report. A recorded but unacknowledged report is
// still 200; the record carries reporting_acknowledged=false.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	var req domain.ReportRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.pipeline.Report(r.Context(), req)
	if rec != nil {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeError(w, statusFor(err), err.Error())
}

// ListReports handles GET /reports?transaction_id=.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	recs, err := h.repo.ListReports(r.Context(), r.URL.Query().Get("transaction_id"))
	if err != nil {
		slog.Error("failed to list reports", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}
	if recs == nil {
		recs = []domain.ReportRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Stats handles GET /stats?range=7d|30d|6m[&payer_id=...][&payee_id=...].
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng := q.Get("range")
	filter := domain.StatsFilter{PayerID: q.Get("payer_id"), PayeeID: q.Get("payee_id")}
	stats, err := h.pipeline.Stats(r.Context(), rng, filter)
	if errors.Is(err, pipeline.ErrUnsupportedRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("failed to compute stats", "range", rng, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if rng == "" {
		rng = pipeline.Range7Days
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"range":  rng,
		"filter": filter,
		"days":   stats,
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	list, err := h.rules.List(r.Context())
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	if list == nil {
		list = []domain.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

// GetRule handles GET /rules/{id}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	created, err := h.rules.Create(r.Context(), &rule)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateRule handles PUT /rules/{id}.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule: "+err.Error())
		return
	}

	updated, err := h.rules.Update(r.Context(), chi.URLParam(r, "id"), &rule)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteRule handles DELETE /rules/{id}.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if err := h.rules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ValidateRule handles POST /rules/validate: parse and validate only.
func (h *Handler) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var rule domain.Rule
	if err := decodeBody(r, &rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	if err := h.rules.Check(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true, "rule": rule})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}

	ctx := r.Context()
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("eventBus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"ready": "false"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"ready": "true"})
}

// Metrics serves Prometheus metrics.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.NotFound(w, r)
		return
	}
	h.metrics.ServeHTTP(w, r)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidTransaction),
		errors.Is(err, domain.ErrMalformedCondition),
		errors.Is(err, domain.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRuleExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrScoringUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrReportingFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body keeping numbers as json.Number, so amounts
// and ids survive without float rounding.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
