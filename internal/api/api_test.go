package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/detect"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/metrics"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/report"
	"github.com/opensource-finance/fraudwatch/internal/repository"
	"github.com/opensource-finance/fraudwatch/internal/rules"
	"github.com/opensource-finance/fraudwatch/internal/scoring"
)

// createTestServer wires the full stack on in-memory backends.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	cfg := domain.DefaultConfig()
	cfg.Server.MaxBatchSize = 5

	repo := repository.NewMemory()
	lru := cache.NewLRUCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	model, err := scoring.New(cfg.Scoring)
	if err != nil {
		t.Fatalf("failed to create scoring model: %v", err)
	}
	collector := metrics.NewCollector()
	ruleService := rules.NewService(repo)

	p := pipeline.New(pipeline.Deps{
		Rules:    ruleService,
		Detector: detect.New(model),
		Reporter: report.New(report.LocalSink{}, repo, "", 4),
		Store:    repo,
		Cache:    lru,
		Bus:      eventBus,
		Metrics:  collector,
	})

	return NewServer(cfg.Server, Deps{
		Pipeline: p,
		Rules:    ruleService,
		Repo:     repo,
		Cache:    lru,
		Bus:      eventBus,
		Metrics:  collector.Handler(),
		Version:  "test-v1",
	})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

const mobileRule = `{
	"rule_id": "mobile-upi",
	"name": "Mobile UPI",
	"fraud_reason": "Suspicious mobile UPI payment",
	"priority": 1,
	"enabled": true,
	"condition": {
		"operator": "and",
		"conditions": [
			{"field": "transaction_channel", "operator": "==", "value": "mobile"},
			{"field": "transaction_payment_mode", "operator": "in", "value": ["UPI", "Wallet"]}
		]
	}
}`

func TestDetectEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("ModelFlagsHighAmount", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", `{"transaction_id":"tx-1","transaction_amount":1500}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var res domain.DetectionResult
		decode(t, rr, &res)
		if !res.IsFraud || res.FraudSource != domain.SourceModel {
			t.Errorf("expected model fraud, got %+v", res)
		}
		if res.FraudScore != 0.92 {
			t.Errorf("expected score 0.92, got %v", res.FraudScore)
		}
		if res.FraudReason != domain.ReasonHighRisk {
			t.Errorf("expected reason %q, got %q", domain.ReasonHighRisk, res.FraudReason)
		}
	})

	t.Run("LegacyAmountField", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", `{"transaction_id":"tx-2","amount":10}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.DetectionResult
		decode(t, rr, &res)
		if res.IsFraud {
			t.Errorf("expected no fraud, got %+v", res)
		}
	})

	t.Run("MissingAmount", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", `{"transaction_id":"tx-3"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect", `{not json`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("RuleOverridesModel", func(t *testing.T) {
		if rr := do(t, server, http.MethodPost, "/rules", mobileRule); rr.Code != http.StatusCreated {
			t.Fatalf("create rule: expected 201, got %d: %s", rr.Code, rr.Body.String())
		}

		rr := do(t, server, http.MethodPost, "/detect",
			`{"transaction_id":"tx-4","transaction_amount":20,"transaction_channel":"mobile","transaction_payment_mode":"UPI"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var res domain.DetectionResult
		decode(t, rr, &res)
		if !res.IsFraud || res.FraudSource != domain.SourceRule || res.RuleID != "mobile-upi" {
			t.Errorf("expected rule fraud, got %+v", res)
		}
		if res.FraudReason != "Suspicious mobile UPI payment" {
			t.Errorf("unexpected reason %q", res.FraudReason)
		}
	})

	t.Run("GetDetection", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/detections/tx-4", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var res domain.DetectionResult
		decode(t, rr, &res)
		if res.RuleID != "mobile-upi" {
			t.Errorf("expected stored rule detection, got %+v", res)
		}

		if rr := do(t, server, http.MethodGet, "/detections/unknown", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestDetectBatchEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("MixedBatch", func(t *testing.T) {
		body := `[
			{"transaction_id":"a","transaction_amount":5000},
			{"transaction_id":"b"},
			{"transaction_id":"c","transaction_amount":1}
		]`
		rr := do(t, server, http.MethodPost, "/detect/batch", body)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var results map[string]json.RawMessage
		decode(t, rr, &results)
		if len(results) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(results))
		}
		if !strings.Contains(string(results["b"]), `"error"`) {
			t.Errorf("expected error entry for b, got %s", results["b"])
		}

		var a domain.DetectionResult
		if err := json.Unmarshal(results["a"], &a); err != nil {
			t.Fatalf("decode a: %v", err)
		}
		if !a.IsFraud {
			t.Errorf("expected a flagged, got %+v", a)
		}
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect/batch", `[]`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if strings.TrimSpace(rr.Body.String()) != "{}" {
			t.Errorf("expected empty object, got %s", rr.Body.String())
		}
	})

	t.Run("NotAnArray", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect/batch", `{"transaction_id":"a"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("TooLarge", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/detect/batch", `[{},{},{},{},{},{}]`)
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("expected status 413, got %d", rr.Code)
		}
	})
}

func TestBatchesEndpoint(t *testing.T) {
	server := createTestServer(t)

	body := `{"transactions":[
		{"transaction_id":"t1","transaction_amount":2000},
		{"transaction_id":"t2","transaction_amount":3000},
		{"transaction_id":"t3","transaction_amount":10}
	]}`
	rr := do(t, server, http.MethodPost, "/batches", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var outcome pipeline.BatchOutcome
	decode(t, rr, &outcome)
	if outcome.Status != pipeline.StatusCompleted {
		t.Errorf("expected completed, got %s", outcome.Status)
	}
	if outcome.Summary.Total != 3 || outcome.Summary.Flagged != 2 {
		t.Errorf("unexpected summary %+v", outcome.Summary)
	}
	if len(outcome.Reports) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(outcome.Reports))
	}
	for id, st := range outcome.Reports {
		if !st.Success {
			t.Errorf("report %s failed: %s", id, st.Message)
		}
	}

	t.Run("GetBatch", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/batches/"+outcome.BatchID, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/batches/nope", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("ReportsListed", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/reports?transaction_id=t1", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var recs []domain.ReportRecord
		decode(t, rr, &recs)
		if len(recs) != 1 || recs[0].Source != domain.ReportAuto {
			t.Errorf("expected one auto report, got %+v", recs)
		}
	})

	t.Run("AutoReportDisabled", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/batches",
			`{"transactions":[{"transaction_id":"t9","transaction_amount":9000}],"auto_report":false}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var out pipeline.BatchOutcome
		decode(t, rr, &out)
		if len(out.Reports) != 0 {
			t.Errorf("expected no reports, got %v", out.Reports)
		}
	})

	t.Run("Async", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/batches?async=true",
			`{"transactions":[{"transaction_id":"t10","transaction_amount":1}]}`)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
		}
		var out pipeline.BatchOutcome
		decode(t, rr, &out)
		if out.Status != pipeline.StatusPending || out.BatchID == "" {
			t.Errorf("expected pending outcome, got %+v", out)
		}
		if rr.Header().Get("Location") != "/batches/"+out.BatchID {
			t.Errorf("unexpected Location %q", rr.Header().Get("Location"))
		}
	})
}

func TestReportEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("Manual", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/report",
			`{"transaction_id":"tx-9","reporting_entity_id":"bank-1","fraud_details":"card cloned"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rec domain.ReportRecord
		decode(t, rr, &rec)
		if rec.ReportID == "" || !rec.ReportingAcknowledged || rec.Source != domain.ReportManual {
			t.Errorf("unexpected record %+v", rec)
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/report", `{"transaction_id":"tx-9"}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NoDedup", func(t *testing.T) {
		do(t, server, http.MethodPost, "/report",
			`{"transaction_id":"tx-9","reporting_entity_id":"bank-1","fraud_details":"again"}`)
		rr := do(t, server, http.MethodGet, "/reports?transaction_id=tx-9", "")
		var recs []domain.ReportRecord
		decode(t, rr, &recs)
		if len(recs) != 2 {
			t.Errorf("expected 2 reports, got %d", len(recs))
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("Create", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", mobileRule)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var rule domain.Rule
		decode(t, rr, &rule)
		g, ok := rule.Condition.(domain.Group)
		if !ok || g.Operator != domain.OpAnd {
			t.Errorf("expected normalized AND group, got %#v", rule.Condition)
		}
	})

	t.Run("Duplicate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules", mobileRule)
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d", rr.Code)
		}
	})

	t.Run("MalformedLeavesStoreUnchanged", func(t *testing.T) {
		bad := `{"rule_id":"bad","fraud_reason":"x","enabled":true,"condition":{"field":"amount","operator":"~=","value":1}}`
		rr := do(t, server, http.MethodPost, "/rules", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodGet, "/rules/bad", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 for rejected rule, got %d", rr.Code)
		}
	})

	t.Run("Validate", func(t *testing.T) {
		rr := do(t, server, http.MethodPost, "/rules/validate",
			`{"rule_id":"dry","fraud_reason":"x","condition":{"operator":"OR","conditions":[]}}`)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for empty group, got %d", rr.Code)
		}
		rr = do(t, server, http.MethodPost, "/rules/validate",
			`{"rule_id":"dry","fraud_reason":"x","condition":{"field":"transaction_amount","operator":">","value":10}}`)
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/rules", "")
		var resp struct {
			Count int `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})

	t.Run("Update", func(t *testing.T) {
		updated := strings.Replace(mobileRule, `"priority": 1`, `"priority": 7`, 1)
		rr := do(t, server, http.MethodPut, "/rules/mobile-upi", updated)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var rule domain.Rule
		decode(t, rr, &rule)
		if rule.Priority != 7 {
			t.Errorf("expected priority 7, got %d", rule.Priority)
		}

		missing := strings.Replace(mobileRule, `"mobile-upi"`, `"ghost"`, 1)
		if rr := do(t, server, http.MethodPut, "/rules/ghost", missing); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodPut, "/rules/other", mobileRule); rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for mismatched id, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rr := do(t, server, http.MethodDelete, "/rules/mobile-upi", ""); rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if rr := do(t, server, http.MethodDelete, "/rules/mobile-upi", ""); rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestStatsEndpoint(t *testing.T) {
	server := createTestServer(t)
	do(t, server, http.MethodPost, "/detect", `{"transaction_id":"s1","transaction_amount":5000,"payer_id":"alice"}`)
	do(t, server, http.MethodPost, "/detect", `{"transaction_id":"s2","transaction_amount":7000,"payer_id":"bob"}`)

	rr := do(t, server, http.MethodGet, "/stats?range=7d", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Range string             `json:"range"`
		Days  []domain.DailyStat `json:"days"`
	}
	decode(t, rr, &resp)
	if len(resp.Days) != 7 {
		t.Fatalf("expected 7 days, got %d", len(resp.Days))
	}
	if last := resp.Days[6]; last.Predicted != 2 {
		t.Errorf("expected today's predicted count 2, got %+v", last)
	}

	rr = do(t, server, http.MethodGet, "/stats?range=7d&payer_id=alice", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &resp)
	if last := resp.Days[6]; last.Predicted != 1 {
		t.Errorf("expected alice's predicted count 1, got %+v", last)
	}

	if rr := do(t, server, http.MethodGet, "/stats?range=1y", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rr.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "")
		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
		var resp map[string]any
		decode(t, rr, &resp)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		if rr := do(t, server, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		do(t, server, http.MethodPost, "/detect", `{"transaction_id":"m1","transaction_amount":5}`)
		rr := do(t, server, http.MethodGet, "/metrics", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "fraudwatch_detections_total") {
			t.Error("expected fraudwatch_detections_total in metrics output")
		}
	})
}

func TestMiddleware(t *testing.T) {
	server := createTestServer(t)

	t.Run("RequestIDGenerated", func(t *testing.T) {
		rr := do(t, server, http.MethodGet, "/health", "")
		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID header")
		}
		if rr.Header().Get(TraceIDHeader) == "" {
			t.Error("expected X-Trace-ID header")
		}
	})

	t.Run("RequestIDPropagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if got := rr.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected req-123, got %s", got)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/detect", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Errorf("expected status 204, got %d", rr.Code)
		}
		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
			t.Errorf("unexpected allow origin %q", got)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidTransaction, http.StatusBadRequest},
		{domain.ErrMalformedCondition, http.StatusBadRequest},
		{domain.ErrRuleExists, http.StatusConflict},
		{domain.ErrRuleNotFound, http.StatusNotFound},
		{domain.ErrNotFound, http.StatusNotFound},
		{domain.ErrScoringUnavailable, http.StatusServiceUnavailable},
		{domain.ErrReportingFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
