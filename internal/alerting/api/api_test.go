package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/controlplane/internal/alerting/service/anomaly"
	"github.com/qiniu/controlplane/internal/alerting/service/audit"
	"github.com/qiniu/controlplane/internal/alerting/service/autoheal"
	"github.com/qiniu/controlplane/internal/alerting/service/delivery"
	"github.com/qiniu/controlplane/internal/alerting/service/learner"
	"github.com/qiniu/controlplane/internal/alerting/service/registry"
	"github.com/qiniu/controlplane/internal/alerting/service/ruleset"
	"github.com/qiniu/controlplane/internal/config"
	"github.com/qiniu/controlplane/internal/middleware"
)

type testServer struct {
	router     *gin.Engine
	deliveries *delivery.Engine
	hook       *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith builds the stack with the given channel map (nil maps ops and security to the
// hook) and rules already persisted before start-up.
func newTestServerWith(t *testing.T, channels map[string]string, stored ...*ruleset.Rule) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(hook.Close)

	ledger := audit.NewLedger(audit.NewMemStore())
	ln := learner.New(learner.DefaultConfig(), ledger)
	reg := registry.New(registry.NewMemStore(), "/ping")

	dcfg := delivery.DefaultConfig()
	dcfg.MaxAttempts = 1
	dcfg.Channels = channels
	if dcfg.Channels == nil {
		dcfg.Channels = map[string]string{"ops": hook.URL, "security": hook.URL}
	}
	engine := delivery.NewEngine(dcfg, delivery.Deps{
		Store:    delivery.NewMemStore(),
		Sender:   delivery.NewHTTPSender(hook.Client(), 0, ""),
		Auditor:  ledger,
		Observer: ln,
	})
	ruleStore := ruleset.NewMemStore()
	for _, r := range stored {
		require.NoError(t, ruleStore.CreateRule(context.Background(), r))
	}
	rules := ruleset.NewManager(ruleStore, engine, ledger, ruleset.DefaultTemplates(), nil)
	require.NoError(t, rules.LoadRules(context.Background()))
	engine.SetRules(rules)

	heal := autoheal.New(autoheal.DefaultConfig(), autoheal.Deps{
		Services: reg,
		Signals:  rules,
		Auditor:  ledger,
		Feedback: ln,
		Snapshot: ln.Snapshot,
	})

	stats := middleware.NewRequestStats()
	router := gin.New()
	router.Use(stats.Middleware(), middleware.Authentication(config.AuthConfig{}))
	NewApi(router, Deps{
		Registry:   reg,
		Detector:   anomaly.NewDetector(anomaly.DefaultConfig()),
		Rules:      rules,
		Deliveries: engine,
		Autoheal:   heal,
		Learner:    ln,
		Ledger:     ledger,
		Stats:      stats,
	})
	return &testServer{router: router, deliveries: engine, hook: hook}
}

func (s *testServer) do(t *testing.T, method, path, roles string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if roles != "" {
		req.Header.Set("X-User-ID", "tester")
		req.Header.Set("X-User-Roles", roles)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var out map[string]any
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") != "" && bytes.HasPrefix(bytes.TrimSpace(w.Body.Bytes()), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestApi_AccessControl(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/v1/services", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, body["error"].(map[string]any)["message"], "missing identity")

	w, _ = s.do(t, http.MethodPost, "/v1/register", "viewer", map[string]any{"name": "svc-a", "url": "http://svc-a:9000"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodGet, "/v1/services", "viewer", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = s.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(t, http.MethodGet, "/v1/audit/stats", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["denied_401_unauthorized"])
	assert.EqualValues(t, 1, body["denied_403_forbidden"])
	assert.EqualValues(t, 4, body["total_requests"], "the stats request itself is counted after it completes")
}

func TestApi_ServiceRoleCannotDeleteRegistrations(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodPost, "/v1/register", "admin", map[string]any{"name": "svc-a", "url": "http://svc-a:9000"})
	require.Equal(t, http.StatusOK, w.Code)

	w, body := s.do(t, http.MethodDelete, "/v1/services/svc-a", "service", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "authorization_insufficient", body["error"].(map[string]any)["kind"])

	w, body = s.do(t, http.MethodGet, "/v1/services", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["count"])

	w, _ = s.do(t, http.MethodPost, "/v1/events", "service", map[string]any{"tenant_id": "acme", "event_type": "heartbeat"})
	assert.Equal(t, http.StatusOK, w.Code, "services may still report events")
}

func TestApi_UnresolvableChannelIsRejectedAtMaterialize(t *testing.T) {
	s := newTestServerWith(t, map[string]string{})

	w, body := s.do(t, http.MethodPost, "/v1/rules", "operator", map[string]any{"template_id": "service-unhealthy", "tenant_id": "acme"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"].(map[string]any)["kind"])

	w, _ = s.do(t, http.MethodPost, "/v1/rules", "operator", map[string]any{
		"template_id": "service-unhealthy", "tenant_id": "acme", "target_webhook": s.hook.URL,
	})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestApi_EventIngestionIsFailOpen(t *testing.T) {
	// persisted while a "pager" channel was still configured
	stale := &ruleset.Rule{
		Template: ruleset.Template{
			ID: "rule-pager", Name: "Service unhealthy", EventType: "service_unhealthy", Severity: "critical",
			WindowSeconds: 300, Threshold: 1, TargetChannel: "pager", TenantID: "acme",
		},
		TemplateID: "service-unhealthy",
	}
	s := newTestServerWith(t, map[string]string{}, stale)

	w, body := s.do(t, http.MethodPost, "/v1/events", "service", map[string]any{"tenant_id": "acme", "event_type": "service_unhealthy"})
	require.Equal(t, http.StatusOK, w.Code)
	fired := body["fired"].([]any)
	require.Len(t, fired, 1)
	f := fired[0].(map[string]any)
	assert.Equal(t, "rule-pager", f["rule_id"])
	assert.Empty(t, f["delivery_ids"])
	assert.Contains(t, f["error"], "pager")
}

func TestApi_RegistryScenario(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPost, "/v1/register", "service", map[string]any{"name": "svc-a", "url": "http://svc-a:9000"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["service_count"])

	w, body = s.do(t, http.MethodGet, "/v1/services", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	services := body["services"].([]any)
	require.Len(t, services, 1)
	assert.Equal(t, "http://svc-a:9000/ping", services[0].(map[string]any)["health_url"])

	w, body = s.do(t, http.MethodDelete, "/v1/services/svc-a", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "svc-a", body["deleted"])
	assert.EqualValues(t, 0, body["remaining_count"])

	w, body = s.do(t, http.MethodDelete, "/v1/services/svc-a", "operator", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["kind"])

	w, _ = s.do(t, http.MethodPost, "/v1/register", "service", map[string]any{"name": "bad", "url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApi_AutohealHistoryLimitIsCapped(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodGet, "/v1/autoheal/history?limit=100", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 50, body["limit"])
	assert.LessOrEqual(t, len(body["history"].([]any)), 50)

	w, body = s.do(t, http.MethodGet, "/v1/autoheal/stats", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["total_attempts"])
	assert.EqualValues(t, 0, body["success_rate"])

	w, body = s.do(t, http.MethodGet, "/v1/autoheal/status", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 30, body["interval_seconds"])

	w, _ = s.do(t, http.MethodGet, "/v1/autoheal/history?limit=abc", "viewer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApi_DeliveryLifecycle(t *testing.T) {
	s := newTestServer(t)

	w, rule := s.do(t, http.MethodPost, "/v1/rules", "operator", map[string]any{"template_id": "service-unhealthy", "tenant_id": "acme"})
	require.Equal(t, http.StatusCreated, w.Code)
	ruleID := rule["id"].(string)

	w, body := s.do(t, http.MethodPost, "/v1/events", "service", map[string]any{
		"tenant_id": "acme", "event_type": "service_unhealthy", "labels": map[string]string{"service": "api"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	fired := body["fired"].([]any)
	require.Len(t, fired, 1)
	ids := fired[0].(map[string]any)["delivery_ids"].([]any)
	require.Len(t, ids, 1)
	id := ids[0].(string)

	w, body = s.do(t, http.MethodGet, "/v1/deliveries", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])

	w, _ = s.do(t, http.MethodPost, "/v1/deliveries/"+id+"/replay", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "live deliveries cannot be replayed")
	w, body = s.do(t, http.MethodPost, "/v1/deliveries/missing/replay", "operator", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"].(map[string]any)["kind"])

	n, err := s.deliveries.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	w, body = s.do(t, http.MethodGet, "/v1/deliveries/"+id, "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "dead_letter", body["status"])
	assert.Equal(t, "transient_endpoint_down", body["triage_label"])
	assert.EqualValues(t, 1, body["attempts"])

	w, body = s.do(t, http.MethodGet, "/v1/deliveries/replay-candidates", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])

	w, body = s.do(t, http.MethodGet, "/v1/deliveries/history?status=dead_letter&tenant_id=acme", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["total"])
	w, _ = s.do(t, http.MethodGet, "/v1/deliveries/history?status=bogus", "viewer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/v1/deliveries/"+id+"/replay", "viewer", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w, body = s.do(t, http.MethodPost, "/v1/deliveries/"+id+"/replay", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, id, body["original_id"])
	newID := body["new_id"].(string)
	assert.NotEqual(t, id, newID)

	w, body = s.do(t, http.MethodGet, "/v1/deliveries/"+newID, "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["attempts"])
	assert.Equal(t, "queued", body["status"])

	w, body = s.do(t, http.MethodPost, "/v1/deliveries/replay", "operator", map[string]any{"ids": []string{id, "missing"}})
	require.Equal(t, http.StatusOK, w.Code)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, true, results[0].(map[string]any)["ok"])
	assert.Equal(t, false, results[1].(map[string]any)["ok"])
	assert.NotEmpty(t, results[1].(map[string]any)["error"])

	w, body = s.do(t, http.MethodGet, "/v1/audit/operator?action=delivery.replay", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])

	w, body = s.do(t, http.MethodGet, "/v1/audit/verify", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["valid"])

	w, body = s.do(t, http.MethodPost, "/v1/deliveries", "operator", map[string]any{
		"tenant_id": "acme", "rule_id": "nope", "target": s.hook.URL,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", body["error"].(map[string]any)["kind"])

	w, _ = s.do(t, http.MethodPost, "/v1/deliveries", "operator", map[string]any{
		"tenant_id": "acme", "rule_id": ruleID, "target": "ftp://nowhere",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = s.do(t, http.MethodPost, "/v1/deliveries", "operator", map[string]any{
		"tenant_id": "other", "rule_id": ruleID, "target": s.hook.URL,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, "a rule cannot be used by another tenant")

	w, body = s.do(t, http.MethodPost, "/v1/deliveries", "operator", map[string]any{
		"tenant_id": "acme", "rule_id": ruleID, "target": s.hook.URL, "fingerprint": "manual-1",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, "service_unhealthy", body["delivery"].(map[string]any)["event_type"], "event_type defaults to the rule's")
	w, body = s.do(t, http.MethodPost, "/v1/deliveries", "operator", map[string]any{
		"tenant_id": "acme", "rule_id": ruleID, "target": s.hook.URL, "fingerprint": "manual-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["created"], "dedup window suppresses the duplicate")
}

func TestApi_AnomaliesAndLearner(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/v1/anomalies/current?min_severity=loud", "viewer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := s.do(t, http.MethodPost, "/v1/metrics/samples", "service", map[string]any{
		"samples": []map[string]any{{"metric": "latency_ms", "value": 12.5}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["accepted"])

	w, body = s.do(t, http.MethodGet, "/v1/anomalies/current?min_severity=warning", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["summary"].(map[string]any)["total_incidents"])

	w, _ = s.do(t, http.MethodPost, "/v1/learner/feedback", "operator", map[string]any{"alert_type": "service_unhealthy"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = s.do(t, http.MethodPost, "/v1/learner/feedback", "operator", map[string]any{"alert_type": "service_unhealthy", "positive": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, body["positive_feedback"])

	w, body = s.do(t, http.MethodGet, "/v1/learner/thresholds", "viewer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, body["thresholds"].([]any), 1)
}
