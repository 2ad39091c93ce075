package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/liamcoop/gamification/dispatch"
	"github.com/liamcoop/gamification/eligibility"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/reward"
	"github.com/liamcoop/gamification/rules"
	"github.com/liamcoop/gamification/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	ledger *reward.MemoryLedger
	log    *executionlog.MemoryLog
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	catalog, err := schema.DefaultCatalog()
	require.NoError(t, err)

	env := &testEnv{
		ledger: reward.NewMemoryLedger(),
		log:    executionlog.NewMemoryLog(),
		now:    fixedNow,
	}
	clock := func() time.Time { return env.now }

	registry := rules.NewRegistry(rules.NewInMemoryRuleStore(), nil, catalog)
	reg := prometheus.NewRegistry()
	d := dispatch.New(env.ledger, reward.NewMemoryBadges(), nil, dispatch.Config{})
	eng := engine.New(registry, eligibility.NewGate(env.log, nil), d, engine.Config{
		Clock:   clock,
		Metrics: engine.NewMetrics(reg),
	})

	env.server = NewServer(Options{
		Registry: registry,
		Catalog:  catalog,
		Engine:   eng,
		Log:      env.log,
		Clock:    clock,
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func trainingRule() map[string]any {
	return map[string]any{
		"name":         "Attend a training",
		"sourceEntity": "Event",
		"logic":        "and",
		"conditions": []map[string]any{
			{"entity": "Participation", "field": "attendance_status", "operator": "equals", "value": "attended"},
			{"entity": "Event", "field": "event_type", "operator": "eq", "value": "training"},
		},
		"actions":             []map[string]any{{"awardPoints": 25}, {"awardBadge": "learner"}},
		"cooldownHours":       24,
		"maxTriggersPerMonth": 3,
	}
}

func trainingEvent(user string) map[string]any {
	return map[string]any{
		"eventId":    "evt-1",
		"entityType": "Event",
		"userEmail":  user,
		"fields":     map[string]any{"attendance_status": "attended", "event_type": "training"},
		"occurredAt": fixedNow.Format(time.RFC3339),
	}
}

func createRule(t *testing.T, env *testEnv, body map[string]any) *rules.Rule {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/api/v1/rules", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[*rules.Rule](t, rec)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)

	env.server.ready = func(context.Context) error { return errors.New("db down") }
	rec = env.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateRuleNormalizesAndValidates(t *testing.T) {
	env := newTestEnv(t)

	rule := createRule(t, env, trainingRule())
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, rules.LogicAnd, rule.Logic)
	assert.Equal(t, rules.OpEq, rule.Conditions[0].Operator)
	assert.Equal(t, rules.ScopeGlobal, rule.Scope)
	assert.True(t, rule.IsActive)

	t.Run("unknown field", func(t *testing.T) {
		body := trainingRule()
		body["conditions"] = []map[string]any{{"entity": "Event", "field": "colour", "operator": "eq", "value": "red"}}
		rec := env.do(t, http.MethodPost, "/api/v1/rules", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.NotEmpty(t, decode[ErrorResponse](t, rec).Issues)
	})

	t.Run("type mismatch", func(t *testing.T) {
		body := trainingRule()
		body["conditions"] = []map[string]any{{"entity": "Participation", "field": "rating", "operator": "gte", "value": true}}
		rec := env.do(t, http.MethodPost, "/api/v1/rules", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no actions", func(t *testing.T) {
		body := trainingRule()
		body["actions"] = []map[string]any{}
		rec := env.do(t, http.MethodPost, "/api/v1/rules", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/v1/rules", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRuleLifecycle(t *testing.T) {
	env := newTestEnv(t)
	rule := createRule(t, env, trainingRule())
	path := "/api/v1/rules/" + rule.ID

	rec := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Attend a training", decode[*rules.Rule](t, rec).Name)

	updated := trainingRule()
	updated["name"] = "Attend any training"
	updated["priority"] = 5
	rec = env.do(t, http.MethodPut, path, updated)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[*rules.Rule](t, rec)
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, rule.CreatedAt.UTC(), got.CreatedAt.UTC())

	rec = env.do(t, http.MethodPost, path+"/toggle", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[*rules.Rule](t, rec).IsActive)

	rec = env.do(t, http.MethodGet, "/api/v1/rules?active=false", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[RulesListResponse](t, rec).Rules, 1)

	rec = env.do(t, http.MethodGet, "/api/v1/rules?active=true", nil)
	assert.Empty(t, decode[RulesListResponse](t, rec).Rules)

	rec = env.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPut, path, trainingRule())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProcessEventFiresAndGates(t *testing.T) {
	env := newTestEnv(t)
	rule := createRule(t, env, trainingRule())

	rec := env.do(t, http.MethodPost, "/api/v1/events", trainingEvent("ana@example.com"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ProcessEventResponse](t, rec)
	require.Len(t, resp.Report.Results, 1)
	assert.Equal(t, "fired", resp.Report.Results[0].Outcome)
	assert.Len(t, resp.Report.Results[0].Actions, 2)

	balance, _ := env.ledger.Balance(context.Background(), "ana@example.com")
	assert.Equal(t, int64(25), balance)

	env.now = fixedNow.Add(time.Hour)
	rec = env.do(t, http.MethodPost, "/api/v1/events", trainingEvent("ana@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gated_cooldown", decode[ProcessEventResponse](t, rec).Report.Results[0].Outcome)

	// executionCount is derived from the log
	rec = env.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID, nil)
	assert.Equal(t, int64(1), decode[*rules.Rule](t, rec).ExecutionCount)

	rec = env.do(t, http.MethodGet, "/api/v1/rules/"+rule.ID+"/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[map[string]any](t, rec)
	assert.Equal(t, float64(1), stats["executionCount"])
	assert.Equal(t, float64(1), stats["firesThisMonth"])
}

func TestProcessEventRejectsInvalidEvent(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/events", map[string]any{"entityType": "Event"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/events", "not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecutionsAudit(t *testing.T) {
	env := newTestEnv(t)
	rule := createRule(t, env, trainingRule())

	for _, user := range []string{"ana@example.com", "bo@example.com", "ana@example.com"} {
		rec := env.do(t, http.MethodPost, "/api/v1/events", trainingEvent(user))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/executions?userEmail=ana@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ExecutionsListResponse](t, rec)
	assert.Equal(t, 2, list.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions?outcome=gated_cooldown&ruleId="+rule.ID, nil)
	list = decode[ExecutionsListResponse](t, rec)
	require.Equal(t, 1, list.Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions/"+list.Executions[0].ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, rules.OutcomeGatedCooldown, decode[*rules.ExecutionRecord](t, rec).Outcome)

	rec = env.do(t, http.MethodGet, "/api/v1/executions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, q := range []string{"outcome=bogus", "limit=0", "from=yesterday"} {
		rec = env.do(t, http.MethodGet, "/api/v1/executions?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestListUnresolved(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.log.Reserve(context.Background(), executionlog.ReserveRequest{
		RuleID: "r1", UserEmail: "ana@example.com", Now: fixedNow.Add(-time.Hour),
	}, func(executionlog.History) rules.Outcome { return rules.OutcomeFired })
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/executions/unresolved", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[ExecutionsListResponse](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions/unresolved?olderThan=2h", nil)
	assert.Equal(t, 0, decode[ExecutionsListResponse](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions/unresolved?olderThan="+fixedNow.Format(time.RFC3339), nil)
	assert.Equal(t, 1, decode[ExecutionsListResponse](t, rec).Count)

	rec = env.do(t, http.MethodGet, "/api/v1/executions/unresolved?olderThan=later", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchemas(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/schemas", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sources := decode[SchemasListResponse](t, rec).Sources
	var names []string
	for _, s := range sources {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "Event")
	assert.Contains(t, names, "Recognition")

	rec = env.do(t, http.MethodGet, "/api/v1/schemas/Event", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/schemas/Unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	createRule(t, env, trainingRule())
	env.do(t, http.MethodPost, "/api/v1/events", trainingEvent("ana@example.com"))

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf(`gamification_rule_outcomes_total{outcome=%q} 1`, "fired"))
}
