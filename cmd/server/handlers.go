package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/liamcoop/gamification/eligibility"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
)

const defaultUnresolvedAge = 5 * time.Minute

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Error: err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// Domain event handler
func (s *Server) handleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var event rules.DomainEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	start := time.Now()
	report, err := s.engine.ProcessEvent(r.Context(), event)
	if err != nil {
		respondDomainError(w, "failed to process event", err)
		return
	}

	respondJSON(w, http.StatusOK, ProcessEventResponse{
		Report:         report,
		ProcessingTime: time.Since(start).String(),
	})
}

// List rules handler. Optional filters: sourceEntity, active.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.registry.List(r.Context())
	if err != nil {
		respondDomainError(w, "failed to list rules", err)
		return
	}

	var activeFilter *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "active must be a boolean", err)
			return
		}
		activeFilter = &b
	}
	source := r.URL.Query().Get("sourceEntity")

	filtered := make([]*rules.Rule, 0, len(all))
	for _, rule := range all {
		if source != "" && rule.SourceEntity != source {
			continue
		}
		if activeFilter != nil && rule.IsActive != *activeFilter {
			continue
		}
		filtered = append(filtered, rule)
	}

	if err := s.withExecutionCounts(r, filtered...); err != nil {
		respondDomainError(w, "failed to load execution counts", err)
		return
	}
	rules.SortForDisplay(filtered)

	respondJSON(w, http.StatusOK, RulesListResponse{Rules: filtered})
}

// Create rule handler
func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule("")
	if err := s.registry.Create(r.Context(), rule); err != nil {
		respondDomainError(w, "failed to create rule", err)
		return
	}

	logger.Info("rule created", "rule_id", rule.ID, "source_entity", rule.SourceEntity)
	respondJSON(w, http.StatusCreated, rule)
}

// Get rule handler
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.registry.Get(r.Context(), chi.URLParam(r, "ruleId"))
	if err != nil {
		respondDomainError(w, "failed to get rule", err)
		return
	}
	if err := s.withExecutionCounts(r, rule); err != nil {
		respondDomainError(w, "failed to load execution counts", err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

// Update rule handler
func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	rule := req.toRule(chi.URLParam(r, "ruleId"))
	if err := s.registry.Update(r.Context(), rule); err != nil {
		respondDomainError(w, "failed to update rule", err)
		return
	}

	logger.Info("rule updated", "rule_id", rule.ID)
	respondJSON(w, http.StatusOK, rule)
}

// Delete rule handler
func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if err := s.registry.Delete(r.Context(), ruleID); err != nil {
		respondDomainError(w, "failed to delete rule", err)
		return
	}

	logger.Info("rule deleted", "rule_id", ruleID)
	w.WriteHeader(http.StatusNoContent)
}

// Toggle rule handler flips a rule between active and inactive
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")

	current, err := s.registry.Get(r.Context(), ruleID)
	if err != nil {
		respondDomainError(w, "failed to toggle rule", err)
		return
	}

	rule, err := s.registry.SetActive(r.Context(), ruleID, !current.IsActive)
	if err != nil {
		respondDomainError(w, "failed to toggle rule", err)
		return
	}

	logger.Info("rule toggled", "rule_id", ruleID, "is_active", rule.IsActive)
	respondJSON(w, http.StatusOK, rule)
}

// Rule stats handler
func (s *Server) handleRuleStats(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleId")
	if _, err := s.registry.Get(r.Context(), ruleID); err != nil {
		respondDomainError(w, "failed to get rule stats", err)
		return
	}

	monthStart := eligibility.MonthStart(s.clock(), s.location)
	stats, err := s.log.Stats(r.Context(), ruleID, monthStart)
	if err != nil {
		respondDomainError(w, "failed to get rule stats", err)
		return
	}

	respondJSON(w, http.StatusOK, RuleStatsResponse{RuleStats: stats, MonthStart: monthStart})
}

// List executions handler
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid query", err)
		return
	}

	records, err := s.log.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, "failed to list executions", err)
		return
	}
	if records == nil {
		records = []*rules.ExecutionRecord{}
	}

	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: records, Count: len(records)})
}

// Unresolved reservations handler. olderThan is a duration ("10m") or an
// RFC 3339 instant.
func (s *Server) handleListUnresolved(w http.ResponseWriter, r *http.Request) {
	cutoff := s.clock().Add(-defaultUnresolvedAge)
	if v := r.URL.Query().Get("olderThan"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cutoff = s.clock().Add(-d)
		} else if ts, err := time.Parse(time.RFC3339, v); err == nil {
			cutoff = ts
		} else {
			respondError(w, http.StatusBadRequest, "olderThan must be a duration or RFC 3339 timestamp", nil)
			return
		}
	}

	records, err := s.log.ListUnresolved(r.Context(), cutoff)
	if err != nil {
		respondDomainError(w, "failed to list unresolved executions", err)
		return
	}
	if records == nil {
		records = []*rules.ExecutionRecord{}
	}

	respondJSON(w, http.StatusOK, ExecutionsListResponse{Executions: records, Count: len(records)})
}

// Get execution handler
func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	record, err := s.log.Get(r.Context(), chi.URLParam(r, "recordId"))
	if err != nil {
		respondDomainError(w, "failed to get execution", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// List schemas handler
func (s *Server) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, SchemasListResponse{Sources: s.catalog.List()})
}

// Get schema handler
func (s *Server) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	sch, ok := s.catalog.Get(source)
	if !ok {
		respondError(w, http.StatusNotFound, "source entity not found", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"name":     source,
		"entities": sch,
	})
}

// withExecutionCounts fills the derived ExecutionCount of each rule
func (s *Server) withExecutionCounts(r *http.Request, rs ...*rules.Rule) error {
	counts, err := s.log.ExecutionCounts(r.Context())
	if err != nil {
		return err
	}
	for _, rule := range rs {
		rule.ExecutionCount = counts[rule.ID]
	}
	return nil
}

func parseFilter(r *http.Request) (executionlog.Filter, error) {
	q := r.URL.Query()
	f := executionlog.Filter{
		RuleID:    q.Get("ruleId"),
		UserEmail: q.Get("userEmail"),
		Outcome:   rules.Outcome(q.Get("outcome")),
	}

	if f.Outcome != "" && !f.Outcome.Valid() {
		return f, fmt.Errorf("unknown outcome %q", f.Outcome)
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("from: %w", err)
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("to: %w", err)
		}
		f.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = n
	}
	return f, nil
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

// respondDomainError maps package errors to HTTP status codes
func respondDomainError(w http.ResponseWriter, message string, err error) {
	var verr *rules.ValidationError
	switch {
	case errors.As(err, &verr):
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: message, Details: verr.Error(), Issues: verr.Problems})
	case errors.Is(err, engine.ErrInvalidEvent):
		respondError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, rules.ErrRuleNotFound), errors.Is(err, executionlog.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, rules.ErrRuleExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, engine.ErrRetryable):
		respondError(w, http.StatusServiceUnavailable, message, err)
	default:
		logger.Error(message, "error", err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}
