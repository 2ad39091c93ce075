// Package engine evaluates incoming domain events against the active rule
// set and drives each matching rule through the eligibility gate and the
// action dispatcher.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/gamification/eligibility"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRetryable marks a failure the caller should redeliver the event for
	ErrRetryable = errors.New("retryable engine error")
	// ErrInvalidEvent marks an event that can never be processed
	ErrInvalidEvent = errors.New("invalid domain event")
)

// Per-rule outcomes beyond the ones recorded in the execution log
const (
	OutcomeNotMatched = "not_matched"
	OutcomeError      = "error"
)

// RuleSource supplies the active rules for a source entity
type RuleSource interface {
	ActiveRules(ctx context.Context, sourceEntity string) ([]*rules.Rule, error)
}

// Gatekeeper reserves and finalises fire attempts
type Gatekeeper interface {
	TryReserve(ctx context.Context, rule *rules.Rule, userEmail, eventID string, now time.Time) (eligibility.Decision, error)
	Complete(ctx context.Context, record *rules.ExecutionRecord, results []rules.ActionResult, now time.Time) (rules.Outcome, error)
}

// ActionDispatcher executes the actions of a fired rule
type ActionDispatcher interface {
	Dispatch(ctx context.Context, rule *rules.Rule, record *rules.ExecutionRecord, snapshot *rules.EventSnapshot) []rules.ActionResult
}

// Config tunes an Engine
type Config struct {
	// Concurrency bounds how many rules of one event are processed at once
	Concurrency int
	// Clock supplies the gate timestamp; defaults to time.Now
	Clock func() time.Time
	// Metrics may be nil
	Metrics *Metrics
}

// RuleResult is the terminal outcome of one rule for one event
type RuleResult struct {
	RuleID   string               `json:"ruleId"`
	RuleName string               `json:"ruleName"`
	Priority int                  `json:"priority"`
	Outcome  string               `json:"outcome"`
	RecordID string               `json:"recordId,omitempty"`
	Actions  []rules.ActionResult `json:"actions,omitempty"`
	Error    string               `json:"error,omitempty"`
}

// Report summarises the processing of one domain event
type Report struct {
	EventID     string       `json:"eventId,omitempty"`
	EntityType  string       `json:"entityType"`
	UserEmail   string       `json:"userEmail"`
	ProcessedAt time.Time    `json:"processedAt"`
	Results     []RuleResult `json:"results"`
}

// Count returns how many results have the given outcome
func (r *Report) Count(outcome string) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == outcome {
			n++
		}
	}
	return n
}

// Engine is the entry point for domain events
type Engine struct {
	source      RuleSource
	gate        Gatekeeper
	dispatcher  ActionDispatcher
	concurrency int
	clock       func() time.Time
	metrics     *Metrics
}

// New creates an Engine
func New(source RuleSource, gate Gatekeeper, dispatcher ActionDispatcher, cfg Config) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Engine{
		source:      source,
		gate:        gate,
		dispatcher:  dispatcher,
		concurrency: cfg.Concurrency,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
	}
}

// ProcessEvent evaluates event against every active rule of its entity type.
// Rules are independent: a fault in one is recorded in its result and never
// affects the others. An error is returned only when no rule could be
// processed at all.
func (e *Engine) ProcessEvent(ctx context.Context, event rules.DomainEvent) (*Report, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { e.metrics.observeEvent(time.Since(start)) }()

	candidates, err := e.source.ActiveRules(ctx, event.EntityType)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s: %w: %w", event.EntityType, ErrRetryable, err)
	}

	snapshot := event.Snapshot()
	now := e.clock()
	results := make([]RuleResult, len(candidates))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, rule := range candidates {
		g.Go(func() error {
			results[i] = e.processRule(gctx, rule, snapshot, now)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority > results[j].Priority
		}
		return results[i].RuleID < results[j].RuleID
	})

	for _, r := range results {
		e.metrics.observeRule(r)
	}

	report := &Report{
		EventID:     event.EventID,
		EntityType:  event.EntityType,
		UserEmail:   event.UserEmail,
		ProcessedAt: now,
		Results:     results,
	}

	logger.Debug("event processed",
		"entity_type", event.EntityType,
		"user_email", event.UserEmail,
		"event_id", event.EventID,
		"rules", len(candidates),
		"fired", report.Count(string(rules.OutcomeFired)),
		"errors", report.Count(OutcomeError),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return report, nil
}

// processRule runs one rule through match, gate, dispatch and completion.
// Panics are recovered into an error result.
func (e *Engine) processRule(ctx context.Context, rule *rules.Rule, snapshot *rules.EventSnapshot, now time.Time) (result RuleResult) {
	result = RuleResult{RuleID: rule.ID, RuleName: rule.Name, Priority: rule.Priority}

	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeError
			result.Error = fmt.Sprintf("panic: %v", r)
			logger.ErrorRuleFault("rule panicked", "rule_id", rule.ID, "user_email", snapshot.UserEmail, "panic", r)
		}
	}()

	fail := func(stage string, err error) RuleResult {
		result.Outcome = OutcomeError
		result.Error = fmt.Sprintf("%s: %v", stage, err)
		logger.ErrorRuleFault("rule fault", "rule_id", rule.ID, "user_email", snapshot.UserEmail, "stage", stage, "error", err)
		return result
	}

	matched, err := rules.Matches(rule, snapshot)
	if err != nil {
		return fail("evaluate", err)
	}
	if !matched {
		result.Outcome = OutcomeNotMatched
		return result
	}

	decision, err := e.gate.TryReserve(ctx, rule, snapshot.UserEmail, snapshot.EventID, now)
	if err != nil {
		return fail("reserve", err)
	}
	result.RecordID = decision.Record.ID
	if !decision.Allowed {
		result.Outcome = string(decision.Reason)
		return result
	}

	// The slot is taken; caller cancellation must not strand the reservation.
	// Each action is still bounded by the dispatcher's timeout.
	detached := context.WithoutCancel(ctx)

	actions := e.dispatcher.Dispatch(detached, rule, decision.Record, snapshot)
	result.Actions = actions

	outcome, err := e.gate.Complete(detached, decision.Record, actions, e.clock())
	if err != nil {
		// The reservation stays unresolved and is reported for reconciliation
		return fail("complete", err)
	}
	result.Outcome = string(outcome)

	logger.Info("rule fired",
		"rule_id", rule.ID,
		"user_email", snapshot.UserEmail,
		"record_id", decision.Record.ID,
		"outcome", result.Outcome,
	)
	return result
}

func validateEvent(event rules.DomainEvent) error {
	var missing []string
	if strings.TrimSpace(event.EntityType) == "" {
		missing = append(missing, "entityType")
	}
	if strings.TrimSpace(event.UserEmail) == "" {
		missing = append(missing, "userEmail")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvent, strings.Join(missing, ", "))
	}
	return nil
}
