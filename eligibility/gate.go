package eligibility

import (
	"context"
	"fmt"
	"time"

	"github.com/liamcoop/gamification/executionlog"
	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
)

// Decision is the gate's answer for one (rule, user) attempt
type Decision struct {
	Allowed bool
	Reason  rules.Outcome
	Record  *rules.ExecutionRecord
}

// Gate enforces cooldowns and monthly caps. The check and the reservation are
// one atomic step in the execution log, so two concurrent attempts for the
// same pair can never both be allowed.
type Gate struct {
	log      executionlog.Log
	location *time.Location
}

// NewGate creates a gate over log. Month boundaries are computed in loc;
// nil means UTC.
func NewGate(log executionlog.Log, loc *time.Location) *Gate {
	if loc == nil {
		loc = time.UTC
	}
	return &Gate{log: log, location: loc}
}

// MonthStart returns midnight of the first day of now's month in loc
func MonthStart(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
}

// Decide picks the outcome of an attempt at now given the pair's history.
// Cooldown is checked before the monthly cap. An attempt exactly one cooldown
// after the last slot-consuming record is allowed.
func Decide(h executionlog.History, rule *rules.Rule, now time.Time) rules.Outcome {
	if cooldown := rule.Cooldown(); cooldown > 0 && !h.LastConsumed.IsZero() {
		if now.Sub(h.LastConsumed) < cooldown {
			return rules.OutcomeGatedCooldown
		}
	}

	if limit := rule.MaxTriggersPerMonth; limit != nil && h.ConsumedSince >= *limit {
		return rules.OutcomeGatedMonthlyCap
	}

	return rules.OutcomeFired
}

// TryReserve atomically checks eligibility and records the attempt. An allowed
// attempt leaves an incomplete fired record that must be passed to Complete
// once dispatch finishes; a denied attempt is recorded as gated.
func (g *Gate) TryReserve(ctx context.Context, rule *rules.Rule, userEmail, eventID string, now time.Time) (Decision, error) {
	req := executionlog.ReserveRequest{
		RuleID:      rule.ID,
		UserEmail:   userEmail,
		EventID:     eventID,
		Now:         now,
		WindowStart: MonthStart(now, g.location),
	}

	record, err := g.log.Reserve(ctx, req, func(h executionlog.History) rules.Outcome {
		return Decide(h, rule, now)
	})
	if err != nil {
		return Decision{}, fmt.Errorf("reserve %s for %s: %w", rule.ID, userEmail, err)
	}

	d := Decision{
		Allowed: record.Outcome == rules.OutcomeFired,
		Reason:  record.Outcome,
		Record:  record,
	}
	if !d.Allowed {
		logger.Debug("attempt gated", "rule_id", rule.ID, "user_email", userEmail, "reason", string(d.Reason))
	}
	return d, nil
}

// Complete finalises an allowed reservation with its action results. The
// outcome becomes action_failed if any action failed; the slot stays consumed
// either way.
func (g *Gate) Complete(ctx context.Context, record *rules.ExecutionRecord, results []rules.ActionResult, now time.Time) (rules.Outcome, error) {
	outcome := OutcomeOf(results)

	if err := g.log.Complete(ctx, record.ID, outcome, results, now); err != nil {
		return outcome, fmt.Errorf("complete record %s: %w", record.ID, err)
	}

	record.Outcome = outcome
	record.ActionResults = results
	record.CompletedAt = &now
	return outcome, nil
}

// OutcomeOf is fired when every action succeeded, action_failed otherwise
func OutcomeOf(results []rules.ActionResult) rules.Outcome {
	for _, r := range results {
		if !r.Success {
			return rules.OutcomeActionFailed
		}
	}
	return rules.OutcomeFired
}
