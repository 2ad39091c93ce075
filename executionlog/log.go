package executionlog

import (
	"context"
	"errors"
	"time"

	"github.com/liamcoop/gamification/rules"
)

var (
	ErrRecordNotFound   = errors.New("execution record not found")
	ErrAlreadyCompleted = errors.New("execution record already completed")
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// History is what the log knows about one (rule, user) pair at reservation time.
// Only slot-consuming records (fired, action_failed) are counted.
type History struct {
	LastConsumed  time.Time // zero when the pair never consumed a slot
	ConsumedSince int       // slot-consuming records at or after the window start
}

// ReserveRequest identifies the attempt being reserved
type ReserveRequest struct {
	RuleID    string
	UserEmail string
	EventID   string
	Now       time.Time

	// WindowStart bounds History.ConsumedSince, normally the start of the
	// current calendar month.
	WindowStart time.Time
}

// DecideFunc picks the outcome of an attempt from the pair's history. It runs
// inside the reservation's critical section and must not block.
type DecideFunc func(History) rules.Outcome

// Filter narrows List. Zero values mean no constraint.
type Filter struct {
	RuleID    string
	UserEmail string
	Outcome   rules.Outcome
	From      time.Time
	To        time.Time
	Limit     int
}

// RuleStats summarises the records of one rule across all users
type RuleStats struct {
	RuleID         string                  `json:"ruleId"`
	ExecutionCount int64                   `json:"executionCount"`
	FiresSince     int64                   `json:"firesThisMonth"`
	ByOutcome      map[rules.Outcome]int64 `json:"byOutcome"`
}

// Log is the append-only audit of fire attempts and the source of truth for
// cooldowns and monthly caps.
type Log interface {
	// Reserve reads the pair's history, asks decide for an outcome and
	// appends the record, all as one critical section per (RuleID, UserEmail).
	// A fired record is returned incomplete; gated records are complete.
	Reserve(ctx context.Context, req ReserveRequest, decide DecideFunc) (*rules.ExecutionRecord, error)

	// Complete finalises a fired reservation exactly once
	Complete(ctx context.Context, id string, outcome rules.Outcome, results []rules.ActionResult, completedAt time.Time) error

	// Get a record by ID
	Get(ctx context.Context, id string) (*rules.ExecutionRecord, error)

	// List records newest first
	List(ctx context.Context, filter Filter) ([]*rules.ExecutionRecord, error)

	// ListUnresolved returns fired reservations older than olderThan that were never completed
	ListUnresolved(ctx context.Context, olderThan time.Time) ([]*rules.ExecutionRecord, error)

	// ExecutionCounts returns slot-consuming record counts per rule
	ExecutionCounts(ctx context.Context) (map[string]int64, error)

	// Stats summarises one rule; FiresSince counts slot-consuming records at or after since
	Stats(ctx context.Context, ruleID string, since time.Time) (*RuleStats, error)
}

func effectiveLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

func validCompletion(outcome rules.Outcome) error {
	if outcome != rules.OutcomeFired && outcome != rules.OutcomeActionFailed {
		return errors.New("a reservation can only complete as fired or action_failed")
	}
	return nil
}
