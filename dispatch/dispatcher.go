package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/liamcoop/gamification/internal/logger"
	"github.com/liamcoop/gamification/rules"
)

// DefaultActionTimeout bounds each collaborator call
const DefaultActionTimeout = 5 * time.Second

var errNotConfigured = errors.New("collaborator not configured")

// PointsLedger credits points. Implementations must treat a repeated
// idempotency key as a no-op success.
type PointsLedger interface {
	AwardPoints(ctx context.Context, userEmail string, amount int, idempotencyKey string) error
}

// BadgeAwarder grants badges. Granting a badge the user already holds is a
// no-op success.
type BadgeAwarder interface {
	AwardBadge(ctx context.Context, userEmail, badgeID, idempotencyKey string) error
}

// Notifier delivers a templated message. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification is the context handed to a Notifier
type Notification struct {
	UserEmail      string         `json:"userEmail"`
	Template       string         `json:"template"`
	RuleID         string         `json:"ruleId"`
	RuleName       string         `json:"ruleName"`
	EventID        string         `json:"eventId,omitempty"`
	SourceEntity   string         `json:"sourceEntity"`
	Fields         map[string]any `json:"fields,omitempty"`
	IdempotencyKey string         `json:"idempotencyKey"`
}

// Config tunes a Dispatcher
type Config struct {
	ActionTimeout time.Duration
}

// Dispatcher executes the actions of a fired rule. Actions run concurrently
// and independently; one failing never prevents the others.
type Dispatcher struct {
	points   PointsLedger
	badges   BadgeAwarder
	notifier Notifier
	timeout  time.Duration
}

// New creates a Dispatcher. Any collaborator may be nil, in which case its
// actions fail with a "not configured" result.
func New(points PointsLedger, badges BadgeAwarder, notifier Notifier, cfg Config) *Dispatcher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	return &Dispatcher{
		points:   points,
		badges:   badges,
		notifier: notifier,
		timeout:  cfg.ActionTimeout,
	}
}

// IdempotencyKey derives the stable key of one action of one execution record.
// A re-drive of the same record produces the same keys.
func IdempotencyKey(ruleID, userEmail, recordID string, actionIndex int) string {
	composite := ruleID + "|" + userEmail + "|" + recordID + "|" + strconv.Itoa(actionIndex)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}

// Dispatch runs every action of rule for the record's user and returns one
// result per action, in action order.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *rules.Rule, record *rules.ExecutionRecord, snapshot *rules.EventSnapshot) []rules.ActionResult {
	results := make([]rules.ActionResult, len(rule.Actions))

	var wg sync.WaitGroup
	for i, action := range rule.Actions {
		wg.Add(1)
		go func(i int, action rules.Action) {
			defer wg.Done()
			results[i] = d.run(ctx, rule, record, snapshot, i, action)
		}(i, action)
	}
	wg.Wait()

	return results
}

func (d *Dispatcher) run(ctx context.Context, rule *rules.Rule, record *rules.ExecutionRecord, snapshot *rules.EventSnapshot, index int, action rules.Action) rules.ActionResult {
	key := IdempotencyKey(rule.ID, record.UserEmail, record.ID, index)

	kind, err := action.Kind()
	if err != nil {
		return rules.ActionResult{Success: false, Error: err.Error(), IdempotencyKey: key}
	}
	result := rules.ActionResult{Kind: kind, IdempotencyKey: key}

	err = d.call(ctx, func(ctx context.Context) error {
		switch kind {
		case rules.ActionAwardPoints:
			if d.points == nil {
				return fmt.Errorf("points ledger: %w", errNotConfigured)
			}
			return d.points.AwardPoints(ctx, record.UserEmail, *action.AwardPoints, key)
		case rules.ActionAwardBadge:
			if d.badges == nil {
				return fmt.Errorf("badge awarder: %w", errNotConfigured)
			}
			return d.badges.AwardBadge(ctx, record.UserEmail, action.AwardBadge, key)
		default:
			if d.notifier == nil {
				return fmt.Errorf("notifier: %w", errNotConfigured)
			}
			return d.notifier.Notify(ctx, notificationFor(rule, record, snapshot, action.SendNotification, key))
		}
	})

	if err != nil {
		result.Error = err.Error()
		if kind == rules.ActionSendNotification {
			logger.WarnActionFailure("notification failed", "rule_id", rule.ID, "user_email", record.UserEmail, "error", err)
		} else {
			logger.ActionFailures.Add(1)
			logger.Error("action failed", "rule_id", rule.ID, "user_email", record.UserEmail, "kind", string(kind), "error", err)
		}
		return result
	}

	result.Success = true
	return result
}

// call bounds fn by the action timeout even if fn ignores its context, and
// turns a panic into an error.
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("action cancelled: %w", err)
		}
		return fmt.Errorf("action timed out after %s: %w", d.timeout, callCtx.Err())
	}
}

func notificationFor(rule *rules.Rule, record *rules.ExecutionRecord, snapshot *rules.EventSnapshot, template, key string) Notification {
	n := Notification{
		UserEmail:      record.UserEmail,
		Template:       template,
		RuleID:         rule.ID,
		RuleName:       rule.Name,
		EventID:        record.EventID,
		SourceEntity:   rule.SourceEntity,
		IdempotencyKey: key,
	}
	if snapshot != nil {
		n.Fields = snapshot.Fields
	}
	return n
}
