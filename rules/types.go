package rules

import (
	"fmt"
	"time"
)

// Logic combines a rule's conditions
type Logic string

const (
	LogicAnd Logic = "AND"
	LogicOr  Logic = "OR"
)

// Operator is a condition comparison operator
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpContains Operator = "contains"
	OpIn       Operator = "in"
	OpExists   Operator = "exists"
)

// Scope restricts which users a rule applies to
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeTeam   Scope = "team"
)

// Rule is an admin-authored condition -> action mapping
type Rule struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name"`
	Description         string      `json:"description"`
	SourceEntity        string      `json:"sourceEntity"`
	Logic               Logic       `json:"logic"`
	Conditions          []Condition `json:"conditions"`
	Actions             []Action    `json:"actions"`
	CooldownHours       int         `json:"cooldownHours"`
	MaxTriggersPerMonth *int        `json:"maxTriggersPerMonth,omitempty"`
	IsActive            bool        `json:"isActive"`
	Priority            int         `json:"priority"`
	Scope               Scope       `json:"scope"`
	TeamID              string      `json:"teamId,omitempty"`

	// ExecutionCount is derived from the execution log when the rule is read
	// for display. It is never persisted on the rule.
	ExecutionCount int64 `json:"executionCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Cooldown returns the minimum time between two slot-consuming fires for one user
func (r *Rule) Cooldown() time.Duration {
	return time.Duration(r.CooldownHours) * time.Hour
}

// AppliesTo reports whether the rule's scope admits the snapshot
func (r *Rule) AppliesTo(s *EventSnapshot) bool {
	if r.Scope != ScopeTeam {
		return true
	}
	for _, id := range s.TeamIDs {
		if id == r.TeamID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so cached rules cannot be mutated by callers
func (r *Rule) Clone() *Rule {
	c := *r
	c.Conditions = append([]Condition(nil), r.Conditions...)
	c.Actions = make([]Action, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = a.clone()
	}
	if r.MaxTriggersPerMonth != nil {
		n := *r.MaxTriggersPerMonth
		c.MaxTriggersPerMonth = &n
	}
	return &c
}

// Condition is a single field/operator/value predicate
type Condition struct {
	Entity   string   `json:"entity"`
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ActionKind names the variant carried by an Action
type ActionKind string

const (
	ActionAwardPoints      ActionKind = "award_points"
	ActionAwardBadge       ActionKind = "award_badge"
	ActionSendNotification ActionKind = "send_notification"
)

// Action is a tagged union; exactly one field is set on a valid action
type Action struct {
	AwardPoints      *int   `json:"awardPoints,omitempty"`
	AwardBadge       string `json:"awardBadge,omitempty"`
	SendNotification string `json:"sendNotification,omitempty"`
}

// Kind returns the variant of the action, or an error if zero or several are set
func (a Action) Kind() (ActionKind, error) {
	var kinds []ActionKind
	if a.AwardPoints != nil {
		kinds = append(kinds, ActionAwardPoints)
	}
	if a.AwardBadge != "" {
		kinds = append(kinds, ActionAwardBadge)
	}
	if a.SendNotification != "" {
		kinds = append(kinds, ActionSendNotification)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("action has no variant set")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("action sets %d variants %v, exactly one is allowed", len(kinds), kinds)
	}
}

func (a Action) clone() Action {
	if a.AwardPoints != nil {
		n := *a.AwardPoints
		a.AwardPoints = &n
	}
	return a
}

// Points returns an award-points action
func Points(n int) Action { return Action{AwardPoints: &n} }

// Badge returns an award-badge action
func Badge(id string) Action { return Action{AwardBadge: id} }

// Notification returns a send-notification action
func Notification(template string) Action { return Action{SendNotification: template} }

// DomainEvent is what trigger sources publish whenever a tracked entity changes state
type DomainEvent struct {
	EventID    string         `json:"eventId,omitempty"`
	EntityType string         `json:"entityType"`
	UserEmail  string         `json:"userEmail"`
	Fields     map[string]any `json:"fields"`
	OccurredAt time.Time      `json:"occurredAt"`
	TeamIDs    []string       `json:"teamIds,omitempty"`
}

// Snapshot freezes the event into the input of the predicate evaluator
func (e DomainEvent) Snapshot() *EventSnapshot {
	fields := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return &EventSnapshot{
		EventID:    e.EventID,
		EntityType: e.EntityType,
		UserEmail:  e.UserEmail,
		Fields:     fields,
		OccurredAt: e.OccurredAt,
		TeamIDs:    append([]string(nil), e.TeamIDs...),
	}
}

// EventSnapshot is the ephemeral view of a triggering domain object
type EventSnapshot struct {
	EventID    string
	EntityType string
	UserEmail  string
	Fields     map[string]any
	OccurredAt time.Time
	TeamIDs    []string
}

// Outcome is the recorded result of a fire attempt
type Outcome string

const (
	OutcomeFired           Outcome = "fired"
	OutcomeGatedCooldown   Outcome = "gated_cooldown"
	OutcomeGatedMonthlyCap Outcome = "gated_monthly_cap"
	OutcomeActionFailed    Outcome = "action_failed"
)

// ConsumesSlot reports whether a record with this outcome counts against
// cooldown and monthly cap. Failed actions still used the attempt.
func (o Outcome) ConsumesSlot() bool {
	return o == OutcomeFired || o == OutcomeActionFailed
}

// Valid reports whether o is a known outcome
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeFired, OutcomeGatedCooldown, OutcomeGatedMonthlyCap, OutcomeActionFailed:
		return true
	}
	return false
}

// ActionResult is the per-action result of a dispatch
type ActionResult struct {
	Kind           ActionKind `json:"kind"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty"`
}

// ExecutionRecord is the audit entry for one fire attempt
type ExecutionRecord struct {
	ID            string         `json:"id"`
	RuleID        string         `json:"ruleId"`
	UserEmail     string         `json:"userEmail"`
	EventID       string         `json:"eventId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Outcome       Outcome        `json:"outcome"`
	ActionResults []ActionResult `json:"actionResults,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// Unresolved reports whether the record is a reservation whose dispatch never finished
func (r *ExecutionRecord) Unresolved() bool {
	return r.Outcome == OutcomeFired && r.CompletedAt == nil
}
