package rules

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Validator checks a rule against the fields its source entity exposes.
// schema.Catalog is the production implementation.
type Validator interface {
	ValidateRule(rule *Rule) error
}

// Registry is the write path for rules and the engine's read path for
// active rules. Every write validates first and invalidates the cache after.
type Registry struct {
	store     RuleStore
	cache     RulesCache
	validator Validator

	// generation is bumped on every write so a refresh that raced a write
	// does not repopulate the cache with the pre-write rule set.
	generation atomic.Uint64
	refresh    singleflight.Group
}

// NewRegistry wires a store, cache and validator. validator may be nil, in
// which case only structural checks run.
func NewRegistry(store RuleStore, cache RulesCache, validator Validator) *Registry {
	if cache == nil {
		cache = NewInMemoryRulesCache(DefaultCacheConfig())
	}
	return &Registry{
		store:     store,
		cache:     cache,
		validator: validator,
	}
}

// Create validates and stores a new rule, assigning an ID when none is set
func (r *Registry) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := r.validate(rule); err != nil {
		return err
	}

	if err := r.store.Add(ctx, rule); err != nil {
		return err
	}

	r.invalidate()
	return nil
}

// Update validates and replaces an existing rule
func (r *Registry) Update(ctx context.Context, rule *Rule) error {
	if err := r.validate(rule); err != nil {
		return err
	}

	if err := r.store.Update(ctx, rule); err != nil {
		return err
	}

	r.invalidate()
	return nil
}

// SetActive toggles a rule on or off
func (r *Registry) SetActive(ctx context.Context, id string, active bool) (*Rule, error) {
	rule, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rule.IsActive = active
	if err := r.store.Update(ctx, rule); err != nil {
		return nil, err
	}

	r.invalidate()
	return rule, nil
}

// Delete removes a rule
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}

	r.invalidate()
	return nil
}

// Get returns a rule by ID straight from the store
func (r *Registry) Get(ctx context.Context, id string) (*Rule, error) {
	return r.store.Get(ctx, id)
}

// List returns every rule straight from the store
func (r *Registry) List(ctx context.Context) ([]*Rule, error) {
	return r.store.List(ctx)
}

// ActiveRules returns the active rules listening to sourceEntity, served from
// the cache when possible. Concurrent misses share one store read.
func (r *Registry) ActiveRules(ctx context.Context, sourceEntity string) ([]*Rule, error) {
	if cached, ok := r.cache.Get(sourceEntity); ok {
		return cached, nil
	}

	v, err, _ := r.refresh.Do("active", func() (any, error) {
		gen := r.generation.Load()
		active, err := r.store.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		if r.generation.Load() == gen {
			r.cache.Set(active)
		}
		return active, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load active rules: %w", err)
	}

	var matching []*Rule
	for _, rule := range v.([]*Rule) {
		if rule.IsActive && rule.SourceEntity == sourceEntity {
			matching = append(matching, rule)
		}
	}
	return matching, nil
}

func (r *Registry) invalidate() {
	r.generation.Add(1)
	r.cache.Invalidate()
}

func (r *Registry) validate(rule *Rule) error {
	Normalize(rule)
	if err := CheckStructure(rule); err != nil {
		return err
	}
	if r.validator != nil {
		return r.validator.ValidateRule(rule)
	}
	return nil
}

var operatorAliases = map[string]Operator{
	"equals":     OpEq,
	"==":         OpEq,
	"not_equals": OpNeq,
	"ne":         OpNeq,
	"!=":         OpNeq,

	"greater_than":          OpGt,
	"greater_than_or_equal": OpGte,
	"less_than":             OpLt,
	"less_than_or_equal":    OpLte,
}

// Normalize canonicalises user input in place: logic upper case, operator
// aliases resolved, empty condition entities defaulted to the source entity
// and an empty scope treated as global.
func Normalize(rule *Rule) {
	rule.Name = strings.TrimSpace(rule.Name)
	rule.SourceEntity = strings.TrimSpace(rule.SourceEntity)
	rule.Logic = Logic(strings.ToUpper(strings.TrimSpace(string(rule.Logic))))
	if rule.Scope == "" {
		rule.Scope = ScopeGlobal
	}
	for i := range rule.Conditions {
		c := &rule.Conditions[i]
		c.Entity = strings.TrimSpace(c.Entity)
		if c.Entity == "" {
			c.Entity = rule.SourceEntity
		}
		c.Field = strings.TrimSpace(c.Field)
		op := strings.ToLower(strings.TrimSpace(string(c.Operator)))
		if alias, ok := operatorAliases[op]; ok {
			c.Operator = alias
		} else {
			c.Operator = Operator(op)
		}
	}
}

// CheckStructure validates everything about a rule that does not need the
// source entity catalog.
func CheckStructure(rule *Rule) error {
	verr := &ValidationError{RuleID: rule.ID}

	if rule.Name == "" {
		verr.Add("name is required")
	}
	if rule.SourceEntity == "" {
		verr.Add("sourceEntity is required")
	}
	if rule.Logic != LogicAnd && rule.Logic != LogicOr {
		verr.Add("logic must be AND or OR, got %q", rule.Logic)
	}
	if rule.CooldownHours < 0 {
		verr.Add("cooldownHours cannot be negative")
	}
	if rule.MaxTriggersPerMonth != nil && *rule.MaxTriggersPerMonth < 1 {
		verr.Add("maxTriggersPerMonth must be at least 1 when set")
	}
	switch rule.Scope {
	case ScopeGlobal:
	case ScopeTeam:
		if rule.TeamID == "" {
			verr.Add("teamId is required for team-scoped rules")
		}
	default:
		verr.Add("scope must be global or team, got %q", rule.Scope)
	}

	if len(rule.Conditions) == 0 {
		verr.Add("at least one condition is required")
	}
	for i, c := range rule.Conditions {
		if c.Field == "" {
			verr.Add("condition %d: field is required", i)
		}
		if !SupportedOperator(c.Operator) {
			verr.Add("condition %d: unsupported operator %q", i, c.Operator)
			continue
		}
		if c.Operator == OpIn && !isSequence(c.Value) {
			verr.Add("condition %d: operator in requires a list value", i)
		}
		if c.Value == nil && c.Operator != OpExists {
			verr.Add("condition %d: value is required", i)
		}
	}

	if len(rule.Actions) == 0 {
		verr.Add("at least one action is required")
	}
	for i, a := range rule.Actions {
		kind, err := a.Kind()
		if err != nil {
			verr.Add("action %d: %v", i, err)
			continue
		}
		if kind == ActionAwardPoints && *a.AwardPoints <= 0 {
			verr.Add("action %d: awardPoints must be positive", i)
		}
	}

	return verr.Err()
}

func isSequence(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.TypeOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}
