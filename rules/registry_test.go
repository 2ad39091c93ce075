package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type countingStore struct {
	*InMemoryRuleStore
	mu          sync.Mutex
	listActives int
	failList    error
}

func (s *countingStore) ListActive(ctx context.Context) ([]*Rule, error) {
	s.mu.Lock()
	s.listActives++
	failList := s.failList
	s.mu.Unlock()
	if failList != nil {
		return nil, failList
	}
	return s.InMemoryRuleStore.ListActive(ctx)
}

func (s *countingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listActives
}

type rejectValidator struct{ err error }

func (v rejectValidator) ValidateRule(*Rule) error { return v.err }

func newTestRegistry() (*Registry, *countingStore) {
	store := &countingStore{InMemoryRuleStore: NewInMemoryRuleStore()}
	return NewRegistry(store, NewInMemoryRulesCache(CacheConfig{TTL: time.Minute}), nil), store
}

func TestRegistryCreateAssignsIDAndNormalizes(t *testing.T) {
	reg, _ := newTestRegistry()

	rule := testRule("")
	rule.Logic = "and"
	rule.Scope = ""
	rule.Conditions = []Condition{{Field: "status", Operator: "equals", Value: "attended"}}

	if err := reg.Create(context.Background(), rule); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	if rule.ID == "" {
		t.Error("Create() should assign an ID")
	}
	if rule.Logic != LogicAnd {
		t.Errorf("Logic = %s, want AND", rule.Logic)
	}
	if rule.Scope != ScopeGlobal {
		t.Errorf("Scope = %s, want global", rule.Scope)
	}
	c := rule.Conditions[0]
	if c.Operator != OpEq || c.Entity != "Event" {
		t.Errorf("condition = %+v, want operator eq and entity Event", c)
	}
}

func TestRegistryCreateAcceptsOperatorAliases(t *testing.T) {
	tests := []struct {
		input string
		value any
		want  Operator
	}{
		{"equals", "attended", OpEq},
		{"not_equals", "absent", OpNeq},
		{"greater_than", 3, OpGt},
		{"GREATER_THAN_OR_EQUAL", 3, OpGte},
		{"less_than", 3, OpLt},
		{"less_than_or_equal", 3, OpLte},
		{"exists", nil, OpExists},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			reg, _ := newTestRegistry()
			rule := testRule("")
			rule.Conditions = []Condition{{Field: "status", Operator: Operator(tt.input), Value: tt.value}}

			if err := reg.Create(context.Background(), rule); err != nil {
				t.Fatalf("Create() with %s failed: %v", tt.input, err)
			}
			if got := rule.Conditions[0].Operator; got != tt.want {
				t.Errorf("operator %s normalized to %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRegistryRejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"no name", func(r *Rule) { r.Name = "" }},
		{"bad logic", func(r *Rule) { r.Logic = "XOR" }},
		{"no conditions", func(r *Rule) { r.Conditions = nil }},
		{"unknown operator", func(r *Rule) { r.Conditions[0].Operator = "like" }},
		{"in with scalar", func(r *Rule) { r.Conditions[0].Operator = OpIn }},
		{"no actions", func(r *Rule) { r.Actions = nil }},
		{"empty action", func(r *Rule) { r.Actions = []Action{{}} }},
		{"zero points", func(r *Rule) { r.Actions = []Action{Points(0)} }},
		{"negative cooldown", func(r *Rule) { r.CooldownHours = -1 }},
		{"zero cap", func(r *Rule) { zero := 0; r.MaxTriggersPerMonth = &zero }},
		{"team without id", func(r *Rule) { r.Scope = ScopeTeam }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, _ := newTestRegistry()
			rule := testRule("bad")
			tt.mutate(rule)

			err := reg.Create(context.Background(), rule)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want *ValidationError", err)
			}
			if _, err := reg.Get(context.Background(), "bad"); !errors.Is(err, ErrRuleNotFound) {
				t.Error("rejected rule should not be stored")
			}
		})
	}
}

func TestRegistryRunsValidator(t *testing.T) {
	store := NewInMemoryRuleStore()
	sentinel := errors.New("unknown field")
	reg := NewRegistry(store, nil, rejectValidator{err: sentinel})

	err := reg.Create(context.Background(), testRule("r"))
	if !errors.Is(err, sentinel) {
		t.Errorf("Create() error = %v, want validator error", err)
	}
}

func TestRegistryActiveRulesUsesCache(t *testing.T) {
	ctx := context.Background()
	reg, store := newTestRegistry()
	reg.Create(ctx, testRule("one"))

	for i := 0; i < 5; i++ {
		got, err := reg.ActiveRules(ctx, "Event")
		if err != nil {
			t.Fatalf("ActiveRules() failed: %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("ActiveRules() returned %d rules, want 1", len(got))
		}
	}

	if store.calls() != 1 {
		t.Errorf("store ListActive called %d times, want 1", store.calls())
	}

	other, _ := reg.ActiveRules(ctx, "Recognition")
	if len(other) != 0 {
		t.Errorf("ActiveRules(Recognition) = %v, want none", ruleIDs(other))
	}
}

func TestRegistryWritesInvalidateCache(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry()
	reg.Create(ctx, testRule("one"))

	if got, _ := reg.ActiveRules(ctx, "Event"); len(got) != 1 {
		t.Fatalf("ActiveRules() = %d rules, want 1", len(got))
	}

	if _, err := reg.SetActive(ctx, "one", false); err != nil {
		t.Fatalf("SetActive() failed: %v", err)
	}
	if got, _ := reg.ActiveRules(ctx, "Event"); len(got) != 0 {
		t.Errorf("deactivated rule still served: %v", ruleIDs(got))
	}

	reg.SetActive(ctx, "one", true)
	if got, _ := reg.ActiveRules(ctx, "Event"); len(got) != 1 {
		t.Errorf("reactivated rule missing, got %v", ruleIDs(got))
	}

	reg.Delete(ctx, "one")
	if got, _ := reg.ActiveRules(ctx, "Event"); len(got) != 0 {
		t.Errorf("deleted rule still served: %v", ruleIDs(got))
	}
}

func TestRegistryActiveRulesStoreFailure(t *testing.T) {
	reg, store := newTestRegistry()
	store.failList = errors.New("connection refused")

	if _, err := reg.ActiveRules(context.Background(), "Event"); err == nil {
		t.Error("ActiveRules() should surface store failures")
	}
}
