package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const ruleColumns = `id, name, description, source_entity, logic, conditions, actions,
	cooldown_hours, max_triggers_per_month, is_active, priority, scope, team_id,
	created_at, updated_at`

// PostgresRuleStore implements RuleStore backed by PostgreSQL
type PostgresRuleStore struct {
	db *sql.DB
}

// NewPostgresRuleStore creates a new PostgreSQL-backed RuleStore
func NewPostgresRuleStore(db *sql.DB) *PostgresRuleStore {
	return &PostgresRuleStore{db: db}
}

// Add inserts a new rule into the database
func (s *PostgresRuleStore) Add(ctx context.Context, rule *Rule) error {
	conditions, actions, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO gamification_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO NOTHING
	`, rule.ID, rule.Name, rule.Description, rule.SourceEntity, string(rule.Logic),
		conditions, actions, rule.CooldownHours, nullableInt(rule.MaxTriggersPerMonth),
		rule.IsActive, rule.Priority, string(rule.Scope), rule.TeamID,
		rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule with ID %s: %w", rule.ID, ErrRuleExists)
	}

	return nil
}

// Get retrieves a rule by ID
func (s *PostgresRuleStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM gamification_rules
		WHERE id = $1
	`, id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule: %w", err)
	}

	return rule, nil
}

// List returns every rule ordered for display
func (s *PostgresRuleStore) List(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM gamification_rules
		ORDER BY priority DESC, created_at ASC, id ASC
	`)
}

// ListActive returns all active rules
func (s *PostgresRuleStore) ListActive(ctx context.Context) ([]*Rule, error) {
	return s.query(ctx, `
		SELECT `+ruleColumns+`
		FROM gamification_rules
		WHERE is_active = true
		ORDER BY priority DESC, created_at ASC, id ASC
	`)
}

// Update modifies an existing rule; created_at is left untouched
func (s *PostgresRuleStore) Update(ctx context.Context, rule *Rule) error {
	conditions, actions, err := marshalRuleBody(rule)
	if err != nil {
		return err
	}

	rule.UpdatedAt = time.Now().UTC()

	err = s.db.QueryRowContext(ctx, `
		UPDATE gamification_rules
		SET name = $1, description = $2, source_entity = $3, logic = $4,
			conditions = $5, actions = $6, cooldown_hours = $7,
			max_triggers_per_month = $8, is_active = $9, priority = $10,
			scope = $11, team_id = $12, updated_at = $13
		WHERE id = $14
		RETURNING created_at
	`, rule.Name, rule.Description, rule.SourceEntity, string(rule.Logic),
		conditions, actions, rule.CooldownHours, nullableInt(rule.MaxTriggersPerMonth),
		rule.IsActive, rule.Priority, string(rule.Scope), rule.TeamID,
		rule.UpdatedAt, rule.ID).Scan(&rule.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrRuleNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}

	return nil
}

// Delete removes a rule from the database. Execution history is kept.
func (s *PostgresRuleStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM gamification_rules
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrRuleNotFound)
	}

	return nil
}

func (s *PostgresRuleStore) query(ctx context.Context, query string, args ...any) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rulesList []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rulesList = append(rulesList, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rulesList, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*Rule, error) {
	var (
		r          Rule
		logic      string
		scope      string
		conditions []byte
		actions    []byte
		maxPerMon  sql.NullInt64
	)
	err := row.Scan(
		&r.ID, &r.Name, &r.Description, &r.SourceEntity, &logic,
		&conditions, &actions, &r.CooldownHours, &maxPerMon,
		&r.IsActive, &r.Priority, &scope, &r.TeamID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Logic = Logic(logic)
	r.Scope = Scope(scope)
	if maxPerMon.Valid {
		n := int(maxPerMon.Int64)
		r.MaxTriggersPerMonth = &n
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of rule %s: %w", r.ID, err)
	}
	return &r, nil
}

// marshalRuleBody encodes the JSONB columns. Strings, not []byte, so lib/pq
// does not send them as bytea.
func marshalRuleBody(rule *Rule) (conditions, actions string, err error) {
	c, err := json.Marshal(rule.Conditions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal conditions: %w", err)
	}
	a, err := json.Marshal(rule.Actions)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal actions: %w", err)
	}
	return string(c), string(a), nil
}

func nullableInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}
