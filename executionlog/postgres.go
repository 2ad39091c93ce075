package executionlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liamcoop/gamification/rules"
)

const recordColumns = `id, rule_id, user_email, event_id, ts, outcome, action_results, completed_at`

// PostgresLog implements Log on PostgreSQL. Reserve holds a transaction-scoped
// advisory lock on the (rule, user) pair, so concurrent reservations for the
// same pair serialise across every engine instance sharing the database.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// Connect opens a pgx pool
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	return pool, nil
}

// NewPostgresLog creates a PostgreSQL-backed execution log
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

// Ready checks the database is reachable
func (l *PostgresLog) Ready(ctx context.Context) error {
	var one int
	return l.pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Reserve implements Log
func (l *PostgresLog) Reserve(ctx context.Context, req ReserveRequest, decide DecideFunc) (*rules.ExecutionRecord, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, pairKey(req.RuleID, req.UserEmail)); err != nil {
		return nil, fmt.Errorf("lock pair: %w", err)
	}

	var (
		last  *time.Time
		count int64
	)
	err = tx.QueryRow(ctx, `
		SELECT max(ts), count(*) FILTER (WHERE ts >= $3)
		FROM execution_records
		WHERE rule_id = $1 AND user_email = $2 AND outcome IN ('fired', 'action_failed')
	`, req.RuleID, req.UserEmail, req.WindowStart).Scan(&last, &count)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	history := History{ConsumedSince: int(count)}
	if last != nil {
		history.LastConsumed = *last
	}

	outcome := decide(history)
	if !outcome.Valid() {
		return nil, fmt.Errorf("decide returned unknown outcome %q", outcome)
	}

	record := &rules.ExecutionRecord{
		ID:        uuid.NewString(),
		RuleID:    req.RuleID,
		UserEmail: req.UserEmail,
		EventID:   req.EventID,
		Timestamp: req.Now,
		Outcome:   outcome,
	}
	if outcome != rules.OutcomeFired {
		completed := req.Now
		record.CompletedAt = &completed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO execution_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, '[]'::jsonb, $7)
	`, record.ID, record.RuleID, record.UserEmail, record.EventID, record.Timestamp,
		string(record.Outcome), record.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("insert record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit reservation: %w", err)
	}
	return record, nil
}

// Complete implements Log
func (l *PostgresLog) Complete(ctx context.Context, id string, outcome rules.Outcome, results []rules.ActionResult, completedAt time.Time) error {
	if err := validCompletion(outcome); err != nil {
		return err
	}

	body, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal action results: %w", err)
	}

	ct, err := l.pool.Exec(ctx, `
		UPDATE execution_records
		SET outcome = $2, action_results = $3::jsonb, completed_at = $4
		WHERE id = $1 AND completed_at IS NULL
	`, id, string(outcome), string(body), completedAt)
	if err != nil {
		return fmt.Errorf("complete record: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	if _, err := l.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("record %s: %w", id, ErrAlreadyCompleted)
}

// Get implements Log
func (l *PostgresLog) Get(ctx context.Context, id string) (*rules.ExecutionRecord, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM execution_records WHERE id = $1`, id)

	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return record, nil
}

// List implements Log
func (l *PostgresLog) List(ctx context.Context, filter Filter) ([]*rules.ExecutionRecord, error) {
	cond := "WHERE true"
	var args []any
	idx := 1

	add := func(clause string, v any) {
		cond += fmt.Sprintf(" AND "+clause, idx)
		args = append(args, v)
		idx++
	}
	if filter.RuleID != "" {
		add("rule_id = $%d", filter.RuleID)
	}
	if filter.UserEmail != "" {
		add("user_email = $%d", filter.UserEmail)
	}
	if filter.Outcome != "" {
		add("outcome = $%d", string(filter.Outcome))
	}
	if !filter.From.IsZero() {
		add("ts >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("ts <= $%d", filter.To)
	}

	sql := fmt.Sprintf(`SELECT %s FROM execution_records %s ORDER BY ts DESC, id ASC LIMIT %d`,
		recordColumns, cond, effectiveLimit(filter.Limit))
	return l.query(ctx, sql, args...)
}

// ListUnresolved implements Log
func (l *PostgresLog) ListUnresolved(ctx context.Context, olderThan time.Time) ([]*rules.ExecutionRecord, error) {
	return l.query(ctx, `
		SELECT `+recordColumns+`
		FROM execution_records
		WHERE outcome = 'fired' AND completed_at IS NULL AND ts < $1
		ORDER BY ts ASC
	`, olderThan)
}

// ExecutionCounts implements Log
func (l *PostgresLog) ExecutionCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT rule_id, count(*)::bigint
		FROM execution_records
		WHERE outcome IN ('fired', 'action_failed')
		GROUP BY rule_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count executions: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var (
			ruleID string
			n      int64
		)
		if err := rows.Scan(&ruleID, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[ruleID] = n
	}
	return counts, rows.Err()
}

// Stats implements Log
func (l *PostgresLog) Stats(ctx context.Context, ruleID string, since time.Time) (*RuleStats, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT outcome, count(*)::bigint, count(*) FILTER (WHERE ts >= $2)::bigint
		FROM execution_records
		WHERE rule_id = $1
		GROUP BY outcome
	`, ruleID, since)
	if err != nil {
		return nil, fmt.Errorf("rule stats: %w", err)
	}
	defer rows.Close()

	stats := &RuleStats{RuleID: ruleID, ByOutcome: make(map[rules.Outcome]int64)}
	for rows.Next() {
		var (
			outcome       string
			total, recent int64
		)
		if err := rows.Scan(&outcome, &total, &recent); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		o := rules.Outcome(outcome)
		stats.ByOutcome[o] = total
		if o.ConsumesSlot() {
			stats.ExecutionCount += total
			stats.FiresSince += recent
		}
	}
	return stats, rows.Err()
}

func (l *PostgresLog) query(ctx context.Context, sql string, args ...any) ([]*rules.ExecutionRecord, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*rules.ExecutionRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*rules.ExecutionRecord, error) {
	var (
		r       rules.ExecutionRecord
		outcome string
		results []byte
	)
	if err := row.Scan(&r.ID, &r.RuleID, &r.UserEmail, &r.EventID, &r.Timestamp, &outcome, &results, &r.CompletedAt); err != nil {
		return nil, err
	}
	r.Outcome = rules.Outcome(outcome)
	if len(results) > 0 {
		if err := json.Unmarshal(results, &r.ActionResults); err != nil {
			return nil, fmt.Errorf("decode action results of %s: %w", r.ID, err)
		}
	}
	return &r, nil
}
