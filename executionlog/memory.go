package executionlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/liamcoop/gamification/rules"
)

// MemoryLog implements Log in memory. Reservations for one (rule, user) pair
// are serialised by a per-pair mutex; other pairs proceed in parallel.
type MemoryLog struct {
	records []*rules.ExecutionRecord
	byID    map[string]*rules.ExecutionRecord
	byPair  map[string][]*rules.ExecutionRecord
	mu      sync.RWMutex

	pairLocks sync.Map // pair key -> *sync.Mutex
}

// NewMemoryLog creates an empty in-memory execution log
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID:   make(map[string]*rules.ExecutionRecord),
		byPair: make(map[string][]*rules.ExecutionRecord),
	}
}

func pairKey(ruleID, userEmail string) string {
	return ruleID + "|" + userEmail
}

func (l *MemoryLog) lockPair(key string) *sync.Mutex {
	m, _ := l.pairLocks.LoadOrStore(key, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu
}

// Reserve implements Log
func (l *MemoryLog) Reserve(ctx context.Context, req ReserveRequest, decide DecideFunc) (*rules.ExecutionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := pairKey(req.RuleID, req.UserEmail)
	pair := l.lockPair(key)
	defer pair.Unlock()

	l.mu.RLock()
	history := historyOf(l.byPair[key], req.WindowStart)
	l.mu.RUnlock()

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

	l.mu.Lock()
	l.records = append(l.records, record)
	l.byID[record.ID] = record
	l.byPair[key] = append(l.byPair[key], record)
	l.mu.Unlock()

	return copyRecord(record), nil
}

func historyOf(records []*rules.ExecutionRecord, windowStart time.Time) History {
	var h History
	for _, r := range records {
		if !r.Outcome.ConsumesSlot() {
			continue
		}
		if r.Timestamp.After(h.LastConsumed) {
			h.LastConsumed = r.Timestamp
		}
		if !r.Timestamp.Before(windowStart) {
			h.ConsumedSince++
		}
	}
	return h
}

// Complete implements Log
func (l *MemoryLog) Complete(_ context.Context, id string, outcome rules.Outcome, results []rules.ActionResult, completedAt time.Time) error {
	if err := validCompletion(outcome); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record, ok := l.byID[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	if record.CompletedAt != nil {
		return fmt.Errorf("record %s: %w", id, ErrAlreadyCompleted)
	}

	record.Outcome = outcome
	record.ActionResults = append([]rules.ActionResult(nil), results...)
	record.CompletedAt = &completedAt
	return nil
}

// Get implements Log
func (l *MemoryLog) Get(_ context.Context, id string) (*rules.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, ErrRecordNotFound)
	}
	return copyRecord(record), nil
}

// List implements Log
func (l *MemoryLog) List(_ context.Context, filter Filter) ([]*rules.ExecutionRecord, error) {
	l.mu.RLock()
	var out []*rules.ExecutionRecord
	for _, r := range l.records {
		if matches(r, filter) {
			out = append(out, copyRecord(r))
		}
	}
	l.mu.RUnlock()

	sortNewestFirst(out)
	if limit := effectiveLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(r *rules.ExecutionRecord, f Filter) bool {
	if f.RuleID != "" && r.RuleID != f.RuleID {
		return false
	}
	if f.UserEmail != "" && r.UserEmail != f.UserEmail {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if !f.From.IsZero() && r.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Timestamp.After(f.To) {
		return false
	}
	return true
}

// ListUnresolved implements Log
func (l *MemoryLog) ListUnresolved(_ context.Context, olderThan time.Time) ([]*rules.ExecutionRecord, error) {
	l.mu.RLock()
	var out []*rules.ExecutionRecord
	for _, r := range l.records {
		if r.Unresolved() && r.Timestamp.Before(olderThan) {
			out = append(out, copyRecord(r))
		}
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ExecutionCounts implements Log
func (l *MemoryLog) ExecutionCounts(_ context.Context) (map[string]int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	counts := make(map[string]int64)
	for _, r := range l.records {
		if r.Outcome.ConsumesSlot() {
			counts[r.RuleID]++
		}
	}
	return counts, nil
}

// Stats implements Log
func (l *MemoryLog) Stats(_ context.Context, ruleID string, since time.Time) (*RuleStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := &RuleStats{RuleID: ruleID, ByOutcome: make(map[rules.Outcome]int64)}
	for _, r := range l.records {
		if r.RuleID != ruleID {
			continue
		}
		stats.ByOutcome[r.Outcome]++
		if !r.Outcome.ConsumesSlot() {
			continue
		}
		stats.ExecutionCount++
		if !r.Timestamp.Before(since) {
			stats.FiresSince++
		}
	}
	return stats, nil
}

func sortNewestFirst(records []*rules.ExecutionRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})
}

func copyRecord(r *rules.ExecutionRecord) *rules.ExecutionRecord {
	c := *r
	c.ActionResults = append([]rules.ActionResult(nil), r.ActionResults...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
