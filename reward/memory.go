// Package reward holds reference adapters for the points ledger and badge
// collaborators the dispatcher calls.
package reward

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLedger is an in-process points ledger. A repeated idempotency key is
// a no-op success.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	applied  map[string]struct{}
}

// NewMemoryLedger creates an empty ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		applied:  make(map[string]struct{}),
	}
}

// AwardPoints credits amount to userEmail unless key was already applied
func (l *MemoryLedger) AwardPoints(ctx context.Context, userEmail string, amount int, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 {
		return fmt.Errorf("points amount must be positive, got %d", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.applied[key]; ok {
		return nil
	}
	l.applied[key] = struct{}{}
	l.balances[userEmail] += int64(amount)
	return nil
}

// Balance returns the user's current points
func (l *MemoryLedger) Balance(ctx context.Context, userEmail string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userEmail], nil
}

// MemoryBadges is an in-process badge awarder
type MemoryBadges struct {
	mu     sync.RWMutex
	badges map[string]map[string]struct{}
}

// NewMemoryBadges creates an empty badge set
func NewMemoryBadges() *MemoryBadges {
	return &MemoryBadges{badges: make(map[string]map[string]struct{})}
}

// AwardBadge grants badgeID. Granting a held badge succeeds without change.
func (b *MemoryBadges) AwardBadge(ctx context.Context, userEmail, badgeID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if badgeID == "" {
		return fmt.Errorf("badge id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	held, ok := b.badges[userEmail]
	if !ok {
		held = make(map[string]struct{})
		b.badges[userEmail] = held
	}
	held[badgeID] = struct{}{}
	return nil
}

// Badges returns the user's badges in sorted order
func (b *MemoryBadges) Badges(ctx context.Context, userEmail string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.badges[userEmail]))
	for id := range b.badges[userEmail] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
