package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/npezzotti/skillswap-chat/internal/database"
)

const (
	ActionMessage = "message"

	// Unlimited disables the limit of a tier.
	Unlimited = -1
)

// Counter stores per (user, action, period) counts.
type Counter interface {
	Count(ctx context.Context, userId int, action, period string) (int, error)
	Increment(ctx context.Context, userId int, action, period string) (int, error)
}

type UserGetter interface {
	GetUserById(ctx context.Context, id int) (database.User, error)
}

// Limits maps a tier to its monthly limit.
type Limits map[string]int

// For returns the limit of tier, falling back to the free tier.
func (l Limits) For(tier string) int {
	if n, ok := l[tier]; ok {
		return n
	}
	return l[database.TierFree]
}

type Status struct {
	Count   int
	Limit   int
	Allowed bool
}

// PeriodKey is the calendar month of t in UTC.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

type Tracker struct {
	counter Counter
	users   UserGetter
	limits  Limits
	now     func() time.Time
}

func NewTracker(counter Counter, users UserGetter, limits Limits) *Tracker {
	return &Tracker{
		counter: counter,
		users:   users,
		limits:  limits,
		now:     time.Now,
	}
}

// CheckUsageLimit reports whether the user may perform one more action in the
// current period.
func (t *Tracker) CheckUsageLimit(ctx context.Context, userId int, action string) (Status, error) {
	user, err := t.users.GetUserById(ctx, userId)
	if err != nil {
		return Status{}, fmt.Errorf("get user: %w", err)
	}

	limit := t.limits.For(user.Tier)
	count, err := t.counter.Count(ctx, userId, action, PeriodKey(t.now()))
	if err != nil {
		return Status{}, fmt.Errorf("get usage count: %w", err)
	}

	return Status{
		Count:   count,
		Limit:   limit,
		Allowed: limit == Unlimited || count < limit,
	}, nil
}

// UpdateUsageTracking records one action in the current period and returns
// the new count.
func (t *Tracker) UpdateUsageTracking(ctx context.Context, userId int, action string) (int, error) {
	n, err := t.counter.Increment(ctx, userId, action, PeriodKey(t.now()))
	if err != nil {
		return 0, fmt.Errorf("increment usage: %w", err)
	}
	return n, nil
}

type usageStore interface {
	GetUsageCount(ctx context.Context, userId int, action, period string) (int, error)
	IncrementUsage(ctx context.Context, userId int, action, period string) (int, error)
}

// RepositoryCounter keeps counts in the usage_counters table.
type RepositoryCounter struct {
	store usageStore
}

func NewRepositoryCounter(store usageStore) *RepositoryCounter {
	return &RepositoryCounter{store: store}
}

func (c *RepositoryCounter) Count(ctx context.Context, userId int, action, period string) (int, error) {
	return c.store.GetUsageCount(ctx, userId, action, period)
}

func (c *RepositoryCounter) Increment(ctx context.Context, userId int, action, period string) (int, error) {
	return c.store.IncrementUsage(ctx, userId, action, period)
}
