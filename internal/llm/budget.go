package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// BudgetLedger debits one adjudication call against a tenant's daily budget.
// DebitIfAvailable never blocks on the provider: a failed or exhausted debit
// means the caller falls back to review.
type BudgetLedger interface {
	DebitIfAvailable(ctx context.Context, tenantID string, limit int) (bool, error)
	Spent(ctx context.Context, tenantID string) (int, error)
}

const budgetKeyTTL = 48 * time.Hour

// RedisBudgetLedger counts daily LLM calls in Redis so concurrent pipeline
// workers across processes share one budget. When Redis is unreachable it
// degrades to a per-process counter rather than failing the debit.
type RedisBudgetLedger struct {
	rdb    *redis.Client
	clock  domain.Clock
	log    zerolog.Logger
	local  *LocalBudgetLedger
	prefix string
}

// NewRedisBudgetLedger creates a ledger over an existing Redis client.
func NewRedisBudgetLedger(rdb *redis.Client, clock domain.Clock, log zerolog.Logger) *RedisBudgetLedger {
	return &RedisBudgetLedger{
		rdb:    rdb,
		clock:  clock,
		log:    log.With().Str("component", "llm_budget").Logger(),
		local:  NewLocalBudgetLedger(clock),
		prefix: "lp:llm:budget:",
	}
}

func (l *RedisBudgetLedger) key(tenantID string) string {
	return l.prefix + tenantID + ":" + l.clock.Now().UTC().Format("20060102")
}

// DebitIfAvailable increments the tenant's daily counter and admits the call
// if the result is within the limit. Over-limit increments are rolled back so
// the counter stays an admission count, not an attempt count.
func (l *RedisBudgetLedger) DebitIfAvailable(ctx context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	key := l.key(tenantID)
	n, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("redis budget unavailable, using local ledger")
		return l.local.DebitIfAvailable(ctx, tenantID, limit)
	}
	if n == 1 {
		l.rdb.Expire(ctx, key, budgetKeyTTL)
	}
	if int(n) > limit {
		l.rdb.Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

// Spent returns today's admitted call count for the tenant.
func (l *RedisBudgetLedger) Spent(ctx context.Context, tenantID string) (int, error) {
	n, err := l.rdb.Get(ctx, l.key(tenantID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return l.local.Spent(ctx, tenantID)
	}
	return n, nil
}

// LocalBudgetLedger is the in-process fallback. Counters reset when the UTC
// day rolls over.
type LocalBudgetLedger struct {
	mu    sync.Mutex
	clock domain.Clock
	day   string
	spent map[string]int
}

// NewLocalBudgetLedger creates an empty in-process ledger.
func NewLocalBudgetLedger(clock domain.Clock) *LocalBudgetLedger {
	return &LocalBudgetLedger{clock: clock, spent: make(map[string]int)}
}

func (l *LocalBudgetLedger) roll() {
	day := l.clock.Now().UTC().Format("20060102")
	if day != l.day {
		l.day = day
		l.spent = make(map[string]int)
	}
}

// DebitIfAvailable admits the call if today's count is below the limit.
func (l *LocalBudgetLedger) DebitIfAvailable(_ context.Context, tenantID string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	if l.spent[tenantID] >= limit {
		return false, nil
	}
	l.spent[tenantID]++
	return true, nil
}

// Spent returns today's admitted call count for the tenant.
func (l *LocalBudgetLedger) Spent(_ context.Context, tenantID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roll()
	return l.spent[tenantID], nil
}

var _ BudgetLedger = (*RedisBudgetLedger)(nil)
var _ BudgetLedger = (*LocalBudgetLedger)(nil)

// ErrBudgetExhausted is a sentinel for logs; callers route via the degraded
// signal, not this error.
var ErrBudgetExhausted = fmt.Errorf("llm daily budget exhausted")
