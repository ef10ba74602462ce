package llm

import (
	"context"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/common/config"
	"github.com/chorushq/chorus/internal/store"
)

// QuotaTracker meters one provider's monthly spend against its configured
// cap. Spend accumulates in memory and flushes to the store on a timer;
// until the first successful refresh the tracker reports no headroom, so a
// provider never spends ahead of an unreadable ledger.
type QuotaTracker struct {
	store        *store.Store
	provider     string
	capCents     int64
	thresholdPct int
	inPer1M      float64
	outPer1M     float64

	mu         sync.Mutex
	month      string
	spentCents int64   // persisted spend as of the last refresh or flush
	unflushed  float64 // cents recorded since, carries sub-cent remainders
	loaded     bool
}

// NewQuotaTracker builds a tracker for one provider.
func NewQuotaTracker(st *store.Store, provider string, cfg config.ProviderConfig, thresholdPct int) *QuotaTracker {
	return &QuotaTracker{
		store:        st,
		provider:     provider,
		capCents:     int64(cfg.MonthlyCapUSD * 100),
		thresholdPct: thresholdPct,
		inPer1M:      cfg.InputCostPer1M,
		outPer1M:     cfg.OutputCostPer1M,
		month:        monthKey(time.Now()),
	}
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Refresh reloads the persisted spend for the current month.
func (q *QuotaTracker) Refresh(ctx context.Context) error {
	month := monthKey(time.Now())
	q.mu.Lock()
	if month != q.month {
		q.month = month
		q.spentCents = 0
		q.unflushed = 0
		q.loaded = false
	}
	q.mu.Unlock()

	spent, err := q.store.GetQuotaSpend(ctx, q.provider, month)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.spentCents = spent
	q.loaded = true
	q.mu.Unlock()
	return nil
}

// Loaded reports whether the tracker has read the ledger since boot or the
// last month rollover.
func (q *QuotaTracker) Loaded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loaded
}

// Allow reports whether the provider may serve another request. A zero cap
// means unmetered.
func (q *QuotaTracker) Allow() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.loaded {
		return false
	}
	if q.capCents <= 0 {
		return true
	}
	threshold := float64(q.capCents) * float64(q.thresholdPct) / 100
	return float64(q.spentCents)+q.unflushed < threshold
}

// Record adds the cost of one completion at the provider's token prices.
func (q *QuotaTracker) Record(usage Usage) {
	cents := (float64(usage.InputTokens)*q.inPer1M + float64(usage.OutputTokens)*q.outPer1M) / 1e6 * 100
	q.RecordCents(cents)
}

// RecordCents adds a direct cost, used for embedding calls priced outside
// the completion token rates.
func (q *QuotaTracker) RecordCents(cents float64) {
	if cents <= 0 {
		return
	}
	q.mu.Lock()
	q.unflushed += cents
	q.mu.Unlock()
}

// Flush persists the whole cents accumulated since the last flush. On a
// month rollover it settles the old month first, then refreshes for the new
// one.
func (q *QuotaTracker) Flush(ctx context.Context) error {
	month := monthKey(time.Now())

	q.mu.Lock()
	if month != q.month {
		old := q.month
		whole := int64(q.unflushed)
		q.unflushed = 0
		q.mu.Unlock()
		if whole > 0 {
			if _, err := q.store.AddQuotaSpend(ctx, q.provider, old, whole); err != nil {
				return err
			}
		}
		return q.Refresh(ctx)
	}
	whole := int64(q.unflushed)
	q.mu.Unlock()
	if whole <= 0 {
		return nil
	}

	total, err := q.store.AddQuotaSpend(ctx, q.provider, month, whole)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.unflushed -= float64(whole)
	q.spentCents = total
	q.loaded = true
	q.mu.Unlock()
	return nil
}

// SpentCents returns the current spend estimate, persisted plus pending.
func (q *QuotaTracker) SpentCents() float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return float64(q.spentCents) + q.unflushed
}
