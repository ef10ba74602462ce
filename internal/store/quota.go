package store

import (
	"context"
	"database/sql"
	"time"
)

// AddQuotaSpend adds cents to a provider's counter for the given month
// (YYYY-MM) and returns the new total. Counters persist across restarts so
// the monthly budget survives a crash.
func (s *Store) AddQuotaSpend(ctx context.Context, provider, month string, cents int64) (int64, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO llm_quota (provider, month, spent_cents, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider, month) DO UPDATE SET
			spent_cents = llm_quota.spent_cents + excluded.spent_cents,
			updated_at = excluded.updated_at
	`), provider, month, cents, now)
	if err != nil {
		return 0, err
	}
	return s.GetQuotaSpend(ctx, provider, month)
}

// GetQuotaSpend returns a provider's spend for the given month. Missing
// counters read as zero.
func (s *Store) GetQuotaSpend(ctx context.Context, provider, month string) (int64, error) {
	var cents int64
	err := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT spent_cents FROM llm_quota WHERE provider = ? AND month = ?
	`), provider, month).Scan(&cents)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cents, err
}
