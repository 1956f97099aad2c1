package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/quota"
)

const accountColumns = `user_id, is_admin, trust_level, daily_quota,
	today_used_count, last_used_day, total_generations, updated_at`

// GetAccount retrieves an account.
func (s *Store) GetAccount(ctx context.Context, userID string) (*quota.Account, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM renderq_accounts WHERE user_id = $1`,
		userID,
	)
	a, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrAccountNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: get account: %w", err)
	}
	return a, nil
}

// TouchAccount upserts the profile and rolls the day counter over in the
// same statement; the counter is never written from a stale read.
func (s *Store) TouchAccount(ctx context.Context, p quota.Profile, today string, now time.Time) (*quota.Account, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO renderq_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, 0, $5, 0, $6)
		ON CONFLICT (user_id) DO UPDATE SET
			is_admin         = EXCLUDED.is_admin,
			trust_level      = EXCLUDED.trust_level,
			daily_quota      = EXCLUDED.daily_quota,
			today_used_count = CASE WHEN renderq_accounts.last_used_day = EXCLUDED.last_used_day
			                        THEN renderq_accounts.today_used_count ELSE 0 END,
			last_used_day    = EXCLUDED.last_used_day,
			updated_at       = EXCLUDED.updated_at
		RETURNING `+accountColumns,
		p.UserID, p.IsAdmin, p.TrustLevel, p.DailyQuota, today, now,
	)
	a, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("renderq/postgres: touch account: %w", err)
	}
	return a, nil
}

// DebitAccount records one completed generation.
func (s *Store) DebitAccount(ctx context.Context, userID, today string, now time.Time) (*quota.Account, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE renderq_accounts SET
			today_used_count  = CASE WHEN last_used_day = $2 THEN today_used_count + 1 ELSE 1 END,
			last_used_day     = $2,
			total_generations = total_generations + 1,
			updated_at        = $3
		WHERE user_id = $1
		RETURNING `+accountColumns,
		userID, today, now,
	)
	a, err := scanAccount(row)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrAccountNotFound
		}
		return nil, fmt.Errorf("renderq/postgres: debit account: %w", err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*quota.Account, error) {
	var a quota.Account
	err := row.Scan(&a.UserID, &a.IsAdmin, &a.TrustLevel, &a.DailyQuota,
		&a.TodayUsedCount, &a.LastUsedDay, &a.TotalGenerations, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}
