package bunstore

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/quota"
)

// GetAccount retrieves an account.
func (s *Store) GetAccount(ctx context.Context, userID string) (*quota.Account, error) {
	m := new(accountModel)
	err := s.db.NewSelect().Model(m).Where("user_id = ?", userID).Limit(1).Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, renderq.ErrAccountNotFound
		}
		return nil, fmt.Errorf("renderq/bun: get account: %w", err)
	}
	return fromAccountModel(m), nil
}

// TouchAccount upserts the profile and rolls the day counter over in one
// statement.
func (s *Store) TouchAccount(ctx context.Context, p quota.Profile, today string, now time.Time) (*quota.Account, error) {
	m := &accountModel{
		UserID:      p.UserID,
		IsAdmin:     p.IsAdmin,
		TrustLevel:  p.TrustLevel,
		DailyQuota:  p.DailyQuota,
		LastUsedDay: today,
		UpdatedAt:   now,
	}
	_, err := s.db.NewInsert().Model(m).
		On("CONFLICT (user_id) DO UPDATE").
		Set("is_admin = EXCLUDED.is_admin").
		Set("trust_level = EXCLUDED.trust_level").
		Set("daily_quota = EXCLUDED.daily_quota").
		Set("today_used_count = CASE WHEN ?TableAlias.last_used_day = EXCLUDED.last_used_day THEN ?TableAlias.today_used_count ELSE 0 END").
		Set("last_used_day = EXCLUDED.last_used_day").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("renderq/bun: touch account: %w", err)
	}
	return fromAccountModel(m), nil
}

// DebitAccount records one completed generation.
func (s *Store) DebitAccount(ctx context.Context, userID, today string, now time.Time) (*quota.Account, error) {
	m := new(accountModel)
	res, err := s.db.NewUpdate().Model(m).
		Set("today_used_count = CASE WHEN last_used_day = ? THEN today_used_count + 1 ELSE 1 END", today).
		Set("last_used_day = ?", today).
		Set("total_generations = total_generations + 1").
		Set("updated_at = ?", now).
		Where("user_id = ?", userID).
		Returning("*").
		Exec(ctx)
	if err != nil && !isNoRows(err) {
		return nil, fmt.Errorf("renderq/bun: debit account: %w", err)
	}
	if err != nil {
		return nil, renderq.ErrAccountNotFound
	}
	if rows, _ := res.RowsAffected(); rows == 0 { //nolint:errcheck // driver always returns nil
		return nil, renderq.ErrAccountNotFound
	}
	return fromAccountModel(m), nil
}
