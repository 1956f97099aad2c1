package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/quota"
)

// GetAccount retrieves an account.
func (s *Store) GetAccount(ctx context.Context, userID string) (*quota.Account, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.account(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: get account: %w", err)
	}
	if len(vals) == 0 {
		return nil, renderq.ErrAccountNotFound
	}
	return mapToAccount(vals), nil
}

// TouchAccount upserts the profile and rolls the day counter over.
func (s *Store) TouchAccount(ctx context.Context, p quota.Profile, today string, now time.Time) (*quota.Account, error) {
	res, err := touchScript.Run(ctx, s.client,
		[]string{s.keys.account(p.UserID)},
		p.UserID, flag(p.IsAdmin), p.TrustLevel, p.DailyQuota, today, micros(now),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: touch account: %w", err)
	}
	_, fields := scriptReply(res)
	return mapToAccount(fields), nil
}

// DebitAccount records one completed generation.
func (s *Store) DebitAccount(ctx context.Context, userID, today string, now time.Time) (*quota.Account, error) {
	res, err := debitScript.Run(ctx, s.client,
		[]string{s.keys.account(userID)},
		today, micros(now),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("renderq/redis: debit account: %w", err)
	}
	code, fields := scriptReply(res)
	if code == replyNotFound {
		return nil, renderq.ErrAccountNotFound
	}
	return mapToAccount(fields), nil
}
