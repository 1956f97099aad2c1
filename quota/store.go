package quota

import (
	"context"
	"time"
)

// Store defines the persistence contract for quota accounts. Both writes
// apply the day rollover atomically with the change.
type Store interface {
	// GetAccount retrieves an account, failing with
	// renderq.ErrAccountNotFound.
	GetAccount(ctx context.Context, userID string) (*Account, error)

	// TouchAccount creates or refreshes the profile fields of an account.
	// If the stored day differs from today, today's counter is reset to 0.
	// Counters are otherwise left alone.
	TouchAccount(ctx context.Context, p Profile, today string, now time.Time) (*Account, error)

	// DebitAccount adds one completed generation: today's counter becomes
	// 1 on a new day and increments otherwise; the lifetime total always
	// increments.
	DebitAccount(ctx context.Context, userID, today string, now time.Time) (*Account, error)
}
