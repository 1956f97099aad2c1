package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/renderq"
)

// Ledger answers "may this user submit?" and records completions.
type Ledger struct {
	store  Store
	tiers  renderq.Tiers
	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the time zone that defines a calendar day. Default UTC.
func WithLocation(loc *time.Location) Option {
	return func(l *Ledger) { l.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger that derives daily quotas from tiers.
func NewLedger(store Store, tiers renderq.Tiers, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		tiers:  tiers,
		now:    func() time.Time { return time.Now().UTC() },
		loc:    time.UTC,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Today returns the current calendar day in the ledger's location.
func (l *Ledger) Today() string {
	return l.now().In(l.loc).Format(DayLayout)
}

// Touch refreshes the actor's account: the daily quota is recomputed from
// the trust tier and a stale day is rolled over.
func (l *Ledger) Touch(ctx context.Context, a renderq.Actor) (*Account, error) {
	return l.store.TouchAccount(ctx, Profile{
		UserID:     a.UserID,
		IsAdmin:    a.IsAdmin,
		TrustLevel: a.TrustLevel,
		DailyQuota: l.tiers.Quota(a.TrustLevel, a.IsAdmin),
	}, l.Today(), l.now())
}

// CanSubmit touches the actor's account and reports whether another job
// may be submitted today. Admins always may.
func (l *Ledger) CanSubmit(ctx context.Context, a renderq.Actor) (bool, *Account, error) {
	acct, err := l.Touch(ctx, a)
	if err != nil {
		return false, nil, err
	}
	if a.IsAdmin {
		return true, acct, nil
	}
	return acct.TodayUsedCount < acct.DailyQuota, acct, nil
}

// Debit records one successful completion for userID.
func (l *Ledger) Debit(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.store.DebitAccount(ctx, userID, l.Today(), l.now())
	if err != nil {
		return nil, err
	}
	l.logger.Debug("quota debited",
		slog.String("user_id", userID),
		slog.Int("today_used_count", acct.TodayUsedCount),
		slog.Int("daily_quota", acct.DailyQuota),
	)
	return acct, nil
}

// Account returns the user's account as of today without writing.
func (l *Ledger) Account(ctx context.Context, userID string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	acct.Rollover(l.Today())
	return acct, nil
}
