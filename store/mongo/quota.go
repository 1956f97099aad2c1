package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/renderq"
	"github.com/xraph/renderq/quota"
)

// GetAccount retrieves an account.
func (s *Store) GetAccount(ctx context.Context, userID string) (*quota.Account, error) {
	var m accountModel
	err := s.db.Collection(colAccounts).FindOne(ctx, bson.M{"_id": userID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, renderq.ErrAccountNotFound
		}
		return nil, fmt.Errorf("renderq/mongo: get account: %w", err)
	}
	return fromAccountModel(&m), nil
}

// TouchAccount upserts the profile and rolls the day counter over in one
// pipeline update.
func (s *Store) TouchAccount(ctx context.Context, p quota.Profile, today string, now time.Time) (*quota.Account, error) {
	sameDay := bson.M{"$eq": bson.A{"$last_used_day", bson.M{"$literal": today}}}
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"is_admin":          p.IsAdmin,
			"trust_level":       p.TrustLevel,
			"daily_quota":       p.DailyQuota,
			"today_used_count":  bson.M{"$cond": bson.A{sameDay, "$today_used_count", 0}},
			"last_used_day":     bson.M{"$literal": today},
			"total_generations": bson.M{"$ifNull": bson.A{"$total_generations", int64(0)}},
			"updated_at":        now,
		}},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m accountModel
	err := s.db.Collection(colAccounts).FindOneAndUpdate(ctx, bson.M{"_id": p.UserID}, pipeline, opts).Decode(&m)
	if err != nil {
		return nil, fmt.Errorf("renderq/mongo: touch account: %w", err)
	}
	return fromAccountModel(&m), nil
}

// DebitAccount records one completed generation.
func (s *Store) DebitAccount(ctx context.Context, userID, today string, now time.Time) (*quota.Account, error) {
	sameDay := bson.M{"$eq": bson.A{"$last_used_day", bson.M{"$literal": today}}}
	pipeline := bson.A{
		bson.M{"$set": bson.M{
			"today_used_count":  bson.M{"$cond": bson.A{sameDay, bson.M{"$add": bson.A{"$today_used_count", 1}}, 1}},
			"last_used_day":     bson.M{"$literal": today},
			"total_generations": bson.M{"$add": bson.A{"$total_generations", int64(1)}},
			"updated_at":        now,
		}},
	}

	var m accountModel
	err := s.db.Collection(colAccounts).
		FindOneAndUpdate(ctx, bson.M{"_id": userID}, pipeline, options.FindOneAndUpdate().SetReturnDocument(options.After)).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, renderq.ErrAccountNotFound
		}
		return nil, fmt.Errorf("renderq/mongo: debit account: %w", err)
	}
	return fromAccountModel(&m), nil
}
