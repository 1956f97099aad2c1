package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// Collection name constants.
const (
	colJobs     = "renderq_jobs"
	colWorkers  = "renderq_workers"
	colAccounts = "renderq_accounts"
)

// onePendingIndex names the partial unique index over pending exclusive jobs.
const onePendingIndex = "one_pending_per_user"

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
	_ quota.Store   = (*Store)(nil)
)

// Store is a MongoDB implementation of store.Store.
// The caller owns the client lifecycle; Store never closes it.
type Store struct {
	db     *mongod.Database
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a new MongoDB store over db.
func New(db *mongod.Database, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database handle.
func (s *Store) DB() *mongod.Database {
	return s.db
}

// Migrate creates indexes for all collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}

		_, err := s.db.Collection(col).Indexes().CreateMany(ctx, models)
		if err != nil {
			return fmt.Errorf("renderq/mongo: migrate %s indexes: %w", col, err)
		}
		s.logger.Info("ensured indexes", "collection", col, "count", len(models))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, nil)
}

// Close is a no-op because the caller owns the client lifecycle.
func (s *Store) Close() error {
	return nil
}

// ── helpers ──────────────────────────────────────────────────────

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isPendingViolation reports whether err broke the one-pending index.
func isPendingViolation(err error) bool {
	return mongod.IsDuplicateKeyError(err) && strings.Contains(err.Error(), onePendingIndex)
}

// migrationIndexes returns the index definitions for all collections.
func migrationIndexes() map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		colJobs: {
			// Claim order over queued jobs.
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "priority", Value: -1},
				{Key: "created_at", Value: 1},
				{Key: "_id", Value: 1},
			}},
			{Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "started_at", Value: 1},
			}},
			{Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "created_at", Value: -1},
			}},
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetName(onePendingIndex).
					SetUnique(true).
					SetPartialFilterExpression(bson.D{
						{Key: "exclusive", Value: true},
						{Key: "status", Value: bson.D{{Key: "$in", Value: bson.A{"queued", "running"}}}},
					}),
			},
		},
		colWorkers: {
			{Keys: bson.D{{Key: "last_seen_at", Value: 1}}},
		},
	}
}
