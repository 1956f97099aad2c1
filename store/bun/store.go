package bunstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	_ job.Store     = (*Store)(nil)
	_ cluster.Store = (*Store)(nil)
	_ quota.Store   = (*Store)(nil)
)

// Store persists renderq state through bun on the PostgreSQL dialect.
// The caller owns the *bun.DB.
type Store struct {
	db     *bun.DB
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

// New creates a new Bun store. The Store will not close db on Close().
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying *bun.DB.
func (s *Store) DB() *bun.DB {
	return s.db
}

// schemaVersion records an applied migration file. The table is shared
// with the pgx store, which embeds the same files.
type schemaVersion struct {
	bun.BaseModel `bun:"table:renderq_schema,alias:sv"`

	Version   string    `bun:"version,pk"`
	AppliedAt time.Time `bun:"applied_at,notnull,default:current_timestamp"`
}

// Migrate applies the embedded SQL files that are not yet recorded in
// renderq_schema, each inside its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*schemaVersion)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("renderq/bun: create schema table: %w", err)
	}

	var versions []string
	if err := s.db.NewSelect().
		Model((*schemaVersion)(nil)).
		Column("version").
		Scan(ctx, &versions); err != nil {
		return fmt.Errorf("renderq/bun: list applied: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("renderq/bun: read migrations: %w", err)
	}
	slices.Sort(files)

	for _, file := range files {
		version := strings.TrimSuffix(path.Base(file), ".sql")
		if slices.Contains(versions, version) {
			continue
		}
		ddl, err := fs.ReadFile(migrationsFS, file)
		if err != nil {
			return fmt.Errorf("renderq/bun: read %s: %w", file, err)
		}
		err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.ExecContext(ctx, string(ddl)); err != nil {
				return err
			}
			_, err := tx.NewInsert().Model(&schemaVersion{Version: version, AppliedAt: time.Now().UTC()}).Exec(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("renderq/bun: apply %s: %w", version, err)
		}
		s.logger.Info("schema migrated", slog.String("version", version))
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close is a no-op because the caller owns the *bun.DB lifecycle.
func (s *Store) Close() error {
	return nil
}
