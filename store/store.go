package store

import (
	"context"

	"github.com/xraph/renderq/cluster"
	"github.com/xraph/renderq/job"
	"github.com/xraph/renderq/quota"
)

// Store is the composite persistence interface. A backend implements every
// subsystem store plus lifecycle management.
type Store interface {
	job.Store
	cluster.Store
	quota.Store

	// Migrate creates or updates the schema.
	Migrate(ctx context.Context) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
