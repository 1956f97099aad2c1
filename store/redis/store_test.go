//go:build integration

package redis_test

import (
	"context"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/renderq/store"
	"github.com/xraph/renderq/store/redis"
	"github.com/xraph/renderq/store/storetest"
)

func setupClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	opts, err := goredis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestConformance(t *testing.T) {
	client := setupClient(t)
	s := redis.New(client)

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	})
}

func TestPrefixIsolation(t *testing.T) {
	client := setupClient(t)
	ctx := context.Background()

	a := redis.New(client, redis.WithPrefix("a:"))
	b := redis.New(client, redis.WithPrefix("b:"))

	if err := a.InsertJob(ctx, storetest.NewJob("u1", 0, 0)); err != nil {
		t.Fatal(err)
	}
	j, err := b.ClaimJob(ctx, "w1", storetest.Base)
	if err != nil {
		t.Fatal(err)
	}
	if j != nil {
		t.Fatalf("store b claimed a job inserted through store a: %s", j.ID)
	}
}
