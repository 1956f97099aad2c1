// Package redis implements store.Store on Redis using go-redis/v9.
//
// Jobs, workers and accounts are Hashes. The queue is a Sorted Set scored
// by negated priority whose members are "<created micros>|<job id>", so
// equal-priority members fall back to Redis' lexicographic order and the
// head of the set is always the next job to run. Claims and conditional
// transitions run as Lua scripts, which makes them atomic on a single node.
// Scripts touch keys derived from job IDs, so the store does not support
// Redis Cluster.
//
// The caller owns the Redis client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redis.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
