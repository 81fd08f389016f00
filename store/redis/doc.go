// Package redis implements store.Ephemeral on Redis. Timers live in one
// Sorted Set scored by due time with a Hash per entry; presence uses Sets
// and Geo indexes; leases, markers and idempotency records are plain keys
// with a TTL. Every compare-then-write runs as a Lua script so replicas
// never interleave inside it.
//
// The caller owns the client lifecycle:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	cache := redis.New(client)
//	if err := cache.Ping(ctx); err != nil { ... }
package redis
