// Package redis implements store.Store on Redis for deployments that
// share state between replicas.
//
// A job is a JSON string key, its items a hash keyed by file ID and its
// event log a list whose index n holds sequence n+1. Every transition runs
// under WATCH on the job key and commits with MULTI/EXEC, retrying when a
// concurrent writer touched the job first.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
