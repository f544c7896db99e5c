// Package redis is a transport.Transport backed by Redis lists. Due tasks
// sit in a ready list, delayed tasks in a sorted set scored by due time in
// milliseconds, and dequeued tasks in a processing list until acknowledged.
// The dequeue time of every parked task is kept in a sorted set so tasks
// left behind by a crashed consumer can be reclaimed.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	t := redistransport.New(client, redistransport.WithPrefix("courier"))
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/courier/transport"
)

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Reclaimer = (*Transport)(nil)
)

// Option configures the Transport.
type Option func(*Transport)

// WithPrefix sets the key prefix. Default "courier".
func WithPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithCodec sets the payload codec. Default JSON.
func WithCodec(c transport.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithPollInterval bounds how long a single blocking pop waits, which is
// also the latency for promoting delayed tasks. Default 1s.
func WithPollInterval(d time.Duration) Option {
	return func(t *Transport) { t.poll = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport moves tasks through Redis. The caller owns the client.
type Transport struct {
	client goredis.Cmdable
	prefix string
	codec  transport.Codec
	poll   time.Duration
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Redis transport.
func New(client goredis.Cmdable, opts ...Option) *Transport {
	t := &Transport{
		client: client,
		prefix: "courier",
		codec:  transport.JSONCodec{},
		poll:   time.Second,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Codec returns the payload codec.
func (t *Transport) Codec() transport.Codec { return t.codec }

func (t *Transport) readyKey() string      { return t.prefix + ":tasks:ready" }
func (t *Transport) scheduledKey() string  { return t.prefix + ":tasks:scheduled" }
func (t *Transport) processingKey() string { return t.prefix + ":tasks:processing" }
func (t *Transport) inflightKey() string   { return t.prefix + ":tasks:inflight" }

// Enqueue pushes t onto the ready list, or into the scheduled set when
// delay is positive.
func (t *Transport) Enqueue(ctx context.Context, task transport.Task, delay time.Duration) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	data, err := t.codec.Encode(task)
	if err != nil {
		return err
	}
	if delay <= 0 {
		if err := t.client.RPush(ctx, t.readyKey(), data).Err(); err != nil {
			return fmt.Errorf("courier/redis: enqueue: %w", err)
		}
		return nil
	}
	due := time.Now().Add(delay).UnixMilli()
	if err := t.client.ZAdd(ctx, t.scheduledKey(), goredis.Z{Score: float64(due), Member: data}).Err(); err != nil {
		return fmt.Errorf("courier/redis: enqueue delayed: %w", err)
	}
	return nil
}

// promoteScript moves every scheduled task that is due onto the ready list.
var promoteScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, member in ipairs(due) do
    redis.call('RPUSH', KEYS[2], member)
end
if #due > 0 then
    redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
end
return #due
`)

// Promote moves due scheduled tasks to the ready list and returns how
// many moved. Dequeue calls it before each blocking pop.
func (t *Transport) Promote(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, t.client, []string{t.scheduledKey(), t.readyKey()}, now).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("courier/redis: promote: %w", err)
	}
	return n, nil
}

// Dequeue moves the oldest ready task to the processing list.
func (t *Transport) Dequeue(ctx context.Context) (transport.Delivery, error) {
	for {
		if t.isClosed() {
			return nil, transport.ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := t.Promote(ctx); err != nil {
			t.logger.Warn("courier/redis: promote failed", slog.String("error", err.Error()))
		}

		raw, err := t.client.BLMove(ctx, t.readyKey(), t.processingKey(), "LEFT", "RIGHT", t.poll).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("courier/redis: dequeue: %w", err)
		}

		task, err := t.codec.Decode([]byte(raw))
		if err != nil {
			// Undecodable payloads would block the list forever.
			t.client.LRem(ctx, t.processingKey(), 1, raw)
			t.logger.Error("courier/redis: dropping undecodable task", slog.String("error", err.Error()))
			continue
		}
		stamp := goredis.Z{Score: float64(time.Now().UnixMilli()), Member: raw}
		if err := t.client.ZAdd(ctx, t.inflightKey(), stamp).Err(); err != nil {
			t.logger.Warn("courier/redis: stamp delivery failed", slog.String("error", err.Error()))
		}
		return &delivery{t: t, task: task, raw: raw}, nil
	}
}

// reclaimScript stamps parked tasks that were never stamped with the
// current time, then moves tasks parked before the cutoff back to the
// ready list.
var reclaimScript = goredis.NewScript(`
local parked = redis.call('LRANGE', KEYS[2], 0, -1)
for _, member in ipairs(parked) do
    redis.call('ZADD', KEYS[1], 'NX', ARGV[2], member)
end
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local moved = 0
for _, member in ipairs(stale) do
    if redis.call('LREM', KEYS[2], 1, member) > 0 then
        redis.call('RPUSH', KEYS[3], member)
        moved = moved + 1
    end
    redis.call('ZREM', KEYS[1], member)
end
return moved
`)

// Reclaim returns tasks dequeued more than olderThan ago and never
// acknowledged to the ready list. A redelivered task whose attempt
// already ran is rejected by the consumer's attempt guard.
func (t *Transport) Reclaim(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-olderThan).UnixMilli(), 10)
	stamp := strconv.FormatInt(now.UnixMilli(), 10)
	keys := []string{t.inflightKey(), t.processingKey(), t.readyKey()}
	n, err := reclaimScript.Run(ctx, t.client, keys, cutoff, stamp).Int()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return 0, fmt.Errorf("courier/redis: reclaim: %w", err)
	}
	if n > 0 {
		t.logger.Warn("courier/redis: reclaimed abandoned deliveries", slog.Int("count", n))
	}
	return n, nil
}

// Len returns the number of ready and scheduled tasks.
func (t *Transport) Len(ctx context.Context) (int64, error) {
	ready, err := t.client.LLen(ctx, t.readyKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: len: %w", err)
	}
	scheduled, err := t.client.ZCard(ctx, t.scheduledKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("courier/redis: len: %w", err)
	}
	return ready + scheduled, nil
}

// Close stops Dequeue. The Redis client is left open.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type delivery struct {
	t    *Transport
	task transport.Task
	raw  string
}

func (d *delivery) Task() transport.Task { return d.task }

func (d *delivery) Ack(ctx context.Context) error {
	pipe := d.t.client.TxPipeline()
	pipe.LRem(ctx, d.t.processingKey(), 1, d.raw)
	pipe.ZRem(ctx, d.t.inflightKey(), d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: ack: %w", err)
	}
	return nil
}

func (d *delivery) Nack(ctx context.Context) error {
	pipe := d.t.client.TxPipeline()
	pipe.LRem(ctx, d.t.processingKey(), 1, d.raw)
	pipe.ZRem(ctx, d.t.inflightKey(), d.raw)
	pipe.RPush(ctx, d.t.readyKey(), d.raw)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("courier/redis: nack: %w", err)
	}
	return nil
}
