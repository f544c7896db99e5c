// Package kafka is a transport.Transport backed by Kafka topics, using
// consumer-group offsets committed per delivery.
//
// Due tasks are written to the main topic. Delayed tasks are written to a
// retry topic with a due-time header; a forwarder consumes the retry topic,
// waits until each message is due and republishes it to the main topic.
// Retry messages are forwarded in log order, so a due time is a lower
// bound on delivery.
//
// Commits are per-partition offsets: acknowledging a later message marks
// earlier ones as consumed too. Tasks lost that way after a crash are
// recovered from the job store at startup.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/xraph/courier/transport"
)

var _ transport.Transport = (*Transport)(nil)

// headerDue carries a delayed task's due time in Unix milliseconds.
const headerDue = "courier-due"

// Config names the cluster and topics.
type Config struct {
	Brokers    []string
	Topic      string
	RetryTopic string
	GroupID    string
}

// ConfigFromCSV builds a Config from a comma-separated broker list. The
// retry topic defaults to "{topic}.retry".
func ConfigFromCSV(brokersCSV, topic, groupID string) Config {
	return Config{
		Brokers:    splitCSV(brokersCSV),
		Topic:      topic,
		RetryTopic: topic + ".retry",
		GroupID:    groupID,
	}
}

// Option configures the Transport.
type Option func(*Transport)

// WithCodec sets the payload codec. Default JSON.
func WithCodec(c transport.Codec) Option {
	return func(t *Transport) { t.codec = c }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithWriteTimeout bounds each publish. Default 3s.
func WithWriteTimeout(d time.Duration) Option {
	return func(t *Transport) { t.writeTimeout = d }
}

// Transport moves tasks through Kafka.
type Transport struct {
	cfg          Config
	codec        transport.Codec
	logger       *slog.Logger
	writeTimeout time.Duration

	writer *kgo.Writer
	main   *kgo.Reader
	retry  *kgo.Reader

	forwardOnce sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New creates a Kafka transport. It returns an error when the config is
// incomplete.
func New(cfg Config, opts ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("courier/kafka: brokers, topic and group id are required")
	}
	if cfg.RetryTopic == "" {
		cfg.RetryTopic = cfg.Topic + ".retry"
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:          cfg,
		codec:        transport.JSONCodec{},
		logger:       slog.Default(),
		writeTimeout: 3 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, o := range opts {
		o(t)
	}

	t.writer = &kgo.Writer{
		Addr:                   kgo.TCP(cfg.Brokers...),
		Balancer:               &kgo.LeastBytes{},
		RequiredAcks:           kgo.RequireOne,
		AllowAutoTopicCreation: true,
	}
	t.main = kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	t.retry = kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.RetryTopic,
		GroupID:        cfg.GroupID + ".retry",
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return t, nil
}

// Enqueue publishes t to the main topic, or to the retry topic when delay
// is positive.
func (t *Transport) Enqueue(ctx context.Context, task transport.Task, delay time.Duration) error {
	if t.ctx.Err() != nil {
		return transport.ErrClosed
	}
	data, err := t.codec.Encode(task)
	if err != nil {
		return err
	}
	msg := kgo.Message{
		Topic: t.cfg.Topic,
		Key:   []byte(task.JobID.String()),
		Value: data,
		Time:  time.Now(),
	}
	if delay > 0 {
		msg.Topic = t.cfg.RetryTopic
		msg.Headers = withDue(msg.Headers, time.Now().Add(delay))
	}
	return t.publish(ctx, msg)
}

func (t *Transport) publish(ctx context.Context, msg kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, t.writeTimeout)
	defer cancel()
	if err := t.writer.WriteMessages(cctx, msg); err != nil {
		return fmt.Errorf("courier/kafka: publish to %s: %w", msg.Topic, err)
	}
	return nil
}

// Dequeue fetches the next task from the main topic. The first call
// starts the retry forwarder.
func (t *Transport) Dequeue(ctx context.Context) (transport.Delivery, error) {
	t.forwardOnce.Do(func() {
		t.wg.Add(1)
		go t.forward()
	})

	for {
		m, err := t.main.FetchMessage(ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return nil, transport.ErrClosed
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("courier/kafka: fetch: %w", err)
		}

		task, err := t.codec.Decode(m.Value)
		if err != nil {
			// Commit bad messages so the partition does not stall on them.
			_ = t.main.CommitMessages(ctx, m)
			t.logger.Error("courier/kafka: dropping undecodable task",
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
			continue
		}
		return &delivery{t: t, task: task, msg: m}, nil
	}
}

// forward moves due messages from the retry topic to the main topic.
func (t *Transport) forward() {
	defer t.wg.Done()
	for {
		m, err := t.retry.FetchMessage(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			t.logger.Warn("courier/kafka: retry fetch failed", slog.String("error", err.Error()))
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if due, ok := dueAt(m.Headers); ok {
			if wait := time.Until(due); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-t.ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		}

		err = t.publish(t.ctx, kgo.Message{
			Topic: t.cfg.Topic,
			Key:   m.Key,
			Value: m.Value,
			Time:  time.Now(),
		})
		if err != nil {
			// Leave uncommitted; the message is redelivered after a rebalance
			// or restart.
			t.logger.Error("courier/kafka: forward failed", slog.String("error", err.Error()))
			continue
		}
		if err := t.retry.CommitMessages(t.ctx, m); err != nil && t.ctx.Err() == nil {
			t.logger.Warn("courier/kafka: retry commit failed", slog.String("error", err.Error()))
		}
	}
}

// Close stops the forwarder and closes readers and the writer.
func (t *Transport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		t.cancel()
		errs = append(errs, t.main.Close(), t.retry.Close())
		t.wg.Wait()
		errs = append(errs, t.writer.Close())
	})
	return errors.Join(errs...)
}

type delivery struct {
	t    *Transport
	task transport.Task
	msg  kgo.Message
}

func (d *delivery) Task() transport.Task { return d.task }

func (d *delivery) Ack(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := d.t.main.CommitMessages(cctx, d.msg); err != nil {
		return fmt.Errorf("courier/kafka: commit: %w", err)
	}
	return nil
}

// Nack republishes the task to the main topic and commits the original.
func (d *delivery) Nack(ctx context.Context) error {
	err := d.t.publish(ctx, kgo.Message{
		Topic: d.t.cfg.Topic,
		Key:   d.msg.Key,
		Value: d.msg.Value,
		Time:  time.Now(),
	})
	if err != nil {
		return err
	}
	return d.Ack(ctx)
}

func withDue(headers []kgo.Header, due time.Time) []kgo.Header {
	return append(headers, kgo.Header{
		Key:   headerDue,
		Value: []byte(strconv.FormatInt(due.UnixMilli(), 10)),
	})
}

func dueAt(headers []kgo.Header) (time.Time, bool) {
	for _, h := range headers {
		if h.Key != headerDue {
			continue
		}
		ms, err := strconv.ParseInt(string(h.Value), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
