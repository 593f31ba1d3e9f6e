// Package queue implements the durable stream between ingestion and the
// write buffer using Redis Streams. Published batches are appended with
// automatic trimming; a consumer group of workers reads, writes through
// the buffer, and acknowledges. Delivery is at-least-once: the storage
// insert path is idempotent, so redelivery is harmless.
//
// The stream service is optional. When disabled, or whenever it is
// unreachable, PublishMetrics degrades to the buffer's batched path so
// metrics are never lost to a queue outage.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vesaa/openflock/internal/metrics"
	"github.com/vesaa/openflock/internal/models"
)

// Fallback is the write-buffer path the queue degrades to and drains into.
type Fallback interface {
	// AddMetrics enqueues points on the batched path. It never blocks and
	// never fails; it is where publishes land when the stream is disabled
	// or unreachable.
	AddMetrics(sourceID string, points []models.MetricPoint, loadAvg float64) int
	// InsertNow writes straight to storage. Consumers use it so an ack
	// only ever follows a durable insert.
	InsertNow(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) error
}

// Client is the slice of the Redis API the queue uses. *redis.Client
// satisfies it; tests substitute a fake.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XInfoStream(ctx context.Context, stream string) *redis.XInfoStreamCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config carries the queue tunables.
type Config struct {
	Enabled   bool
	Stream    string
	Group     string
	MaxLen    int64
	Consumers int
	Batch     int64
	Block     time.Duration
	// InsertTimeout bounds each consumer's write into the buffer path.
	InsertTimeout time.Duration
}

// SideChannel carries non-metric heartbeat state through the stream.
// The built-in workers only persist the points; the side state makes each
// stream entry a complete record of the heartbeat for any external
// consumer group tailing the same stream.
type SideChannel struct {
	Hostname  string               `json:"hostname,omitempty"`
	Status    models.AgentStatus   `json:"status,omitempty"`
	Processes []models.ProcessInfo `json:"processes,omitempty"`
}

// Health is the queue's operational snapshot.
type Health struct {
	Enabled    bool    `json:"enabled"`
	Connected  bool    `json:"connected"`
	PingMillis float64 `json:"ping_ms"`
	StreamLen  int64   `json:"stream_len"`
	FirstID    string  `json:"first_id,omitempty"`
	LastID     string  `json:"last_id,omitempty"`
	Pending    int64   `json:"pending"`
	Reconnects uint64  `json:"reconnects"`
	Fallbacks  uint64  `json:"fallbacks"`
	Published  uint64  `json:"published"`
	Consumed   uint64  `json:"consumed"`
}

// Queue publishes metric batches to the stream and consumes them back.
type Queue struct {
	cfg      Config
	client   Client
	fallback Fallback
	log      *slog.Logger
	prom     *metrics.Pipeline

	connected  atomic.Bool
	reconnects atomic.Uint64
	fallbacks  atomic.Uint64
	published  atomic.Uint64
	consumed   atomic.Uint64

	// reconnectCh wakes the reconnect loop when a call sees an error.
	reconnectCh chan struct{}
	wg          sync.WaitGroup
}

// New builds a Queue over an already-constructed Redis client. Pass
// cfg.Enabled=false for pure pass-through mode (client may be nil).
func New(cfg Config, client Client, fallback Fallback, log *slog.Logger, prom *metrics.Pipeline) *Queue {
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	return &Queue{
		cfg:         cfg,
		client:      client,
		fallback:    fallback,
		log:         log.With("component", "queue"),
		prom:        prom,
		reconnectCh: make(chan struct{}, 1),
	}
}

// Dial constructs the Redis client for addr. Split from New so tests can
// inject a fake Client.
func Dial(addr, password string, db int) Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

// Start verifies connectivity, ensures the consumer group, and launches
// the worker and reconnect goroutines. With the queue disabled it is a
// no-op. A dead stream service at startup is tolerated unless required:
// the queue starts disconnected and keeps falling back while it retries.
func (q *Queue) Start(ctx context.Context, required bool) error {
	if !q.cfg.Enabled {
		q.log.Info("durable queue disabled, using buffered write path")
		return nil
	}

	if err := q.client.Ping(ctx).Err(); err != nil {
		if required {
			return fmt.Errorf("stream service required but unreachable: %w", err)
		}
		q.log.Warn("stream service unreachable at startup, falling back", "error", err)
		q.connected.Store(false)
		q.kickReconnect()
	} else {
		if err := q.ensureGroup(ctx); err != nil {
			if required {
				return err
			}
			q.log.Warn("consumer group setup failed", "error", err)
		}
		q.connected.Store(true)
	}

	for i := 0; i < q.cfg.Consumers; i++ {
		name := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		q.wg.Add(1)
		go q.consumeLoop(ctx, name)
	}
	q.wg.Add(1)
	go q.reconnectLoop(ctx)
	return nil
}

// Wait blocks until all queue goroutines have exited.
func (q *Queue) Wait() { q.wg.Wait() }

// Close releases the stream connection. Call after Wait.
func (q *Queue) Close() error {
	if q.client == nil {
		return nil
	}
	return q.client.Close()
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group %s: %w", q.cfg.Group, err)
	}
	return nil
}

// message is the JSON body appended to the stream.
type message struct {
	SourceID string               `json:"source_id"`
	SentAt   time.Time            `json:"sent_at"`
	Points   []models.MetricPoint `json:"points"`
	LoadAvg  float64              `json:"load_avg"`
	Side     *SideChannel         `json:"side,omitempty"`
}

// PublishMetrics appends a batch to the stream, trimming to the configured
// maximum length. Returns true when the batch went through the durable
// path; on any failure the batch is written via the fallback instead and
// false is returned. The caller never sees an error: a queue outage is an
// operational condition, not a producer fault.
func (q *Queue) PublishMetrics(ctx context.Context, sourceID string, points []models.MetricPoint, loadAvg float64, side *SideChannel) bool {
	if !q.cfg.Enabled || !q.connected.Load() {
		q.fallbackInsert(ctx, sourceID, points, loadAvg)
		return false
	}

	body, err := json.Marshal(message{
		SourceID: sourceID,
		SentAt:   time.Now(),
		Points:   points,
		LoadAvg:  loadAvg,
		Side:     side,
	})
	if err != nil {
		q.log.Error("marshal batch", "error", err)
		q.fallbackInsert(ctx, sourceID, points, loadAvg)
		return false
	}

	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{"body": body},
	}).Err()
	if err != nil {
		q.log.Warn("publish failed, using buffered path", "error", err)
		q.connected.Store(false)
		q.kickReconnect()
		q.fallbackInsert(ctx, sourceID, points, loadAvg)
		return false
	}

	q.published.Add(1)
	if q.prom != nil {
		q.prom.QueuePublished.Inc()
	}
	return true
}

func (q *Queue) fallbackInsert(_ context.Context, sourceID string, points []models.MetricPoint, loadAvg float64) {
	if q.cfg.Enabled {
		q.fallbacks.Add(1)
		if q.prom != nil {
			q.prom.QueueFallbacks.Inc()
		}
	}
	q.fallback.AddMetrics(sourceID, points, loadAvg)
}

// consumeLoop is one consumer-group worker: bounded blocking read, write
// through the buffer path, acknowledge only after a successful write.
func (q *Queue) consumeLoop(ctx context.Context, consumer string) {
	defer q.wg.Done()
	log := q.log.With("consumer", consumer)

	for {
		if ctx.Err() != nil {
			return
		}
		if !q.connected.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    q.cfg.Batch,
			Block:    q.cfg.Block,
		}).Result()
		if err == redis.Nil {
			continue // block timeout, nothing pending
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("read failed", "error", err)
			q.connected.Store(false)
			q.kickReconnect()
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, log, msg)
			}
		}
	}
}

// handleMessage writes one stream entry through the buffer and acks it.
// An unparsable entry is acked and dropped: redelivering it forever would
// wedge the group on a poison message.
func (q *Queue) handleMessage(ctx context.Context, log *slog.Logger, msg redis.XMessage) {
	raw, ok := msg.Values["body"].(string)
	if !ok {
		log.Warn("malformed stream entry, acking", "id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}
	var m message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		log.Warn("undecodable stream entry, acking", "id", msg.ID, "error", err)
		q.ack(ctx, msg.ID)
		return
	}

	ictx, cancel := context.WithTimeout(ctx, q.cfg.InsertTimeout)
	err := q.fallback.InsertNow(ictx, m.SourceID, m.Points, m.LoadAvg)
	cancel()
	if err != nil {
		// Leave unacked; the group redelivers it to some worker later.
		log.Warn("insert failed, leaving message pending", "id", msg.ID, "error", err)
		return
	}

	q.ack(ctx, msg.ID)
	q.consumed.Add(1)
	if q.prom != nil {
		q.prom.QueueConsumed.Inc()
	}
}

func (q *Queue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		q.log.Warn("ack failed", "id", id, "error", err)
	}
}

func (q *Queue) kickReconnect() {
	select {
	case q.reconnectCh <- struct{}{}:
	default:
	}
}

// reconnectLoop pings the stream service with capped exponential backoff
// whenever a call reported a failure, re-ensuring the consumer group once
// the service answers again.
func (q *Queue) reconnectLoop(ctx context.Context) {
	defer q.wg.Done()
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.reconnectCh:
		}

		for !q.connected.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			q.reconnects.Add(1)
			if q.prom != nil {
				q.prom.QueueReconnects.Inc()
			}
			if err := q.client.Ping(ctx).Err(); err != nil {
				q.log.Warn("reconnect attempt failed", "attempts", q.reconnects.Load(), "error", err)
				if backoff < maxBackoff {
					backoff *= 2
				}
				continue
			}
			if err := q.ensureGroup(ctx); err != nil {
				q.log.Warn("group recreate failed", "error", err)
			}
			q.connected.Store(true)
			backoff = time.Second
			q.log.Info("stream service reconnected", "attempts", q.reconnects.Load())
		}
	}
}

// Connected reports current stream connectivity.
func (q *Queue) Connected() bool { return q.cfg.Enabled && q.connected.Load() }

// GetHealth probes the stream service and returns the health snapshot.
// Probe failures degrade the report rather than erroring: the endpoint is
// read by dashboards and readiness checks.
func (q *Queue) GetHealth(ctx context.Context) Health {
	h := Health{
		Enabled:    q.cfg.Enabled,
		Connected:  q.Connected(),
		Reconnects: q.reconnects.Load(),
		Fallbacks:  q.fallbacks.Load(),
		Published:  q.published.Load(),
		Consumed:   q.consumed.Load(),
	}
	if !h.Enabled || !h.Connected {
		return h
	}

	start := time.Now()
	if err := q.client.Ping(ctx).Err(); err != nil {
		h.Connected = false
		return h
	}
	h.PingMillis = float64(time.Since(start).Microseconds()) / 1000

	if n, err := q.client.XLen(ctx, q.cfg.Stream).Result(); err == nil {
		h.StreamLen = n
		if q.prom != nil {
			q.prom.QueueStreamLen.Set(float64(n))
		}
	}
	if info, err := q.client.XInfoStream(ctx, q.cfg.Stream).Result(); err == nil {
		h.FirstID = info.FirstEntry.ID
		h.LastID = info.LastEntry.ID
	}
	if p, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result(); err == nil {
		h.Pending = p.Count
	}
	return h
}
