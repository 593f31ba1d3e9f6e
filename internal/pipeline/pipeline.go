// Package pipeline assembles the ingest path: storage engine, write buffer,
// durable queue, connection registry, websocket handlers and the retention
// engine. Everything is constructed here and handed to the HTTP layer, so
// no component reaches for package globals.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vesaa/openflock/internal/buffer"
	"github.com/vesaa/openflock/internal/config"
	"github.com/vesaa/openflock/internal/hub"
	"github.com/vesaa/openflock/internal/metrics"
	"github.com/vesaa/openflock/internal/models"
	"github.com/vesaa/openflock/internal/queue"
	"github.com/vesaa/openflock/internal/retention"
	"github.com/vesaa/openflock/internal/storage"
)

// Pipeline owns every long-running component of the server.
type Pipeline struct {
	cfg *config.Config
	log *slog.Logger

	Store     storage.Store
	Buffer    *buffer.Buffer
	Queue     *queue.Queue
	Hub       *hub.Handler
	Retention *retention.Engine
	PromReg   *prometheus.Registry

	cancel context.CancelFunc
	loops  chan struct{}
}

// New builds the full pipeline from config. Nothing is started yet.
func New(cfg *config.Config, log *slog.Logger) (*Pipeline, error) {
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	promReg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.New(promReg)

	buf := buffer.New(store, buffer.Config{
		FlushInterval:       cfg.FlushInterval,
		MaxBufferSize:       cfg.MaxBufferSize,
		BackpressureSize:    cfg.BackpressureSize,
		SmallFleetThreshold: cfg.SmallFleetThreshold,
		// Queue consumers already batch their inserts; write-through would
		// bypass their ordering.
		AlwaysBatch: cfg.QueueEnabled,
	}, log, prom)

	var client queue.Client
	if cfg.QueueEnabled {
		client = queue.Dial(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
	q := queue.New(queue.Config{
		Enabled:   cfg.QueueEnabled,
		Stream:    cfg.StreamName,
		Group:     cfg.StreamGroup,
		MaxLen:    cfg.StreamMaxLen,
		Consumers: cfg.Consumers,
		Batch:     cfg.ConsumerBatch,
		Block:     cfg.ConsumerBlock,
	}, client, buf, log, prom)

	reg := hub.NewRegistry(hub.Config{
		MaxConnections:     cfg.MaxConnections,
		MaxPerIP:           cfg.MaxPerIP,
		MaxViewersPerAgent: cfg.MaxViewersPerAgent,
		SlowHandler:        cfg.SlowHandler,
		AgentTimeout:       cfg.AgentTimeout,
	}, log, prom)
	buf.SetActiveSourceCount(reg.AgentCount)

	h := hub.NewHandler(reg, q, store, log)

	tables := make(map[string]time.Duration, len(models.RawTables()))
	for _, t := range models.RawTables() {
		tables[t] = cfg.RetentionFor(t)
	}
	ret := retention.New(store, retention.Config{
		Tables:          tables,
		Interval:        cfg.CleanupInterval,
		StartupDelay:    cfg.CleanupDelay,
		MaxStorageBytes: cfg.MaxStorageBytes,
		SizeBatch:       cfg.SizeCleanupBatch,
		DataDir:         cfg.DataDir,
		MinFreeBytes:    cfg.MinFreeBytes,
		MinFreePct:      cfg.MinFreePct,
	}, log, prom)

	return &Pipeline{
		cfg:       cfg,
		log:       log.With("component", "pipeline"),
		Store:     store,
		Buffer:    buf,
		Queue:     q,
		Hub:       h,
		Retention: ret,
		PromReg:   promReg,
	}, nil
}

// Start launches the background loops. With queue_required set, an
// unreachable Redis is a startup failure; otherwise the queue starts
// disconnected and keeps retrying.
func (p *Pipeline) Start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.loops = make(chan struct{})

	if err := p.Queue.Start(ctx, p.cfg.QueueRequired); err != nil {
		cancel()
		return fmt.Errorf("starting queue: %w", err)
	}

	go func() {
		defer close(p.loops)
		p.Buffer.Run(ctx)
	}()
	go p.Hub.RunSweeper(ctx, p.cfg.SweepInterval)
	go p.Retention.Run(ctx)

	p.log.Info("pipeline started",
		"storage", p.cfg.StorageDriver,
		"queue", p.cfg.QueueEnabled,
		"flush_interval", p.cfg.FlushInterval)
	return nil
}

// Stop shuts the pipeline down in dependency order: stop accepting agent
// traffic, stop the loops (the buffer's loop flushes once more on its way
// out), then close storage and the queue client.
func (p *Pipeline) Stop(ctx context.Context) {
	p.Hub.Registry().CloseAll()

	if p.cancel != nil {
		p.cancel()
	}
	if p.loops != nil {
		select {
		case <-p.loops:
		case <-ctx.Done():
			p.log.Warn("timed out waiting for buffer drain")
		}
	}
	p.Queue.Wait()

	if err := p.Store.Close(); err != nil {
		p.log.Error("closing storage", "err", err)
	}
	if err := p.Queue.Close(); err != nil {
		p.log.Error("closing queue client", "err", err)
	}
	p.log.Info("pipeline stopped")
}
