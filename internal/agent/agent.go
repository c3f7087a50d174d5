// Package agent wires the GFX sync agent together and supervises its
// long-running loops: the polling watcher, the batch flush ticker, the
// offline drain loop, and the registry refresh loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gfxsync/agent/internal/batch"
	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/normalize"
	"github.com/gfxsync/agent/internal/notify"
	"github.com/gfxsync/agent/internal/offline"
	"github.com/gfxsync/agent/internal/registry"
	"github.com/gfxsync/agent/internal/remote"
	syncsvc "github.com/gfxsync/agent/internal/sync"
	"github.com/gfxsync/agent/internal/watcher"
)

// drainBatchSize bounds how many offline records one drain tick retries.
const drainBatchSize = 50

// Agent owns every component of the sync process.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	poller   *watcher.Poller
	service  *syncsvc.Service
	batch    *batch.Queue
	offline  *offline.Queue
	remote   *remote.Client
	notifier notify.Notifier

	startedAt time.Time
	closeOnce sync.Once
}

// New builds the agent from configuration. It opens the offline queue (a
// failure here is fatal: without durable fallback the agent would silently
// drop records the first time the store blinks).
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	oq, err := offline.Open(cfg.Queue.Path, cfg.Queue.MaxSize, cfg.Queue.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("agent: open offline queue: %w", err)
	}

	clientOpts := []remote.Option{remote.WithTimeout(cfg.Remote.Timeout)}
	if cfg.Remote.JWTSecret != "" {
		clientOpts = append(clientOpts, remote.WithJWTSecret(cfg.Remote.JWTSecret))
	}
	client := remote.NewClient(cfg.Remote.URL, cfg.Remote.Secret, logger, clientOpts...)

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Realtime.Enabled {
		notifier = notify.NewRealtime(cfg.Realtime.URL, cfg.Remote.Secret, logger)
	}

	bq := batch.New(cfg.BatchSize, cfg.FlushInterval)
	uow := normalize.NewUnitOfWork(client, logger)
	svc := syncsvc.New(cfg, client, bq, oq, uow, notifier, logger)

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(cfg.BasePath, cfg.RegistryPath, logger),
		service:  svc,
		batch:    bq,
		offline:  oq,
		remote:   client,
		notifier: notifier,
	}
	a.poller = watcher.NewPoller(cfg.PollInterval, cfg.FilePattern, a.handleEvent, logger)
	return a, nil
}

// Remote returns the remote client, for wiring its metrics into the operator
// surface.
func (a *Agent) Remote() *remote.Client {
	return a.remote
}

// Offline returns the offline queue, for the operator surface's dead-letter
// handlers.
func (a *Agent) Offline() *offline.Queue {
	return a.offline
}

func (a *Agent) handleEvent(ctx context.Context, ev watcher.Event) error {
	a.service.HandleEvent(ctx, ev)
	return nil
}

// Run starts every loop and blocks until ctx is cancelled or a loop fails.
// It probes the remote store first: an agent that cannot reach the store at
// startup is misconfigured, not offline, and should say so immediately.
func (a *Agent) Run(ctx context.Context) error {
	a.startedAt = time.Now()

	if err := a.remote.HealthCheck(ctx); err != nil {
		return fmt.Errorf("agent: remote store unreachable at startup: %w", err)
	}

	if err := a.registry.Load(); err != nil {
		return fmt.Errorf("agent: load registry: %w", err)
	}
	for id, path := range a.registry.WatchPaths() {
		a.poller.Add(id, path)
	}

	a.logger.Info("agent starting",
		slog.String("base_path", a.cfg.BasePath),
		slog.String("mode", string(a.cfg.Mode)),
		slog.Int("pcs", a.registry.Count()))

	a.reconcileExisting(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.poller.Run(ctx) })
	g.Go(func() error { return a.flushLoop(ctx) })
	g.Go(func() error { return a.drainLoop(ctx) })
	g.Go(func() error { return a.registryLoop(ctx) })

	err := g.Wait()
	a.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// reconcileExisting pushes files that predate the process through the
// dispatch path as created events. The idempotent upsert keys make a re-run
// over already-synced inventory converge without duplicates.
func (a *Agent) reconcileExisting(ctx context.Context) {
	for producer, paths := range a.poller.ScanExisting() {
		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			a.service.HandleEvent(ctx, watcher.Event{
				Path:     path,
				Kind:     watcher.Created,
				Producer: producer,
			})
		}
	}
}

// flushLoop drains the batch queue on the age bound even when no new
// modified events arrive to trigger a size drain.
func (a *Agent) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.service.FlushBatchQueue(ctx)
		}
	}
}

// drainLoop periodically retries offline records: one batch upsert per tick,
// completions removed, failures counted against each record's retry budget.
func (a *Agent) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Queue.ProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.drainOnce(ctx)
		}
	}
}

func (a *Agent) drainOnce(ctx context.Context) {
	records, err := a.offline.DequeueBatch(ctx, drainBatchSize)
	if err != nil {
		a.logger.Error("offline dequeue failed", slog.Any("error", err))
		return
	}
	if len(records) == 0 {
		return
	}

	payloads := make([]map[string]any, len(records))
	for i, rec := range records {
		payloads[i] = rec.Payload
	}

	res, err := a.remote.UpsertBatch(ctx, a.cfg.Remote.Table, payloads, "session_id")
	if err == nil && res.Success {
		for _, rec := range records {
			if err := a.offline.MarkCompleted(ctx, rec.ID); err != nil {
				a.logger.Error("mark completed failed",
					slog.Int64("id", rec.ID),
					slog.Any("error", err))
			}
		}
		a.logger.Info("offline records drained", slog.Int("records", len(records)))
		return
	}

	detail := res.Detail
	if err != nil {
		detail = err.Error()
	}
	for _, rec := range records {
		moved, err := a.offline.MarkFailed(ctx, rec.ID, detail)
		if err != nil {
			a.logger.Error("mark failed failed",
				slog.Int64("id", rec.ID),
				slog.Any("error", err))
			continue
		}
		if moved {
			a.logger.Warn("record dead-lettered",
				slog.Int64("id", rec.ID),
				slog.String("pc", rec.ProducerID),
				slog.String("path", rec.FilePath))
		}
	}
	a.logger.Warn("offline drain failed",
		slog.Int("records", len(records)),
		slog.String("detail", detail))
}

// registryLoop hot-reloads the producer registry and reconciles the watch
// set with the diff.
func (a *Agent) registryLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.RegistryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			diff, changed := a.registry.Reload()
			if !changed {
				continue
			}
			paths := a.registry.WatchPaths()
			for _, id := range diff.Removed {
				a.poller.Remove(id)
			}
			for _, id := range diff.Added {
				a.poller.Add(id, paths[id])
			}
		}
	}
}

// Close flushes the batch queue one last time and releases every resource.
// It is idempotent; Run calls it on the way out and main may call it again.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		a.service.FlushBatchQueue(ctx)

		if err := a.offline.Close(); err != nil {
			a.logger.Error("offline queue close failed", slog.Any("error", err))
		}
		a.remote.Close()
		if err := a.notifier.Close(); err != nil {
			a.logger.Warn("notifier close failed", slog.Any("error", err))
		}
		a.logger.Info("agent stopped")
	})
}

// Status returns the operator snapshot served on /api/v1/status.
func (a *Agent) Status(ctx context.Context) map[string]any {
	status := map[string]any{
		"mode":       string(a.cfg.Mode),
		"base_path":  a.cfg.BasePath,
		"started_at": a.startedAt.UTC().Format(time.RFC3339),
		"uptime_s":   time.Since(a.startedAt).Seconds(),
		"pcs":        a.registry.IDs(),
		"watcher":    a.poller.Stats(),
		"dispatch":   a.service.Stats(),
		"batch":      a.batch.Stats(),
		"remote_reachable": a.remote.Metrics().Reachable.Load() == 1,
	}
	if qs, err := a.offline.Stats(ctx); err == nil {
		status["offline"] = qs
	}
	return status
}
