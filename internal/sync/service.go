// Package sync is the dispatch core of the agent: it receives file events
// from the watcher and reflects them into the remote store.
//
// Created files are written immediately, one record per call, with an
// exponential backoff loop when the store rate-limits. Modified files are
// buffered through the batch queue and written as one array upsert when the
// batch drains; a rate-limited batch is not retried in band, its records fall
// back to the offline queue and the drain loop absorbs them. In normalized
// mode both event kinds route through the transformation pipeline and the
// unit of work, since a normalized write is already multi-table.
//
// Unparseable files are quarantined: moved to the error folder under a
// producer-prefixed name so the next poll tick does not re-report them
// forever.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gfxsync/agent/internal/batch"
	"github.com/gfxsync/agent/internal/config"
	"github.com/gfxsync/agent/internal/normalize"
	"github.com/gfxsync/agent/internal/notify"
	"github.com/gfxsync/agent/internal/offline"
	"github.com/gfxsync/agent/internal/parser"
	"github.com/gfxsync/agent/internal/remote"
	"github.com/gfxsync/agent/internal/watcher"
)

// Status classifies the outcome of handling one event.
type Status string

const (
	// StatusSuccess means the record reached the remote store.
	StatusSuccess Status = "success"
	// StatusPending means the record is buffered in the batch queue.
	StatusPending Status = "pending"
	// StatusQueued means the record went to the offline queue.
	StatusQueued Status = "queued"
	// StatusFailed means the file was rejected (parse error, quarantined).
	StatusFailed Status = "failed"
)

// Result is the outcome of one HandleEvent call.
type Result struct {
	Status Status
	Err    string
}

// Store is the slice of the remote client the dispatcher uses.
type Store interface {
	Upsert(ctx context.Context, table string, record map[string]any, onConflict string) (remote.UpsertResult, error)
	UpsertBatch(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error)
}

// Saver is the slice of the unit of work the dispatcher uses in normalized
// mode.
type Saver interface {
	Save(ctx context.Context, set *normalize.Set) (normalize.SaveResult, error)
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Processed   int64 `json:"processed"`
	Succeeded   int64 `json:"succeeded"`
	Batched     int64 `json:"batched"`
	Queued      int64 `json:"queued"`
	Quarantined int64 `json:"quarantined"`
	NotFound    int64 `json:"not_found"`
}

// aggregatedConflictKey is the merge key for one-row-per-file upserts. It
// matches the session table's natural key so re-parsing the same session
// overwrites rather than duplicates.
const aggregatedConflictKey = "session_id"

// Service dispatches watcher events into remote writes.
type Service struct {
	mode     config.Mode
	table    string
	errorDir string
	rateCfg  config.RateLimitConfig

	store    Store
	batch    *batch.Queue
	offline  *offline.Queue
	uow      Saver
	notifier notify.Notifier
	channel  string
	logger   *slog.Logger

	// sleep is swapped out by tests to avoid real backoff delays.
	sleep func(time.Duration)

	processed   atomic.Int64
	succeeded   atomic.Int64
	batched     atomic.Int64
	queued      atomic.Int64
	quarantined atomic.Int64
	notFound    atomic.Int64
}

// New creates the dispatcher. uow may be nil in aggregated mode; notifier
// must not be nil (use notify.Nop{}).
func New(cfg *config.Config, store Store, bq *batch.Queue, oq *offline.Queue, uow Saver, notifier notify.Notifier, logger *slog.Logger) *Service {
	return &Service{
		mode:     cfg.Mode,
		table:    cfg.Remote.Table,
		errorDir: cfg.ErrorDir(),
		rateCfg:  cfg.RateLimit,
		store:    store,
		batch:    bq,
		offline:  oq,
		uow:      uow,
		notifier: notifier,
		channel:  cfg.Realtime.Channel,
		logger:   logger,
		sleep:    time.Sleep,
	}
}

// HandleEvent processes one file event end to end.
func (s *Service) HandleEvent(ctx context.Context, ev watcher.Event) Result {
	s.processed.Add(1)

	rec, err := parser.ParseFile(ev.Path, ev.Producer)
	if err != nil {
		return s.handleParseError(ev, err)
	}

	if s.mode == config.ModeNormalized {
		return s.handleNormalized(ctx, ev, rec)
	}

	switch ev.Kind {
	case watcher.Modified:
		drained := s.batch.Add(batch.Item{
			Record:   rec.Wire(),
			Producer: ev.Producer,
			Path:     ev.Path,
		})
		s.batched.Add(1)
		if drained != nil {
			return s.upsertBatch(ctx, drained)
		}
		return Result{Status: StatusPending}

	default:
		return s.upsertSingle(ctx, rec.Wire(), ev.Producer, ev.Path)
	}
}

// handleParseError logs, and for everything except a vanished file moves the
// offender into quarantine.
func (s *Service) handleParseError(ev watcher.Event, err error) Result {
	var pe *parser.Error
	if errors.As(err, &pe) && pe.Kind == parser.KindFileNotFound {
		// Producers overwrite exports in place; a file can vanish between
		// the scan and the read.
		s.notFound.Add(1)
		s.logger.Info("file vanished before read",
			slog.String("pc", ev.Producer),
			slog.String("path", ev.Path))
		return Result{Status: StatusFailed, Err: "file not found"}
	}

	s.quarantined.Add(1)
	s.logger.Error("unparseable file, quarantining",
		slog.String("pc", ev.Producer),
		slog.String("path", ev.Path),
		slog.Any("error", err))

	if qerr := s.quarantine(ev); qerr != nil {
		s.logger.Error("quarantine failed",
			slog.String("path", ev.Path),
			slog.Any("error", qerr))
	}
	return Result{Status: StatusFailed, Err: err.Error()}
}

// quarantine moves the file to <errorDir>/<producer>_<name>. Rename first;
// cross-device moves on the share fall back to copy+remove.
func (s *Service) quarantine(ev watcher.Event) error {
	if err := os.MkdirAll(s.errorDir, 0o755); err != nil {
		return fmt.Errorf("sync: create error dir: %w", err)
	}
	dest := filepath.Join(s.errorDir, ev.Producer+"_"+filepath.Base(ev.Path))
	if err := os.Rename(ev.Path, dest); err != nil {
		data, rerr := os.ReadFile(ev.Path)
		if rerr != nil {
			return fmt.Errorf("sync: quarantine %q: %w", ev.Path, err)
		}
		if werr := os.WriteFile(dest, data, 0o644); werr != nil {
			return fmt.Errorf("sync: quarantine copy %q: %w", ev.Path, werr)
		}
		_ = os.Remove(ev.Path)
	}
	return nil
}

// upsertSingle writes one record, backing off and retrying while the store
// rate-limits, and falling back to the offline queue on anything else.
func (s *Service) upsertSingle(ctx context.Context, record map[string]any, producer, path string) Result {
	for attempt := 0; attempt < s.rateCfg.MaxRetries; attempt++ {
		res, err := s.store.Upsert(ctx, s.table, record, aggregatedConflictKey)
		if err == nil && res.Success {
			s.succeeded.Add(1)
			s.notify(ctx, record)
			return Result{Status: StatusSuccess}
		}

		var rle *remote.RateLimitError
		if errors.As(err, &rle) {
			delay := s.backoff(attempt, rle.RetryAfter)
			s.logger.Warn("rate limited, backing off",
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("path", path))
			s.sleep(delay)
			continue
		}

		detail := res.Detail
		if err != nil {
			detail = err.Error()
		}
		return s.fallbackOffline(ctx, record, producer, path, detail)
	}
	return s.fallbackOffline(ctx, record, producer, path, "rate limit retries exhausted")
}

// upsertBatch writes a drained batch as one array upsert. A failed batch is
// not retried in band; every record goes to the offline queue and the drain
// loop takes it from there.
func (s *Service) upsertBatch(ctx context.Context, items []batch.Item) Result {
	records := make([]map[string]any, len(items))
	for i, item := range items {
		records[i] = item.Record
	}

	res, err := s.store.UpsertBatch(ctx, s.table, records, aggregatedConflictKey)
	if err == nil && res.Success {
		s.succeeded.Add(int64(len(items)))
		s.logger.Info("batch written", slog.Int("records", len(items)))
		for _, item := range items {
			s.notify(ctx, item.Record)
		}
		return Result{Status: StatusSuccess}
	}

	detail := res.Detail
	if err != nil {
		detail = err.Error()
	}
	s.logger.Warn("batch write failed, queuing records offline",
		slog.Int("records", len(items)),
		slog.String("detail", detail))

	last := Result{Status: StatusQueued, Err: detail}
	for _, item := range items {
		last = s.fallbackOffline(ctx, item.Record, item.Producer, item.Path, detail)
	}
	return last
}

// handleNormalized routes a file through the transformation pipeline and the
// unit of work.
func (s *Service) handleNormalized(ctx context.Context, ev watcher.Event, rec *parser.Record) Result {
	set, err := normalize.Transform(rec.RawJSON, ev.Producer, rec.FileHash, rec.FileName)
	if err != nil {
		s.quarantined.Add(1)
		s.logger.Error("document not normalizable, quarantining",
			slog.String("path", ev.Path),
			slog.Any("error", err))
		if qerr := s.quarantine(ev); qerr != nil {
			s.logger.Error("quarantine failed", slog.Any("error", qerr))
		}
		return Result{Status: StatusFailed, Err: err.Error()}
	}

	result, err := s.uow.Save(ctx, set)
	if err != nil {
		var rle *remote.RateLimitError
		detail := err.Error()
		if errors.As(err, &rle) {
			detail = "rate limited"
		}
		// The session row carries enough to rebuild the whole set on drain.
		return s.fallbackOffline(ctx, set.Session.Wire(), ev.Producer, ev.Path, detail)
	}

	s.succeeded.Add(1)
	s.logger.Info("record set written",
		slog.String("pc", ev.Producer),
		slog.Int("rows", result.Total()))
	s.notify(ctx, set.Session.Wire())
	return Result{Status: StatusSuccess}
}

// fallbackOffline persists the record for the drain loop.
func (s *Service) fallbackOffline(ctx context.Context, record map[string]any, producer, path, detail string) Result {
	evicted, err := s.offline.Enqueue(ctx, producer, path, record, detail)
	if err != nil {
		s.logger.Error("offline enqueue failed, record lost",
			slog.String("path", path),
			slog.Any("error", err))
		return Result{Status: StatusFailed, Err: err.Error()}
	}
	if evicted > 0 {
		s.logger.Warn("offline queue full, oldest records evicted",
			slog.Int64("evicted", evicted))
	}
	s.queued.Add(1)
	s.logger.Warn("record queued offline",
		slog.String("pc", producer),
		slog.String("path", path),
		slog.String("reason", detail))
	return Result{Status: StatusQueued, Err: detail}
}

// FlushBatchQueue force-drains the batch queue; the flush ticker calls this.
func (s *Service) FlushBatchQueue(ctx context.Context) {
	items := s.batch.Flush()
	if len(items) == 0 {
		return
	}
	s.upsertBatch(ctx, items)
}

// notify broadcasts a successful write. Failures are logged and dropped.
func (s *Service) notify(ctx context.Context, record map[string]any) {
	if err := s.notifier.Publish(ctx, s.channel, record); err != nil {
		s.logger.Warn("broadcast failed", slog.Any("error", err))
	}
}

// backoff returns (2^attempt)*base plus up to one second of jitter, never
// less than the server's Retry-After hint.
func (s *Service) backoff(attempt int, retryAfter time.Duration) time.Duration {
	delay := time.Duration(1<<attempt) * s.rateCfg.BaseDelay
	delay += time.Duration(rand.Int63n(int64(time.Second)))
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// Stats returns a snapshot of the dispatcher counters.
func (s *Service) Stats() Stats {
	return Stats{
		Processed:   s.processed.Load(),
		Succeeded:   s.succeeded.Load(),
		Batched:     s.batched.Load(),
		Queued:      s.queued.Load(),
		Quarantined: s.quarantined.Load(),
		NotFound:    s.notFound.Load(),
	}
}
