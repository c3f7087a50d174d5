package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Stats is a snapshot of the poller's state for the operator surface.
type Stats struct {
	Running      bool           `json:"running"`
	PollInterval float64        `json:"poll_interval_s"`
	WatchedPCs   []string       `json:"watched_pcs"`
	FileCounts   map[string]int `json:"file_counts"`
	TotalFiles   int            `json:"total_files"`
}

// Poller scans a set of producer roots at a fixed interval and reports
// created/modified files through a caller-supplied Handler.
//
// Per root it keeps a snapshot mapping file path → mtime. A path absent from
// the snapshot is reported as Created; a path whose mtime is strictly greater
// than the snapshot's is reported as Modified. Equal mtimes are treated as
// unchanged, which also makes the diff robust against clock skew on the
// share. Disappeared paths produce no event.
//
// The snapshot for a root is replaced only after every handler invocation of
// the tick returned, so a crash mid-tick causes the affected files to be
// re-reported on restart. Duplicate reports are absorbed downstream by the
// idempotent upsert keys.
//
// Poller is safe for concurrent use: Add/Remove may be called while Run is
// looping (the registry refresh loop does exactly that).
type Poller struct {
	interval time.Duration
	pattern  string
	handler  Handler
	logger   *slog.Logger

	mu        sync.Mutex
	roots     map[string]string             // producer → root path
	snapshots map[string]map[string]float64 // producer → path → mtime (unix seconds)
	running   bool
}

// NewPoller creates a Poller that scans every interval for files matching
// pattern (a filepath.Match glob applied to base names). handler receives the
// events; it must not be nil.
func NewPoller(interval time.Duration, pattern string, handler Handler, logger *slog.Logger) *Poller {
	return &Poller{
		interval:  interval,
		pattern:   pattern,
		handler:   handler,
		logger:    logger,
		roots:     make(map[string]string),
		snapshots: make(map[string]map[string]float64),
	}
}

// Add registers a producer root. The first scan of a new root reports every
// matching file as Created.
func (p *Poller) Add(producer, root string) {
	p.mu.Lock()
	p.roots[producer] = root
	p.snapshots[producer] = make(map[string]float64)
	p.mu.Unlock()

	p.logger.Info("watch path added",
		slog.String("pc", producer),
		slog.String("path", root))
}

// Remove unregisters a producer root and discards its snapshot.
func (p *Poller) Remove(producer string) {
	p.mu.Lock()
	delete(p.roots, producer)
	delete(p.snapshots, producer)
	p.mu.Unlock()

	p.logger.Info("watch path removed", slog.String("pc", producer))
}

// Producers returns the currently registered producer identities.
func (p *Poller) Producers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.roots))
	for id := range p.roots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run executes the polling loop until ctx is cancelled. It always returns
// nil: individual scan and handler failures are logged, never fatal.
func (p *Poller) Run(ctx context.Context) error {
	p.setRunning(true)
	defer p.setRunning(false)

	p.logger.Info("poller started",
		slog.Duration("interval", p.interval),
		slog.String("pattern", p.pattern))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-ticker.C:
			p.scanAll(ctx)
		}
	}
}

// scanAll performs one poll tick over every registered root.
func (p *Poller) scanAll(ctx context.Context) {
	p.mu.Lock()
	roots := make(map[string]string, len(p.roots))
	for id, root := range p.roots {
		roots[id] = root
	}
	p.mu.Unlock()

	for producer, root := range roots {
		if ctx.Err() != nil {
			return
		}
		p.scanRoot(ctx, producer, root)
	}
}

// scanRoot diffs one root against its snapshot, invokes the handler for each
// change serially, and then replaces the snapshot.
func (p *Poller) scanRoot(ctx context.Context, producer, root string) {
	current, err := p.listFiles(root)
	if err != nil {
		if os.IsNotExist(err) {
			// Producers come online before their folder exists; one
			// warning per tick is enough.
			p.logger.Warn("watch path missing",
				slog.String("pc", producer),
				slog.String("path", root))
			return
		}
		p.logger.Warn("scan failed",
			slog.String("pc", producer),
			slog.String("path", root),
			slog.Any("error", err))
		return
	}

	p.mu.Lock()
	prev := p.snapshots[producer]
	p.mu.Unlock()
	if prev == nil {
		// Removed concurrently by the registry refresh loop.
		return
	}

	// Stable order keeps logs and batch contents reproducible.
	paths := make([]string, 0, len(current))
	for path := range current {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if ctx.Err() != nil {
			return
		}

		mtime := current[path]
		prevMtime, seen := prev[path]

		var kind Kind
		switch {
		case !seen:
			kind = Created
		case mtime > prevMtime:
			kind = Modified
		default:
			continue
		}

		ev := Event{Path: path, Kind: kind, Producer: producer}
		if err := p.handler(ctx, ev); err != nil {
			p.logger.Error("event handler failed",
				slog.String("pc", producer),
				slog.String("path", path),
				slog.String("kind", string(kind)),
				slog.Any("error", err))
		}
	}

	// Replace the snapshot only after the handlers returned; see the type
	// comment for the at-least-once rationale.
	p.mu.Lock()
	if _, still := p.snapshots[producer]; still {
		p.snapshots[producer] = current
	}
	p.mu.Unlock()
}

// listFiles returns path → mtime for every regular file in root that matches
// the pattern. Files whose names contain "registry" are excluded so the
// producer registry itself is never ingested. Stat failures on individual
// entries are skipped.
func (p *Poller) listFiles(root string) (map[string]float64, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	files := make(map[string]float64, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.Contains(strings.ToLower(name), "registry") {
			continue
		}
		if ok, _ := filepath.Match(p.pattern, name); !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(root, name)
		files[path] = float64(info.ModTime().UnixNano()) / float64(time.Second)
	}
	return files, nil
}

// ScanExisting returns the matching files currently present per producer
// without touching the snapshots. The agent uses it at startup to reconcile
// inventory that predates the process.
func (p *Poller) ScanExisting() map[string][]string {
	p.mu.Lock()
	roots := make(map[string]string, len(p.roots))
	for id, root := range p.roots {
		roots[id] = root
	}
	p.mu.Unlock()

	result := make(map[string][]string, len(roots))
	total := 0
	for producer, root := range roots {
		files, err := p.listFiles(root)
		if err != nil {
			if !os.IsNotExist(err) {
				p.logger.Warn("initial scan failed",
					slog.String("pc", producer),
					slog.Any("error", err))
			}
			result[producer] = nil
			continue
		}
		paths := make([]string, 0, len(files))
		for path := range files {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		result[producer] = paths
		total += len(paths)
	}

	p.logger.Info("initial scan complete", slog.Int("files", total))
	return result
}

// Stats returns a snapshot of the poller state.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]int, len(p.snapshots))
	total := 0
	for id, snap := range p.snapshots {
		counts[id] = len(snap)
		total += len(snap)
	}
	pcs := make([]string, 0, len(p.roots))
	for id := range p.roots {
		pcs = append(pcs, id)
	}
	sort.Strings(pcs)

	return Stats{
		Running:      p.running,
		PollInterval: p.interval.Seconds(),
		WatchedPCs:   pcs,
		FileCounts:   counts,
		TotalFiles:   total,
	}
}

func (p *Poller) setRunning(v bool) {
	p.mu.Lock()
	p.running = v
	p.mu.Unlock()
}
