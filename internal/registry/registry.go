// Package registry manages the producer registry: the hot-reloadable list of
// GFX PCs whose subtrees the agent watches. The registry lives in a JSON file
// on the shared filesystem so operators can add or retire a PC without
// restarting the agent:
//
//	{
//	  "pcs": [
//	    {"id": "PC01", "watch_path": "PC01/hands", "enabled": true,
//	     "description": "Main GFX PC"}
//	  ]
//	}
//
// Reload is gated on the file's modification time so a tick that finds an
// unchanged file costs a single stat call.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// PC describes one registered producer.
type PC struct {
	// ID is the producer identity (e.g. "PC01"). Unique within the
	// registry.
	ID string
	// WatchPath is the absolute path of the producer's subtree, resolved
	// against the configured base path.
	WatchPath string
	// Enabled mirrors the registry file flag; disabled entries never reach
	// the in-memory table.
	Enabled bool
	// Description is free-form operator text.
	Description string
}

// Diff reports the producer identities added and removed by a reload.
type Diff struct {
	Added   []string
	Removed []string
}

// registryFile mirrors the on-disk JSON shape.
type registryFile struct {
	PCs []struct {
		ID          string `json:"id"`
		WatchPath   string `json:"watch_path"`
		Enabled     *bool  `json:"enabled"`
		Description string `json:"description"`
	} `json:"pcs"`
}

// Registry reads and hot-reloads the producer table. It is safe for
// concurrent use: Load and Reload replace the table atomically under a
// mutex, and the accessors return copies.
type Registry struct {
	basePath string
	relPath  string
	logger   *slog.Logger

	mu        sync.RWMutex
	pcs       map[string]PC
	lastMtime time.Time
}

// New creates a Registry that reads relPath resolved against basePath.
// The table is empty until Load is called.
func New(basePath, relPath string, logger *slog.Logger) *Registry {
	return &Registry{
		basePath: basePath,
		relPath:  relPath,
		logger:   logger,
		pcs:      make(map[string]PC),
	}
}

// Path returns the absolute registry file location.
func (r *Registry) Path() string {
	return filepath.Join(r.basePath, r.relPath)
}

// Load parses the registry file and replaces the in-memory table with the
// enabled entries. A missing file yields an empty table and a warning. A
// malformed file yields a warning and keeps the prior table, so a half-written
// registry on the share never drops active watches.
func (r *Registry) Load() error {
	path := r.Path()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Warn("registry file missing, no producers registered",
				slog.String("path", path))
			r.replace(make(map[string]PC), time.Time{})
			return nil
		}
		return fmt.Errorf("registry: read %q: %w", path, err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("registry: stat %q: %w", path, err)
	}

	var rf registryFile
	if err := json.Unmarshal(data, &rf); err != nil {
		// Keep the prior table: a broken edit must not stop watching.
		r.logger.Warn("registry file malformed, keeping prior table",
			slog.String("path", path),
			slog.Any("error", err))
		return nil
	}

	pcs := make(map[string]PC)
	seenPaths := make(map[string]string) // watch path → owning id
	for _, e := range rf.PCs {
		if e.ID == "" {
			r.logger.Warn("registry entry missing id, skipped")
			continue
		}
		enabled := e.Enabled == nil || *e.Enabled
		if !enabled {
			continue
		}

		watchPath := e.WatchPath
		if watchPath == "" {
			watchPath = e.ID + "/hands"
		}
		abs := filepath.Join(r.basePath, watchPath)

		if owner, dup := seenPaths[abs]; dup && owner != e.ID {
			r.logger.Warn("registry entries share a watch path, later entry skipped",
				slog.String("id", e.ID),
				slog.String("owner", owner),
				slog.String("watch_path", abs))
			continue
		}

		if prev, dup := pcs[e.ID]; dup {
			r.logger.Warn("duplicate registry id, later entry wins",
				slog.String("id", e.ID))
			delete(seenPaths, prev.WatchPath)
		}

		pcs[e.ID] = PC{
			ID:          e.ID,
			WatchPath:   abs,
			Enabled:     true,
			Description: e.Description,
		}
		seenPaths[abs] = e.ID
	}

	r.replace(pcs, fi.ModTime())
	r.logger.Info("registry loaded",
		slog.String("path", path),
		slog.Int("enabled", len(pcs)))
	return nil
}

// Reload re-reads the registry file if its modification time advanced since
// the last successful Load. It returns the identity diff and true when the
// table changed; (zero, false) when the file is unchanged or missing.
func (r *Registry) Reload() (Diff, bool) {
	fi, err := os.Stat(r.Path())
	if err != nil {
		return Diff{}, false
	}

	r.mu.RLock()
	last := r.lastMtime
	before := idSet(r.pcs)
	r.mu.RUnlock()

	// Strictly greater: equal timestamps mean no edit happened.
	if !fi.ModTime().After(last) {
		return Diff{}, false
	}

	if err := r.Load(); err != nil {
		r.logger.Warn("registry reload failed", slog.Any("error", err))
		return Diff{}, false
	}

	r.mu.RLock()
	after := idSet(r.pcs)
	r.mu.RUnlock()

	d := Diff{}
	for id := range after {
		if !before[id] {
			d.Added = append(d.Added, id)
		}
	}
	for id := range before {
		if !after[id] {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)

	return d, len(d.Added) > 0 || len(d.Removed) > 0
}

// WatchPaths returns the producer → absolute watch path mapping.
func (r *Registry) WatchPaths() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make(map[string]string, len(r.pcs))
	for id, pc := range r.pcs {
		paths[id] = pc.WatchPath
	}
	return paths
}

// IDs returns the sorted list of registered producer identities.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.pcs))
	for id := range r.pcs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the PC registered under id, if any.
func (r *Registry) Get(id string) (PC, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pc, ok := r.pcs[id]
	return pc, ok
}

// Count returns the number of registered producers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pcs)
}

func (r *Registry) replace(pcs map[string]PC, mtime time.Time) {
	r.mu.Lock()
	r.pcs = pcs
	if !mtime.IsZero() {
		r.lastMtime = mtime
	}
	r.mu.Unlock()
}

func idSet(pcs map[string]PC) map[string]bool {
	s := make(map[string]bool, len(pcs))
	for id := range pcs {
		s[id] = true
	}
	return s
}
