// Package watcher provides the polling file-change detector for the GFX sync
// agent. The watched subtrees live on SMB/NFS exports where kernel watch APIs
// (inotify, kqueue, ReadDirectoryChangesW) do not fire, so change detection is
// a periodic scan that diffs each root against a per-root snapshot of
// (path, mtime) pairs.
package watcher

import "context"

// Kind classifies a file change event.
type Kind string

const (
	// Created indicates a file that was absent from the previous snapshot.
	Created Kind = "created"
	// Modified indicates a file whose mtime advanced past the snapshot.
	Modified Kind = "modified"
)

// Event carries the details of a single detected file change.
type Event struct {
	// Path is the absolute path of the file.
	Path string
	// Kind is Created or Modified. Deletions produce no event:
	// producers append and overwrite, they never retract.
	Kind Kind
	// Producer is the identity of the PC whose subtree contains the file.
	Producer string
}

// Handler consumes a single Event. Handlers are invoked serially within one
// poll tick; returning an error is logged by the Poller and does not stop the
// tick.
type Handler func(ctx context.Context, ev Event) error
