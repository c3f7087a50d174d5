// Package notify broadcasts session updates to downstream consumers after a
// successful write to the remote store. Delivery is best-effort: the sync
// path logs a failed broadcast and moves on, it never retries or blocks on
// one.
package notify

import "context"

// Notifier publishes a payload on a named channel.
type Notifier interface {
	Publish(ctx context.Context, channel string, payload map[string]any) error
	Close() error
}

// Nop is the Notifier used when realtime broadcasting is disabled.
type Nop struct{}

func (Nop) Publish(ctx context.Context, channel string, payload map[string]any) error { return nil }
func (Nop) Close() error                                                              { return nil }
