package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// phoenixFrame is the Phoenix-channel message envelope the realtime service
// speaks: join a topic with phx_join, then send broadcast events on it.
type phoenixFrame struct {
	Topic   string         `json:"topic"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
}

// Realtime publishes broadcasts over a Phoenix-style websocket. The
// connection is dialed lazily on first Publish and re-dialed after any send
// failure; a topic is joined at most once per connection.
type Realtime struct {
	url     string
	apiKey  string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]bool
	ref    int
}

// NewRealtime creates a publisher for the websocket endpoint at url. apiKey
// is passed as a query parameter the way the realtime service expects.
func NewRealtime(url, apiKey string, logger *slog.Logger) *Realtime {
	return &Realtime{
		url:     url,
		apiKey:  apiKey,
		timeout: 10 * time.Second,
		logger:  logger,
		joined:  make(map[string]bool),
	}
}

// Publish sends payload as a broadcast event on channel. A dead connection is
// replaced and the send retried once; a second failure is returned to the
// caller, which logs and drops it.
func (r *Realtime) Publish(ctx context.Context, channel string, payload map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.publishLocked(ctx, channel, payload); err != nil {
		r.dropConnLocked()
		if err := r.publishLocked(ctx, channel, payload); err != nil {
			return fmt.Errorf("notify: publish on %q: %w", channel, err)
		}
	}
	return nil
}

func (r *Realtime) publishLocked(ctx context.Context, channel string, payload map[string]any) error {
	if err := r.ensureConnLocked(ctx); err != nil {
		return err
	}
	if !r.joined[channel] {
		if err := r.sendLocked(ctx, phoenixFrame{
			Topic:   channel,
			Event:   "phx_join",
			Payload: map[string]any{},
		}); err != nil {
			return err
		}
		r.joined[channel] = true
	}
	return r.sendLocked(ctx, phoenixFrame{
		Topic: channel,
		Event: "broadcast",
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   "session_updated",
			"payload": payload,
		},
	})
}

func (r *Realtime) ensureConnLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}

	endpoint := r.url
	if r.apiKey != "" {
		endpoint += "?apikey=" + r.apiKey
	}
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", r.url, err)
	}
	r.conn = conn
	r.joined = make(map[string]bool)
	r.logger.Info("realtime connected", slog.String("url", r.url))
	return nil
}

func (r *Realtime) sendLocked(ctx context.Context, frame phoenixFrame) error {
	r.ref++
	frame.Ref = fmt.Sprintf("%d", r.ref)
	return wsjson.Write(ctx, r.conn, frame)
}

func (r *Realtime) dropConnLocked() {
	if r.conn != nil {
		_ = r.conn.Close(websocket.StatusGoingAway, "reconnecting")
		r.conn = nil
	}
	r.joined = make(map[string]bool)
}

// Close shuts the connection down cleanly.
func (r *Realtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close(websocket.StatusNormalClosure, "shutdown")
	r.conn = nil
	return err
}
