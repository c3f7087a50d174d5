package normalize

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gfxsync/agent/internal/remote"
)

// Upserter is the slice of the remote client the unit of work needs.
type Upserter interface {
	UpsertBatch(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error)
}

// SaveResult counts the rows written per table.
type SaveResult struct {
	Sessions    int
	Hands       int
	Players     int
	HandPlayers int
	Events      int
}

// Total returns the number of rows written across all tables.
func (r SaveResult) Total() int {
	return r.Sessions + r.Hands + r.Players + r.HandPlayers + r.Events
}

// UnitOfWork writes a Set to the remote store in foreign-key order: master
// players first, then the session, its hands, hand players, and events. The
// store has no cross-table transaction over HTTP, so a mid-sequence failure
// leaves earlier tables written; every table upserts on its natural key, so
// re-running the same file converges instead of duplicating.
type UnitOfWork struct {
	client Upserter
	logger *slog.Logger
}

// NewUnitOfWork creates a UnitOfWork backed by client.
func NewUnitOfWork(client Upserter, logger *slog.Logger) *UnitOfWork {
	return &UnitOfWork{client: client, logger: logger}
}

// tableWrite is one step of the save sequence.
type tableWrite struct {
	table      string
	onConflict string
	rows       []map[string]any
	count      *int
}

// Save writes the record set and returns per-table counts. It stops at the
// first failed table: later tables reference rows that did not land.
func (u *UnitOfWork) Save(ctx context.Context, set *Set) (SaveResult, error) {
	var result SaveResult

	writes := []tableWrite{
		{"gfx_players", "player_hash", wirePlayers(set.Players), &result.Players},
		{"gfx_sessions", "session_id", []map[string]any{set.Session.Wire()}, &result.Sessions},
		{"gfx_hands", "session_id,hand_num", wireHands(set.Hands), &result.Hands},
		{"gfx_hand_players", "hand_id,seat_num", wireHandPlayers(set.HandPlayers), &result.HandPlayers},
		{"gfx_events", "hand_id,event_order", wireEvents(set.Events), &result.Events},
	}

	for _, w := range writes {
		if len(w.rows) == 0 {
			continue
		}
		res, err := u.client.UpsertBatch(ctx, w.table, w.rows, w.onConflict)
		if err != nil {
			return result, fmt.Errorf("normalize: save %s: %w", w.table, err)
		}
		if !res.Success {
			return result, fmt.Errorf("normalize: save %s: %s", w.table, res.Detail)
		}
		*w.count = len(w.rows)
		u.logger.Debug("table written",
			slog.String("table", w.table),
			slog.Int("rows", len(w.rows)))
	}

	return result, nil
}

func wirePlayers(players []Player) []map[string]any {
	rows := make([]map[string]any, len(players))
	for i := range players {
		rows[i] = players[i].Wire()
	}
	return rows
}

func wireHands(hands []Hand) []map[string]any {
	rows := make([]map[string]any, len(hands))
	for i := range hands {
		rows[i] = hands[i].Wire()
	}
	return rows
}

func wireHandPlayers(hps []HandPlayer) []map[string]any {
	rows := make([]map[string]any, len(hps))
	for i := range hps {
		rows[i] = hps[i].Wire()
	}
	return rows
}

func wireEvents(events []Event) []map[string]any {
	rows := make([]map[string]any, len(events))
	for i := range events {
		rows[i] = events[i].Wire()
	}
	return rows
}
