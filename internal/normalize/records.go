// Package normalize turns a PokerGFX export document into the related record
// set written in normalized mode: one session row plus its hands, the
// deduplicated master player rows, per-hand player rows, and events. Record
// identity inside one file is UUID-based; cross-file idempotency comes from
// the natural conflict keys each table carries (session_id, (session_id,
// hand_num), player_hash, (hand_id, seat_num), (hand_id, event_order)).
package normalize

import (
	"time"

	"github.com/google/uuid"
)

// Session is the one-per-file session row (gfx_sessions).
type Session struct {
	ID                 uuid.UUID
	SessionID          int64
	GFXPCID            string
	FileHash           string
	FileName           string
	EventTitle         *string
	SoftwareVersion    *string
	TableType          *string
	CreatedDateTimeUTC *time.Time
	Payouts            []int64
	HandCount          int
	RawJSON            map[string]any
}

// Wire returns the session row in remote column names.
func (s *Session) Wire() map[string]any {
	return map[string]any{
		"id":                   s.ID.String(),
		"session_id":           s.SessionID,
		"gfx_pc_id":            s.GFXPCID,
		"file_hash":            s.FileHash,
		"file_name":            s.FileName,
		"event_title":          strOrNil(s.EventTitle),
		"software_version":     strOrNil(s.SoftwareVersion),
		"table_type":           strOrNil(s.TableType),
		"created_datetime_utc": timeOrNil(s.CreatedDateTimeUTC),
		"payouts":              s.Payouts,
		"sync_source":          "nas_central",
		"hand_count":           s.HandCount,
		"raw_json":             s.RawJSON,
	}
}

// Hand is one row of gfx_hands.
type Hand struct {
	ID                     uuid.UUID
	SessionID              int64
	HandNum                int
	GameVariant            string
	GameClass              string
	BetStructure           string
	DurationSeconds        int64
	StartTime              *time.Time
	RecordingOffsetSeconds int64
	SmallBlind             *float64
	BigBlind               *float64
	Ante                   *float64
	NumBoards              int
	RunItNumTimes          int
	PlayerCount            int
	// EventCount is kept for local stats; the remote table has no such
	// column, so Wire omits it.
	EventCount int
}

// Wire returns the hand row in remote column names. The blinds travel as a
// JSONB object; ante_amt is a chip amount column and therefore an integer.
func (h *Hand) Wire() map[string]any {
	var ante int64
	if h.Ante != nil {
		ante = int64(*h.Ante)
	}
	return map[string]any{
		"id":                       h.ID.String(),
		"session_id":               h.SessionID,
		"hand_num":                 h.HandNum,
		"game_variant":             h.GameVariant,
		"game_class":               h.GameClass,
		"bet_structure":            h.BetStructure,
		"duration_seconds":         h.DurationSeconds,
		"start_time":               timeOrNil(h.StartTime),
		"recording_offset_seconds": h.RecordingOffsetSeconds,
		"ante_amt":                 ante,
		"bomb_pot_amt":             int64(0),
		"blinds": map[string]any{
			"small_blind_amt": floatOrNil(h.SmallBlind),
			"big_blind_amt":   floatOrNil(h.BigBlind),
			"ante":            floatOrNil(h.Ante),
		},
		"num_boards":        h.NumBoards,
		"run_it_num_times":  h.RunItNumTimes,
		"player_count":      h.PlayerCount,
	}
}

// Player is one row of gfx_players, the deduplicated master identity. The
// hash covers name and long name so two players sharing a short name stay
// distinct.
type Player struct {
	ID         uuid.UUID
	PlayerHash string
	Name       string
	LongName   *string
}

// Wire returns the player row in remote column names.
func (p *Player) Wire() map[string]any {
	return map[string]any{
		"id":          p.ID.String(),
		"player_hash": p.PlayerHash,
		"name":        p.Name,
		"long_name":   strOrNil(p.LongName),
	}
}

// HandPlayer is one row of gfx_hand_players: a player's state within one
// hand. PlayerName is denormalized on purpose so downstream consumers can
// label seats without a join.
type HandPlayer struct {
	ID                    uuid.UUID
	HandID                uuid.UUID
	PlayerID              uuid.UUID
	SeatNum               int
	PlayerName            *string
	HoleCards             []string
	HasShown              bool
	StartStackAmt         *float64
	EndStackAmt           *float64
	CumulativeWinningsAmt *float64
	BlindBetStraddleAmt   int64
	VPIPPercent           *float64
	PreflopRaisePercent   *float64
	AggressionFreqPercent *float64
	WentToShowdownPercent *float64
	SittingOut            bool
	IsWinner              bool
	// EliminationRank is -1 while the player is still in.
	EliminationRank int
}

// Wire returns the hand-player row in remote column names.
func (hp *HandPlayer) Wire() map[string]any {
	return map[string]any{
		"id":                           hp.ID.String(),
		"hand_id":                      hp.HandID.String(),
		"player_id":                    hp.PlayerID.String(),
		"seat_num":                     hp.SeatNum,
		"player_name":                  strOrNil(hp.PlayerName),
		"hole_cards":                   hp.HoleCards,
		"has_shown":                    hp.HasShown,
		"start_stack_amt":              floatOrNil(hp.StartStackAmt),
		"end_stack_amt":                floatOrNil(hp.EndStackAmt),
		"cumulative_winnings_amt":      floatOrNil(hp.CumulativeWinningsAmt),
		"blind_bet_straddle_amt":       hp.BlindBetStraddleAmt,
		"vpip_percent":                 floatOrNil(hp.VPIPPercent),
		"preflop_raise_percent":        floatOrNil(hp.PreflopRaisePercent),
		"aggression_frequency_percent": floatOrNil(hp.AggressionFreqPercent),
		"went_to_showdown_percent":     floatOrNil(hp.WentToShowdownPercent),
		"sitting_out":                  hp.SittingOut,
		"is_winner":                    hp.IsWinner,
		"elimination_rank":             hp.EliminationRank,
	}
}

// Event is one row of gfx_events.
type Event struct {
	ID         uuid.UUID
	HandID     uuid.UUID
	EventOrder int
	EventType  string
	PlayerNum  *int64
	Amount     *float64
	Cards      []string
	Pot        *float64
	EventTime  *string
}

// Wire returns the event row in remote column names.
func (e *Event) Wire() map[string]any {
	var cards any
	if len(e.Cards) > 0 {
		cards = e.Cards
	}
	var playerNum any
	if e.PlayerNum != nil {
		playerNum = *e.PlayerNum
	}
	return map[string]any{
		"id":          e.ID.String(),
		"hand_id":     e.HandID.String(),
		"event_order": e.EventOrder,
		"event_type":  e.EventType,
		"player_num":  playerNum,
		"amount":      floatOrNil(e.Amount),
		"cards":       cards,
		"pot":         floatOrNil(e.Pot),
		"event_time":  strOrNil(e.EventTime),
	}
}

// Set is the full related record set produced from one file.
type Set struct {
	Session     Session
	Hands       []Hand
	Players     []Player
	HandPlayers []HandPlayer
	Events      []Event
}

func strOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
