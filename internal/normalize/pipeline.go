package normalize

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gfxsync/agent/internal/parser"
)

// eventTypeMap bridges the spellings that differ between the export JSON and
// the remote enum. Everything else passes through unchanged.
var eventTypeMap = map[string]string{
	"ALL IN":     "ALL_IN",
	"BOARD CARD": "BOARD_CARD",
}

// Transform builds the related record set for one export document.
//
// Players are deduplicated by player_hash across all hands: a player who sat
// in fifty hands yields one master row and fifty hand-player rows. Events are
// numbered 0-based in array order within their hand.
//
// The document must carry a session identity (top-level "ID"); without it the
// foreign keys have nothing to hang off and an error is returned.
func Transform(root map[string]any, pcID, fileHash, fileName string) (*Set, error) {
	sessionID, ok := intField(root, "ID", "session_id")
	if !ok {
		return nil, fmt.Errorf("normalize: document has no session ID (%s)", fileName)
	}

	hands := anySlice(root, "Hands", "hands")

	set := &Set{
		Session: Session{
			ID:                 uuid.New(),
			SessionID:          sessionID,
			GFXPCID:            pcID,
			FileHash:           fileHash,
			FileName:           fileName,
			EventTitle:         strField(root, "EventTitle", "event_title"),
			SoftwareVersion:    strField(root, "SoftwareVersion", "software_version"),
			TableType:          strField(root, "Type", "table_type"),
			CreatedDateTimeUTC: timeField(root, "CreatedDateTimeUTC"),
			Payouts:            intSlice(root, "Payouts", "payouts"),
			HandCount:          len(hands),
			RawJSON:            root,
		},
	}

	playerCache := make(map[string]Player) // player_hash → master row

	for _, h := range hands {
		handData, ok := h.(map[string]any)
		if !ok {
			continue
		}

		players := anySlice(handData, "Players", "players")
		events := anySlice(handData, "Events", "events")

		hand := transformHand(handData, sessionID)
		hand.PlayerCount = len(players)
		hand.EventCount = len(events)
		set.Hands = append(set.Hands, hand)

		for _, p := range players {
			playerData, ok := p.(map[string]any)
			if !ok {
				continue
			}
			name := strFieldOr(playerData, "", "Name", "name")
			longName := strField(playerData, "LongName", "long_name")

			hash := PlayerHash(name, longName)
			master, seen := playerCache[hash]
			if !seen {
				master = Player{
					ID:         uuid.New(),
					PlayerHash: hash,
					Name:       name,
					LongName:   longName,
				}
				playerCache[hash] = master
				set.Players = append(set.Players, master)
			}

			set.HandPlayers = append(set.HandPlayers, transformHandPlayer(playerData, hand.ID, master.ID))
		}

		for idx, e := range events {
			eventData, ok := e.(map[string]any)
			if !ok {
				continue
			}
			set.Events = append(set.Events, transformEvent(eventData, hand.ID, idx))
		}
	}

	return set, nil
}

// PlayerHash is the stable identity of a player: MD5 over "name:long_name".
func PlayerHash(name string, longName *string) string {
	ln := ""
	if longName != nil {
		ln = *longName
	}
	sum := md5.Sum([]byte(name + ":" + ln))
	return hex.EncodeToString(sum[:])
}

func transformHand(data map[string]any, sessionID int64) Hand {
	hand := Hand{
		ID:            uuid.New(),
		SessionID:     sessionID,
		GameVariant:   strFieldOr(data, "HOLDEM", "GameVariant"),
		GameClass:     strFieldOr(data, "FLOP", "GameClass"),
		BetStructure:  strFieldOr(data, "NOLIMIT", "BetStructure"),
		StartTime:     timeField(data, "StartDateTimeUTC"),
		NumBoards:     intFieldOr(data, 1, "NumBoards"),
		RunItNumTimes: intFieldOr(data, 1, "RunItNumTimes"),
	}
	if n, ok := intField(data, "HandNum"); ok {
		hand.HandNum = int(n)
	}
	if d := strField(data, "Duration"); d != nil {
		if secs, ok := parser.ParseISODuration(*d); ok {
			hand.DurationSeconds = secs
		}
	}
	if d := strField(data, "RecordingOffsetStart"); d != nil {
		if secs, ok := parser.ParseISODuration(*d); ok {
			hand.RecordingOffsetSeconds = secs
		}
	}

	if blinds, ok := data["FlopDrawBlinds"].(map[string]any); ok {
		hand.SmallBlind = floatField(blinds, "SmallBlindAmt")
		hand.BigBlind = floatField(blinds, "BigBlindAmt")
	}
	hand.Ante = floatField(data, "AnteAmt")

	return hand
}

func transformHandPlayer(data map[string]any, handID, playerID uuid.UUID) HandPlayer {
	holeCards := parseHoleCards(anySlice(data, "HoleCards"))

	hp := HandPlayer{
		ID:                    uuid.New(),
		HandID:                handID,
		PlayerID:              playerID,
		PlayerName:            strField(data, "Name", "name"),
		HoleCards:             holeCards,
		HasShown:              len(holeCards) > 0,
		StartStackAmt:         floatField(data, "StartStackAmt"),
		EndStackAmt:           floatField(data, "EndStackAmt"),
		CumulativeWinningsAmt: floatField(data, "CumulativeWinningsAmt"),
		VPIPPercent:           floatField(data, "VPIPPercent"),
		PreflopRaisePercent:   floatField(data, "PreflopRaisePercent"),
		AggressionFreqPercent: floatField(data, "AggressionFrequencyPercent"),
		WentToShowdownPercent: floatField(data, "WentToShowDownPercent"),
		SittingOut:            boolField(data, "SittingOut"),
		IsWinner:              boolField(data, "IsWinner"),
		EliminationRank:       -1,
	}
	if n, ok := intField(data, "PlayerNum"); ok {
		hp.SeatNum = int(n)
	}
	if n, ok := intField(data, "BlindBetStraddleAmt"); ok {
		hp.BlindBetStraddleAmt = n
	}
	// Zero means "not eliminated" in the export; -1 marks that in the store.
	if n, ok := intField(data, "EliminationRank"); ok && n != 0 {
		hp.EliminationRank = int(n)
	}
	return hp
}

func transformEvent(data map[string]any, handID uuid.UUID, order int) Event {
	rawType := strFieldOr(data, "UNKNOWN", "EventType")
	eventType := rawType
	if mapped, ok := eventTypeMap[rawType]; ok {
		eventType = mapped
	}

	ev := Event{
		ID:         uuid.New(),
		HandID:     handID,
		EventOrder: order,
		EventType:  eventType,
		Amount:     floatField(data, "BetAmt"),
		Pot:        floatField(data, "Pot"),
		Cards:      parseBoardCards(data["BoardCards"]),
		EventTime:  strField(data, "DateTimeUTC"),
	}
	if n, ok := intField(data, "PlayerNum"); ok {
		ev.PlayerNum = &n
	}
	return ev
}

// parseBoardCards accepts the single-string and array encodings the export
// uses interchangeably.
func parseBoardCards(v any) []string {
	switch cards := v.(type) {
	case string:
		if strings.TrimSpace(cards) == "" {
			return nil
		}
		return []string{cards}
	case []any:
		var out []string
		for _, c := range cards {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// parseHoleCards flattens card entries, splitting whitespace-joined pairs
// such as "As Kh".
func parseHoleCards(cards []any) []string {
	var out []string
	for _, c := range cards {
		s, ok := c.(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		out = append(out, strings.Fields(s)...)
	}
	return out
}

// ---------------------------------------------------------------------------
// loose-JSON field coercion
// ---------------------------------------------------------------------------

func anySlice(m map[string]any, keys ...string) []any {
	for _, key := range keys {
		if arr, ok := m[key].([]any); ok {
			return arr
		}
	}
	return nil
}

func strField(m map[string]any, keys ...string) *string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			return &s
		}
	}
	return nil
}

func strFieldOr(m map[string]any, def string, keys ...string) string {
	if s := strField(m, keys...); s != nil {
		return *s
	}
	return def
}

func intField(m map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch n := m[key].(type) {
		case float64:
			return int64(n), true
		case int:
			return int64(n), true
		case int64:
			return n, true
		}
	}
	return 0, false
}

func intFieldOr(m map[string]any, def int, keys ...string) int {
	if n, ok := intField(m, keys...); ok {
		return int(n)
	}
	return def
}

func floatField(m map[string]any, keys ...string) *float64 {
	for _, key := range keys {
		if f, ok := m[key].(float64); ok {
			return &f
		}
	}
	return nil
}

func boolField(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if b, ok := m[key].(bool); ok {
			return b
		}
	}
	return false
}

func intSlice(m map[string]any, keys ...string) []int64 {
	arr := anySlice(m, keys...)
	if arr == nil {
		return nil
	}
	out := make([]int64, 0, len(arr))
	for _, v := range arr {
		if f, ok := v.(float64); ok {
			out = append(out, int64(f))
		}
	}
	return out
}

func timeField(m map[string]any, keys ...string) *time.Time {
	s := strField(m, keys...)
	if s == nil {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, *s); err == nil {
			return &t
		}
	}
	return nil
}
