package normalize

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/gfxsync/agent/internal/remote"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return m
}

const exportFixture = `{
	"ID": 12345,
	"EventTitle": "High Stakes Cash",
	"Type": "feature",
	"Hands": [
		{
			"HandNum": 1,
			"Duration": "PT1M30S",
			"FlopDrawBlinds": {"SmallBlindAmt": 100, "BigBlindAmt": 200},
			"AnteAmt": 25,
			"Players": [
				{"PlayerNum": 1, "Name": "Alice", "LongName": "Alice A.",
				 "HoleCards": ["As Kh"], "IsWinner": true},
				{"PlayerNum": 2, "Name": "Bob", "HoleCards": []}
			],
			"Events": [
				{"EventType": "BET", "PlayerNum": 1, "BetAmt": 500, "Pot": 800},
				{"EventType": "ALL IN", "PlayerNum": 2, "BetAmt": 5000},
				{"EventType": "BOARD CARD", "BoardCards": "7d"}
			]
		},
		{
			"HandNum": 2,
			"Players": [
				{"PlayerNum": 1, "Name": "Alice", "LongName": "Alice A."}
			],
			"Events": []
		}
	]
}`

// ---------------------------------------------------------------------------
// transformation
// ---------------------------------------------------------------------------

func TestTransformBuildsFullSet(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "hash-1", "export.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if set.Session.SessionID != 12345 {
		t.Errorf("SessionID = %d", set.Session.SessionID)
	}
	if set.Session.GFXPCID != "PC01" || set.Session.FileHash != "hash-1" {
		t.Errorf("session metadata = %+v", set.Session)
	}
	if set.Session.HandCount != 2 {
		t.Errorf("HandCount = %d, want 2", set.Session.HandCount)
	}
	if len(set.Hands) != 2 {
		t.Fatalf("hands = %d, want 2", len(set.Hands))
	}
	if len(set.HandPlayers) != 3 {
		t.Errorf("hand players = %d, want 3", len(set.HandPlayers))
	}
	if len(set.Events) != 3 {
		t.Errorf("events = %d, want 3", len(set.Events))
	}
}

func TestTransformDeduplicatesPlayers(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	// Alice appears in both hands; one master row.
	if len(set.Players) != 2 {
		t.Fatalf("players = %d, want 2", len(set.Players))
	}

	// Both of Alice's hand-player rows reference the same master id.
	var aliceIDs []string
	for _, hp := range set.HandPlayers {
		if hp.PlayerName != nil && *hp.PlayerName == "Alice" {
			aliceIDs = append(aliceIDs, hp.PlayerID.String())
		}
	}
	if len(aliceIDs) != 2 || aliceIDs[0] != aliceIDs[1] {
		t.Errorf("alice player ids = %v", aliceIDs)
	}
}

func TestPlayerHashCoversLongName(t *testing.T) {
	long := "Alice Appleseed"
	if PlayerHash("Alice", nil) == PlayerHash("Alice", &long) {
		t.Error("hash must distinguish players by long name")
	}
	// Deterministic.
	if PlayerHash("Alice", &long) != PlayerHash("Alice", &long) {
		t.Error("hash must be stable")
	}
}

func TestTransformHandFields(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	h := set.Hands[0]
	if h.HandNum != 1 {
		t.Errorf("HandNum = %d", h.HandNum)
	}
	if h.DurationSeconds != 90 {
		t.Errorf("DurationSeconds = %d, want 90", h.DurationSeconds)
	}
	if h.SmallBlind == nil || *h.SmallBlind != 100 {
		t.Errorf("SmallBlind = %v", h.SmallBlind)
	}
	if h.Ante == nil || *h.Ante != 25 {
		t.Errorf("Ante = %v", h.Ante)
	}
	if h.PlayerCount != 2 || h.EventCount != 3 {
		t.Errorf("counts = (%d, %d)", h.PlayerCount, h.EventCount)
	}

	w := h.Wire()
	if w["ante_amt"] != int64(25) {
		t.Errorf("wire ante_amt = %v", w["ante_amt"])
	}
	blinds := w["blinds"].(map[string]any)
	if blinds["big_blind_amt"] != any(200.0) {
		t.Errorf("wire blinds = %v", blinds)
	}
	if _, ok := w["event_count"]; ok {
		t.Error("event_count must not reach the wire")
	}
}

func TestTransformEventTypeMappingAndOrder(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	types := []string{set.Events[0].EventType, set.Events[1].EventType, set.Events[2].EventType}
	want := []string{"BET", "ALL_IN", "BOARD_CARD"}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d type = %q, want %q", i, types[i], want[i])
		}
		if set.Events[i].EventOrder != i {
			t.Errorf("event %d order = %d", i, set.Events[i].EventOrder)
		}
	}

	// Single-string board card becomes a one-element list.
	if len(set.Events[2].Cards) != 1 || set.Events[2].Cards[0] != "7d" {
		t.Errorf("board cards = %v", set.Events[2].Cards)
	}
}

func TestTransformHoleCardsAndShown(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	alice := set.HandPlayers[0]
	if len(alice.HoleCards) != 2 || alice.HoleCards[0] != "As" || alice.HoleCards[1] != "Kh" {
		t.Errorf("hole cards = %v", alice.HoleCards)
	}
	if !alice.HasShown {
		t.Error("HasShown = false with hole cards present")
	}

	bob := set.HandPlayers[1]
	if bob.HasShown {
		t.Error("HasShown = true with no hole cards")
	}
	if bob.EliminationRank != -1 {
		t.Errorf("EliminationRank = %d, want -1", bob.EliminationRank)
	}
}

func TestTransformRequiresSessionID(t *testing.T) {
	_, err := Transform(map[string]any{"Hands": []any{}}, "PC01", "h", "f.json")
	if err == nil {
		t.Fatal("Transform accepted a document without a session ID")
	}
}

// ---------------------------------------------------------------------------
// unit of work
// ---------------------------------------------------------------------------

// fakeUpserter records batch calls in order and can fail a chosen table.
type fakeUpserter struct {
	calls     []string
	rowCounts map[string]int
	failTable string
}

func (f *fakeUpserter) UpsertBatch(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error) {
	f.calls = append(f.calls, table+"?on_conflict="+onConflict)
	if f.rowCounts == nil {
		f.rowCounts = make(map[string]int)
	}
	f.rowCounts[table] = len(records)
	if table == f.failTable {
		return remote.UpsertResult{Detail: "server 503"}, nil
	}
	return remote.UpsertResult{Success: true}, nil
}

func TestUnitOfWorkSavesInForeignKeyOrder(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	fake := &fakeUpserter{}
	uow := NewUnitOfWork(fake, discardLogger())

	result, err := uow.Save(context.Background(), set)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	wantCalls := []string{
		"gfx_players?on_conflict=player_hash",
		"gfx_sessions?on_conflict=session_id",
		"gfx_hands?on_conflict=session_id,hand_num",
		"gfx_hand_players?on_conflict=hand_id,seat_num",
		"gfx_events?on_conflict=hand_id,event_order",
	}
	if len(fake.calls) != len(wantCalls) {
		t.Fatalf("calls = %v", fake.calls)
	}
	for i := range wantCalls {
		if fake.calls[i] != wantCalls[i] {
			t.Errorf("call %d = %q, want %q", i, fake.calls[i], wantCalls[i])
		}
	}

	if result.Total() != 2+1+2+3+3 {
		t.Errorf("Total = %d, counts = %+v", result.Total(), result)
	}
}

func TestUnitOfWorkStopsAtFirstFailure(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	fake := &fakeUpserter{failTable: "gfx_hands"}
	uow := NewUnitOfWork(fake, discardLogger())

	result, err := uow.Save(context.Background(), set)
	if err == nil {
		t.Fatal("Save succeeded past a failed table")
	}
	if len(fake.calls) != 3 {
		t.Errorf("calls after failure = %v", fake.calls)
	}
	if result.Hands != 0 || result.HandPlayers != 0 || result.Events != 0 {
		t.Errorf("counts past failure = %+v", result)
	}
	if result.Players != 2 || result.Sessions != 1 {
		t.Errorf("counts before failure = %+v", result)
	}
}

func TestUnitOfWorkPropagatesTypedErrors(t *testing.T) {
	set, err := Transform(decode(t, exportFixture), "PC01", "h", "f.json")
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	uow := NewUnitOfWork(upserterFunc(func(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error) {
		return remote.UpsertResult{}, &remote.APIError{Status: 422, Body: "bad column"}
	}), discardLogger())

	_, err = uow.Save(context.Background(), set)
	var apiErr *remote.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want *remote.APIError", err)
	}
}

type upserterFunc func(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error)

func (f upserterFunc) UpsertBatch(ctx context.Context, table string, records []map[string]any, onConflict string) (remote.UpsertResult, error) {
	return f(ctx, table, records, onConflict)
}
