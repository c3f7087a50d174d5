// Package parser decodes PokerGFX JSON export files into records ready for
// the remote store.
//
// The exports are not a stable schema: depending on the PokerGFX version the
// same field arrives as PascalCase ("EventTitle"), snake_case
// ("event_title"), camelCase ("eventTitle"), or nested under a "session"
// object. Extraction therefore walks a fixed, ordered lookup list per field
// instead of trusting any single spelling. The lists are closed: a new
// spelling means a code change, never reflection.
//
// Every parse computes the SHA-256 of the file's exact byte sequence. The
// hash is the content-addressable identity of the file and is independent of
// file name and producer.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a parse failure.
type ErrorKind string

const (
	// KindFileNotFound means the source disappeared before reading.
	KindFileNotFound ErrorKind = "file_not_found"
	// KindDecodeError means the bytes are not valid JSON.
	KindDecodeError ErrorKind = "decode_error"
	// KindEncodingError means the bytes are not valid UTF-8.
	KindEncodingError ErrorKind = "encoding_error"
	// KindSchemaError means the JSON decoded but its shape is unusable.
	KindSchemaError ErrorKind = "schema_error"
	// KindInternal covers unexpected failures.
	KindInternal ErrorKind = "internal"
)

// Error is a parse failure with a classification the dispatcher branches on.
type Error struct {
	Kind   ErrorKind
	Path   string
	Detail string
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("parser: %s: %s (%s)", e.Kind, e.Detail, e.Path)
	}
	return fmt.Sprintf("parser: %s: %s", e.Kind, e.Detail)
}

// Record is the aggregated one-row-per-file representation.
type Record struct {
	FileHash        string
	FileName        string
	NASPath         string
	SessionID       *int64
	TableType       string
	EventTitle      *string
	SoftwareVersion *string
	HandCount       int
	PlayerCount     int
	Payouts         []int64
	RawJSON         map[string]any

	// Producer and Path are delivery metadata; they never reach the wire.
	Producer string
	Path     string
}

// Wire returns the JSON object sent to the remote store. Optional fields are
// present only when extraction produced a value; table_type is always present
// (default "UNKNOWN"). The delivery metadata is deliberately excluded.
func (r *Record) Wire() map[string]any {
	m := map[string]any{
		"file_hash":   r.FileHash,
		"file_name":   r.FileName,
		"nas_path":    r.NASPath,
		"raw_json":    r.RawJSON,
		"table_type":  r.TableType,
		"sync_source": "nas_central",
	}
	if r.SessionID != nil {
		m["session_id"] = *r.SessionID
	} else {
		m["session_id"] = nil
	}
	if r.EventTitle != nil {
		m["event_title"] = *r.EventTitle
	}
	if r.SoftwareVersion != nil {
		m["software_version"] = *r.SoftwareVersion
	}
	if r.HandCount > 0 {
		m["hand_count"] = r.HandCount
	}
	if r.PlayerCount > 0 {
		m["player_count"] = r.PlayerCount
	}
	if len(r.Payouts) > 0 {
		m["payouts"] = r.Payouts
	}
	return m
}

// gameIDRe extracts the numeric game id PokerGFX embeds in export file names
// such as "PGFX_live_data_export GameID=123.json".
var gameIDRe = regexp.MustCompile(`GameID=(\d+)`)

// tableTypeMapping normalises the observed table type spellings onto the
// remote enum.
var tableTypeMapping = map[string]string{
	"feature_table": "FEATURE_TABLE",
	"main_table":    "MAIN_TABLE",
	"final_table":   "FINAL_TABLE",
	"side_table":    "SIDE_TABLE",
	"unknown":       "UNKNOWN",
	"feature":       "FEATURE_TABLE",
	"main":          "MAIN_TABLE",
	"final":         "FINAL_TABLE",
	"side":          "SIDE_TABLE",
	"cash":          "MAIN_TABLE",
	"tournament":    "MAIN_TABLE",
}

// ParseFile reads and parses the file at path for the given producer.
func ParseFile(path, producer string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindFileNotFound, Path: path, Detail: "file does not exist"}
		}
		return nil, &Error{Kind: KindInternal, Path: path, Detail: err.Error()}
	}

	rec, err := ParseBytes(data, filepath.Base(path), producer)
	if err != nil {
		return nil, err
	}
	rec.Path = path
	return rec, nil
}

// ParseBytes parses a raw JSON document. fileName is used for metadata and
// for the GameID fallback; producer becomes part of the nas_path.
func ParseBytes(data []byte, fileName, producer string) (*Record, error) {
	if !utf8.Valid(data) {
		return nil, &Error{Kind: KindEncodingError, Path: fileName, Detail: "not valid UTF-8"}
	}

	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &Error{Kind: KindDecodeError, Path: fileName, Detail: err.Error()}
	}

	sum := sha256.Sum256(data)

	rec := &Record{
		FileHash:  hex.EncodeToString(sum[:]),
		FileName:  fileName,
		NASPath:   "/nas/" + producer + "/" + fileName,
		SessionID: extractSessionID(root, fileName),
		TableType: extractTableType(root),
		Producer:  producer,
		RawJSON:   root,
	}

	if v, ok := lookupString(root, "EventTitle", "event_title", "eventTitle"); ok {
		rec.EventTitle = &v
	}
	if v, ok := lookupString(root, "SoftwareVersion", "software_version", "softwareVersion"); ok {
		rec.SoftwareVersion = &v
	}
	rec.HandCount = countHands(root)
	rec.PlayerCount = countPlayers(root)
	rec.Payouts = extractPayouts(root)

	return rec, nil
}

// extractSessionID walks the key priority list (ID, session_id, session.id,
// id) and falls back to the GameID embedded in the file name. A nil return
// means the session identity is unknown; the row still carries the file hash.
func extractSessionID(root map[string]any, fileName string) *int64 {
	for _, key := range []string{"ID", "session_id"} {
		if v, ok := root[key]; ok {
			if n, ok := toInt64(v); ok {
				return &n
			}
		}
	}
	if session, ok := root["session"].(map[string]any); ok {
		if v, ok := session["id"]; ok {
			if n, ok := toInt64(v); ok {
				return &n
			}
		}
	}
	if v, ok := root["id"]; ok {
		if n, ok := toInt64(v); ok {
			return &n
		}
	}
	if m := gameIDRe.FindStringSubmatch(fileName); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return &n
		}
	}
	return nil
}

// extractTableType resolves the table type through the spelling priority list
// (including nested session.*) and normalises it onto the remote enum.
// Unrecognised or absent values map to "UNKNOWN".
func extractTableType(root map[string]any) string {
	var value string
	if v, ok := lookupString(root, "Type", "table_type", "tableType"); ok {
		value = v
	} else if session, ok := root["session"].(map[string]any); ok {
		if v, ok := lookupString(session, "Type", "table_type", "tableType"); ok {
			value = v
		}
	}
	if value == "" {
		return "UNKNOWN"
	}
	if mapped, ok := tableTypeMapping[strings.ToLower(strings.TrimSpace(value))]; ok {
		return mapped
	}
	return "UNKNOWN"
}

// lookupString tries the keys in order at the top level, then under a nested
// "session" object in the same order.
func lookupString(root map[string]any, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := root[key]; ok {
			return stringify(v), true
		}
	}
	if session, ok := root["session"].(map[string]any); ok {
		for _, key := range keys {
			if v, ok := session[key]; ok {
				return stringify(v), true
			}
		}
	}
	return "", false
}

// countHands returns len(Hands) / len(hands), falling back to an explicit
// hand_count / handCount field, then 0.
func countHands(root map[string]any) int {
	for _, key := range []string{"Hands", "hands"} {
		if arr, ok := root[key].([]any); ok {
			return len(arr)
		}
	}
	for _, key := range []string{"hand_count", "handCount"} {
		if v, ok := root[key]; ok {
			if n, ok := toInt64(v); ok {
				return int(n)
			}
		}
	}
	return 0
}

// countPlayers counts distinct players across all hands by Name, falling back
// to PlayerNum for unnamed seats. An explicit player_count field wins.
func countPlayers(root map[string]any) int {
	for _, key := range []string{"player_count", "playerCount"} {
		if v, ok := root[key]; ok {
			if n, ok := toInt64(v); ok {
				return int(n)
			}
		}
	}

	var hands []any
	for _, key := range []string{"Hands", "hands"} {
		if arr, ok := root[key].([]any); ok {
			hands = arr
			break
		}
	}
	if len(hands) == 0 {
		return 0
	}

	seen := make(map[string]struct{})
	for _, h := range hands {
		hand, ok := h.(map[string]any)
		if !ok {
			continue
		}
		var players []any
		for _, key := range []string{"Players", "players"} {
			if arr, ok := hand[key].([]any); ok {
				players = arr
				break
			}
		}
		for _, pl := range players {
			player, ok := pl.(map[string]any)
			if !ok {
				continue
			}
			if name, ok := lookupString(player, "Name", "name"); ok && name != "" {
				seen[name] = struct{}{}
				continue
			}
			for _, key := range []string{"PlayerNum", "playerNum"} {
				if v, ok := player[key]; ok {
					if n, ok := toInt64(v); ok {
						seen["player_"+strconv.FormatInt(n, 10)] = struct{}{}
						break
					}
				}
			}
		}
	}
	return len(seen)
}

// extractPayouts coerces Payouts / payouts into an integer list.
func extractPayouts(root map[string]any) []int64 {
	for _, key := range []string{"Payouts", "payouts"} {
		arr, ok := root[key].([]any)
		if !ok {
			continue
		}
		payouts := make([]int64, 0, len(arr))
		for _, v := range arr {
			if n, ok := toInt64(v); ok {
				payouts = append(payouts, n)
			}
		}
		return payouts
	}
	return nil
}

// toInt64 coerces the JSON scalar encodings of an integer (float64 from
// encoding/json, json.Number, or a numeric string).
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// stringify renders a JSON scalar as its string form.
func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		if s == float64(int64(s)) {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}
