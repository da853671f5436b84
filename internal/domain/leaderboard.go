package domain

import (
	"cmp"
	"slices"
	"time"
)

// LeaderboardSize is the number of entries shown on the leaderboard
const LeaderboardSize = 25

// DateLayout is the calendar date format stored with every entry
const DateLayout = "2006-01-02"

// Field bounds for a score submission
const (
	MaxNameLength = 20

	MinWaves       = 1
	MaxWaves       = 500
	MaxKills       = 1_000_000
	MaxTowersBuilt = 100_000
	MaxTowersLost  = 100_000
	MaxTimeSeconds = 86_400
)

// ScoreEntry is one leaderboard record
type ScoreEntry struct {
	Key         string `json:"key,omitempty"`
	Name        string `json:"name"`
	Waves       int    `json:"waves"`
	Kills       int    `json:"kills"`
	TowersBuilt int    `json:"towers_built"`
	TowersLost  int    `json:"towers_lost"`
	TimeSeconds int    `json:"time_s"`
	Date        string `json:"date"`
	Timestamp   int64  `json:"timestamp"`
}

// ScorePayload holds the validated, client-supplied part of a ScoreEntry
type ScorePayload struct {
	Name        string `json:"name"`
	Waves       int    `json:"waves"`
	Kills       int    `json:"kills"`
	TowersBuilt int    `json:"towers_built"`
	TowersLost  int    `json:"towers_lost"`
	TimeSeconds int    `json:"time_s"`
}

// Stamp turns a payload into an entry, assigning key, date and timestamp.
func (p ScorePayload) Stamp(key string, now time.Time) ScoreEntry {
	now = now.UTC()
	return ScoreEntry{
		Key:         key,
		Name:        p.Name,
		Waves:       p.Waves,
		Kills:       p.Kills,
		TowersBuilt: p.TowersBuilt,
		TowersLost:  p.TowersLost,
		TimeSeconds: p.TimeSeconds,
		Date:        now.Format(DateLayout),
		Timestamp:   now.UnixMilli(),
	}
}

// CompareEntries orders entries by waves desc, kills desc, timestamp asc,
// name asc and key asc.
func CompareEntries(a, b ScoreEntry) int {
	if c := cmp.Compare(b.Waves, a.Waves); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Kills, a.Kills); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// SortEntries sorts entries in place in leaderboard order
func SortEntries(entries []ScoreEntry) {
	slices.SortStableFunc(entries, CompareEntries)
}

// TopN returns a sorted copy of entries holding at most n of them.
// The input slice is never modified.
func TopN(entries []ScoreEntry, n int) []ScoreEntry {
	out := slices.Clone(entries)
	SortEntries(out)
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	if out == nil {
		out = []ScoreEntry{}
	}
	return out
}

// InsertTop returns a new leaderboard with entry added, sorted and capped at n
func InsertTop(entries []ScoreEntry, entry ScoreEntry, n int) []ScoreEntry {
	next := make([]ScoreEntry, 0, len(entries)+1)
	next = append(next, entries...)
	next = append(next, entry)
	return TopN(next, n)
}

// RemoveKey returns a copy of entries without the entry carrying key, and
// whether anything was removed.
func RemoveKey(entries []ScoreEntry, key string) ([]ScoreEntry, bool) {
	idx := slices.IndexFunc(entries, func(e ScoreEntry) bool { return e.Key == key })
	if key == "" || idx < 0 {
		return entries, false
	}
	next := make([]ScoreEntry, 0, len(entries)-1)
	next = append(next, entries[:idx]...)
	next = append(next, entries[idx+1:]...)
	return next, true
}

// Event types published on the score stream
const (
	EventTypeScoreAccepted = "score_accepted"
)

// ScoreEvent is published when an entry has been appended
type ScoreEvent struct {
	Type      string     `json:"type"`
	Entry     ScoreEntry `json:"entry"`
	Timestamp time.Time  `json:"timestamp"`
}
