// Package validate turns untrusted score submissions into typed payloads.
//
// Every input field is coerced the same loose way a browser would coerce it
// (numbers, numeric strings, booleans and null are accepted) and then bounded
// to a fixed range. A submission is either fully valid or rejected with a
// short reason that is safe to show to the caller.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

// Rejection reasons returned to the caller verbatim
const (
	ReasonBadJSON      = "Bad JSON"
	ReasonInvalidName  = "Invalid name"
	ReasonInvalidScore = "Invalid score"
	ReasonSanityCheck  = "Score failed sanity check"
)

// Heuristic thresholds
const (
	heuristicMinWaves      = 50
	heuristicKillsPerWaves = 3
)

// Rejection describes why a submission was refused
type Rejection struct {
	Reason string
	kind   error
}

func (r *Rejection) Error() string { return r.Reason }

// Unwrap exposes the domain error class of the rejection
func (r *Rejection) Unwrap() error { return r.kind }

func reject(kind error, reason string) *Rejection {
	return &Rejection{Reason: reason, kind: kind}
}

// Record is a decoded but unvalidated submission body
type Record map[string]json.RawMessage

// Decode parses a request body into a Record. Anything other than a JSON
// object is rejected.
func Decode(body []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil || rec == nil {
		return nil, reject(domain.ErrMalformedBody, ReasonBadJSON)
	}
	return rec, nil
}

// Fields validates every field of rec and returns the typed payload
func Fields(rec Record) (domain.ScorePayload, error) {
	name := SanitizeName(rec["name"])
	if name == "" {
		return domain.ScorePayload{}, reject(domain.ErrValidation, ReasonInvalidName)
	}

	waves, ok := ClampInt(requiredNumber(rec["waves"]), domain.MinWaves, domain.MaxWaves)
	if !ok {
		return domain.ScorePayload{}, reject(domain.ErrValidation, ReasonInvalidScore)
	}

	kills, okKills := ClampInt(optionalNumber(rec["kills"]), 0, domain.MaxKills)
	built, okBuilt := ClampInt(optionalNumber(rec["towers_built"]), 0, domain.MaxTowersBuilt)
	lost, okLost := ClampInt(optionalNumber(rec["towers_lost"]), 0, domain.MaxTowersLost)
	secs, okSecs := ClampInt(optionalNumber(rec["time_s"]), 0, domain.MaxTimeSeconds)
	if !okKills || !okBuilt || !okLost || !okSecs {
		return domain.ScorePayload{}, reject(domain.ErrValidation, ReasonInvalidScore)
	}

	return domain.ScorePayload{
		Name:        name,
		Waves:       waves,
		Kills:       kills,
		TowersBuilt: built,
		TowersLost:  lost,
		TimeSeconds: secs,
	}, nil
}

// Plausible applies the anti-spam floor: past wave 50 a run must average at
// least three kills per wave.
func Plausible(p domain.ScorePayload) error {
	if p.Waves > heuristicMinWaves && p.Kills < p.Waves*heuristicKillsPerWaves {
		return reject(domain.ErrValidation, ReasonSanityCheck)
	}
	return nil
}

// Validate runs Decode, Fields and Plausible in order
func Validate(body []byte) (domain.ScorePayload, error) {
	rec, err := Decode(body)
	if err != nil {
		return domain.ScorePayload{}, err
	}
	p, err := Fields(rec)
	if err != nil {
		return domain.ScorePayload{}, err
	}
	if err := Plausible(p); err != nil {
		return domain.ScorePayload{}, err
	}
	return p, nil
}

// ClampInt floors value and accepts it only when it is finite and inside
// [min, max].
func ClampInt(value float64, min, max int) (int, bool) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, false
	}
	f := math.Floor(value)
	if f < float64(min) || f > float64(max) {
		return 0, false
	}
	return int(f), true
}

func requiredNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return math.NaN()
	}
	return ToNumber(raw)
}

func optionalNumber(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return 0
	}
	return ToNumber(raw)
}

// ToNumber coerces a raw JSON value to a number. Values with no numeric
// meaning come back as NaN.
func ToNumber(raw json.RawMessage) float64 {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return math.NaN()
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return math.NaN()
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return 0
		}
		return parseFloat(s)
	case 't':
		return 1
	case 'f', 'n':
		return 0
	case '{', '[':
		return math.NaN()
	default:
		return parseFloat(string(raw))
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// Out of range values parse to ±Inf, which ClampInt rejects.
		if errors.Is(err, strconv.ErrRange) {
			return f
		}
		return math.NaN()
	}
	return f
}

// SanitizeName coerces a raw JSON value to a display name. Strings are used
// as-is, booleans become "true" or "false", numbers are printed the way a
// browser prints them (1e2 becomes "100"), and everything else becomes the
// empty string.
func SanitizeName(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	var s string
	switch raw[0] {
	case '"':
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
	case 't', 'f':
		s = string(raw)
	case 'n', '{', '[':
		return ""
	default:
		f, err := strconv.ParseFloat(string(raw), 64)
		if err != nil {
			return ""
		}
		s = formatNumber(f)
	}
	return CleanName(s)
}

// formatNumber prints f in the shortest form that round-trips, switching to
// exponent notation outside [1e-6, 1e21) with no zero padding in the exponent
func formatNumber(f float64) string {
	if f == 0 {
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}

	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	exp = strings.TrimLeft(exp[1:], "0")
	return mantissa + "e" + sign + exp
}

// CleanName strips C0 control characters and DEL, trims surrounding
// whitespace and truncates to the maximum name length.
func CleanName(s string) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if utf8.RuneCountInString(s) > domain.MaxNameLength {
		runes := []rune(s)
		s = string(runes[:domain.MaxNameLength])
	}
	return s
}
