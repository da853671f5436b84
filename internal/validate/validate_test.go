package validate

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

func TestClampInt(t *testing.T) {
	tests := []struct {
		name   string
		value  float64
		min    int
		max    int
		want   int
		wantOK bool
	}{
		{"inside", 10, 1, 500, 10, true},
		{"floors fraction", 10.9, 1, 500, 10, true},
		{"floors negative fraction down", -0.5, 0, 10, 0, false},
		{"lower bound", 1, 1, 500, 1, true},
		{"upper bound", 500, 1, 500, 500, true},
		{"upper bound fraction", 500.99, 1, 500, 500, true},
		{"above", 501, 1, 500, 0, false},
		{"below", 0, 1, 500, 0, false},
		{"nan", math.NaN(), 0, 10, 0, false},
		{"inf", math.Inf(1), 0, 10, 0, false},
		{"neg inf", math.Inf(-1), 0, 10, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ClampInt(tt.value, tt.min, tt.max)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestClampInt_MatchesFloorForIntegers(t *testing.T) {
	for n := -20; n <= 20; n++ {
		got, ok := ClampInt(float64(n), -5, 5)
		if n < -5 || n > 5 {
			assert.False(t, ok, "n=%d", n)
			continue
		}
		assert.True(t, ok, "n=%d", n)
		assert.Equal(t, n, got)
	}
}

func TestToNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		nan  bool
		inf  bool
	}{
		{raw: `12`, want: 12},
		{raw: `12.75`, want: 12.75},
		{raw: `"42"`, want: 42},
		{raw: `"  7 "`, want: 7},
		{raw: `""`, want: 0},
		{raw: `true`, want: 1},
		{raw: `false`, want: 0},
		{raw: `null`, want: 0},
		{raw: `"abc"`, nan: true},
		{raw: `"NaN"`, nan: true},
		{raw: `{}`, nan: true},
		{raw: `[1]`, nan: true},
		{raw: `"Infinity"`, inf: true},
		{raw: `1e400`, inf: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ToNumber(json.RawMessage(tt.raw))
			switch {
			case tt.nan:
				assert.True(t, math.IsNaN(got), "got %v", got)
			case tt.inf:
				assert.True(t, math.IsInf(got, 0), "got %v", got)
			default:
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`"Ace"`, "Ace"},
		{`"  Ace  "`, "Ace"},
		{`"A\u0000c\u001fe\u007f"`, "Ace"},
		{`"\u0001  \u0002"`, ""},
		{`"   "`, ""},
		{`""`, ""},
		{`null`, ""},
		{`{"a":1}`, ""},
		{`["x"]`, ""},
		{`123`, "123"},
		{`1e2`, "100"},
		{`12.50`, "12.5"},
		{`-0`, "0"},
		{`1e21`, "1e+21"},
		{`1.5e-7`, "1.5e-7"},
		{`0.000001`, "0.000001"},
		{`true`, "true"},
		{`false`, "false"},
		{`"abcdefghijklmnopqrstuvwxyz"`, "abcdefghijklmnopqrst"},
		{`"ééééééééééééééééééééééé"`, "éééééééééééééééééééé"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(json.RawMessage(tt.raw)))
		})
	}
}

func TestCleanName_Properties(t *testing.T) {
	inputs := []string{
		"", " ", "\t\n", "Ace", "\x00\x01\x02", "a\x7fb", strings.Repeat("x", 100),
		" \x03 leading", "trailing \x1b ", "日本語のなまえはとてもながいですねそうですねほんとうに",
	}

	for _, in := range inputs {
		out := CleanName(in)

		assert.LessOrEqual(t, utf8.RuneCountInString(out), domain.MaxNameLength, "input %q", in)
		for _, r := range out {
			assert.False(t, r < 0x20 || r == 0x7f, "control rune %U in %q", r, out)
		}

		stripped := strings.TrimSpace(strings.Map(func(r rune) rune {
			if r < 0x20 || r == 0x7f {
				return -1
			}
			return r
		}, in))
		assert.Equal(t, stripped == "", out == "", "input %q", in)
	}
}

func TestFields_Defaults(t *testing.T) {
	rec, err := Decode([]byte(`{"name":"Ace","waves":3}`))
	require.NoError(t, err)

	p, err := Fields(rec)
	require.NoError(t, err)

	assert.Equal(t, domain.ScorePayload{Name: "Ace", Waves: 3}, p)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    domain.ScorePayload
		reason  string
		errKind error
	}{
		{
			name: "full submission",
			body: `{"name":"Ace","waves":10,"kills":40,"towers_built":5,"towers_lost":1,"time_s":300}`,
			want: domain.ScorePayload{Name: "Ace", Waves: 10, Kills: 40, TowersBuilt: 5, TowersLost: 1, TimeSeconds: 300},
		},
		{
			name: "fractional values floor",
			body: `{"name":"Ace","waves":10.8,"kills":"40.2","time_s":299.999}`,
			want: domain.ScorePayload{Name: "Ace", Waves: 10, Kills: 40, TimeSeconds: 299},
		},
		{
			name: "client date and timestamp are ignored",
			body: `{"name":"Ace","waves":2,"date":"1999-01-01","timestamp":1}`,
			want: domain.ScorePayload{Name: "Ace", Waves: 2},
		},
		{name: "not json", body: `{"name":`, reason: ReasonBadJSON, errKind: domain.ErrMalformedBody},
		{name: "json array", body: `[1,2]`, reason: ReasonBadJSON, errKind: domain.ErrMalformedBody},
		{name: "json null", body: `null`, reason: ReasonBadJSON, errKind: domain.ErrMalformedBody},
		{name: "empty name", body: `{"name":"","waves":3}`, reason: ReasonInvalidName, errKind: domain.ErrValidation},
		{name: "missing name", body: `{"waves":3}`, reason: ReasonInvalidName, errKind: domain.ErrValidation},
		{name: "missing waves", body: `{"name":"Ace"}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "zero waves", body: `{"name":"Ace","waves":0}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "waves above bound", body: `{"name":"Ace","waves":501,"kills":5000}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "negative kills", body: `{"name":"Ace","waves":3,"kills":-1}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "time too long", body: `{"name":"Ace","waves":3,"time_s":86401}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "non numeric towers", body: `{"name":"Ace","waves":3,"towers_built":"many"}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "infinite kills", body: `{"name":"Ace","waves":3,"kills":"Infinity"}`, reason: ReasonInvalidScore, errKind: domain.ErrValidation},
		{name: "heuristic rejects", body: `{"name":"X","waves":60,"kills":50}`, reason: ReasonSanityCheck, errKind: domain.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate([]byte(tt.body))
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
				return
			}

			require.Error(t, err)
			var rej *Rejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.reason, rej.Reason)
			assert.ErrorIs(t, err, tt.errKind)
		})
	}
}

func TestPlausible(t *testing.T) {
	assert.Error(t, Plausible(domain.ScorePayload{Waves: 51, Kills: 100}))
	assert.NoError(t, Plausible(domain.ScorePayload{Waves: 51, Kills: 160}))
	assert.NoError(t, Plausible(domain.ScorePayload{Waves: 51, Kills: 153}))
	assert.Error(t, Plausible(domain.ScorePayload{Waves: 51, Kills: 152}))
	assert.NoError(t, Plausible(domain.ScorePayload{Waves: 50, Kills: 0}))
}
