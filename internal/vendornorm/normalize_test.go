package vendornorm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"plain", "AMAZON", "amazon"},
		{"pos prefix", "POS STARBUCKS", "starbucks"},
		{"square prefix", "SQ *BLUE BOTTLE COFFEE", "blue bottle coffee"},
		{"toast prefix", "TST*THE DINER", "the diner"},
		{"checkcard prefix", "CHECKCARD TRADER JOES", "trader joes"},
		{"store number", "STARBUCKS #1234", "starbucks"},
		{"store number no hash", "WALMART 4471", "walmart"},
		{"state suffix", "CHIPOTLE 0422 DENVER CO", "chipotle 0422 denver"},
		{"store number then state", "SAFEWAY #1199 WA", "safeway"},
		{"punctuation", "AMZN Mktp US*RT5WQ9", "amzn mktp us rt5wq9"},
		{"whitespace collapse", "  UBER   TRIP  ", "uber trip"},
		{"unicode fullwidth", "ＳＴＡＲＢＵＣＫＳ", "starbucks"},
		{"emoji stripped", "PIZZA 🍕 PLACE", "pizza place"},
		{"empty", "", ""},
		{"only decoration", "SQ *", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.raw))
		})
	}
}

// Idempotence is load-bearing: the normalized form keys the train/holdout
// split, so a second application must never move a vendor between sets.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"AMZN Mktp US*RT5WQ9",
		"SQ *COFFEE 22",
		"POS DEBIT CRD 0199 TARGET T-0422 SEATTLE WA",
		"STARBUCKS #1234 WA",
		"vendor-123",
		"ＭｃＤｏｎａｌｄｓ #88 🍔",
		"TST* TAQUERIA EL SOL CA",
		"",
	}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

func TestNormalizeDeterministic(t *testing.T) {
	in := "SQ *BLUE BOTTLE #22 OAKLAND CA"
	first := Normalize(in)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Normalize(in))
	}
}
