// Package classifier implements multi-class account prediction with
// versioned model artifacts. Features are sparse token counts; the model is
// a multinomial naive Bayes, cheap enough for sub-millisecond single
// predictions and trivially serializable for content-addressed storage.
package classifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// Featurize converts a transaction into sparse feature tokens: word uni- and
// bigrams of the description, character trigrams of the normalized
// counterparty, a log-spaced amount bucket, day-of-week and MCC.
func Featurize(txn domain.Transaction) []string {
	var feats []string

	words := tokenize(txn.DescriptionRaw)
	for i, w := range words {
		feats = append(feats, "w:"+w)
		if i+1 < len(words) {
			feats = append(feats, "b:"+w+"_"+words[i+1])
		}
	}

	vendor := strings.ReplaceAll(txn.CounterpartyNorm, " ", "_")
	for i := 0; i+3 <= len(vendor); i++ {
		feats = append(feats, "c:"+vendor[i:i+3])
	}
	if txn.CounterpartyNorm != "" {
		feats = append(feats, "v:"+txn.CounterpartyNorm)
	}

	feats = append(feats, "amt:"+amountBucket(txn.AmountMinor))
	if txn.AmountMinor < 0 {
		feats = append(feats, "amt:neg")
	} else {
		feats = append(feats, "amt:pos")
	}
	feats = append(feats, fmt.Sprintf("dow:%d", int(txn.PostedAt.Weekday())))
	if txn.MCC != "" {
		feats = append(feats, "mcc:"+txn.MCC)
	}
	return feats
}

// amountBucket maps |amount| to a log10-spaced bin so 12.45 and 13.10 land
// together while 12.45 and 1245.00 do not.
func amountBucket(amountMinor int64) string {
	abs := amountMinor
	if abs < 0 {
		abs = -abs
	}
	if abs == 0 {
		return "zero"
	}
	bucket := int(math.Floor(math.Log10(float64(abs)) * 2)) // half-decade bins
	return fmt.Sprintf("log%d", bucket)
}

func tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 2 {
			out = append(out, f)
		}
	}
	return out
}
